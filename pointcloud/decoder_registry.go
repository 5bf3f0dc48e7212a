package pointcloud

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/mitchellh/copystructure"
	"github.com/pkg/errors"

	"go.viam.com/splatstream/logging"
)

// CreateDecoder builds a decoder that logs to logger.
type CreateDecoder func(logger logging.Logger) Decoder

// DecoderRegistration stores a Decoder constructor (mandatory).
type DecoderRegistration struct {
	Constructor CreateDecoder
	// RegistrarLoc is the file and line that registered the decoder.
	RegistrarLoc string
}

var (
	decoderRegistryMu sync.RWMutex
	decoderRegistry   = make(map[string]DecoderRegistration)
)

func init() {
	RegisterDecoder(ContentTypeSplat, DecoderRegistration{
		Constructor: func(logging.Logger) Decoder { return DecoderFunc(ReadSplat) },
	})
	RegisterDecoder(ContentTypeLAS, DecoderRegistration{
		Constructor: func(logger logging.Logger) Decoder {
			return DecoderFunc(func(r io.Reader) (*AttributeBuffer, error) {
				return readLASFromReader(r, DefaultLASPointScale, logger)
			})
		},
	})
}

func normalizeContentType(contentType string) string {
	return strings.TrimPrefix(strings.ToLower(contentType), ".")
}

func callerLoc() string {
	if _, file, line, ok := runtime.Caller(2); ok {
		return fmt.Sprintf("%s:%d", file, line)
	}
	return "unknown"
}

// RegisterDecoder registers a decoder for a content type or file extension. Registering the
// same content type twice panics.
func RegisterDecoder(contentType string, creator DecoderRegistration) {
	creator.RegistrarLoc = callerLoc()
	contentType = normalizeContentType(contentType)
	if creator.Constructor == nil {
		panic(errors.Errorf("cannot register a nil constructor for decoder: %s", contentType))
	}
	decoderRegistryMu.Lock()
	defer decoderRegistryMu.Unlock()
	if old, ok := decoderRegistry[contentType]; ok {
		panic(errors.Errorf("trying to register two decoders for %s (first registered at %s)", contentType, old.RegistrarLoc))
	}
	decoderRegistry[contentType] = creator
}

// RegisteredDecoders returns a copy of the registered decoders.
func RegisteredDecoders() map[string]DecoderRegistration {
	decoderRegistryMu.RLock()
	defer decoderRegistryMu.RUnlock()
	copied, err := copystructure.Copy(decoderRegistry)
	if err != nil {
		panic(err)
	}
	return copied.(map[string]DecoderRegistration)
}

// DecoderFor returns the decoder registered for a content type or file extension.
func DecoderFor(contentType string, logger logging.Logger) (Decoder, error) {
	decoderRegistryMu.RLock()
	registration, ok := decoderRegistry[normalizeContentType(contentType)]
	decoderRegistryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("do not know how to decode %q", contentType)
	}
	return registration.Constructor(logger), nil
}
