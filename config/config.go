// Package config holds the settings of a splat mesh.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/splatstream/logging"
)

// MaxDrawIndexTexels is the largest atlas whose texel offsets a float32 draw index holds exactly.
const MaxDrawIndexTexels = 1 << 24

// Defaults applied by ApplyDefaults.
const (
	DefaultTextureWidth         = 1024
	DefaultInitialTextureHeight = 64
	DefaultMaxTextureWidth      = 4096
	DefaultMaxTextureHeight     = 4096
	DefaultTransformWorkers     = 4
	DefaultWorkerIdleTimeout    = time.Minute
	DefaultTransformTimeout     = 30 * time.Second
	DefaultSortTimeout          = 5 * time.Second
	DefaultSortEpsilon          = 1e-4
	DefaultParallelThreshold    = 1 << 16
	DefaultLogLevel             = "info"
)

// Config configures a splat mesh.
type Config struct {
	// TextureWidth is the initial atlas width in texels.
	TextureWidth int `json:"texture_width,omitempty"`
	// InitialTextureHeight is the initial atlas height in lines.
	InitialTextureHeight int `json:"initial_texture_height,omitempty"`
	// MaxTextureWidth and MaxTextureHeight bound atlas growth.
	MaxTextureWidth  int `json:"max_texture_width,omitempty"`
	MaxTextureHeight int `json:"max_texture_height,omitempty"`
	// RGBACovariants stores the second covariance texture as RGBA instead of RG.
	RGBACovariants bool `json:"rgba_covariants,omitempty"`

	TransformWorkers  int           `json:"transform_workers,omitempty"`
	WorkerIdleTimeout time.Duration `json:"worker_idle_timeout,omitempty"`
	TransformTimeout  time.Duration `json:"transform_timeout,omitempty"`
	SortTimeout       time.Duration `json:"sort_timeout,omitempty"`
	// TransformRetries is how many times a failed transform is dispatched again. Zero disables
	// retries.
	TransformRetries int `json:"transform_retries,omitempty"`
	// SortEpsilon is how far the camera must move before an unflagged re-sort.
	SortEpsilon float64 `json:"sort_epsilon,omitempty"`
	// ParallelThreshold is the splat count from which one transform uses several goroutines.
	ParallelThreshold int `json:"parallel_threshold,omitempty"`

	LogLevel string `json:"log_level,omitempty"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (cfg *Config) ApplyDefaults() {
	setDefault(&cfg.TextureWidth, DefaultTextureWidth)
	setDefault(&cfg.InitialTextureHeight, DefaultInitialTextureHeight)
	setDefault(&cfg.MaxTextureWidth, max(DefaultMaxTextureWidth, cfg.TextureWidth))
	setDefault(&cfg.MaxTextureHeight, max(DefaultMaxTextureHeight, cfg.InitialTextureHeight))
	setDefault(&cfg.TransformWorkers, DefaultTransformWorkers)
	setDefault(&cfg.WorkerIdleTimeout, DefaultWorkerIdleTimeout)
	setDefault(&cfg.TransformTimeout, DefaultTransformTimeout)
	setDefault(&cfg.SortTimeout, DefaultSortTimeout)
	setDefault(&cfg.SortEpsilon, DefaultSortEpsilon)
	setDefault(&cfg.ParallelThreshold, DefaultParallelThreshold)
	setDefault(&cfg.LogLevel, DefaultLogLevel)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate ensures all parts of the config are valid. path prefixes field names in errors.
func (cfg *Config) Validate(path string) error {
	for _, field := range []struct {
		name  string
		value int
	}{
		{"texture_width", cfg.TextureWidth},
		{"initial_texture_height", cfg.InitialTextureHeight},
		{"max_texture_width", cfg.MaxTextureWidth},
		{"max_texture_height", cfg.MaxTextureHeight},
		{"transform_workers", cfg.TransformWorkers},
	} {
		if field.value == 0 {
			return utils.NewConfigValidationFieldRequiredError(path, field.name)
		}
		if field.value < 0 {
			return utils.NewConfigValidationError(path, errors.Errorf("%s cannot be negative", field.name))
		}
	}
	if cfg.MaxTextureWidth < cfg.TextureWidth {
		return utils.NewConfigValidationError(path, errors.Errorf(
			"max_texture_width %d is below texture_width %d", cfg.MaxTextureWidth, cfg.TextureWidth))
	}
	if cfg.MaxTextureHeight < cfg.InitialTextureHeight {
		return utils.NewConfigValidationError(path, errors.Errorf(
			"max_texture_height %d is below initial_texture_height %d", cfg.MaxTextureHeight, cfg.InitialTextureHeight))
	}
	if texels := cfg.MaxTextureWidth * cfg.MaxTextureHeight; texels > MaxDrawIndexTexels {
		return utils.NewConfigValidationError(path, errors.Errorf(
			"atlas of up to %d texels exceeds the draw index limit of %d", texels, MaxDrawIndexTexels))
	}
	if cfg.TransformRetries < 0 {
		return utils.NewConfigValidationError(path, errors.New("transform_retries cannot be negative"))
	}
	if cfg.ParallelThreshold < 0 {
		return utils.NewConfigValidationError(path, errors.New("parallel_threshold cannot be negative"))
	}
	if cfg.SortEpsilon < 0 {
		return utils.NewConfigValidationError(path, errors.New("sort_epsilon cannot be negative"))
	}
	for name, d := range map[string]time.Duration{
		"worker_idle_timeout": cfg.WorkerIdleTimeout,
		"transform_timeout":   cfg.TransformTimeout,
		"sort_timeout":        cfg.SortTimeout,
	} {
		if d < 0 {
			return utils.NewConfigValidationError(path, errors.Errorf("%s cannot be negative", name))
		}
	}
	if cfg.LogLevel != "" {
		if _, err := logging.LevelFromString(cfg.LogLevel); err != nil {
			return utils.NewConfigValidationError(path, err)
		}
	}
	return nil
}

// Level returns the configured log level, INFO when unset.
func (cfg *Config) Level() logging.Level {
	level, err := logging.LevelFromString(cfg.LogLevel)
	if err != nil {
		return logging.INFO
	}
	return level
}

// FromAttributes decodes an attribute map, such as a decoded JSON object, into a Config.
// Durations may be given as strings like "5s" or as nanoseconds.
func FromAttributes(attrs map[string]interface{}) (*Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      &cfg,
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "error creating attribute decoder")
	}
	if err := decoder.Decode(attrs); err != nil {
		return nil, errors.Wrap(err, "error decoding splat mesh attributes")
	}
	return &cfg, nil
}

// Read reads a JSON config file, applies defaults and validates it.
func Read(path string) (*Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config %q", path)
	}
	var attrs map[string]interface{}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, errors.Wrapf(err, "failed to decode config %q from json", path)
	}
	cfg, err := FromAttributes(attrs)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate("splat_mesh"); err != nil {
		return nil, err
	}
	return cfg, nil
}
