// Package main replays splat and LAS files through a headless splat mesh and prints what it
// would draw.
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"go.viam.com/splatstream/config"
	"go.viam.com/splatstream/gpu/fake"
	"go.viam.com/splatstream/logging"
	"go.viam.com/splatstream/pointcloud"
	"go.viam.com/splatstream/sorter"
	"go.viam.com/splatstream/splatmesh"
	"go.viam.com/splatstream/tileset"
)

const (
	flagConfig   = "config"
	flagFrames   = "frames"
	flagDebug    = "debug"
	flagTrace    = "trace-frame"
	flagSnapshot = "snapshot"
	flagSize     = "snapshot-size"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "replay",
		Usage:     "stream splat tiles through a headless splat mesh",
		ArgsUsage: "FILE...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load mesh configuration from `FILE`",
			},
			&cli.IntFlag{
				Name:  flagFrames,
				Value: 60,
				Usage: "number of frames to orbit the camera for",
			},
			&cli.IntFlag{
				Name:  flagTrace,
				Value: -1,
				Usage: "log every step of frame `N` regardless of log level",
			},
			&cli.StringFlag{
				Name:  flagSnapshot,
				Usage: "write the last frame as a PNG to `FILE`",
			},
			&cli.IntFlag{
				Name:  flagSize,
				Value: 512,
				Usage: "snapshot width and height in pixels",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Action: replay,
	}
}

func replay(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("no tile files given")
	}
	logger := logging.NewLogger("replay")
	if c.Bool(flagDebug) {
		logger = logging.NewDebugLogger("replay")
	}

	cfg := config.Default()
	if path := c.String(flagConfig); path != "" {
		var err error
		if cfg, err = config.Read(path); err != nil {
			return err
		}
	}

	tiles, err := decodeAll(c.Context, c.Args().Slice(), logger)
	if err != nil {
		return err
	}

	device := fake.NewDevice(logger)
	mesh, err := splatmesh.New(cfg, device, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := mesh.Close(); closeErr != nil {
			logger.Errorw("cannot close splat mesh", "error", closeErr)
		}
	}()

	bounds := pointcloud.NewBounds()
	for _, buf := range tiles {
		for i := 0; i < buf.Count; i++ {
			bounds.Merge(buf.Position(i))
		}
	}
	orbit := newOrbit(bounds.Sphere())
	adapter := tileset.NewAdapter(mesh, orbit, logger)
	for _, buf := range tiles {
		if err := adapter.OnLoadModel(tileset.TileKey(uuid.NewString()), tileset.Content{Buffer: buf}); err != nil {
			return err
		}
	}
	if err := mesh.Flush(c.Context); err != nil {
		return err
	}

	frames := c.Int(flagFrames)
	frameTimes := make([]float64, 0, frames)
	for frame := 0; frame < frames; frame++ {
		start := time.Now()
		ctx := c.Context
		if frame == c.Int(flagTrace) {
			ctx = logging.EnableDebugMode(ctx, fmt.Sprintf("frame-%d", frame))
		}
		orbit.angle = 2 * math.Pi * float64(frame) / float64(frames)
		adapter.OnUpdateBefore()
		adapter.OnUpdateAfter(ctx)
		if err := mesh.Flush(ctx); err != nil {
			return err
		}
		device.Frame()
		frameTimes = append(frameTimes, float64(time.Since(start))/float64(time.Millisecond))
	}

	if path := c.String(flagSnapshot); path != "" {
		dc, err := snapshot(device, orbit.Camera(), c.Int(flagSize))
		if err != nil {
			return err
		}
		if err := dc.SavePNG(path); err != nil {
			return errors.Wrapf(err, "cannot write snapshot %q", path)
		}
	}

	printStats(c, mesh.Stats(), device.Frames(), frameTimes)
	return nil
}

func decodeAll(ctx context.Context, files []string, logger logging.Logger) ([]*pointcloud.AttributeBuffer, error) {
	tiles := make([]*pointcloud.AttributeBuffer, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, fn := range files {
		i, fn := i, fn
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			buf, err := pointcloud.NewFromFile(fn, logger)
			if err != nil {
				return errors.Wrapf(err, "cannot read %q", fn)
			}
			logger.Debugw("decoded tile", "file", fn, "splats", buf.Count)
			tiles[i] = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tiles, nil
}

// orbit circles a bounding sphere, looking at its center from above.
type orbit struct {
	sphere pointcloud.Sphere
	angle  float64
}

func newOrbit(sphere pointcloud.Sphere) *orbit {
	if sphere.Radius == 0 {
		sphere.Radius = 1
	}
	return &orbit{sphere: sphere}
}

func (o *orbit) Camera() sorter.Camera {
	distance := 2 * o.sphere.Radius
	pos := o.sphere.Center.Add(r3.Vector{
		X: distance * math.Cos(o.angle),
		Y: distance * math.Sin(o.angle),
		Z: distance / 2,
	})
	return sorter.Camera{Position: pos, Direction: o.sphere.Center.Sub(pos)}
}

func printStats(c *cli.Context, st splatmesh.Stats, frames int, frameTimes []float64) {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRow(table.Row{"frames", frames})
	if mean, err := stats.Mean(frameTimes); err == nil {
		p95, _ := stats.Percentile(frameTimes, 95)
		t.AppendRow(table.Row{"frame time", fmt.Sprintf("%.2fms mean, %.2fms p95", mean, p95)})
	}
	t.AppendRow(table.Row{"atlas", fmt.Sprintf("%dx%d", st.AtlasWidth, st.AtlasHeight)})
	t.AppendRow(table.Row{"used lines", st.UsedLines})
	t.AppendRow(table.Row{"growths", st.Growths})
	t.AppendRow(table.Row{"instances", st.InstanceCount})
	t.AppendRow(table.Row{"sorts", fmt.Sprintf("%d completed, %d skipped, %d failed",
		st.SortsCompleted, st.SortsSkipped, st.SortFailures)})

	states := make([]string, 0, len(st.Tiles))
	for state, n := range st.Tiles {
		states = append(states, fmt.Sprintf("%s=%d", state, n))
	}
	sort.Strings(states)
	t.AppendRow(table.Row{"tiles", strings.Join(states, " ")})
	fmt.Fprintln(c.App.Writer, t.Render())
}
