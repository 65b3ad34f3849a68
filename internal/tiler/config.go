package tiler

import (
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"runtime"

	"github.com/kiesman99/deepzoom/internal/pool"
	"github.com/kiesman99/deepzoom/internal/pyramid"
	"github.com/kiesman99/deepzoom/internal/region"
	"github.com/kiesman99/deepzoom/pkg/tile"
)

// Defaults
const (
	DefaultTileSize  = 256
	DefaultQuality   = 90
	DefaultIOThreads = 4
)

// Config contains all tiling parameters. Zero values are replaced by defaults.
type Config struct {
	TileSize   int
	Format     tile.Format
	Background color.Color
	Quality    int
	MaxLevels  int
	SliceSize  int
	Resample   region.Resample

	// Strategy overrides the default power-of-two pyramid.
	Strategy pyramid.Strategy

	// Compute runs decode and split work, IO runs encode and write work.
	// Pools passed in are owned by the caller; missing pools are created by
	// New and released by Close.
	Compute *pool.Pool
	IO      *pool.Pool

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.TileSize == 0 {
		c.TileSize = DefaultTileSize
	}
	if c.Background == nil {
		c.Background = tile.Gray
	}
	if c.Quality == 0 {
		c.Quality = DefaultQuality
	}
	if c.MaxLevels == 0 {
		c.MaxLevels = pyramid.DefaultMaxLevels
	}
	if c.SliceSize == 0 {
		c.SliceSize = region.DefaultSliceSize
	}
	if c.Strategy == nil {
		c.Strategy = pyramid.Default{TileSize: c.TileSize, MaxLevels: c.MaxLevels}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// DefaultComputeThreads is the compute pool size used when none is given.
func DefaultComputeThreads() int {
	return runtime.NumCPU()
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.TileSize < 1 {
		errs = append(errs, fmt.Errorf("tile size must be positive, got %d", c.TileSize))
	}
	if c.SliceSize < 2*c.TileSize {
		errs = append(errs, fmt.Errorf("slice size %d must be at least two tiles (%d)", c.SliceSize, 2*c.TileSize))
	}
	if c.MaxLevels < 1 {
		errs = append(errs, fmt.Errorf("max levels must be positive, got %d", c.MaxLevels))
	}
	if c.Quality < 1 || c.Quality > 100 {
		errs = append(errs, fmt.Errorf("quality must be within 1..100, got %d", c.Quality))
	}
	if c.Format != tile.FormatJPEG && c.Format != tile.FormatPNG {
		errs = append(errs, fmt.Errorf("%w: %v", tile.ErrUnknownFormat, c.Format))
	}
	return errors.Join(errs...)
}
