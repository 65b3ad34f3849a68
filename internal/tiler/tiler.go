// Package tiler builds deep zoom tile pyramids from a source image.
package tiler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kiesman99/deepzoom/internal/logging"
	"github.com/kiesman99/deepzoom/internal/pool"
	"github.com/kiesman99/deepzoom/internal/pyramid"
	"github.com/kiesman99/deepzoom/internal/region"
	"github.com/kiesman99/deepzoom/internal/split"
	"github.com/kiesman99/deepzoom/pkg/tile"
)

// AllLevels is the open upper bound of a level range.
const AllLevels = math.MaxInt

// ErrInvalidLevelRange is returned for a negative or inverted level range.
var ErrInvalidLevelRange = errors.New("invalid level range")

// Tiler performs tiling runs. A Tiler holds no per-run state and may be used
// for several runs at once.
type Tiler struct {
	cfg       Config
	splitter  split.Splitter
	processor *tile.Processor
	log       *slog.Logger

	ownedPools []*pool.Pool
}

// New creates a tiler from cfg.
func New(cfg Config) (*Tiler, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tiler config: %w", err)
	}

	t := &Tiler{
		cfg: cfg,
		splitter: split.Splitter{
			TileSize:   cfg.TileSize,
			Format:     cfg.Format,
			Background: cfg.Background,
		},
		processor: tile.NewProcessor("", cfg.Quality),
		log:       cfg.Logger,
	}
	if t.cfg.Compute == nil {
		t.cfg.Compute = pool.New("compute", DefaultComputeThreads())
		t.ownedPools = append(t.ownedPools, t.cfg.Compute)
	}
	if t.cfg.IO == nil {
		t.cfg.IO = pool.New("io", DefaultIOThreads)
		t.ownedPools = append(t.ownedPools, t.cfg.IO)
	}
	return t, nil
}

// Config returns the effective configuration.
func (t *Tiler) Config() Config { return t.cfg }

// Close shuts down the pools created by New. Injected pools are left alone.
func (t *Tiler) Close(timeout time.Duration) error {
	var errs []error
	for _, p := range t.ownedPools {
		errs = append(errs, p.Shutdown(timeout))
	}
	return errors.Join(errs...)
}

// Plan describes the pyramid that would be produced for an image.
func (t *Tiler) Plan(dims tile.Dimensions) []pyramid.Level {
	return pyramid.Describe(t.cfg.Strategy, dims.Width, dims.Height, t.cfg.TileSize)
}

// CheckRange rejects a negative or inverted level range.
func CheckRange(minLevel, maxLevel int) error {
	if minLevel < 0 || maxLevel < minLevel {
		return fmt.Errorf("%w: %d..%d", ErrInvalidLevelRange, minLevel, maxLevel)
	}
	return nil
}

// TileImage reads src once and writes the levels minLevel..maxLevel of its
// pyramid to sink. The error is non-nil only for an invalid level range;
// every other failure is reported through Result.Success.
func (t *Tiler) TileImage(ctx context.Context, src io.Reader, sink tile.Sink, minLevel, maxLevel int) (Result, error) {
	if err := CheckRange(minLevel, maxLevel); err != nil {
		return Result{}, err
	}
	start := time.Now()

	data, err := io.ReadAll(src)
	if err != nil {
		t.log.ErrorContext(ctx, "reading source", "error", err)
		return Result{Duration: time.Since(start)}, nil
	}
	dec, err := region.NewImageDecoder(data, t.cfg.Resample)
	if err != nil {
		t.log.ErrorContext(ctx, "opening source", "bytes", humanize.Bytes(uint64(len(data))), "error", err)
		return Result{Duration: time.Since(start)}, nil
	}
	t.log.DebugContext(ctx, "source opened",
		"format", dec.Format(),
		"size", dec.Dimensions().String(),
		"bytes", humanize.Bytes(uint64(len(data))))

	return t.TileDecoder(ctx, dec, sink, minLevel, maxLevel)
}

// TileDecoder is TileImage for an already opened source.
func (t *Tiler) TileDecoder(ctx context.Context, dec region.Decoder, sink tile.Sink, minLevel, maxLevel int) (Result, error) {
	if err := CheckRange(minLevel, maxLevel); err != nil {
		return Result{}, err
	}
	start := time.Now()

	dims := dec.Dimensions()
	if !dims.Valid() {
		t.log.ErrorContext(ctx, "source has no pixels", "size", dims.String())
		return Result{Duration: time.Since(start)}, nil
	}

	factors := t.cfg.Strategy.ZoomFactors(dims.Width, dims.Height)
	levels := len(factors)
	if minLevel > levels-1 {
		t.log.InfoContext(ctx, "nothing to do", "minLevel", minLevel, "levels", levels)
		return Result{Success: true, ZoomLevels: levels, Duration: time.Since(start)}, nil
	}
	maxLevel = min(maxLevel, levels-1)

	t.log.InfoContext(ctx, "tiling",
		"size", dims.String(),
		"levels", levels,
		"range", fmt.Sprintf("%d..%d", minLevel, maxLevel),
		"extremeThreshold", region.ExtremeThreshold(factors, t.cfg.SliceSize, t.cfg.TileSize),
		"format", t.cfg.Format.String())

	reader := region.NewReader(dec)
	if reader.Serial() {
		t.log.DebugContext(ctx, "decoder is not concurrent, serializing decodes")
	}
	tr := &tracker{}

	// Finest level first: the most expensive work starts before the pool
	// fills up with cheap coarse levels.
	var compute []*pool.Future[[]*pool.Future[tile.Coord]]
	for level := maxLevel; level >= minLevel; level-- {
		level, subsample := level, factors[level]
		compute = append(compute, pool.Submit(ctx, t.cfg.Compute,
			func(ctx context.Context) ([]*pool.Future[tile.Coord], error) {
				return t.tileLevel(ctx, reader, sink, level, subsample, tr), nil
			}))
	}

	var writes []*pool.Future[tile.Coord]
	for _, f := range compute {
		w, err := f.Get()
		if err != nil {
			tr.fail()
			t.log.ErrorContext(ctx, "level failed", "error", err)
		}
		writes = append(writes, w...)
	}
	for _, f := range writes {
		if _, err := f.Get(); err != nil {
			tr.tileFailed()
			t.log.ErrorContext(ctx, "tile failed", "error", err)
			continue
		}
		tr.tileWritten()
	}

	res := tr.result(levels, start)
	t.log.InfoContext(ctx, "tiling finished",
		"success", res.Success,
		"levels", res.ZoomLevels,
		"written", humanize.Comma(res.TilesWritten),
		"failed", humanize.Comma(res.TilesFailed),
		"elapsed", res.Duration)
	return res, nil
}

// tileLevel decodes and splits one level and returns the write futures of
// its tiles. Failed parts are recorded and skipped.
func (t *Tiler) tileLevel(ctx context.Context, reader *region.Reader, sink tile.Sink, level, subsample int, tr *tracker) []*pool.Future[tile.Coord] {
	ctx = logging.AppendCtx(ctx, slog.Int("level", level), slog.Int("subsample", subsample))
	timer := logging.Start(t.log, "level split")

	parts := region.Plan(reader.Dimensions(), subsample, t.cfg.SliceSize, t.cfg.TileSize)

	var writes []*pool.Future[tile.Coord]
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			tr.fail()
			t.log.WarnContext(ctx, "level abandoned", "error", err)
			break
		}

		tiles, err := t.cutPart(ctx, reader, part, level, subsample)
		if err != nil {
			tr.partFailed()
			t.log.ErrorContext(ctx, "part failed",
				"slice", part.Slice.String(),
				"whole", part.Whole,
				"error", err)
			continue
		}

		for _, tl := range tiles {
			writes = append(writes, pool.Submit(ctx, t.cfg.IO, t.writeTile(sink, tl)))
		}
	}

	timer.Done(ctx,
		"parts", len(parts),
		"tiles", humanize.Comma(int64(len(writes))),
		"ioRunning", t.cfg.IO.Running())
	return writes
}

// cutPart decodes one part and splits it into tiles. A panic in the decoder
// or splitter fails only this part, so the writes already submitted for
// earlier parts are still returned and joined.
func (t *Tiler) cutPart(ctx context.Context, reader *region.Reader, part region.Part, level, subsample int) (tiles []tile.Tile, err error) {
	defer func() {
		if r := recover(); r != nil {
			tiles, err = nil, fmt.Errorf("%w: %v", pool.ErrPanic, r)
		}
	}()

	buf, err := reader.Read(ctx, part, subsample)
	if err != nil {
		return nil, err
	}
	return t.splitter.Split(buf, level, part.StartCol, part.StartRow), nil
}

// writeTile encodes one tile into its sink destination. A tile that fails
// to encode is aborted so the sink does not keep a partial tile.
func (t *Tiler) writeTile(sink tile.Sink, tl tile.Tile) func(context.Context) (tile.Coord, error) {
	return func(ctx context.Context) (tile.Coord, error) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		w, err := tile.Open(ctx, sink, tl.Coord)
		if err != nil {
			return tl.Coord, fmt.Errorf("opening tile %s: %w", tl.Coord, err)
		}
		if err := t.processor.Encode(w, tl.Image, t.cfg.Format); err != nil {
			cancel()
			if abortErr := tile.Abort(w); abortErr != nil {
				t.log.WarnContext(ctx, "discarding tile", "tile", tl.Coord.String(), "error", abortErr)
			}
			return tl.Coord, fmt.Errorf("encoding tile %s: %w", tl.Coord, err)
		}
		if err := w.Close(); err != nil {
			return tl.Coord, fmt.Errorf("storing tile %s: %w", tl.Coord, err)
		}
		return tl.Coord, nil
	}
}
