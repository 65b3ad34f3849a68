// Package job runs one tiling job end to end: fetch the source, open the
// destination, build the pyramid and report.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/kiesman99/deepzoom/internal/logging"
	"github.com/kiesman99/deepzoom/internal/region"
	"github.com/kiesman99/deepzoom/internal/sink"
	"github.com/kiesman99/deepzoom/internal/tiler"
	"github.com/kiesman99/deepzoom/pkg/tile"
)

// DefaultUserAgent is sent when fetching remote sources.
const DefaultUserAgent = "deepzoom/1.0.0"

// Job stages reported in Error.
const (
	StageSource = "source"
	StageOutput = "output"
	StageTiling = "tiling"
)

// ErrIncomplete means the pyramid was written only partially.
var ErrIncomplete = errors.New("pyramid incomplete")

// Options describes one job.
type Options struct {
	// Source is a file path, "-" for stdin, or an http(s) URL.
	Source string
	// Output is a destination understood by sink.Open.
	Output   string
	Clean    bool
	MinLevel int
	MaxLevel int
}

// Report is the outcome of a job.
type Report struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Output string `json:"output"`
	Bytes  int64  `json:"bytes"`
	tiler.Result
}

// Error represents a failed job stage
type Error struct {
	Stage  string
	Err    error
	Report Report
}

func (e *Error) Error() string {
	if e.Stage == StageTiling {
		return fmt.Sprintf("%s: %v (%d written, %d failed)", e.Stage, e.Err, e.Report.TilesWritten, e.Report.TilesFailed)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Runner runs jobs against a shared tiler.
type Runner struct {
	tiler     *tiler.Tiler
	processor *tile.Processor
	log       *slog.Logger
}

// NewRunner creates a new runner
func NewRunner(t *tiler.Tiler, userAgent string, log *slog.Logger) *Runner {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		tiler:     t,
		processor: tile.NewProcessor(userAgent, t.Config().Quality),
		log:       log,
	}
}

// Run executes a job. The report is filled in as far as the job got.
func (r *Runner) Run(ctx context.Context, opts Options) (Report, error) {
	rep := Report{ID: uuid.NewString(), Source: opts.Source, Output: opts.Output}
	ctx = logging.AppendCtx(ctx, slog.String("job", rep.ID))

	data, err := r.readSource(ctx, opts.Source)
	if err != nil {
		return rep, &Error{Stage: StageSource, Err: err, Report: rep}
	}
	rep.Bytes = int64(len(data))
	r.log.InfoContext(ctx, "source loaded", "source", opts.Source, "size", humanize.Bytes(uint64(rep.Bytes)))

	// nothing touches the destination until the request is known to be
	// tileable; a clean run removes existing tiles.
	if err := tiler.CheckRange(opts.MinLevel, opts.MaxLevel); err != nil {
		return rep, &Error{Stage: StageTiling, Err: err, Report: rep}
	}
	dec, err := region.NewImageDecoder(data, r.tiler.Config().Resample)
	if err != nil {
		return rep, &Error{Stage: StageSource, Err: err, Report: rep}
	}
	r.log.DebugContext(ctx, "source opened", "format", dec.Format(), "size", dec.Dimensions().String())

	out, err := sink.Open(ctx, opts.Output, r.tiler.Config().Format, opts.Clean)
	if err != nil {
		return rep, &Error{Stage: StageOutput, Err: err, Report: rep}
	}

	res, err := r.tiler.TileDecoder(ctx, dec, out, opts.MinLevel, opts.MaxLevel)
	closeErr := out.Close()
	rep.Result = res
	if err != nil {
		return rep, &Error{Stage: StageTiling, Err: err, Report: rep}
	}
	if closeErr != nil {
		return rep, &Error{Stage: StageOutput, Err: fmt.Errorf("closing %s: %w", out, closeErr), Report: rep}
	}
	if !res.Success {
		return rep, &Error{Stage: StageTiling, Err: ErrIncomplete, Report: rep}
	}

	r.log.InfoContext(ctx, "job finished",
		"output", out.String(),
		"levels", res.ZoomLevels,
		"tiles", humanize.Comma(res.TilesWritten),
		"elapsed", res.Duration)
	return rep, nil
}

func (r *Runner) readSource(ctx context.Context, src string) ([]byte, error) {
	switch {
	case src == "":
		return nil, errors.New("no source given")
	case src == "-":
		if stat, _ := os.Stdin.Stat(); stat != nil && (stat.Mode()&os.ModeCharDevice) != 0 {
			return nil, errors.New("source is standard input and standard input is a terminal")
		}
		return io.ReadAll(os.Stdin)
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		data, err := r.processor.Download(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("can't retrieve %s: %w", src, err)
		}
		return data, nil
	}
	return os.ReadFile(src)
}
