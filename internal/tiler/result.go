package tiler

import (
	"sync/atomic"
	"time"
)

// Result contains the outcome of one tiling run.
//
// Success is false when any decode, split or write failed, even if most of
// the pyramid was written. ZoomLevels is the pyramid length, or zero when the
// source could not be read.
type Result struct {
	Success      bool          `json:"success"`
	ZoomLevels   int           `json:"zoomLevels"`
	TilesWritten int64         `json:"tilesWritten"`
	TilesFailed  int64         `json:"tilesFailed"`
	PartsFailed  int64         `json:"partsFailed"`
	Duration     time.Duration `json:"duration"`
}

// tracker is the failure accumulator shared by every task of a run.
type tracker struct {
	failed      atomic.Bool
	written     atomic.Int64
	tilesFailed atomic.Int64
	partsFailed atomic.Int64
}

func (t *tracker) fail() { t.failed.Store(true) }

func (t *tracker) tileWritten() { t.written.Add(1) }

func (t *tracker) tileFailed() {
	t.tilesFailed.Add(1)
	t.fail()
}

func (t *tracker) partFailed() {
	t.partsFailed.Add(1)
	t.fail()
}

func (t *tracker) result(levels int, start time.Time) Result {
	return Result{
		Success:      !t.failed.Load(),
		ZoomLevels:   levels,
		TilesWritten: t.written.Load(),
		TilesFailed:  t.tilesFailed.Load(),
		PartsFailed:  t.partsFailed.Load(),
		Duration:     time.Since(start),
	}
}
