package tile

import (
	"context"
	"io"
)

// Sink is the addressable output of a tiling run.
//
// Tiles are addressed as level, column, row. Level 0 is the coarsest level,
// column 0 is the left edge and row 0 is the top edge of the image. Consumers
// of the produced grid must use the same top-left origin.
//
// Tiles are written from many goroutines; implementations must be safe for
// concurrent use at every level of the hierarchy.
type Sink interface {
	Level(level int) LevelSink
}

// LevelSink addresses the columns of one zoom level.
type LevelSink interface {
	Column(column int) ColumnSink
}

// ColumnSink opens writable destinations for the tiles of one column.
// Each returned writer receives one encoded tile and is finished exactly
// once, by Close to store it or by Abort to discard it. An error from Close
// means the tile was not stored.
type ColumnSink interface {
	Tile(ctx context.Context, row int) (io.WriteCloser, error)
}

// Open is a shorthand for sink.Level(c.Level).Column(c.Column).Tile(ctx, c.Row).
func Open(ctx context.Context, sink Sink, c Coord) (io.WriteCloser, error) {
	return sink.Level(c.Level).Column(c.Column).Tile(ctx, c.Row)
}

// Aborter is implemented by tile writers that can discard a partly written
// tile instead of storing it.
type Aborter interface {
	Abort() error
}

// Abort discards w. Writers without an Abort method are closed and whatever
// they stored is left to the sink.
func Abort(w io.WriteCloser) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort()
	}
	return w.Close()
}
