package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v3"

	"github.com/kiesman99/deepzoom/pkg/tile"
)

// Badger stores each tile as one key-value pair keyed by
// {level}/{column}/{row}.{ext}.
type Badger struct {
	db   *badger.DB
	path string
	ext  string
}

// OpenBadger opens (or creates) a badger store in dir. An empty dir keeps the
// store in memory.
func OpenBadger(dir string, format tile.Format, clean bool) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store %q: %w", dir, err)
	}
	if clean {
		if err := db.DropAll(); err != nil {
			db.Close()
			return nil, fmt.Errorf("clearing badger store %q: %w", dir, err)
		}
	}
	return &Badger{db: db, path: dir, ext: format.Ext()}, nil
}

func (b *Badger) String() string {
	if b.path == "" {
		return "badger (in memory)"
	}
	return "badger://" + b.path
}

// Close flushes and closes the store.
func (b *Badger) Close() error { return b.db.Close() }

// Key is the store key of a tile.
func (b *Badger) Key(c tile.Coord) []byte {
	return []byte(fmt.Sprintf("%d/%d/%d.%s", c.Level, c.Column, c.Row, b.ext))
}

// Level implements tile.Sink.
func (b *Badger) Level(level int) tile.LevelSink {
	return badgerLevel{b: b, level: level}
}

type badgerLevel struct {
	b     *Badger
	level int
}

func (l badgerLevel) Column(column int) tile.ColumnSink {
	return badgerColumn{b: l.b, level: l.level, column: column}
}

type badgerColumn struct {
	b             *Badger
	level, column int
}

func (c badgerColumn) Tile(ctx context.Context, row int) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &badgerWriter{
		db:  c.b.db,
		key: c.b.Key(tile.Coord{Level: c.level, Column: c.column, Row: row}),
	}, nil
}

// badgerWriter buffers an encoded tile and stores it on Close.
type badgerWriter struct {
	bytes.Buffer
	db  *badger.DB
	key []byte
}

// Abort implements tile.Aborter. Nothing was stored yet.
func (w *badgerWriter) Abort() error {
	w.Reset()
	return nil
}

func (w *badgerWriter) Close() error {
	return w.db.Update(func(txn *badger.Txn) error {
		return txn.Set(w.key, w.Bytes())
	})
}
