// Package sink provides tile.Sink implementations backed by a directory, a
// gocloud blob bucket or a badger key-value store.
package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kiesman99/deepzoom/pkg/tile"
)

// File writes tiles to {dir}/{level}/{column}/{row}.{ext}.
type File struct {
	dir string
	ext string
}

// NewFile creates the output directory. With clean set, an existing
// directory is removed first.
func NewFile(dir string, format tile.Format, clean bool) (*File, error) {
	if clean {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("cleaning %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	return &File{dir: dir, ext: format.Ext()}, nil
}

func (f *File) String() string { return f.dir }

// Close implements io.Closer.
func (f *File) Close() error { return nil }

// Level implements tile.Sink.
func (f *File) Level(level int) tile.LevelSink {
	return fileDir{path: filepath.Join(f.dir, strconv.Itoa(level)), ext: f.ext}
}

type fileDir struct {
	path string
	ext  string
}

// Column implements tile.LevelSink.
func (d fileDir) Column(column int) tile.ColumnSink {
	return fileDir{path: filepath.Join(d.path, strconv.Itoa(column)), ext: d.ext}
}

// Tile implements tile.ColumnSink.
func (d fileDir) Tile(ctx context.Context, row int) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(filepath.Join(d.path, strconv.Itoa(row)+"."+d.ext))
	if err != nil {
		return nil, err
	}
	return fileWriter{f}, nil
}

// fileWriter removes its file when aborted.
type fileWriter struct {
	*os.File
}

// Abort implements tile.Aborter.
func (w fileWriter) Abort() error {
	w.File.Close()
	return os.Remove(w.Name())
}
