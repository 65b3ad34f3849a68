package sink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/kiesman99/deepzoom/pkg/tile"
)

func writeTile(t *testing.T, s tile.Sink, c tile.Coord, data string) {
	t.Helper()
	w, err := tile.Open(context.Background(), s, c)
	require.NoError(t, err)
	_, err = w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestFileLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	s, err := NewFile(dir, tile.FormatJPEG, false)
	require.NoError(t, err)

	writeTile(t, s, tile.Coord{Level: 3, Column: 7, Row: 2}, "tile")

	data, err := os.ReadFile(filepath.Join(dir, "3", "7", "2.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "tile", string(data))
	assert.Equal(t, dir, s.String())
}

func TestFileClean(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "9", "9", "9.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	_, err := NewFile(dir, tile.FormatPNG, false)
	require.NoError(t, err)
	assert.FileExists(t, stale)

	_, err = NewFile(dir, tile.FormatPNG, true)
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
	assert.DirExists(t, dir)
}

func TestFileCancelled(t *testing.T) {
	s, err := NewFile(t.TempDir(), tile.FormatPNG, false)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Level(0).Column(0).Tile(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBlobKeys(t *testing.T) {
	ctx := context.Background()
	s := NewBlob(memblob.OpenBucket(nil), "mem://", tile.FormatPNG)
	defer s.Close()

	c := tile.Coord{Level: 1, Column: 0, Row: 4}
	writeTile(t, s, c, "png bytes")
	assert.Equal(t, "1/0/4.png", s.Key(c))

	data, err := s.bucket.ReadAll(ctx, "1/0/4.png")
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(data))

	attrs, err := s.bucket.Attributes(ctx, "1/0/4.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", attrs.ContentType)
}

func TestOpenMemPrefix(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "mem://pyramids/scan-1", tile.FormatJPEG, false)
	require.NoError(t, err)
	defer s.Close()

	b, ok := s.(*Blob)
	require.True(t, ok)
	writeTile(t, s, tile.Coord{Level: 0, Column: 0, Row: 0}, "x")

	exists, err := b.bucket.Exists(ctx, "0/0/0.jpg")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestOpenFileURL(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blobs")
	s, err := Open(context.Background(), "file://"+filepath.ToSlash(dir), tile.FormatPNG, false)
	require.NoError(t, err)

	writeTile(t, s, tile.Coord{Level: 2, Column: 1, Row: 3}, "data")
	require.NoError(t, s.Close())

	data, err := os.ReadFile(filepath.Join(dir, "2", "1", "3.png"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestOpenPath(t *testing.T) {
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "tiles"), tile.FormatPNG, false)
	require.NoError(t, err)
	_, ok := s.(*File)
	assert.True(t, ok)
}

func TestOpenUnsupported(t *testing.T) {
	_, err := Open(context.Background(), "ftp://example.com/tiles", tile.FormatPNG, false)
	assert.ErrorIs(t, err, ErrUnsupportedDestination)

	_, err = Open(context.Background(), "", tile.FormatPNG, false)
	assert.ErrorIs(t, err, ErrUnsupportedDestination)
}

func TestBadger(t *testing.T) {
	s, err := Open(context.Background(), "badger://", tile.FormatJPEG, false)
	require.NoError(t, err)
	defer s.Close()

	b, ok := s.(*Badger)
	require.True(t, ok)

	c := tile.Coord{Level: 5, Column: 12, Row: 3}
	writeTile(t, s, c, "jpeg bytes")
	writeTile(t, s, tile.Coord{Level: 5, Column: 12, Row: 4}, "more")

	data, err := badgerGet(b, c)
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))
	assert.Equal(t, "5/12/3.jpg", string(b.Key(c)))

	n, err := badgerCount(b)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = badgerGet(b, tile.Coord{Level: 0})
	assert.True(t, errors.Is(err, badger.ErrKeyNotFound))
}

func TestBadgerOnDisk(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBadger(dir, tile.FormatPNG, false)
	require.NoError(t, err)
	writeTile(t, b, tile.Coord{Level: 1, Column: 1, Row: 1}, "persisted")
	require.NoError(t, b.Close())

	b, err = OpenBadger(dir, tile.FormatPNG, false)
	require.NoError(t, err)
	data, err := badgerGet(b, tile.Coord{Level: 1, Column: 1, Row: 1})
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(data))
	require.NoError(t, b.Close())

	b, err = OpenBadger(dir, tile.FormatPNG, true)
	require.NoError(t, err)
	defer b.Close()
	n, err := badgerCount(b)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func abortTile(t *testing.T, s tile.Sink, c tile.Coord) {
	t.Helper()
	w, err := tile.Open(context.Background(), s, c)
	require.NoError(t, err)
	_, err = w.Write([]byte("half a tile"))
	require.NoError(t, err)
	require.NoError(t, tile.Abort(w))
}

func TestAbortDiscardsTile(t *testing.T) {
	c := tile.Coord{Level: 2, Column: 1, Row: 0}

	t.Run("file", func(t *testing.T) {
		dir := t.TempDir()
		s, err := NewFile(dir, tile.FormatPNG, false)
		require.NoError(t, err)
		abortTile(t, s, c)
		assert.NoFileExists(t, filepath.Join(dir, "2", "1", "0.png"))
	})

	t.Run("blob", func(t *testing.T) {
		s := NewBlob(memblob.OpenBucket(nil), "mem://", tile.FormatPNG)
		defer s.Close()
		abortTile(t, s, c)
		exists, err := s.bucket.Exists(context.Background(), s.Key(c))
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("badger", func(t *testing.T) {
		s, err := OpenBadger("", tile.FormatPNG, false)
		require.NoError(t, err)
		defer s.Close()
		abortTile(t, s, c)
		n, err := badgerCount(s)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func badgerGet(b *Badger, c tile.Coord) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.Key(c))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	return data, err
}

func badgerCount(b *Badger) (int, error) {
	var n int
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
