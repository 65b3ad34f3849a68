package sink

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/kiesman99/deepzoom/pkg/tile"
)

// Blob writes tiles to a bucket under {level}/{column}/{row}.{ext}.
type Blob struct {
	bucket      *blob.Bucket
	name        string
	ext         string
	contentType string
}

// NewBlob wraps an open bucket. Closing the sink closes the bucket.
func NewBlob(bucket *blob.Bucket, name string, format tile.Format) *Blob {
	return &Blob{
		bucket:      bucket,
		name:        name,
		ext:         format.Ext(),
		contentType: format.ContentType(),
	}
}

// OpenBlob opens a bucket URL such as gs://bucket/prefix, s3://bucket/prefix,
// mem://prefix or file:///dir. The path of gs, s3 and mem URLs becomes a key
// prefix; a file URL names the directory itself.
func OpenBlob(ctx context.Context, rawURL string, format tile.Format, clean bool) (*Blob, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", rawURL, err)
	}

	var prefix string
	opener := rawURL
	switch u.Scheme {
	case "file":
		if clean {
			if err := os.RemoveAll(u.Path); err != nil {
				return nil, fmt.Errorf("cleaning %s: %w", u.Path, err)
			}
		}
		if err := os.MkdirAll(u.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", u.Path, err)
		}
	case "mem":
		prefix = strings.Trim(u.Host+u.Path, "/")
		opener = "mem://"
	default:
		prefix = strings.Trim(u.Path, "/")
		opener = u.Scheme + "://" + u.Host
		if u.RawQuery != "" {
			opener += "?" + u.RawQuery
		}
	}

	bucket, err := blob.OpenBucket(ctx, opener)
	if err != nil {
		return nil, fmt.Errorf("opening bucket %q: %w", rawURL, err)
	}
	if prefix != "" {
		bucket = blob.PrefixedBucket(bucket, prefix+"/")
	}
	return NewBlob(bucket, rawURL, format), nil
}

func (b *Blob) String() string { return b.name }

// Close releases the bucket.
func (b *Blob) Close() error { return b.bucket.Close() }

// Key is the object key of a tile.
func (b *Blob) Key(c tile.Coord) string {
	return fmt.Sprintf("%d/%d/%d.%s", c.Level, c.Column, c.Row, b.ext)
}

// Level implements tile.Sink.
func (b *Blob) Level(level int) tile.LevelSink {
	return blobLevel{b: b, level: level}
}

type blobLevel struct {
	b     *Blob
	level int
}

func (l blobLevel) Column(column int) tile.ColumnSink {
	return blobColumn{b: l.b, level: l.level, column: column}
}

type blobColumn struct {
	b             *Blob
	level, column int
}

func (c blobColumn) Tile(ctx context.Context, row int) (io.WriteCloser, error) {
	key := c.b.Key(tile.Coord{Level: c.level, Column: c.column, Row: row})
	ctx, cancel := context.WithCancel(ctx)
	w, err := c.b.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: c.b.contentType})
	if err != nil {
		cancel()
		return nil, err
	}
	return &blobWriter{Writer: w, cancel: cancel}, nil
}

// blobWriter aborts an upload by cancelling its context before Close.
type blobWriter struct {
	*blob.Writer
	cancel context.CancelFunc
}

func (w *blobWriter) Close() error {
	defer w.cancel()
	return w.Writer.Close()
}

// Abort implements tile.Aborter.
func (w *blobWriter) Abort() error {
	w.cancel()
	// the upload is dropped and Close reports the cancellation
	w.Writer.Close()
	return nil
}
