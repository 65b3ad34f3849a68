package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/kiesman99/deepzoom/pkg/tile"
)

// ErrUnsupportedDestination is returned by Open for unknown URL schemes.
var ErrUnsupportedDestination = errors.New("unsupported destination")

// Sink is an opened output destination.
type Sink interface {
	tile.Sink
	io.Closer
	String() string
}

// Open opens the destination named by dest:
//
//	/path/to/dir, ./dir         directory tree
//	file:///path/to/dir         directory tree through gocloud fileblob
//	mem://[prefix]              in-memory bucket
//	gs://bucket/prefix          Google Cloud Storage
//	s3://bucket/prefix          Amazon S3
//	badger:///path/to/db        badger key-value store
//	badger://                   in-memory badger store
//
// With clean set, existing output at the destination is removed first where
// the backend supports it.
func Open(ctx context.Context, dest string, format tile.Format, clean bool) (Sink, error) {
	if dest == "" {
		return nil, fmt.Errorf("%w: empty destination", ErrUnsupportedDestination)
	}
	u, err := url.Parse(dest)
	// single letter schemes are windows drive letters
	if err != nil || len(u.Scheme) <= 1 {
		return opened(NewFile(dest, format, clean))
	}

	switch u.Scheme {
	case "file", "mem", "gs", "s3":
		return opened(OpenBlob(ctx, dest, format, clean))
	case "badger":
		return opened(OpenBadger(u.Host+u.Path, format, clean))
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedDestination, dest)
}

func opened[S Sink](s S, err error) (Sink, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
