// Package region decodes rectangular regions of a source image at a
// sub-sample factor and plans which regions make up a pyramid level.
package region

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"

	"golang.org/x/image/draw"

	"github.com/kiesman99/deepzoom/pkg/tile"
)

var (
	// ErrEmptyRegion is returned when a requested region does not overlap the image.
	ErrEmptyRegion = errors.New("region outside image bounds")
	// ErrInvalidSubsample is returned for sub-sample factors below 1.
	ErrInvalidSubsample = errors.New("subsample must be >= 1")
)

// Decoder is the "decode region at sub-sample s" capability of a source image.
//
// Decode returns a buffer anchored at the origin holding the native region
// reduced by subsample, i.e. ceil(dx/s) x ceil(dy/s) pixels.
type Decoder interface {
	Dimensions() tile.Dimensions
	Decode(ctx context.Context, region image.Rectangle, subsample int) (image.Image, error)
}

// Concurrent is implemented by decoders that tolerate parallel Decode calls.
// Decoders that do not implement it are serialized by Reader.
type Concurrent interface {
	ConcurrentDecode() bool
}

// Resample selects the filter used to sub-sample decoded pixels.
type Resample int

const (
	NearestNeighbor Resample = iota
	ApproxBiLinear
	BiLinear
	CatmullRom
)

// DefaultResample balances quality and speed.
const DefaultResample = ApproxBiLinear

// ParseResample converts a filter name to a Resample.
func ParseResample(s string) (Resample, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nearest", "nearest-neighbor":
		return NearestNeighbor, nil
	case "", "approx-bilinear":
		return ApproxBiLinear, nil
	case "bilinear":
		return BiLinear, nil
	case "catmull-rom", "bicubic":
		return CatmullRom, nil
	}
	return 0, fmt.Errorf("unknown resample filter %q", s)
}

func (r Resample) String() string {
	switch r {
	case NearestNeighbor:
		return "nearest"
	case ApproxBiLinear:
		return "approx-bilinear"
	case BiLinear:
		return "bilinear"
	case CatmullRom:
		return "catmull-rom"
	}
	return fmt.Sprintf("Resample(%d)", int(r))
}

func (r Resample) interpolator() draw.Interpolator {
	switch r {
	case NearestNeighbor:
		return draw.NearestNeighbor
	case BiLinear:
		return draw.BiLinear
	case CatmullRom:
		return draw.CatmullRom
	}
	return draw.ApproxBiLinear
}

// ImageDecoder serves region reads from an encoded source held in memory.
// Pixels are decoded once, on the first Decode, and shared read-only by all
// later calls.
type ImageDecoder struct {
	data   []byte
	dims   tile.Dimensions
	format string
	interp draw.Interpolator
	decode func([]byte) (image.Image, error)

	once sync.Once
	img  image.Image
	err  error
}

// NewImageDecoder measures the encoded source without decoding its pixels.
func NewImageDecoder(data []byte, resample Resample) (*ImageDecoder, error) {
	dims, format, err := tile.DecodeConfig(data)
	if err != nil {
		return nil, err
	}
	if !dims.Valid() {
		return nil, fmt.Errorf("source has invalid dimensions %s", dims)
	}
	return &ImageDecoder{
		data:   data,
		dims:   dims,
		format: format,
		interp: resample.interpolator(),
		decode: tile.DecodeImage,
	}, nil
}

// FromImage wraps an already decoded image.
func FromImage(img image.Image, resample Resample) *ImageDecoder {
	b := img.Bounds()
	d := &ImageDecoder{
		dims:   tile.Dimensions{Width: b.Dx(), Height: b.Dy()},
		format: "memory",
		interp: resample.interpolator(),
		img:    img,
	}
	d.once.Do(func() {})
	return d
}

// Dimensions implements Decoder.
func (d *ImageDecoder) Dimensions() tile.Dimensions { return d.dims }

// Format is the detected source format.
func (d *ImageDecoder) Format() string { return d.format }

// ConcurrentDecode implements Concurrent.
func (d *ImageDecoder) ConcurrentDecode() bool { return true }

func (d *ImageDecoder) load() (image.Image, error) {
	d.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				d.img, d.err = nil, fmt.Errorf("decoding %s source panicked: %v", d.format, r)
			}
			d.data = nil
		}()
		d.img, d.err = d.decode(d.data)
		if d.img == nil && d.err == nil {
			d.err = fmt.Errorf("decoding %s source produced no image", d.format)
		}
	})
	return d.img, d.err
}

// Decode implements Decoder.
func (d *ImageDecoder) Decode(ctx context.Context, region image.Rectangle, subsample int) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if subsample < 1 {
		return nil, ErrInvalidSubsample
	}
	region = region.Intersect(d.dims.Rect())
	if region.Empty() {
		return nil, ErrEmptyRegion
	}

	src, err := d.load()
	if err != nil {
		return nil, err
	}
	srcRect := region.Add(src.Bounds().Min)

	w := (region.Dx() + subsample - 1) / subsample
	h := (region.Dy() + subsample - 1) / subsample
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if subsample == 1 {
		draw.Draw(dst, dst.Bounds(), src, srcRect.Min, draw.Src)
		return dst, nil
	}
	d.interp.Scale(dst, dst.Bounds(), src, srcRect, draw.Src, nil)
	return dst, nil
}

// Reader guards a Decoder. Decoders that are not Concurrent are confined to
// one Decode at a time; everything downstream of the returned buffer runs
// in parallel.
type Reader struct {
	dec    Decoder
	serial bool
	mu     sync.Mutex
}

// NewReader wraps dec.
func NewReader(dec Decoder) *Reader {
	serial := true
	if c, ok := dec.(Concurrent); ok && c.ConcurrentDecode() {
		serial = false
	}
	return &Reader{dec: dec, serial: serial}
}

// Dimensions of the underlying source.
func (r *Reader) Dimensions() tile.Dimensions { return r.dec.Dimensions() }

// Serial reports whether decode calls are serialized.
func (r *Reader) Serial() bool { return r.serial }

// Read decodes one planned part at the given sub-sample factor.
func (r *Reader) Read(ctx context.Context, part Part, subsample int) (image.Image, error) {
	if r.serial {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	img, err := r.dec.Decode(ctx, part.Rect, subsample)
	if err != nil {
		return nil, fmt.Errorf("decoding %v at 1/%d: %w", part.Rect, subsample, err)
	}
	return img, nil
}
