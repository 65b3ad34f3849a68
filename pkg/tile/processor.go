package tile

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gracefulearth/image/bmp"
	"github.com/gracefulearth/image/tiff"
	"golang.org/x/image/webp"
)

// Processor fetches source images and encodes tiles.
type Processor struct {
	client    *http.Client
	userAgent string
	quality   int
}

// NewProcessor creates a new processor. quality is the JPEG quality used by Encode.
func NewProcessor(userAgent string, quality int) *Processor {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &Processor{
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
		userAgent: userAgent,
		quality:   quality,
	}
}

// Download fetches a remote source image
func (p *Processor) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	return io.ReadAll(resp.Body)
}

// Encode writes img to w in the given format
func (p *Processor) Encode(w io.Writer, img image.Image, format Format) error {
	switch format {
	case FormatJPEG:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: p.quality})
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		return enc.Encode(w, img)
	}
	return fmt.Errorf("%w: %v", ErrUnknownFormat, format)
}

// Source image formats recognized by Sniff.
const (
	SourceJPEG = "jpeg"
	SourcePNG  = "png"
	SourceGIF  = "gif"
	SourceTIFF = "tiff"
	SourceBMP  = "bmp"
	SourceWebP = "webp"
)

// Sniff detects the source format from the leading bytes.
func Sniff(data []byte) (string, error) {
	switch {
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x89, 0x50, 0x4E, 0x47}):
		return SourcePNG, nil
	case len(data) >= 2 && bytes.Equal(data[:2], []byte{0xFF, 0xD8}):
		return SourceJPEG, nil
	case len(data) >= 4 && (bytes.Equal(data[:4], []byte("II*\x00")) || bytes.Equal(data[:4], []byte("MM\x00*"))):
		return SourceTIFF, nil
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return SourceGIF, nil
	case len(data) >= 2 && bytes.Equal(data[:2], []byte("BM")):
		return SourceBMP, nil
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return SourceWebP, nil
	}
	return "", ErrUnknownFormat
}

// DecodeConfig reads the dimensions of a source image without decoding its pixels.
func DecodeConfig(data []byte) (Dimensions, string, error) {
	format, err := Sniff(data)
	if err != nil {
		return Dimensions{}, "", err
	}
	r := bytes.NewReader(data)
	var cfg image.Config
	switch format {
	case SourceJPEG:
		cfg, err = jpeg.DecodeConfig(r)
	case SourcePNG:
		cfg, err = png.DecodeConfig(r)
	case SourceGIF:
		cfg, err = gif.DecodeConfig(r)
	case SourceTIFF:
		cfg, err = tiff.DecodeConfig(r)
	case SourceBMP:
		cfg, err = bmp.DecodeConfig(r)
	case SourceWebP:
		cfg, err = webp.DecodeConfig(r)
	}
	if err != nil {
		return Dimensions{}, format, fmt.Errorf("reading %s header: %w", format, err)
	}
	return Dimensions{Width: cfg.Width, Height: cfg.Height}, format, nil
}

// DecodeImage detects the image format and decodes all pixels
func DecodeImage(data []byte) (image.Image, error) {
	format, err := Sniff(data)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	var img image.Image
	switch format {
	case SourceJPEG:
		img, err = jpeg.Decode(r)
	case SourcePNG:
		img, err = png.Decode(r)
	case SourceGIF:
		img, err = gif.Decode(r)
	case SourceTIFF:
		img, err = tiff.Decode(r)
	case SourceBMP:
		img, err = bmp.Decode(r)
	case SourceWebP:
		img, err = webp.Decode(r)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", format, err)
	}
	return img, nil
}

// ParseColor parses "#rgb", "#rrggbb" or "#rrggbbaa" (the leading # is optional).
func ParseColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %v", s, err)
	}
	return color.RGBA{
		R: uint8(v >> 24),
		G: uint8(v >> 16),
		B: uint8(v >> 8),
		A: uint8(v),
	}, nil
}

// Gray is the default background of opaque tiles.
var Gray = color.RGBA{R: 128, G: 128, B: 128, A: 255}
