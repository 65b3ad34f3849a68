package tile

import (
	"errors"
	"fmt"
	"image"
	"strings"
)

// Format is the encoding used for every tile of a pyramid.
type Format int

// Tile formats
const (
	// FormatJPEG is opaque: uncovered pixels are filled with the background color.
	FormatJPEG Format = iota
	// FormatPNG carries alpha: uncovered pixels stay transparent.
	FormatPNG
)

// ErrUnknownFormat is returned when a format name or image signature is not recognized.
var ErrUnknownFormat = errors.New("unknown image format")

// ParseFormat converts a format name ("jpeg", "jpg", "png") to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatPNG:
		return "png"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Ext returns the file extension (without dot) used when storing tiles.
func (f Format) Ext() string {
	if f == FormatPNG {
		return "png"
	}
	return "jpg"
}

// ContentType returns the MIME type of encoded tiles.
func (f Format) ContentType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// HasAlpha reports whether the format keeps transparency.
func (f Format) HasAlpha() bool {
	return f == FormatPNG
}

// Dimensions is the pixel extent of a source image.
type Dimensions struct {
	Width  int
	Height int
}

// Valid reports whether both sides are positive.
func (d Dimensions) Valid() bool {
	return d.Width > 0 && d.Height > 0
}

// Rect returns the native pixel rectangle anchored at the origin.
func (d Dimensions) Rect() image.Rectangle {
	return image.Rect(0, 0, d.Width, d.Height)
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Coord addresses a tile in the pyramid. Row 0 is the top of the image.
type Coord struct {
	Level  int
	Column int
	Row    int
}

func (c Coord) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Level, c.Column, c.Row)
}

// Tile is a fixed-size square pixel block ready to be encoded.
type Tile struct {
	Coord
	Image *image.RGBA
}
