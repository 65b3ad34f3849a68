// Package split cuts a decoded level buffer into fixed-size tiles.
package split

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/kiesman99/deepzoom/pkg/tile"
)

// Splitter maps a decoded buffer onto a dense grid of TileSize x TileSize
// tiles. It never resamples; the buffer must already be at level resolution.
type Splitter struct {
	TileSize   int
	Format     tile.Format
	Background color.Color
}

// Grid returns the local column and row counts covering a buffer.
func (s Splitter) Grid(bounds image.Rectangle) (cols, rows int) {
	cols = (bounds.Dx() + s.TileSize - 1) / s.TileSize
	rows = (bounds.Dy() + s.TileSize - 1) / s.TileSize
	return cols, rows
}

// Split cuts buf into tiles of the given level. The buffer's top-left tile
// becomes (startCol, startRow). Edge tiles are padded to full size: with the
// background for opaque formats, transparent for formats with alpha.
func (s Splitter) Split(buf image.Image, level, startCol, startRow int) []tile.Tile {
	b := buf.Bounds()
	cols, rows := s.Grid(b)
	tiles := make([]tile.Tile, 0, cols*rows)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			src := image.Rect(
				b.Min.X+col*s.TileSize,
				b.Min.Y+row*s.TileSize,
				b.Min.X+(col+1)*s.TileSize,
				b.Min.Y+(row+1)*s.TileSize,
			).Intersect(b)

			tiles = append(tiles, tile.Tile{
				Coord: tile.Coord{
					Level:  level,
					Column: startCol + col,
					Row:    startRow + row,
				},
				Image: s.extract(buf, src),
			})
		}
	}
	return tiles
}

func (s Splitter) extract(buf image.Image, src image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, s.TileSize, s.TileSize))
	content := image.Rect(0, 0, src.Dx(), src.Dy())
	if s.Format.HasAlpha() {
		draw.Draw(dst, content, buf, src.Min, draw.Src)
		return dst
	}

	bg := s.Background
	if bg == nil {
		bg = tile.Gray
	}
	draw.Draw(dst, dst.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	draw.Draw(dst, content, buf, src.Min, draw.Over)
	return dst
}
