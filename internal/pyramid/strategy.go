// Package pyramid computes the sub-sample factors of a zoom pyramid and the
// tile grid of each level.
package pyramid

import (
	"math"
)

// DefaultMaxLevels bounds the number of levels so that very large images do
// not produce more levels than a viewer needs.
const DefaultMaxLevels = 8

// Strategy computes the sub-sample factors of a pyramid, coarsest first.
// The last factor is always 1 (native resolution).
type Strategy interface {
	ZoomFactors(width, height int) []int
}

// Default is a power-of-two pyramid with one level per octave between the
// native size and a single tile, capped at MaxLevels.
type Default struct {
	TileSize  int
	MaxLevels int
}

// ZoomFactors implements Strategy.
func (d Default) ZoomFactors(width, height int) []int {
	tileSize := d.TileSize
	if tileSize <= 0 {
		tileSize = 256
	}
	maxLevels := d.MaxLevels
	if maxLevels <= 0 {
		maxLevels = DefaultMaxLevels
	}
	longest := max(width, height)
	if longest <= 0 {
		return powers(1)
	}

	octaves := math.Ceil(math.Log2(float64(longest) / float64(tileSize)))
	octaves = math.Max(0, octaves)
	levels := int(math.Min(float64(maxLevels-1), octaves)) + 1
	return powers(levels)
}

// Fixed always produces the same number of levels regardless of image size.
type Fixed struct {
	Levels int
}

// ZoomFactors implements Strategy.
func (f Fixed) ZoomFactors(width, height int) []int {
	return powers(max(1, f.Levels))
}

// powers returns [2^(n-1), ..., 2, 1].
func powers(n int) []int {
	factors := make([]int, n)
	for i := range factors {
		factors[n-1-i] = 1 << i
	}
	return factors
}

// LevelSize is the pixel extent of a level sub-sampled by factor s.
func LevelSize(width, height, s int) (int, int) {
	return ceilDiv(width, s), ceilDiv(height, s)
}

// GridSize is the number of tile columns and rows covering a level.
func GridSize(levelWidth, levelHeight, tileSize int) (int, int) {
	return ceilDiv(levelWidth, tileSize), ceilDiv(levelHeight, tileSize)
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Level describes one level of a planned pyramid.
type Level struct {
	Level   int `json:"level"`
	Factor  int `json:"factor"`
	Width   int `json:"width"`
	Height  int `json:"height"`
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
	Tiles   int `json:"tiles"`
}

// Describe plans every level of the pyramid for an image.
func Describe(s Strategy, width, height, tileSize int) []Level {
	factors := s.ZoomFactors(width, height)
	levels := make([]Level, len(factors))
	for i, f := range factors {
		w, h := LevelSize(width, height, f)
		cols, rows := GridSize(w, h, tileSize)
		levels[i] = Level{
			Level:   i,
			Factor:  f,
			Width:   w,
			Height:  h,
			Columns: cols,
			Rows:    rows,
			Tiles:   cols * rows,
		}
	}
	return levels
}

// TotalTiles sums the tiles of all levels.
func TotalTiles(levels []Level) int {
	var n int
	for _, l := range levels {
		n += l.Tiles
	}
	return n
}
