package region

import (
	"image"

	"github.com/kiesman99/deepzoom/pkg/tile"
)

// DefaultSliceSize is the edge, in native pixels, of a decode slice.
const DefaultSliceSize = 8192

// Part is one decode call of a level: a native-pixel rectangle and the tile
// offset its sub-sampled buffer maps to.
type Part struct {
	Rect     image.Rectangle
	StartCol int
	StartRow int
	// Slice is the slice grid coordinate; zero for whole-image parts.
	Slice image.Point
	Whole bool
}

// Extreme reports whether a native slice sub-sampled by s would be smaller
// than two tiles. Such levels are decoded from the whole image.
func Extreme(subsample, sliceSize, tileSize int) bool {
	return sliceSize/subsample < 2*tileSize
}

// ExtremeThreshold returns the index of the finest extreme level, or -1 when
// every level can be sliced. factors must be decreasing.
func ExtremeThreshold(factors []int, sliceSize, tileSize int) int {
	threshold := -1
	for i, s := range factors {
		if Extreme(s, sliceSize, tileSize) {
			threshold = i
		}
	}
	return threshold
}

// Plan lists the decode parts covering a level. Extreme levels get a single
// whole-image part. Other levels are cut into square slices whose
// sub-sampled edge is a whole number of tiles, so the tile offsets of
// neighbouring slices line up without gaps or overlap.
func Plan(dims tile.Dimensions, subsample, sliceSize, tileSize int) []Part {
	if Extreme(subsample, sliceSize, tileSize) {
		return []Part{{Rect: dims.Rect(), Whole: true}}
	}

	tilesPerSlice := sliceSize / subsample / tileSize
	edge := tilesPerSlice * tileSize * subsample
	nx := (dims.Width + edge - 1) / edge
	ny := (dims.Height + edge - 1) / edge

	parts := make([]Part, 0, nx*ny)
	for sy := 0; sy < ny; sy++ {
		for sx := 0; sx < nx; sx++ {
			rect := image.Rect(sx*edge, sy*edge, (sx+1)*edge, (sy+1)*edge).Intersect(dims.Rect())
			parts = append(parts, Part{
				Rect:     rect,
				StartCol: sx * tilesPerSlice,
				StartRow: sy * tilesPerSlice,
				Slice:    image.Pt(sx, sy),
			})
		}
	}
	return parts
}
