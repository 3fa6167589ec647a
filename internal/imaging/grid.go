package imaging

import (
	"fmt"
	"image"
	"image/draw"
)

// MakeGrid composes tiles into a rows x cols sheet, row-major. Every tile
// is center-cropped to its own min dimension and resized to the common
// tile size, which is the smallest min dimension across the inputs.
func MakeGrid(tiles []image.Image, rows, cols int) (image.Image, error) {
	if len(tiles) != rows*cols {
		return nil, fmt.Errorf("grid needs %d tiles, got %d", rows*cols, len(tiles))
	}

	tileSize := 0
	for _, t := range tiles {
		b := t.Bounds()
		minDim := b.Dx()
		if b.Dy() < minDim {
			minDim = b.Dy()
		}
		if tileSize == 0 || minDim < tileSize {
			tileSize = minDim
		}
	}
	if tileSize == 0 {
		return nil, fmt.Errorf("grid tiles are empty")
	}

	out := image.NewRGBA(image.Rect(0, 0, cols*tileSize, rows*tileSize))
	for i, t := range tiles {
		b := t.Bounds()
		minDim := b.Dx()
		if b.Dy() < minDim {
			minDim = b.Dy()
		}
		cell := CenterCrop(t, minDim)
		if minDim != tileSize {
			cell = Resize(cell, tileSize, tileSize)
		}
		x := (i % cols) * tileSize
		y := (i / cols) * tileSize
		draw.Draw(out, image.Rect(x, y, x+tileSize, y+tileSize), cell, cell.Bounds().Min, draw.Src)
	}
	return out, nil
}

// SplitGrid cuts a sheet back into rows x cols equal cells, row-major.
func SplitGrid(grid image.Image, rows, cols int) []image.Image {
	b := grid.Bounds()
	cellW := b.Dx() / cols
	cellH := b.Dy() / rows

	cells := make([]image.Image, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			rect := image.Rect(
				b.Min.X+c*cellW,
				b.Min.Y+r*cellH,
				b.Min.X+(c+1)*cellW,
				b.Min.Y+(r+1)*cellH,
			)
			cells = append(cells, Crop(grid, rect))
		}
	}
	return cells
}
