package imaging

import (
	"image"
	"image/color"
	"image/draw"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// PlaceholderText is drawn on images that replace filtered outputs.
const PlaceholderText = "Content Filtered\nfor Safety"

var (
	placeholderBG = color.RGBA{R: 211, G: 211, B: 211, A: 255}
	placeholderFG = color.RGBA{R: 169, G: 169, B: 169, A: 255}
)

// Placeholder renders a light-gray canvas with the filter notice centered,
// one line per row.
func Placeholder(width, height int) image.Image {
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(out, out.Bounds(), image.NewUniform(placeholderBG), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	charW := 7
	charH := 13

	lines := strings.Split(PlaceholderText, "\n")
	blockH := len(lines) * charH
	for i, line := range lines {
		lineW := len(line) * charW
		x := (width - lineW) / 2
		y := (height-blockH)/2 + i*charH + charH - 2
		d := &font.Drawer{
			Dst:  out,
			Src:  image.NewUniform(placeholderFG),
			Face: face,
			Dot:  fixed.P(x, y),
		}
		d.DrawString(line)
	}
	return out
}
