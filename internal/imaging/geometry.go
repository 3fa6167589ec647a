package imaging

import (
	"image"
	"image/color"
	"image/draw"
	"log"
	"math"

	xdraw "golang.org/x/image/draw"
)

var padColor = color.RGBA{R: 128, G: 128, B: 128, A: 255}

// RectangleToSquare pads img to a square canvas the size of its larger
// side, filled with neutral gray and with the original centered. Already
// square input is returned unchanged.
func RectangleToSquare(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == h {
		return img
	}

	side := w
	if h > side {
		side = h
	}

	out := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(out, out.Bounds(), image.NewUniform(padColor), image.Point{}, draw.Src)

	xOff := (side - w) / 2
	yOff := (side - h) / 2
	draw.Draw(out, image.Rect(xOff, yOff, xOff+w, yOff+h), img, b.Min, draw.Src)
	return out
}

// ResizeIfLarge caps a square image at maxSize per side. Input at or below
// the cap is returned unchanged.
func ResizeIfLarge(img image.Image, maxSize int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w != h {
		log.Printf("[Imaging] Warning: expected square image but got %dx%d", w, h)
	}
	if w <= maxSize {
		return img
	}
	return Resize(img, maxSize, maxSize)
}

// Resize scales img to exactly width x height with Catmull-Rom resampling.
func Resize(img image.Image, width, height int) image.Image {
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(out, out.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return out
}

// UpscaleFactor returns the factor that brings a width x height image to at
// least target on both sides.
func UpscaleFactor(width, height, target int) float64 {
	return math.Max(float64(target)/float64(width), float64(target)/float64(height))
}

// CenterCrop cuts the centered size x size region out of img.
func CenterCrop(img image.Image, size int) image.Image {
	b := img.Bounds()
	x0 := b.Min.X + (b.Dx()-size)/2
	y0 := b.Min.Y + (b.Dy()-size)/2
	out := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(out, out.Bounds(), img, image.Pt(x0, y0), draw.Src)
	return out
}

// FaceWindow places a square crop window over a detected face box. The
// window side is max(boxW, boxH) * scale, the box center sits at shift of
// the window height, and the window is clamped to bounds (shrinking to the
// short image side when it cannot fit).
func FaceWindow(bounds image.Rectangle, box [4]float64, scale, shift float64) image.Rectangle {
	boxW := box[2] - box[0]
	boxH := box[3] - box[1]
	side := int(math.Round(math.Max(boxW, boxH) * scale))

	maxSide := bounds.Dx()
	if bounds.Dy() < maxSide {
		maxSide = bounds.Dy()
	}
	if side > maxSide {
		side = maxSide
	}
	if side < 1 {
		side = 1
	}

	cx := (box[0] + box[2]) / 2
	cy := (box[1] + box[3]) / 2
	x0 := int(math.Round(cx)) - side/2
	y0 := int(math.Round(cy - float64(side)*shift))

	if x0 < bounds.Min.X {
		x0 = bounds.Min.X
	}
	if y0 < bounds.Min.Y {
		y0 = bounds.Min.Y
	}
	if x0+side > bounds.Max.X {
		x0 = bounds.Max.X - side
	}
	if y0+side > bounds.Max.Y {
		y0 = bounds.Max.Y - side
	}
	return image.Rect(x0, y0, x0+side, y0+side)
}

// Crop copies the region rect out of img into a fresh image.
func Crop(img image.Image, rect image.Rectangle) image.Image {
	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), img, rect.Min, draw.Src)
	return out
}
