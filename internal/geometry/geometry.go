// Package geometry holds the wire shapes shared by every detection stage.
package geometry

import "fmt"

// Point is a pixel position.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// BoundingBox is an axis-aligned box given by its left-top and right-bottom corners.
type BoundingBox struct {
	LeftTop     Point `json:"left_top"`
	RightBottom Point `json:"right_bottom"`
}

// Box builds a bounding box from corner coordinates.
func Box(left, top, right, bottom int) BoundingBox {
	return BoundingBox{LeftTop: Point{X: left, Y: top}, RightBottom: Point{X: right, Y: bottom}}
}

// Covering returns the box spanning a whole width x height image.
func Covering(width, height int) BoundingBox {
	return Box(0, 0, width, height)
}

// Width of the box.
func (b BoundingBox) Width() int { return b.RightBottom.X - b.LeftTop.X }

// Height of the box.
func (b BoundingBox) Height() int { return b.RightBottom.Y - b.LeftTop.Y }

// Area of the box, zero for degenerate boxes.
func (b BoundingBox) Area() int {
	if !b.Valid() {
		return 0
	}
	return b.Width() * b.Height()
}

// Valid reports whether the corners are ordered.
func (b BoundingBox) Valid() bool {
	return b.RightBottom.X >= b.LeftTop.X && b.RightBottom.Y >= b.LeftTop.Y
}

// Offset is the left-top corner, the origin of coordinates relative to this box.
func (b BoundingBox) Offset() Point { return b.LeftTop }

// Shift moves the box by (dx, dy).
func (b BoundingBox) Shift(dx, dy int) BoundingBox {
	return BoundingBox{
		LeftTop:     Point{X: b.LeftTop.X + dx, Y: b.LeftTop.Y + dy},
		RightBottom: Point{X: b.RightBottom.X + dx, Y: b.RightBottom.Y + dy},
	}
}

// Translate maps a box found inside the reference region back to the
// coordinates of the full image.
func Translate(box, reference BoundingBox) BoundingBox {
	offset := reference.Offset()
	return box.Shift(offset.X, offset.Y)
}

// Clip limits the box to a width x height image.
func (b BoundingBox) Clip(width, height int) BoundingBox {
	return Box(
		clamp(b.LeftTop.X, 0, width),
		clamp(b.LeftTop.Y, 0, height),
		clamp(b.RightBottom.X, 0, width),
		clamp(b.RightBottom.Y, 0, height),
	)
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("[(%d,%d),(%d,%d)]", b.LeftTop.X, b.LeftTop.Y, b.RightBottom.X, b.RightBottom.Y)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
