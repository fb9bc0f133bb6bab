package raster

import (
	"fmt"
	"math"
)

// Transform holds the six GDAL-ordered affine coefficients mapping
// pixel (col,row) space to georeferenced (x,y) space:
//
//	x = t[0] + col*t[1] + row*t[2]
//	y = t[3] + col*t[4] + row*t[5]
//
// Rotation and shear terms t[2] and t[4] may be nonzero.
type Transform [6]float64

// Apply maps fractional pixel coordinates to georeferenced coordinates.
func (t Transform) Apply(col, row float64) (x, y float64) {
	x = t[0] + col*t[1] + row*t[2]
	y = t[3] + col*t[4] + row*t[5]
	return x, y
}

// Invert computes the exact inverse of the affine transform such that
// inv.Apply(x, y) yields (col, row). A transform with zero determinant
// cannot georeference a grid and is rejected.
func (t Transform) Invert() (Transform, error) {
	det := t[1]*t[5] - t[2]*t[4]
	if det == 0 {
		return Transform{}, fmt.Errorf("affine transform is singular: %v", t)
	}

	return Transform{
		(t[2]*t[3] - t[0]*t[5]) / det,
		t[5] / det,
		-t[2] / det,
		(t[0]*t[4] - t[1]*t[3]) / det,
		-t[4] / det,
		t[1] / det,
	}, nil
}

// BoundingBox is the georeferenced extent of a grid in its CRS.
type BoundingBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Grid is a single band of a georeferenced raster decoded into
// float64 samples in row-major order. Samples equal to the source
// no-data sentinel are stored as NaN. Each load produces a fresh Grid
// owned exclusively by its caller.
type Grid struct {
	Data      []float64
	Height    int
	Width     int
	Bounds    BoundingBox
	Transform Transform
	CRS       string
	NoData    float64
	HasNoData bool

	inverse Transform
}

// NewGrid wires a grid together with the precomputed inverse of its
// transform. The transform must be invertible; the loader guarantees
// this for decoded files.
func NewGrid(data []float64, width, height int, transform Transform, crs string) (*Grid, error) {
	if len(data) != width*height {
		return nil, fmt.Errorf("grid data length %d does not match shape %dx%d", len(data), height, width)
	}

	inv, err := transform.Invert()
	if err != nil {
		return nil, err
	}

	g := &Grid{
		Data:      data,
		Height:    height,
		Width:     width,
		Transform: transform,
		CRS:       crs,
		inverse:   inv,
	}
	g.Bounds = boundsFromTransform(transform, width, height)
	return g, nil
}

// boundsFromTransform projects the four pixel-space corners of the
// grid and takes the envelope, so rotated transforms still yield a
// consistent bounding box.
func boundsFromTransform(t Transform, width, height int) BoundingBox {
	corners := [4][2]float64{
		{0, 0},
		{float64(width), 0},
		{0, float64(height)},
		{float64(width), float64(height)},
	}

	x0, y0 := t.Apply(corners[0][0], corners[0][1])
	bbox := BoundingBox{West: x0, South: y0, East: x0, North: y0}
	for _, c := range corners[1:] {
		x, y := t.Apply(c[0], c[1])
		bbox.West = math.Min(bbox.West, x)
		bbox.East = math.Max(bbox.East, x)
		bbox.South = math.Min(bbox.South, y)
		bbox.North = math.Max(bbox.North, y)
	}
	return bbox
}

// PixelFromGeo resolves a geographic coordinate to integer pixel
// indices through the exact inverse transform. Fractional pixel
// coordinates round toward negative infinity so that pixel (0,0) owns
// the footprint [0,1)x[0,1) in transform space. The returned indices
// are not bounds checked.
func (g *Grid) PixelFromGeo(lat, lon float64) (row, col int) {
	fcol, frow := g.inverse.Apply(lon, lat)
	return int(math.Floor(frow)), int(math.Floor(fcol))
}

// GeoFromPixel maps integer pixel indices to the georeferenced
// coordinates of the pixel's upper-left corner.
func (g *Grid) GeoFromPixel(row, col int) (lat, lon float64) {
	x, y := g.Transform.Apply(float64(col), float64(row))
	return y, x
}

// InBounds reports whether the pixel indices fall inside the grid
// shape.
func (g *Grid) InBounds(row, col int) bool {
	return row >= 0 && row < g.Height && col >= 0 && col < g.Width
}

// Value returns the sample at (row, col). The second return is false
// for out-of-bounds indices and for no-data samples; queries against
// arbitrary user coordinates routinely land outside the grid, so
// neither case is an error.
func (g *Grid) Value(row, col int) (float64, bool) {
	if !g.InBounds(row, col) {
		return 0, false
	}
	v := g.Data[row*g.Width+col]
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// QueryGeo resolves a geographic coordinate against the grid and
// returns the sample under it, combining the inverse transform, the
// bounds check and the no-data filter.
func (g *Grid) QueryGeo(lat, lon float64) (float64, bool) {
	row, col := g.PixelFromGeo(lat, lon)
	return g.Value(row, col)
}

// MaskNoData replaces every sample equal to the no-data sentinel with
// NaN and records the sentinel on the grid.
func (g *Grid) MaskNoData(noData float64) {
	g.NoData = noData
	g.HasNoData = true
	for i, v := range g.Data {
		if v == noData {
			g.Data[i] = math.NaN()
		}
	}
}
