package raster

import (
	"math"
)

// ScaleParams carries the per-layer display transform applied when a
// grid is flattened to indexed bytes for overlay rendering. The
// transform is presentation only and never feeds statistics.
type ScaleParams struct {
	Offset float64
	Scale  float64
	Clip   float64
}

// Scale converts the grid samples to byte indices into a 256-colour
// ramp. No-data samples map to 0xFF, which overlay encoders treat as
// fully transparent.
func Scale(g *Grid, params ScaleParams) []uint8 {
	out := make([]uint8, len(g.Data))

	scale := params.Scale
	if scale == 0 {
		scale = 1
	}

	for i, value := range g.Data {
		if math.IsNaN(value) {
			out[i] = 0xFF
			continue
		}

		value += params.Offset
		if params.Clip > 0 && value > params.Clip {
			value = params.Clip
		}
		value *= scale

		if value < 0 {
			value = 0
		}
		if value > 254 {
			value = 254
		}
		out[i] = uint8(value)
	}

	return out
}
