package raster

import (
	"fmt"
	"image/color"

	"github.com/stebubu/venezia/utils"
)

// InterpolateUint8 interpolates the value of a byte between two
// numbers 'a' and 'b' by specifying a length and a position 'i' along
// that length.
func InterpolateUint8(a, b uint8, i, sectionLength int) uint8 {
	return a + uint8((i * (int(b) - int(a)) / sectionLength))
}

// InterpolateColor returns an RGBA color where the R, G, B, and A
// components have been interpolated from the 'a' and 'b' colors.
func InterpolateColor(a, b color.RGBA, i, sectionLength int) color.RGBA {
	return color.RGBA{InterpolateUint8(a.R, b.R, i, sectionLength),
		InterpolateUint8(a.G, b.G, i, sectionLength),
		InterpolateUint8(a.B, b.B, i, sectionLength),
		255}
}

// ColorScale maps sample values over the closed interval [Min, Max]
// onto the colours of a palette. Values outside the interval clamp to
// the endpoint colours. A degenerate interval (Min == Max) yields the
// first palette colour for every value.
type ColorScale struct {
	Min     float64
	Max     float64
	palette *utils.Palette
}

// BuildColorScale derives a colour scale from grid statistics and a
// palette. Statistics must come from a grid with at least one finite
// sample; the loader side reports ErrAllNoData before this point.
func BuildColorScale(stats *Statistics, palette *utils.Palette) (*ColorScale, error) {
	if stats == nil {
		return nil, fmt.Errorf("colour scale requires statistics")
	}
	if palette == nil || len(palette.Colours) < 2 {
		return nil, fmt.Errorf("colour scale requires a palette of at least 2 colours")
	}
	if stats.Max < stats.Min {
		return nil, fmt.Errorf("invalid statistics: max %v < min %v", stats.Max, stats.Min)
	}

	return &ColorScale{Min: stats.Min, Max: stats.Max, palette: palette}, nil
}

// At maps one value to its colour with piecewise-linear interpolation
// between neighbouring palette colours.
func (cs *ColorScale) At(value float64) color.RGBA {
	colours := cs.palette.Colours

	if cs.Max == cs.Min || value <= cs.Min {
		return colours[0]
	}
	if value >= cs.Max {
		return colours[len(colours)-1]
	}

	if !cs.palette.Interpolate {
		bins := len(colours)
		idx := int(float64(bins) * (value - cs.Min) / (cs.Max - cs.Min))
		if idx >= bins {
			idx = bins - 1
		}
		return colours[idx]
	}

	bins := len(colours) - 1
	pos := float64(bins) * (value - cs.Min) / (cs.Max - cs.Min)
	section := int(pos)
	if section >= bins {
		section = bins - 1
	}

	const resolution = 256
	i := int((pos - float64(section)) * resolution)
	return InterpolateColor(colours[section], colours[section+1], i, resolution)
}

// Ramp returns a palette of 256 colours creating an interpolation that
// goes through the scale's list of colours, for image-overlay encoders
// that index by scaled byte value.
func (cs *ColorScale) Ramp() []color.RGBA {
	ramp := make([]color.RGBA, 256)
	colours := cs.palette.Colours

	if cs.palette.Interpolate {
		bins := len(colours) - 1
		sectionLength := 256 / bins
		bonus := 256 - (sectionLength * bins)
		bonusArr := make([]int, bins)
		for i := 0; i < bonus; i++ {
			bonusArr[i] = 1
		}

		index := 0
		for section, upperColour := range colours[1:] {
			for i := 0; i < sectionLength+bonusArr[section]; i++ {
				ramp[index] = InterpolateColor(colours[section], upperColour, i, sectionLength)
				index++
			}
		}
	} else {
		bins := len(colours)
		sectionLength := 256 / bins
		bonus := 256 - (sectionLength * bins)
		bonusArr := make([]int, bins)
		for i := 0; i < bonus; i++ {
			bonusArr[i] = 1
		}

		index := 0
		for section, colour := range colours {
			for i := 0; i < sectionLength+bonusArr[section]; i++ {
				ramp[index] = colour
				index++
			}
		}
	}

	return ramp
}
