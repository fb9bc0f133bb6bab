package raster

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrAllNoData signals a grid whose samples are all no-data; its
// statistics are undefined and no colour scale can be derived from it.
var ErrAllNoData = errors.New("all grid samples are no-data")

// Statistics aggregates the finite samples of a grid. No-data samples
// (NaN after decoding) are excluded.
type Statistics struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std"`
	Count  int     `json:"count"`
}

// ComputeStats derives min/max/mean/std over the finite samples of the
// grid. The standard deviation is the population form, matching the
// convention of the statistics shown next to a rendered frame.
func ComputeStats(g *Grid) (*Statistics, error) {
	samples := make([]float64, 0, len(g.Data))
	for _, v := range g.Data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			samples = append(samples, v)
		}
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: %d samples inspected", ErrAllNoData, len(g.Data))
	}

	mean := stat.Mean(samples, nil)
	variance := stat.MomentAbout(2, samples, mean, nil)

	return &Statistics{
		Min:    floats.Min(samples),
		Max:    floats.Max(samples),
		Mean:   mean,
		StdDev: math.Sqrt(variance),
		Count:  len(samples),
	}, nil
}
