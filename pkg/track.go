package gesher

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Plate length in cm; hits at or beyond the ends are not counted.
const PlateLength = 144.0

// Track is the straight line hit = Slope*position + Intercept.
type Track struct {
	Slope     float64
	Intercept float64
	// Angle in degrees, -atan(Slope).
	Angle  float64
	Points int
}

// FitTrack fits a line through the plate positions and hit coordinates,
// skipping plates where either value is NaN.
func FitTrack(positions, hits [NumPlates]float64) (Track, error) {
	xs := make([]float64, 0, NumPlates)
	ys := make([]float64, 0, NumPlates)
	for i := range positions {
		if math.IsNaN(positions[i]) || math.IsNaN(hits[i]) {
			continue
		}
		xs = append(xs, positions[i])
		ys = append(ys, hits[i])
	}
	if len(xs) < 2 {
		return Track{}, fmt.Errorf("track fit with %d points: %w", len(xs), ErrInsufficientPoints)
	}
	intercept, slope := stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(slope) {
		return Track{}, fmt.Errorf("track fit on coincident positions %v: %w", xs, ErrInsufficientPoints)
	}
	return Track{
		Slope:     slope,
		Intercept: intercept,
		Angle:     -math.Atan(slope) * 180 / math.Pi,
		Points:    len(xs),
	}, nil
}

// HitBool reports whether h lies strictly inside the plate.
func HitBool(h float64) bool {
	return h > 0 && h < PlateLength
}

func HitCount(hits [NumPlates]float64) int {
	count := 0
	for _, h := range hits {
		if HitBool(h) {
			count++
		}
	}
	return count
}
