package gesher

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var platePositions = [NumPlates]float64{0, 43, 86, 129}

func TestFitTrack(t *testing.T) {
	track, err := FitTrack(platePositions, [NumPlates]float64{10, 50, 92, 130})
	require.NoError(t, err)
	assert.InDelta(t, 0.934884, track.Slope, 1e-6)
	assert.InDelta(t, 10.2, track.Intercept, 1e-9)
	assert.InDelta(t, -43.0725, track.Angle, 1e-4)
	assert.Equal(t, 4, track.Points)
}

func TestFitTrackVertical(t *testing.T) {
	track, err := FitTrack(platePositions, [NumPlates]float64{72, 72, 72, 72})
	require.NoError(t, err)
	assert.InDelta(t, 0, track.Slope, 1e-12)
	assert.InDelta(t, 0, track.Angle, 1e-9)
}

func TestFitTrackSkipsNaN(t *testing.T) {
	nan := math.NaN()
	track, err := FitTrack(platePositions, [NumPlates]float64{nan, 50, nan, 90})
	require.NoError(t, err)
	assert.Equal(t, 2, track.Points)
	assert.InDelta(t, 40.0/86.0, track.Slope, 1e-12)

	positions := platePositions
	positions[1] = nan
	_, err = FitTrack(positions, [NumPlates]float64{nan, 50, nan, 90})
	assert.ErrorIs(t, err, ErrInsufficientPoints)

	_, err = FitTrack(platePositions, [NumPlates]float64{nan, nan, nan, nan})
	assert.ErrorIs(t, err, ErrInsufficientPoints)
}

func TestHitBool(t *testing.T) {
	assert.False(t, HitBool(0))
	assert.False(t, HitBool(144))
	assert.True(t, HitBool(0.001))
	assert.True(t, HitBool(143.999))
	assert.False(t, HitBool(math.NaN()))
	assert.False(t, HitBool(-3))
}

func TestHitCount(t *testing.T) {
	nan := math.NaN()
	assert.Equal(t, 4, HitCount([NumPlates]float64{1, 2, 3, 4}))
	assert.Equal(t, 2, HitCount([NumPlates]float64{0, 20, 144, 30}))
	assert.Equal(t, 0, HitCount([NumPlates]float64{nan, nan, nan, nan}))
}
