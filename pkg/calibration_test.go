package gesher

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syntheticReferences(seed int64) []Reference {
	rng := rand.New(rand.NewSource(seed))
	labels := []string{"L", "CL", "C", "CR", "R"}
	positions := []float64{24, 48, 72, 96, 120}
	refs := make([]Reference, len(positions))
	for i, pos := range positions {
		mean := 0.1*pos - 10
		dts := make([]float64, 1000)
		for j := range dts {
			dts[j] = math.Round((mean+1.5*rng.NormFloat64())*100) / 100
		}
		// lost events and a far outlier
		dts = append(dts, math.NaN(), math.NaN(), 60)
		refs[i] = Reference{
			Label:    labels[i],
			Position: pos,
			DeltaTs:  dts,
			Guess:    GaussianParams{Amplitude: 25, Mean: math.Round(mean), Sigma: 2},
		}
	}
	return refs
}

func testCalibrationConfig() CalibrationConfig {
	return DefaultConfiguration().CalibrationConfig()
}

func TestEstimateCalibration(t *testing.T) {
	result, err := EstimateCalibration(syntheticReferences(7), testCalibrationConfig())
	require.NoError(t, err)

	cal := result.Calibration
	assert.InDelta(t, 0.1, cal.Slope, 0.01)
	assert.InDelta(t, -10, cal.Intercept, 0.5)
	require.Len(t, cal.Covariance, 2)
	assert.Greater(t, cal.Covariance[0][0], 0.0)

	require.Len(t, result.References, 5)
	for _, ref := range result.References {
		assert.InDelta(t, 0.1*ref.Position-10, ref.Mean, 0.3, ref.Label)
		assert.InDelta(t, 1.5, ref.Sigma, 0.4, ref.Label)
		// NaN and the outlier are gone
		assert.LessOrEqual(t, ref.Entries, 1000, ref.Label)
		assert.Greater(t, ref.Entries, 900, ref.Label)
	}
}

func TestEstimateCalibrationUnweighted(t *testing.T) {
	cfg := testCalibrationConfig()
	cfg.Weighted = false
	cfg.ZScoreThreshold = 0
	result, err := EstimateCalibration(syntheticReferences(3), cfg)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, result.Calibration.Slope, 0.01)
	for _, ref := range result.References {
		assert.Equal(t, 1001, ref.Entries, ref.Label)
	}
}

func TestEstimateCalibrationErrors(t *testing.T) {
	refs := syntheticReferences(1)
	_, err := EstimateCalibration(refs[:1], testCalibrationConfig())
	assert.ErrorIs(t, err, ErrInsufficientPoints)

	refs[2].DeltaTs = []float64{math.NaN(), 100}
	_, err = EstimateCalibration(refs, testCalibrationConfig())
	assert.ErrorIs(t, err, ErrDegenerateHistogram)
}

func TestRejectOutliers(t *testing.T) {
	values := []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 100}
	assert.Equal(t, make([]float64, 9), rejectOutliers(values, 2))
	assert.Equal(t, values, rejectOutliers(values, 0))
	constant := []float64{3, 3, 3}
	assert.Equal(t, constant, rejectOutliers(constant, 2))
}

func TestSaveLoadCalibration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "calibration.json")
	cal := Calibration{
		Slope:      0.0986,
		Intercept:  -9.83,
		Covariance: [][]float64{{1e-5, -6e-4}, {-6e-4, 0.05}},
	}
	require.NoError(t, SaveCalibration(path, cal))

	loaded, err := LoadCalibration(path)
	require.NoError(t, err)
	assert.Equal(t, cal, loaded)

	cal.Covariance = [][]float64{{math.Inf(1), math.Inf(1)}, {math.Inf(1), math.Inf(1)}}
	require.NoError(t, SaveCalibration(path, cal))
	loaded, err = LoadCalibration(path)
	require.NoError(t, err)
	assert.Nil(t, loaded.Covariance)
}

func TestLoadCalibrationErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadCalibration(filepath.Join(dir, "missing.json"))
	var openErr *ErrOpenFile
	assert.ErrorAs(t, err, &openErr)

	cases := map[string]string{
		"short.json":   `{"popt": [0.1]}`,
		"nopopt.json":  `{"pcov": [[1, 0], [0, 1]]}`,
		"zero.json":    `{"popt": [0, -10]}`,
		"garbage.json": `popt`,
	}
	for name, content := range cases {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := LoadCalibration(path)
		assert.ErrorIs(t, err, ErrInvalidCalibration, name)
	}
}

func TestCollectDeltaTs(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	writeSegment(t, dirA, 1, testNear, testFar)
	writeSegment(t, dirA, 2, testNear, testFar)
	writeSegment(t, dirB, 1, testNear, testFar)

	cfg := DefaultConfiguration().CalibrationReconstruction()
	dts, err := CollectDeltaTs([]string{dirA, dirB}, 1, 3, cfg)
	require.NoError(t, err)
	require.Len(t, dts, 3)
	for _, dt := range dts {
		assert.InDelta(t, -5, dt, 0.3)
		assert.Equal(t, math.Round(dt*100)/100, dt)
	}

	_, err = CollectDeltaTs([]string{dirA}, NumPlates, 1, cfg)
	assert.ErrorIs(t, err, ErrConfiguration)
}
