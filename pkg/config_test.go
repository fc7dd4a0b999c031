package gesher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfiguration(t *testing.T) {
	config := DefaultConfiguration()
	require.NoError(t, config.Validate())

	rc := config.Reconstruction()
	assert.Equal(t, GaussianParams{Amplitude: 100, Mean: 0, Sigma: 20}, rc.Conditioning.BaselineGuess)
	assert.Equal(t, PeakConfig{Height: 125, Width: 6, Distance: 10, Prominence: 12}, rc.Peak)
	assert.Equal(t, [NumPlates]float64{0, 43, 86, 129}, rc.PlatePositions)
	assert.Equal(t, -50.0, rc.ROIStart)

	cc := config.CalibrationReconstruction()
	assert.Equal(t, 1.0, cc.ROIStart)
	assert.Equal(t, 85.0, cc.ROIEnd)
	assert.Equal(t, rc.Conditioning, cc.Conditioning)
}

func TestLoadConfigurationJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"run_dirs": ["data/run1", "data/run2"],
		"num_workers": 8,
		"peak_threshold": 100,
		"no_db": false,
		"db_driver": "sqlite3",
		"calibration": {"plate": 2, "weighted": false}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	config, err := LoadConfiguration(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"data/run1", "data/run2"}, config.RunDirs)
	assert.Equal(t, 8, config.NumWorkers)
	assert.Equal(t, 100.0, config.PeakThreshold)
	assert.False(t, config.NoDB)
	assert.Equal(t, 2, config.Calibration.Plate)
	assert.False(t, config.Calibration.Weighted)
	// untouched keys keep their defaults
	assert.Equal(t, 25.0, config.IngressThreshold)
	assert.Equal(t, 2.0, config.Calibration.ZScoreThreshold)
	require.NoError(t, config.Validate())
}

func TestLoadConfigurationYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
run_dirs:
  - data/run1
smooth_sigma: 0
baseline_bins: {start: -20.5, stop: 100.5, step: 1}
calibration:
  plate: 0
  references:
    - label: L
      position: 24
      runs: [data/L1, data/L2]
      p0: [25, -8, 2]
    - label: R
      position: 120
      runs: [data/R1]
      p0: [25, 2, 2]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	config, err := LoadConfiguration(path)
	require.NoError(t, err)
	assert.Equal(t, 0.0, config.SmoothSigma)
	assert.Equal(t, BinSpec{Start: -20.5, Stop: 100.5, Step: 1}, config.BaselineBins)
	require.Len(t, config.Calibration.References, 2)
	assert.Equal(t, ReferenceConfig{
		Label:    "L",
		Position: 24,
		Runs:     []string{"data/L1", "data/L2"},
		P0:       [3]float64{25, -8, 2},
	}, config.Calibration.References[0])
	assert.Equal(t, 85.0, config.Calibration.ROIEnd)
	require.NoError(t, config.ValidateCalibration())
}

func TestLoadConfigurationErrors(t *testing.T) {
	_, err := LoadConfiguration(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"num_workers": "many"}`), 0o644))
	_, err = LoadConfiguration(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Configuration){
		"roi":       func(c *Configuration) { c.ROIStart, c.ROIEnd = 10, 10 },
		"hits":      func(c *Configuration) { c.MinHit = 200 },
		"rescale":   func(c *Configuration) { c.TimeFactor = 0 },
		"smoothing": func(c *Configuration) { c.SmoothSigma = -1 },
		"distance":  func(c *Configuration) { c.PeakDistance = 0 },
		"workers":   func(c *Configuration) { c.NumWorkers = 0 },
		"driver":    func(c *Configuration) { c.NoDB, c.DBDriver = false, "postgres" },
	}
	for name, mutate := range cases {
		config := DefaultConfiguration()
		mutate(&config)
		assert.ErrorIs(t, config.Validate(), ErrConfiguration, name)
	}

	config := DefaultConfiguration()
	config.BaselineBins = BinSpec{Start: 5, Stop: 1, Step: 1}
	assert.ErrorIs(t, config.Validate(), ErrInvalidBins)

	// an unknown driver does not matter without a database
	config = DefaultConfiguration()
	config.DBDriver = "postgres"
	assert.NoError(t, config.Validate())
}

func TestValidateCalibration(t *testing.T) {
	valid := func() Configuration {
		config := DefaultConfiguration()
		config.Calibration.References = []ReferenceConfig{
			{Label: "L", Position: 24}, {Label: "R", Position: 120},
		}
		return config
	}
	require.NoError(t, valid().ValidateCalibration())

	cases := map[string]func(*CalibrationSettings){
		"references": func(c *CalibrationSettings) { c.References = c.References[:1] },
		"plate":      func(c *CalibrationSettings) { c.Plate = NumPlates },
		"zscore":     func(c *CalibrationSettings) { c.ZScoreThreshold = -1 },
		"roi":        func(c *CalibrationSettings) { c.ROIStart = 90 },
	}
	for name, mutate := range cases {
		config := valid()
		mutate(&config.Calibration)
		assert.ErrorIs(t, config.ValidateCalibration(), ErrConfiguration, name)
	}

	config := valid()
	config.Calibration.Bins.Step = 0
	assert.ErrorIs(t, config.ValidateCalibration(), ErrInvalidBins)
}
