package gesher

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// BinSpec describes histogram edges the way numpy.arange does: Start,
// Start+Step, ... up to but excluding Stop.
type BinSpec struct {
	Start float64 `json:"start" yaml:"start"`
	Stop  float64 `json:"stop" yaml:"stop"`
	Step  float64 `json:"step" yaml:"step"`
}

func (b BinSpec) Edges() ([]float64, error) {
	if b.Step <= 0 || math.IsNaN(b.Start) || math.IsNaN(b.Stop) || b.Stop <= b.Start {
		return nil, fmt.Errorf("bins %+v: %w", b, ErrInvalidBins)
	}
	n := int(math.Ceil((b.Stop - b.Start) / b.Step))
	if n < 2 {
		return nil, fmt.Errorf("bins %+v give %d edges: %w", b, n, ErrInvalidBins)
	}
	edges := make([]float64, n)
	for i := range edges {
		edges[i] = b.Start + float64(i)*b.Step
	}
	return edges, nil
}

type ConditioningConfig struct {
	TimeFactor      float64
	AmplitudeFactor float64
	SmoothSigma     float64
	BaselineBins    BinSpec
	BaselineGuess   GaussianParams
}

type PeakConfig struct {
	Height     float64
	Width      float64
	Distance   float64
	Prominence float64
}

// ReconstructionConfig carries everything one event reconstruction needs.
// It is read-only once built and may be shared between workers.
type ReconstructionConfig struct {
	Conditioning     ConditioningConfig
	Peak             PeakConfig
	IngressThreshold float64
	ROIStart         float64
	ROIEnd           float64
	PlatePositions   [NumPlates]float64
	MinHit           float64
	MaxHit           float64
}

type ReferenceConfig struct {
	Label    string     `json:"label" yaml:"label"`
	Position float64    `json:"position" yaml:"position"`
	Runs     []string   `json:"runs" yaml:"runs"`
	P0       [3]float64 `json:"p0" yaml:"p0"`
}

type CalibrationSettings struct {
	References      []ReferenceConfig `json:"references" yaml:"references"`
	Plate           int               `json:"plate" yaml:"plate"`
	Segments        int               `json:"segments" yaml:"segments"`
	ZScoreThreshold float64           `json:"zscore_threshold" yaml:"zscore_threshold"`
	Bins            BinSpec           `json:"bins" yaml:"bins"`
	LinearP0        [2]float64        `json:"linear_p0" yaml:"linear_p0"`
	Weighted        bool              `json:"weighted" yaml:"weighted"`
	ROIStart        float64           `json:"roi_start" yaml:"roi_start"`
	ROIEnd          float64           `json:"roi_end" yaml:"roi_end"`
	FileOut         string            `json:"file_out" yaml:"file_out"`
}

type Configuration struct {
	RunDirs          []string   `json:"run_dirs" yaml:"run_dirs"`
	CalibrationFile  string     `json:"calibration_file" yaml:"calibration_file"`
	Verbosity        int        `json:"verbosity" yaml:"verbosity"`
	NumWorkers       int        `json:"num_workers" yaml:"num_workers"`
	MaxParallelRuns  int        `json:"max_parallel_runs" yaml:"max_parallel_runs"`
	TimeFactor       float64    `json:"time_factor" yaml:"time_factor"`
	AmplitudeFactor  float64    `json:"amplitude_factor" yaml:"amplitude_factor"`
	SmoothSigma      float64    `json:"smooth_sigma" yaml:"smooth_sigma"`
	BaselineBins     BinSpec    `json:"baseline_bins" yaml:"baseline_bins"`
	BaselineP0       [3]float64 `json:"baseline_p0" yaml:"baseline_p0"`
	PeakThreshold    float64    `json:"peak_threshold" yaml:"peak_threshold"`
	IngressThreshold float64    `json:"ingress_threshold" yaml:"ingress_threshold"`
	PeakWidth        float64    `json:"peak_width" yaml:"peak_width"`
	PeakDistance     float64    `json:"peak_distance" yaml:"peak_distance"`
	PeakProminence   float64    `json:"peak_prominence" yaml:"peak_prominence"`
	ROIStart         float64    `json:"roi_start" yaml:"roi_start"`
	ROIEnd           float64    `json:"roi_end" yaml:"roi_end"`
	PlatePositions   [4]float64 `json:"plate_positions" yaml:"plate_positions"`
	MinHit           float64    `json:"min_hit" yaml:"min_hit"`
	MaxHit           float64    `json:"max_hit" yaml:"max_hit"`
	FileOut          string     `json:"file_out" yaml:"file_out"`
	CompressionLevel int        `json:"compression_level" yaml:"compression_level"`
	NoDB             bool       `json:"no_db" yaml:"no_db"`
	DBDriver         string     `json:"db_driver" yaml:"db_driver"`
	DBPath           string     `json:"db_path" yaml:"db_path"`
	Host             string     `json:"host" yaml:"host"`
	User             string     `json:"user" yaml:"user"`
	Passwd           string     `json:"pass" yaml:"pass"`
	DBName           string     `json:"dbname" yaml:"dbname"`

	Calibration CalibrationSettings `json:"calibration" yaml:"calibration"`
}

func DefaultConfiguration() Configuration {
	var config Configuration

	// Set default values
	config.Verbosity = 0
	config.NumWorkers = 1
	config.MaxParallelRuns = 1
	config.TimeFactor = 1e9
	config.AmplitudeFactor = -1e3
	config.SmoothSigma = 2
	config.BaselineBins = BinSpec{Start: -49.5, Stop: 299.5, Step: 1}
	config.BaselineP0 = [3]float64{100, 0, 20}
	config.PeakThreshold = 125
	config.IngressThreshold = 25
	config.PeakWidth = 6
	config.PeakDistance = 10
	config.PeakProminence = 12
	config.ROIStart = -50
	config.ROIEnd = 75
	config.PlatePositions = [4]float64{0, 43, 86, 129}
	config.MinHit = 0
	config.MaxHit = 144
	config.CalibrationFile = "out/calibration.json"
	config.FileOut = "out/tracks.h5"
	config.CompressionLevel = 4
	config.NoDB = true
	config.DBDriver = "sqlite3"
	config.DBPath = "out/tracks.sqlite"
	config.Calibration = CalibrationSettings{
		Plate:           1,
		Segments:        120,
		ZScoreThreshold: 2,
		Bins:            BinSpec{Start: -20.5, Stop: 20.5, Step: 1},
		LinearP0:        [2]float64{0.1, -10},
		Weighted:        true,
		ROIStart:        1,
		ROIEnd:          85,
		FileOut:         "out/calibration.json",
	}
	return config
}

// LoadConfiguration reads a JSON or YAML (by extension) file on top of the
// defaults.
func LoadConfiguration(filename string) (Configuration, error) {
	config := DefaultConfiguration()

	data, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return config, fmt.Errorf("decoding %s: %w", filename, err)
	}
	return config, nil
}

// Validate reports configuration errors that must stop processing before
// any event is touched.
func (c Configuration) Validate() error {
	if _, err := c.BaselineBins.Edges(); err != nil {
		return fmt.Errorf("baseline_bins: %w", err)
	}
	if !(c.ROIStart < c.ROIEnd) {
		return fmt.Errorf("roi_start %g must be below roi_end %g: %w", c.ROIStart, c.ROIEnd, ErrConfiguration)
	}
	if !(c.MinHit < c.MaxHit) {
		return fmt.Errorf("min_hit %g must be below max_hit %g: %w", c.MinHit, c.MaxHit, ErrConfiguration)
	}
	if c.TimeFactor == 0 || c.AmplitudeFactor == 0 {
		return fmt.Errorf("rescale factors must be non-zero: %w", ErrConfiguration)
	}
	if c.SmoothSigma < 0 {
		return fmt.Errorf("smooth_sigma %g is negative: %w", c.SmoothSigma, ErrConfiguration)
	}
	if c.PeakDistance < 1 {
		return fmt.Errorf("peak_distance %g must be >= 1: %w", c.PeakDistance, ErrConfiguration)
	}
	if c.NumWorkers < 1 {
		return fmt.Errorf("num_workers %d must be >= 1: %w", c.NumWorkers, ErrConfiguration)
	}
	if !c.NoDB && c.DBDriver != "mysql" && c.DBDriver != "sqlite3" {
		return fmt.Errorf("unknown db_driver %q: %w", c.DBDriver, ErrConfiguration)
	}
	return nil
}

// ValidateCalibration checks the calibration section used by the calibrate
// executable.
func (c Configuration) ValidateCalibration() error {
	cal := c.Calibration
	if len(cal.References) < 2 {
		return fmt.Errorf("calibration needs at least two references, got %d: %w", len(cal.References), ErrConfiguration)
	}
	if cal.Plate < 0 || cal.Plate >= NumPlates {
		return fmt.Errorf("calibration plate %d out of range: %w", cal.Plate, ErrConfiguration)
	}
	if cal.ZScoreThreshold < 0 {
		return fmt.Errorf("zscore_threshold %g is negative: %w", cal.ZScoreThreshold, ErrConfiguration)
	}
	if _, err := cal.Bins.Edges(); err != nil {
		return fmt.Errorf("calibration bins: %w", err)
	}
	if !(cal.ROIStart < cal.ROIEnd) {
		return fmt.Errorf("calibration roi_start %g must be below roi_end %g: %w", cal.ROIStart, cal.ROIEnd, ErrConfiguration)
	}
	return nil
}

func (c Configuration) Reconstruction() ReconstructionConfig {
	return ReconstructionConfig{
		Conditioning: ConditioningConfig{
			TimeFactor:      c.TimeFactor,
			AmplitudeFactor: c.AmplitudeFactor,
			SmoothSigma:     c.SmoothSigma,
			BaselineBins:    c.BaselineBins,
			BaselineGuess:   GaussianParamsFromSlice(c.BaselineP0[:]),
		},
		Peak: PeakConfig{
			Height:     c.PeakThreshold,
			Width:      c.PeakWidth,
			Distance:   c.PeakDistance,
			Prominence: c.PeakProminence,
		},
		IngressThreshold: c.IngressThreshold,
		ROIStart:         c.ROIStart,
		ROIEnd:           c.ROIEnd,
		PlatePositions:   c.PlatePositions,
		MinHit:           c.MinHit,
		MaxHit:           c.MaxHit,
	}
}

// CalibrationReconstruction is the event configuration used while collecting
// reference delta-t values: same conditioning, calibration ROI.
func (c Configuration) CalibrationReconstruction() ReconstructionConfig {
	rc := c.Reconstruction()
	rc.ROIStart = c.Calibration.ROIStart
	rc.ROIEnd = c.Calibration.ROIEnd
	return rc
}
