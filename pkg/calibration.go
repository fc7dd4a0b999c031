package gesher

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/stat"
)

// Calibration relates a plate hit position to the near/far delta-t:
// delta_t = Slope*position + Intercept.
type Calibration struct {
	Slope     float64
	Intercept float64
	// Covariance of (Slope, Intercept); nil when unknown.
	Covariance [][]float64
}

func (c Calibration) validate() error {
	if c.Slope == 0 || math.IsNaN(c.Slope) || math.IsInf(c.Slope, 0) || math.IsNaN(c.Intercept) {
		return fmt.Errorf("slope %g, intercept %g: %w", c.Slope, c.Intercept, ErrInvalidCalibration)
	}
	return nil
}

// Reference is the set of delta-t values measured with the source at a known
// position along the plate.
type Reference struct {
	Label    string
	Position float64
	DeltaTs  []float64
	Guess    GaussianParams
}

type CalibrationConfig struct {
	// |z| must stay below this to be kept; zero keeps everything.
	ZScoreThreshold float64
	Bins            BinSpec
	LinearGuess     [2]float64
	Weighted        bool
}

// ReferenceFit is the Gaussian summary of one reference.
type ReferenceFit struct {
	Label    string
	Position float64
	Mean     float64
	Sigma    float64
	Entries  int
}

type CalibrationResult struct {
	Calibration Calibration
	References  []ReferenceFit
}

func (c Configuration) CalibrationConfig() CalibrationConfig {
	return CalibrationConfig{
		ZScoreThreshold: c.Calibration.ZScoreThreshold,
		Bins:            c.Calibration.Bins,
		LinearGuess:     c.Calibration.LinearP0,
		Weighted:        c.Calibration.Weighted,
	}
}

// EstimateCalibration summarises every reference with a Gaussian fit of its
// delta-t histogram and fits a straight line through the means.
func EstimateCalibration(references []Reference, cfg CalibrationConfig) (CalibrationResult, error) {
	if len(references) < 2 {
		return CalibrationResult{}, fmt.Errorf("calibration with %d references: %w", len(references), ErrInsufficientPoints)
	}
	edges, err := cfg.Bins.Edges()
	if err != nil {
		return CalibrationResult{}, err
	}

	result := CalibrationResult{References: make([]ReferenceFit, 0, len(references))}
	positions := make([]float64, len(references))
	means := make([]float64, len(references))
	sigmas := make([]float64, len(references))
	for i, ref := range references {
		values := rejectOutliers(finite(ref.DeltaTs), cfg.ZScoreThreshold)
		params, err := fitGaussianHistogram(values, edges, ref.Guess, false)
		if err != nil {
			return CalibrationResult{}, fmt.Errorf("reference %s at %g: %w", ref.Label, ref.Position, err)
		}
		fit := ReferenceFit{
			Label:    ref.Label,
			Position: ref.Position,
			Mean:     params.Mean,
			Sigma:    math.Abs(params.Sigma),
			Entries:  len(values),
		}
		result.References = append(result.References, fit)
		positions[i], means[i], sigmas[i] = fit.Position, fit.Mean, fit.Sigma

		if verbosity > 0 {
			logger.Info(fmt.Sprintf("reference %s: %d entries, mean %.3f ns, sigma %.3f ns",
				fit.Label, fit.Entries, fit.Mean, fit.Sigma), "calibration")
		}
	}

	var weights []float64
	if cfg.Weighted {
		weights = sigmas
	}
	res, err := curveFit(linear, positions, means, weights, cfg.LinearGuess[:])
	if err != nil {
		return CalibrationResult{}, fmt.Errorf("linear calibration fit: %w", err)
	}
	result.Calibration = Calibration{
		Slope:      res.Params[0],
		Intercept:  res.Params[1],
		Covariance: res.Covariance,
	}
	return result, result.Calibration.validate()
}

func finite(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// rejectOutliers keeps values whose population z-score is below threshold.
func rejectOutliers(values []float64, threshold float64) []float64 {
	if threshold <= 0 || len(values) == 0 {
		return values
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	if std == 0 {
		return values
	}
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if math.Abs(stat.StdScore(v, mean, std)) < threshold {
			out = append(out, v)
		}
	}
	return out
}

// CollectDeltaTs runs the event pipeline up to delta-t for segments
// 1..segments of every directory and returns the finite delta-t values of
// plate, rounded to 10 ps.
func CollectDeltaTs(dirs []string, plate, segments int, cfg ReconstructionConfig) ([]float64, error) {
	if plate < 0 || plate >= NumPlates {
		return nil, fmt.Errorf("plate %d: %w", plate, ErrConfiguration)
	}
	var dts []float64
	for _, dir := range dirs {
		collected := 0
		for seg := 1; seg <= segments; seg++ {
			event := NewEvent(dir, seg, cfg, Calibration{})
			for _, step := range []func() error{event.Gather, event.ComputeIngress, event.ComputeDeltaT} {
				if err := step(); err != nil {
					return nil, err
				}
			}
			dt := event.DeltaT[plate]
			if math.IsNaN(dt) {
				continue
			}
			dts = append(dts, math.RoundToEven(dt*100)/100)
			collected++
		}
		if verbosity > 0 {
			logger.Info(fmt.Sprintf("%s: %d delta-t values from %d segments", dir, collected, segments), "calibration")
		}
	}
	return dts, nil
}

type calibrationRecord struct {
	Popt []float64   `json:"popt"`
	Pcov [][]float64 `json:"pcov,omitempty"`
}

// SaveCalibration writes {"popt": [slope, intercept], "pcov": [[..], [..]]}.
// A covariance with non-finite entries is left out.
func SaveCalibration(path string, cal Calibration) error {
	record := calibrationRecord{Popt: []float64{cal.Slope, cal.Intercept}}
	if finiteMatrix(cal.Covariance) {
		record.Pcov = cal.Covariance
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding calibration: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func finiteMatrix(m [][]float64) bool {
	if len(m) == 0 {
		return false
	}
	for _, row := range m {
		if len(finite(row)) != len(row) {
			return false
		}
	}
	return true
}

func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Calibration{}, &ErrOpenFile{Filename: path, Err: err}
	}
	var record calibrationRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return Calibration{}, fmt.Errorf("%s: %v: %w", path, err, ErrInvalidCalibration)
	}
	if len(record.Popt) < 2 {
		return Calibration{}, fmt.Errorf("%s: popt has %d values: %w", path, len(record.Popt), ErrInvalidCalibration)
	}
	cal := Calibration{Slope: record.Popt[0], Intercept: record.Popt[1], Covariance: record.Pcov}
	if err := cal.validate(); err != nil {
		return Calibration{}, fmt.Errorf("%s: %w", path, err)
	}
	return cal, nil
}
