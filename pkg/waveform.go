package gesher

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Trace is a sampled signal: Time[i] and Amplitude[i] form one sample.
type Trace struct {
	Time      []float64
	Amplitude []float64
}

func (t Trace) Len() int {
	return len(t.Time)
}

func (t Trace) clone() Trace {
	return Trace{
		Time:      append([]float64(nil), t.Time...),
		Amplitude: append([]float64(nil), t.Amplitude...),
	}
}

// Waveform is one channel's recording for one segment. Raw is kept as read;
// Processed holds the conditioned samples used for detection.
type Waveform struct {
	Name      string
	Raw       Trace
	Processed Trace

	Baseline         float64
	BaselineFallback bool
	ResidualBaseline float64

	PeakIndex    int
	IngressIndex int
}

func newWaveform(name string, raw Trace) *Waveform {
	return &Waveform{
		Name:         name,
		Raw:          raw,
		Processed:    raw.clone(),
		PeakIndex:    -1,
		IngressIndex: -1,
	}
}

// IngressTime returns the processed time of the ingress sample.
func (w *Waveform) IngressTime() (float64, bool) {
	if w == nil || w.IngressIndex < 0 || w.IngressIndex >= w.Processed.Len() {
		return math.NaN(), false
	}
	return w.Processed.Time[w.IngressIndex], true
}

// LoadWaveform reads a two-column (time, amplitude) CSV file without header.
func LoadWaveform(path string) (*Waveform, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &ErrOpenFile{Filename: path, Err: err}
	}
	defer file.Close()

	trace, err := readTrace(file, path)
	if err != nil {
		return nil, err
	}
	return newWaveform(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), trace), nil
}

func readTrace(r io.Reader, name string) (Trace, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 2
	reader.TrimLeadingSpace = true

	var trace Trace
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return Trace{}, &ErrParseLine{Filename: name, Line: line, Err: fmt.Errorf("%w: %v", ErrMalformedWaveform, err)}
		}
		t, errT := strconv.ParseFloat(strings.TrimSpace(record[0]), 64)
		a, errA := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		if err := errors.Join(errT, errA); err != nil {
			return Trace{}, &ErrParseLine{Filename: name, Line: line, Err: fmt.Errorf("%w: %v", ErrMalformedWaveform, err)}
		}
		if n := len(trace.Time); n > 0 && t < trace.Time[n-1] {
			return Trace{}, &ErrParseLine{Filename: name, Line: line, Err: fmt.Errorf("%w: time goes backwards", ErrMalformedWaveform)}
		}
		trace.Time = append(trace.Time, t)
		trace.Amplitude = append(trace.Amplitude, a)
	}
	if trace.Len() == 0 {
		return Trace{}, fmt.Errorf("%s: no samples: %w", name, ErrMalformedWaveform)
	}
	return trace, nil
}

// Rescale multiplies every time by timeFactor and every amplitude by
// amplitudeFactor.
func Rescale(t Trace, timeFactor, amplitudeFactor float64) Trace {
	out := Trace{
		Time:      make([]float64, t.Len()),
		Amplitude: make([]float64, t.Len()),
	}
	for i := range t.Time {
		out.Time[i] = t.Time[i] * timeFactor
		out.Amplitude[i] = t.Amplitude[i] * amplitudeFactor
	}
	return out
}

// EstimateBaseline fits a Gaussian to the amplitude histogram (empty bins
// dropped) and returns its mean.
func EstimateBaseline(t Trace, bins BinSpec, guess GaussianParams) (float64, error) {
	edges, err := bins.Edges()
	if err != nil {
		return 0, err
	}
	params, err := fitGaussianHistogram(t.Amplitude, edges, guess, true)
	if err != nil {
		return 0, fmt.Errorf("baseline: %w", err)
	}
	return params.Mean, nil
}

func SubtractBaseline(t Trace, baseline float64) Trace {
	out := t.clone()
	for i := range out.Amplitude {
		out.Amplitude[i] -= baseline
	}
	return out
}

// Smooth convolves the amplitudes with a normalised Gaussian kernel of
// standard deviation sigma samples, truncated at 4 sigma, reflecting at the
// edges. Times are left untouched.
func Smooth(t Trace, sigma float64) Trace {
	out := t.clone()
	radius := int(4*sigma + 0.5)
	if sigma <= 0 || radius == 0 || t.Len() == 0 {
		return out
	}

	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for k := -radius; k <= radius; k++ {
		v := math.Exp(-0.5 * float64(k*k) / (sigma * sigma))
		kernel[k+radius] = v
		sum += v
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	n := t.Len()
	for i := 0; i < n; i++ {
		acc := 0.0
		for k := -radius; k <= radius; k++ {
			acc += kernel[k+radius] * t.Amplitude[reflectIndex(i+k, n)]
		}
		out.Amplitude[i] = acc
	}
	return out
}

// reflectIndex maps i into [0, n) mirroring about the edges (d c b a | a b c d | d c b a).
func reflectIndex(i, n int) int {
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// Condition runs rescale, smoothing, baseline estimation and subtraction on
// w.Processed, then re-estimates the baseline as a check. A baseline that
// cannot be fitted is taken as zero. Only configuration errors are returned.
func Condition(w *Waveform, cfg ConditioningConfig) error {
	trace := Rescale(w.Processed, cfg.TimeFactor, cfg.AmplitudeFactor)
	trace = Smooth(trace, cfg.SmoothSigma)

	baseline, err := EstimateBaseline(trace, cfg.BaselineBins, cfg.BaselineGuess)
	if err != nil {
		if errors.Is(err, ErrInvalidBins) {
			return err
		}
		logger.Error(fmt.Sprintf("%s: %v, setting baseline to 0", w.Name, err))
		baseline = 0
		w.BaselineFallback = true
	}
	w.Baseline = baseline
	trace = SubtractBaseline(trace, baseline)

	residual, err := EstimateBaseline(trace, cfg.BaselineBins, cfg.BaselineGuess)
	if err != nil {
		residual = math.NaN()
	}
	w.ResidualBaseline = residual
	w.Processed = trace

	if verbosity > 1 {
		logger.Info(fmt.Sprintf("%s baseline %.3f, residual %.3f", w.Name, baseline, residual), "waveform")
	}
	return nil
}
