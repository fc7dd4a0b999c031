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

func TestRescale(t *testing.T) {
	trace := Trace{Time: []float64{1e-9, 2e-9}, Amplitude: []float64{-0.1, 0.05}}
	out := Rescale(trace, 1e9, -1e3)

	assert.InDeltaSlice(t, []float64{1, 2}, out.Time, 1e-12)
	assert.InDeltaSlice(t, []float64{100, -50}, out.Amplitude, 1e-12)
	// input untouched
	assert.Equal(t, -0.1, trace.Amplitude[0])

	back := Rescale(out, 1e-9, -1e-3)
	assert.InDeltaSlice(t, trace.Time, back.Time, 1e-20)
	assert.InDeltaSlice(t, trace.Amplitude, back.Amplitude, 1e-15)
}

func TestSubtractBaseline(t *testing.T) {
	trace := Trace{Time: []float64{0, 1, 2}, Amplitude: []float64{5, 6, 7}}
	out := SubtractBaseline(trace, 5)
	assert.Equal(t, []float64{0, 1, 2}, out.Amplitude)
	assert.Equal(t, trace.Time, out.Time)
}

func TestSmooth(t *testing.T) {
	flat := Trace{Time: make([]float64, 50), Amplitude: make([]float64, 50)}
	for i := range flat.Amplitude {
		flat.Amplitude[i] = 7
	}
	smoothed := Smooth(flat, 2)
	for _, v := range smoothed.Amplitude {
		assert.InDelta(t, 7, v, 1e-12)
	}

	impulse := Trace{Time: make([]float64, 41), Amplitude: make([]float64, 41)}
	impulse.Amplitude[20] = 1
	smoothed = Smooth(impulse, 2)
	sum := 0.0
	for _, v := range smoothed.Amplitude {
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-12)
	assert.InDelta(t, smoothed.Amplitude[19], smoothed.Amplitude[21], 1e-15)
	assert.Greater(t, smoothed.Amplitude[20], smoothed.Amplitude[19])
	// radius int(4*2+0.5) = 8
	assert.Zero(t, smoothed.Amplitude[11])
	assert.Greater(t, smoothed.Amplitude[12], 0.0)

	assert.Equal(t, impulse.Amplitude, Smooth(impulse, 0).Amplitude)
}

func TestReflectIndex(t *testing.T) {
	// d c b a | a b c d | d c b a
	n := 4
	assert.Equal(t, 0, reflectIndex(-1, n))
	assert.Equal(t, 1, reflectIndex(-2, n))
	assert.Equal(t, 3, reflectIndex(4, n))
	assert.Equal(t, 2, reflectIndex(5, n))
	assert.Equal(t, 2, reflectIndex(2, n))
}

func TestEstimateBaseline(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	trace := Trace{Time: make([]float64, 5000), Amplitude: make([]float64, 5000)}
	for i := range trace.Amplitude {
		trace.Time[i] = float64(i)
		trace.Amplitude[i] = 10 + 3*rng.NormFloat64()
	}
	bins := BinSpec{Start: -49.5, Stop: 299.5, Step: 1}
	guess := GaussianParams{Amplitude: 100, Mean: 0, Sigma: 20}

	baseline, err := EstimateBaseline(trace, bins, guess)
	require.NoError(t, err)
	assert.InDelta(t, 10, baseline, 0.3)

	residual, err := EstimateBaseline(SubtractBaseline(trace, baseline), bins, guess)
	require.NoError(t, err)
	assert.InDelta(t, 0, residual, 0.3)
}

func TestEstimateBaselineNoise(t *testing.T) {
	bins := BinSpec{Start: -49.5, Stop: 299.5, Step: 1}
	guess := GaussianParams{Amplitude: 100, Mean: 0, Sigma: 20}
	seed := int64(0)
	for _, n := range []int{500, 2000, 5000} {
		for _, base := range []float64{-5, 0, 5, 10, 20} {
			for _, sd := range []float64{1, 3, 5} {
				seed++
				rng := rand.New(rand.NewSource(seed))
				trace := Trace{Time: make([]float64, n), Amplitude: make([]float64, n)}
				for i := range trace.Amplitude {
					trace.Time[i] = float64(i)
					trace.Amplitude[i] = base + sd*rng.NormFloat64()
				}
				tol := 5*sd/math.Sqrt(float64(n)) + 0.1

				baseline, err := EstimateBaseline(trace, bins, guess)
				require.NoError(t, err, "n=%d base=%g sd=%g", n, base, sd)
				assert.InDelta(t, base, baseline, tol, "n=%d base=%g sd=%g", n, base, sd)

				residual, err := EstimateBaseline(SubtractBaseline(trace, baseline), bins, guess)
				require.NoError(t, err, "n=%d base=%g sd=%g", n, base, sd)
				assert.InDelta(t, 0, residual, tol, "n=%d base=%g sd=%g", n, base, sd)
			}
		}
	}
}

func TestEstimateBaselineErrors(t *testing.T) {
	trace := Trace{Time: []float64{0, 1, 2}, Amplitude: []float64{1000, 1000, 1000}}
	guess := GaussianParams{Amplitude: 100, Mean: 0, Sigma: 20}

	_, err := EstimateBaseline(trace, BinSpec{Start: -49.5, Stop: 299.5, Step: 1}, guess)
	assert.ErrorIs(t, err, ErrDegenerateHistogram)

	_, err = EstimateBaseline(trace, BinSpec{Start: 1, Stop: 1, Step: 1}, guess)
	assert.ErrorIs(t, err, ErrInvalidBins)

	_, err = EstimateBaseline(trace, BinSpec{Start: 0, Stop: 1, Step: 1}, guess)
	assert.ErrorIs(t, err, ErrInvalidBins)
}

func TestLoadWaveform(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scope-1-seg1-ch1.csv")
	require.NoError(t, os.WriteFile(path, []byte("-1e-9, 0.001\n0,0.002\n1e-9,-0.5\n"), 0o644))

	wf, err := LoadWaveform(path)
	require.NoError(t, err)
	assert.Equal(t, "scope-1-seg1-ch1", wf.Name)
	assert.Equal(t, []float64{-1e-9, 0, 1e-9}, wf.Raw.Time)
	assert.Equal(t, []float64{0.001, 0.002, -0.5}, wf.Raw.Amplitude)
	assert.Equal(t, wf.Raw, wf.Processed)
	assert.Equal(t, -1, wf.PeakIndex)
	assert.Equal(t, -1, wf.IngressIndex)
	_, ok := wf.IngressTime()
	assert.False(t, ok)
}

func TestLoadWaveformErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadWaveform(filepath.Join(dir, "missing.csv"))
	var openErr *ErrOpenFile
	assert.ErrorAs(t, err, &openErr)

	cases := map[string]string{
		"empty.csv":     "",
		"text.csv":      "0,abc\n",
		"columns.csv":   "0,1,2\n",
		"backwards.csv": "1,0\n0,0\n",
	}
	for name, content := range cases {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := LoadWaveform(path)
		assert.ErrorIs(t, err, ErrMalformedWaveform, name)
	}

	var parseErr *ErrParseLine
	_, err = LoadWaveform(filepath.Join(dir, "backwards.csv"))
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 2, parseErr.Line)
}

func TestCondition(t *testing.T) {
	cfg := testReconstructionConfig().Conditioning
	pulse := pulseTrace(10, 1)
	raw := Rescale(pulse, 1e-9, -1e-3)
	wf := newWaveform("pulse", raw)

	require.NoError(t, Condition(wf, cfg))
	assert.False(t, wf.BaselineFallback)
	assert.InDelta(t, 0, wf.Baseline, 0.5)
	assert.InDelta(t, 0, wf.ResidualBaseline, 0.2)
	assert.InDeltaSlice(t, pulse.Time, wf.Processed.Time, 1e-9)
	assert.Equal(t, raw, wf.Raw)
	// smoothing barely touches a 2 ns pulse
	assert.InDelta(t, testPulseAmp, wf.Processed.Amplitude[1100], 5)
}

func TestConditionOffset(t *testing.T) {
	cfg := testReconstructionConfig()
	for _, offset := range []float64{5, 10, 20, -8} {
		pulse := offsetTrace(pulseTrace(10, 1), offset)
		wf := newWaveform("offset", Rescale(pulse, 1e-9, -1e-3))

		require.NoError(t, Condition(wf, cfg.Conditioning), "offset %g", offset)
		assert.False(t, wf.BaselineFallback, "offset %g", offset)
		assert.InDelta(t, offset, wf.Baseline, 0.5, "offset %g", offset)
		assert.InDelta(t, 0, wf.ResidualBaseline, 0.2, "offset %g", offset)

		roi := ROIFromTimes(wf.Processed.Time, cfg.ROIStart, cfg.ROIEnd)
		peak, found, err := DetectPeak(wf.Processed, roi, cfg.Peak)
		require.NoError(t, err)
		require.True(t, found, "offset %g", offset)
		assert.InDelta(t, 10, wf.Processed.Time[peak], 0.5, "offset %g", offset)

		ingress, found, err := DetectIngress(wf.Processed, cfg.IngressThreshold, roi, peak)
		require.NoError(t, err)
		require.True(t, found, "offset %g", offset)
		assert.InDelta(t, 5.6, wf.Processed.Time[ingress], 0.3, "offset %g", offset)
	}
}

func TestConditionBaselineFallback(t *testing.T) {
	cfg := testReconstructionConfig().Conditioning
	raw := Trace{Time: make([]float64, 100), Amplitude: make([]float64, 100)}
	for i := range raw.Time {
		raw.Time[i] = float64(i) * 1e-10
		raw.Amplitude[i] = -1 // 1000 mV, outside every baseline bin
	}
	wf := newWaveform("saturated", raw)

	require.NoError(t, Condition(wf, cfg))
	assert.True(t, wf.BaselineFallback)
	assert.Zero(t, wf.Baseline)
	assert.True(t, math.IsNaN(wf.ResidualBaseline))
	assert.InDelta(t, 1000, wf.Processed.Amplitude[50], 1e-9)

	cfg.BaselineBins = BinSpec{Start: 0, Stop: 0, Step: 1}
	assert.ErrorIs(t, Condition(newWaveform("bad", raw), cfg), ErrInvalidBins)
}
