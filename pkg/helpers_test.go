package gesher

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testSamples   = 2000
	testTimeStart = -100.0 // ns
	testTimeStep  = 0.1    // ns
	testPulseAmp  = 300.0  // mV
	testPulseSig  = 2.0    // ns
	testNoise     = 2.0    // mV
)

// pulseTrace is a Gaussian pulse at t0 (ns) on a noisy zero baseline, in
// conditioned units (ns, positive mV).
func pulseTrace(t0 float64, seed int64) Trace {
	rng := rand.New(rand.NewSource(seed))
	trace := Trace{Time: make([]float64, testSamples), Amplitude: make([]float64, testSamples)}
	for i := range trace.Time {
		t := testTimeStart + float64(i)*testTimeStep
		d := t - t0
		trace.Time[i] = t
		trace.Amplitude[i] = testPulseAmp*math.Exp(-d*d/(2*testPulseSig*testPulseSig)) + rng.NormFloat64()*testNoise
	}
	return trace
}

// writeRawTrace stores a conditioned-unit trace the way the scope does:
// seconds and volts with inverted polarity.
func writeRawTrace(t *testing.T, path string, trace Trace) {
	t.Helper()
	var sb strings.Builder
	for i := range trace.Time {
		fmt.Fprintf(&sb, "%g,%g\n", trace.Time[i]*1e-9, -trace.Amplitude[i]*1e-3)
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
}

// offsetTrace shifts a conditioned-unit trace by offset mV, as a DC offset on
// the scope input would.
func offsetTrace(trace Trace, offset float64) Trace {
	shifted := Trace{Time: trace.Time, Amplitude: make([]float64, len(trace.Amplitude))}
	for i, v := range trace.Amplitude {
		shifted.Amplitude[i] = v + offset
	}
	return shifted
}

// writeSegment writes the eight channel files of a segment with the near and
// far pulses of each plate at the given times. NaN skips that channel.
func writeSegment(t *testing.T, dir string, segment int, near, far [NumPlates]float64) {
	t.Helper()
	writeSegmentOffset(t, dir, segment, near, far, 0)
}

// writeSegmentOffset is writeSegment with every channel sitting offset mV
// away from zero.
func writeSegmentOffset(t *testing.T, dir string, segment int, near, far [NumPlates]float64, offset float64) {
	t.Helper()
	for plate := 0; plate < NumPlates; plate++ {
		for end, t0 := range []float64{near[plate], far[plate]} {
			if math.IsNaN(t0) {
				continue
			}
			slot := SlotFor(plate, End(end))
			seed := int64(segment*100 + plate*10 + end)
			writeRawTrace(t, filepath.Join(dir, slot.Filename(segment)), offsetTrace(pulseTrace(t0, seed), offset))
		}
	}
}

func writeTimestampLog(t *testing.T, dir string, timestamps []float64) {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("Scope info\n")
	for i, ts := range timestamps {
		fmt.Fprintf(&sb, "Segment = %d\n", i+1)
		fmt.Fprintf(&sb, "Time Tags = '%g '\n", ts)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, TimestampLogName), []byte(sb.String()), 0o644))
}

// Delta-t values for hits [30 50 70 90] with testCalibration.
var (
	testCalibration = Calibration{Slope: 0.1, Intercept: -10}
	testNear        = [NumPlates]float64{10, 10, 10, 10}
	testFar         = [NumPlates]float64{17, 15, 13, 11}
	testHits        = [NumPlates]float64{30, 50, 70, 90}
)

func testReconstructionConfig() ReconstructionConfig {
	return DefaultConfiguration().Reconstruction()
}
