package gesher

import (
	"fmt"
	"math"
	"sort"
)

// ROI is a half-open sample index window [Start, End).
type ROI struct {
	Start int
	End   int
}

func (r ROI) validate(n int) error {
	if r.Start < 0 || r.End > n || r.Start > r.End {
		return fmt.Errorf("roi [%d, %d) on %d samples: %w", r.Start, r.End, n, ErrInvalidROI)
	}
	return nil
}

// clampTo shortens r to fit a trace of n samples.
func (r ROI) clampTo(n int) ROI {
	if r.End > n {
		r.End = n
	}
	if r.Start > r.End {
		r.Start = r.End
	}
	return r
}

// ROIFromTimes picks the samples nearest to tStart and tEnd.
func ROIFromTimes(times []float64, tStart, tEnd float64) ROI {
	return ROI{Start: nearestIndex(times, tStart), End: nearestIndex(times, tEnd)}
}

func nearestIndex(times []float64, target float64) int {
	best, bestDist := 0, math.Inf(1)
	for i, t := range times {
		if d := math.Abs(t - target); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// DetectPeak looks for peaks inside roi and returns the absolute index of the
// earliest one passing the height, distance, prominence and width filters.
func DetectPeak(t Trace, roi ROI, cfg PeakConfig) (int, bool, error) {
	if err := roi.validate(t.Len()); err != nil {
		return -1, false, err
	}
	peaks := findPeaks(t.Amplitude[roi.Start:roi.End], cfg)
	if len(peaks) == 0 {
		return -1, false, nil
	}
	return roi.Start + peaks[0], true, nil
}

// DetectIngress returns the first index in [roi.Start, peak) whose amplitude
// reaches threshold.
func DetectIngress(t Trace, threshold float64, roi ROI, peak int) (int, bool, error) {
	if peak < 0 {
		return -1, false, nil
	}
	if err := roi.validate(t.Len()); err != nil {
		return -1, false, err
	}
	if peak > t.Len() {
		return -1, false, fmt.Errorf("peak index %d on %d samples: %w", peak, t.Len(), ErrInvalidROI)
	}
	for i := roi.Start; i < peak; i++ {
		if t.Amplitude[i] >= threshold {
			return i, true, nil
		}
	}
	return -1, false, nil
}

// findPeaks follows scipy.signal.find_peaks: local maxima filtered by
// height, distance, prominence and width (at half prominence), in that
// order. The result is sorted by index.
func findPeaks(x []float64, cfg PeakConfig) []int {
	peaks := localMaxima(x)

	kept := peaks[:0]
	for _, p := range peaks {
		if x[p] >= cfg.Height {
			kept = append(kept, p)
		}
	}
	peaks = kept

	if cfg.Distance > 1 && len(peaks) > 1 {
		peaks = selectByDistance(x, peaks, math.Ceil(cfg.Distance))
	}

	kept = make([]int, 0, len(peaks))
	for _, p := range peaks {
		prominence, leftBase, rightBase := peakProminence(x, p)
		if prominence < cfg.Prominence {
			continue
		}
		if peakWidth(x, p, prominence, leftBase, rightBase) < cfg.Width {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

// localMaxima finds samples larger than both neighbours. Flat tops count once,
// at their middle sample. The first and last samples are never maxima.
func localMaxima(x []float64) []int {
	var peaks []int
	i := 1
	last := len(x) - 1
	for i < last {
		if x[i-1] < x[i] {
			ahead := i + 1
			for ahead < last && x[ahead] == x[i] {
				ahead++
			}
			if x[ahead] < x[i] {
				peaks = append(peaks, (i+ahead-1)/2)
				i = ahead
			}
		}
		i++
	}
	return peaks
}

// selectByDistance keeps the tallest peaks first and removes any peak closer
// than distance samples to one already kept.
func selectByDistance(x []float64, peaks []int, distance float64) []int {
	order := make([]int, len(peaks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return x[peaks[order[a]]] > x[peaks[order[b]]]
	})

	keep := make([]bool, len(peaks))
	for i := range keep {
		keep[i] = true
	}
	for _, j := range order {
		if !keep[j] {
			continue
		}
		for k := j - 1; k >= 0 && float64(peaks[j]-peaks[k]) < distance; k-- {
			keep[k] = false
		}
		for k := j + 1; k < len(peaks) && float64(peaks[k]-peaks[j]) < distance; k++ {
			keep[k] = false
		}
	}

	out := make([]int, 0, len(peaks))
	for i, p := range peaks {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

func peakProminence(x []float64, peak int) (float64, int, int) {
	leftMin, leftBase := x[peak], peak
	for i := peak; i >= 0 && x[i] <= x[peak]; i-- {
		if x[i] < leftMin {
			leftMin, leftBase = x[i], i
		}
	}
	rightMin, rightBase := x[peak], peak
	for i := peak; i < len(x) && x[i] <= x[peak]; i++ {
		if x[i] < rightMin {
			rightMin, rightBase = x[i], i
		}
	}
	return x[peak] - math.Max(leftMin, rightMin), leftBase, rightBase
}

// peakWidth measures the interpolated width at half the peak's prominence.
func peakWidth(x []float64, peak int, prominence float64, leftBase, rightBase int) float64 {
	height := x[peak] - prominence*0.5

	i := peak
	for leftBase < i && height < x[i] {
		i--
	}
	left := float64(i)
	if x[i] < height {
		left += (height - x[i]) / (x[i+1] - x[i])
	}

	i = peak
	for i < rightBase && height < x[i] {
		i++
	}
	right := float64(i)
	if x[i] < height {
		right -= (height - x[i]) / (x[i-1] - x[i])
	}
	return right - left
}
