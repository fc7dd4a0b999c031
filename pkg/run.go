package gesher

import (
	"context"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// SegmentResult is the outcome of one segment. Angle and Timestamp are NaN
// when undefined. A segment whose track cannot be fitted still carries its
// timestamp and delta-t values, with NaN angle, zero hits and the fit error
// in Err; only gather failures and panics lose the timestamp.
type SegmentResult struct {
	Run            string
	Segment        int
	Timestamp      float64
	Angle          float64
	Hits           int
	DeltaT         [NumPlates]float64
	HitCoordinates [NumPlates]float64
	Err            error
}

func newSegmentResult(dir string, segment int) SegmentResult {
	res := SegmentResult{Run: dir, Segment: segment, Timestamp: math.NaN(), Angle: math.NaN()}
	for i := range res.DeltaT {
		res.DeltaT[i] = math.NaN()
		res.HitCoordinates[i] = math.NaN()
	}
	return res
}

// Runner reconstructs every segment of one or more run directories.
type Runner struct {
	Config          ReconstructionConfig
	Calibration     Calibration
	NumWorkers      int
	MaxParallelRuns int
	Timestamps      *TimestampReader
}

func NewRunner(config Configuration, cal Calibration) *Runner {
	return &Runner{
		Config:          config.Reconstruction(),
		Calibration:     cal,
		NumWorkers:      config.NumWorkers,
		MaxParallelRuns: config.MaxParallelRuns,
		Timestamps:      NewTimestampReader(10 * time.Minute),
	}
}

var segmentPattern = regexp.MustCompile(`seg(\d+)`)

// CountSegments returns the highest segment number found in the file names
// of dir, 0 when there is none.
func CountSegments(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, &ErrOpenFile{Filename: dir, Err: err}
	}
	highest := 0
	for _, entry := range entries {
		match := segmentPattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		n, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest, nil
}

// ProcessRun reconstructs segments 1..N of dir and returns one result per
// segment, ordered by segment.
func (r *Runner) ProcessRun(dir string) ([]SegmentResult, error) {
	return r.processRun(context.Background(), dir)
}

func (r *Runner) processRun(ctx context.Context, dir string) ([]SegmentResult, error) {
	nSegments, err := CountSegments(dir)
	if err != nil {
		return nil, err
	}
	if verbosity > 0 {
		logger.Info(fmt.Sprintf("%s: %d segments", dir, nSegments), "run")
	}
	if nSegments == 0 {
		return []SegmentResult{}, nil
	}
	results := runSegmentPool(ctx, nSegments, r.NumWorkers, func(segment int) SegmentResult {
		return r.processSegment(dir, segment)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// ProcessRuns processes several run directories, at most MaxParallelRuns at
// a time. Results are concatenated in directory order.
func (r *Runner) ProcessRuns(ctx context.Context, dirs []string) ([]SegmentResult, error) {
	perRun := make([][]SegmentResult, len(dirs))
	g, ctx := errgroup.WithContext(ctx)
	limit := r.MaxParallelRuns
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, dir := range dirs {
		i, dir := i, dir
		g.Go(func() error {
			results, err := r.processRun(ctx, dir)
			if err != nil {
				return fmt.Errorf("run %s: %w", dir, err)
			}
			perRun[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []SegmentResult
	for _, results := range perRun {
		all = append(all, results...)
	}
	return all, nil
}

// processSegment never fails: gather errors and panics give an undefined
// timestamp and angle, a track that cannot be fitted keeps the timestamp.
func (r *Runner) processSegment(dir string, segment int) (res SegmentResult) {
	res = newSegmentResult(dir, segment)
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("recovered from panic on %s segment %d: %v", dir, segment, rec)
			logger.Error(err.Error())
			res = newSegmentResult(dir, segment)
			res.Err = err
		}
	}()

	event := NewEvent(dir, segment, r.Config, r.Calibration)
	if r.Timestamps != nil {
		if ts, ok := r.Timestamps.Timestamp(dir, segment); ok {
			event.SetTimestamp(ts)
		}
	}

	for _, step := range []func() error{event.Gather, event.ComputeIngress, event.ComputeDeltaT} {
		if err := step(); err != nil {
			logger.Error(fmt.Sprintf("%s segment %d: %v", dir, segment, err))
			res.Err = err
			return res
		}
	}
	res.Timestamp = event.Timestamp
	res.DeltaT = event.DeltaT

	if err := event.FitTrack(); err != nil {
		if verbosity > 1 {
			logger.Info(fmt.Sprintf("%s segment %d: %v", dir, segment, err), "run")
		}
		res.Err = err
		return res
	}
	res.Angle = event.Angle()
	res.Hits = event.HitCount()
	res.HitCoordinates = event.HitCoordinates
	return res
}

type AngleStats struct {
	Count  int
	Mean   float64
	StdDev float64
}

func angleStats(angles []float64) AngleStats {
	if len(angles) == 0 {
		return AngleStats{Mean: math.NaN(), StdDev: math.NaN()}
	}
	mean, std := stat.PopMeanStdDev(angles, nil)
	return AngleStats{Count: len(angles), Mean: mean, StdDev: std}
}

type RunSummary struct {
	Segments      int
	Reconstructed int
	// ByHits[n] counts segments with n plates hit.
	ByHits [NumPlates + 1]int
	All    AngleStats
	Three  AngleStats
	Four   AngleStats
	// Mean time between consecutive timestamped segments of the same run,
	// and its inverse. NaN with fewer than two timestamps.
	MeanInterval float64
	Rate         float64
}

func Summarize(results []SegmentResult) RunSummary {
	summary := RunSummary{Segments: len(results)}
	var all, three, four, intervals []float64
	last := map[string]float64{}
	for _, res := range results {
		summary.ByHits[res.Hits]++
		if !math.IsNaN(res.Angle) {
			summary.Reconstructed++
			all = append(all, res.Angle)
			switch res.Hits {
			case 3:
				three = append(three, res.Angle)
			case 4:
				four = append(four, res.Angle)
			}
		}
		if !math.IsNaN(res.Timestamp) {
			if prev, ok := last[res.Run]; ok {
				intervals = append(intervals, res.Timestamp-prev)
			}
			last[res.Run] = res.Timestamp
		}
	}
	summary.All = angleStats(all)
	summary.Three = angleStats(three)
	summary.Four = angleStats(four)

	summary.MeanInterval, summary.Rate = math.NaN(), math.NaN()
	if len(intervals) > 0 {
		summary.MeanInterval = stat.Mean(intervals, nil)
		if summary.MeanInterval > 0 {
			summary.Rate = 1 / summary.MeanInterval
		}
	}
	return summary
}
