package gesher

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"

	"golang.org/x/exp/constraints"
)

const (
	NumPlates = 4
	NumScopes = 2
	// Channels per oscilloscope.
	NumChannels = 4
)

// End selects one of the two read-out ends of a plate.
type End int

const (
	NearEnd End = iota
	FarEnd
	NumEnds
)

// ChannelSlot is one oscilloscope input.
type ChannelSlot struct {
	Scope   int
	Channel int
}

// SlotFor maps plate p, end e to its input: plates are read as
// [s1c1 s1c2] [s1c3 s1c4] [s2c1 s2c2] [s2c3 s2c4].
func SlotFor(plate int, end End) ChannelSlot {
	idx := plate*int(NumEnds) + int(end)
	return ChannelSlot{Scope: idx/NumChannels + 1, Channel: idx%NumChannels + 1}
}

func (s ChannelSlot) Filename(segment int) string {
	return fmt.Sprintf("scope-%d-seg%d-ch%d.csv", s.Scope, segment, s.Channel)
}

// WaveformMatrix holds the conditioned waveforms of one event; nil entries
// are channels that could not be read.
type WaveformMatrix [NumPlates][NumEnds]*Waveform

// IngressMatrix holds ingress times; NaN marks a missing detection.
type IngressMatrix [NumPlates][NumEnds]float64

// Gather loads and conditions the eight channel files of a segment. Files
// that cannot be read leave their slot nil. Only configuration errors are
// returned.
func Gather(dir string, segment int, cfg ConditioningConfig) (WaveformMatrix, error) {
	var matrix WaveformMatrix
	for plate := 0; plate < NumPlates; plate++ {
		for end := NearEnd; end < NumEnds; end++ {
			path := filepath.Join(dir, SlotFor(plate, end).Filename(segment))
			wf, err := LoadWaveform(path)
			if err != nil {
				logger.Error(fmt.Sprintf("skipping channel: %v", err))
				continue
			}
			if err := Condition(wf, cfg); err != nil {
				return matrix, fmt.Errorf("conditioning %s: %w", path, err)
			}
			matrix[plate][end] = wf
		}
	}
	return matrix, nil
}

// firstPresent returns the first non-nil waveform in plate order.
func (m *WaveformMatrix) firstPresent() *Waveform {
	for plate := range m {
		for end := range m[plate] {
			if m[plate][end] != nil {
				return m[plate][end]
			}
		}
	}
	return nil
}

// ComputeIngressMatrix runs peak and ingress detection on every present
// waveform. Failures leave NaN in that cell only. roi is cut to the length
// of each trace, so a short channel does not fail on its longer siblings' ROI.
func ComputeIngressMatrix(matrix *WaveformMatrix, roi ROI, peak PeakConfig, ingressThreshold float64) IngressMatrix {
	var ingress IngressMatrix
	for plate := range matrix {
		for end := range matrix[plate] {
			ingress[plate][end] = math.NaN()
			wf := matrix[plate][end]
			if wf == nil {
				continue
			}
			wfROI := roi.clampTo(wf.Processed.Len())
			peakIdx, found, err := DetectPeak(wf.Processed, wfROI, peak)
			if err != nil {
				logger.Error(fmt.Sprintf("%s: peak detection: %v", wf.Name, err))
				continue
			}
			if !found {
				if verbosity > 1 {
					logger.Info(fmt.Sprintf("%s: no peak detected", wf.Name), "event")
				}
				continue
			}
			wf.PeakIndex = peakIdx

			ingressIdx, found, err := DetectIngress(wf.Processed, ingressThreshold, wfROI, peakIdx)
			if err != nil {
				logger.Error(fmt.Sprintf("%s: ingress detection: %v", wf.Name, err))
				continue
			}
			if !found {
				if verbosity > 1 {
					logger.Info(fmt.Sprintf("%s: threshold never crossed before peak", wf.Name), "event")
				}
				continue
			}
			wf.IngressIndex = ingressIdx
			ingress[plate][end], _ = wf.IngressTime()
		}
	}
	return ingress
}

// ComputeDeltaT subtracts the far-end ingress from the near-end ingress of
// every plate. NaN propagates.
func ComputeDeltaT(ingress IngressMatrix) [NumPlates]float64 {
	var dt [NumPlates]float64
	for plate := range ingress {
		dt[plate] = ingress[plate][NearEnd] - ingress[plate][FarEnd]
	}
	return dt
}

// MapToPosition inverts delta_t = Slope*position + Intercept and clamps the
// result into [minHit, maxHit]. NaN is returned unclamped.
func MapToPosition(deltaT float64, cal Calibration, minHit, maxHit float64) float64 {
	if math.IsNaN(deltaT) {
		return math.NaN()
	}
	return clamp((deltaT-cal.Intercept)/cal.Slope, minHit, maxHit)
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Stage is how far an Event's reconstruction has progressed.
type Stage int

const (
	StageCreated Stage = iota
	StageGathered
	StageIngressComputed
	StageDeltaTComputed
	StageTrackFitted
)

var stageNames = []string{"created", "gathered", "ingress", "delta-t", "track"}

func (s Stage) String() string {
	if s < StageCreated || s > StageTrackFitted {
		return "unknown"
	}
	return stageNames[s]
}

// Event is the reconstruction of one segment of one run directory.
type Event struct {
	Directory    string
	Segment      int
	Timestamp    float64
	HasTimestamp bool

	ROI            ROI
	HasROI         bool
	Waveforms      WaveformMatrix
	Ingress        IngressMatrix
	DeltaT         [NumPlates]float64
	HitCoordinates [NumPlates]float64
	Track          *Track

	config      ReconstructionConfig
	calibration Calibration
	stage       Stage
}

func NewEvent(dir string, segment int, cfg ReconstructionConfig, cal Calibration) *Event {
	e := &Event{
		Directory:   dir,
		Segment:     segment,
		Timestamp:   math.NaN(),
		config:      cfg,
		calibration: cal,
	}
	for i := range e.DeltaT {
		e.DeltaT[i] = math.NaN()
		e.HitCoordinates[i] = math.NaN()
	}
	return e
}

func (e *Event) Stage() Stage {
	return e.stage
}

func (e *Event) advance(from, to Stage) error {
	if e.stage != from {
		return fmt.Errorf("event %s seg %d: %s step needs stage %s, at %s: %w",
			e.Directory, e.Segment, to, from, e.stage, ErrStageOrder)
	}
	e.stage = to
	return nil
}

func (e *Event) SetTimestamp(ts float64) {
	e.Timestamp = ts
	e.HasTimestamp = true
}

// Gather loads the waveforms and derives the ROI from the first present
// channel's time axis.
func (e *Event) Gather() error {
	if e.stage != StageCreated {
		return e.advance(StageCreated, StageGathered)
	}
	matrix, err := Gather(e.Directory, e.Segment, e.config.Conditioning)
	if err != nil {
		return err
	}
	e.Waveforms = matrix
	if wf := e.Waveforms.firstPresent(); wf != nil {
		e.ROI = ROIFromTimes(wf.Processed.Time, e.config.ROIStart, e.config.ROIEnd)
		e.HasROI = true
	}
	return e.advance(StageCreated, StageGathered)
}

func (e *Event) ComputeIngress() error {
	if err := e.advance(StageGathered, StageIngressComputed); err != nil {
		return err
	}
	if !e.HasROI {
		for plate := range e.Ingress {
			for end := range e.Ingress[plate] {
				e.Ingress[plate][end] = math.NaN()
			}
		}
		return nil
	}
	e.Ingress = ComputeIngressMatrix(&e.Waveforms, e.ROI, e.config.Peak, e.config.IngressThreshold)
	return nil
}

func (e *Event) ComputeDeltaT() error {
	if err := e.advance(StageIngressComputed, StageDeltaTComputed); err != nil {
		return err
	}
	e.DeltaT = ComputeDeltaT(e.Ingress)
	return nil
}

// FitTrack maps delta-t values to hit coordinates and fits the track. When
// the fit fails the hit coordinates and angle stay undefined.
func (e *Event) FitTrack() error {
	if e.stage != StageDeltaTComputed {
		return e.advance(StageDeltaTComputed, StageTrackFitted)
	}
	var hits [NumPlates]float64
	for plate, dt := range e.DeltaT {
		hits[plate] = MapToPosition(dt, e.calibration, e.config.MinHit, e.config.MaxHit)
	}
	track, err := FitTrack(e.config.PlatePositions, hits)
	if err != nil {
		return fmt.Errorf("event %s seg %d: %w", e.Directory, e.Segment, err)
	}
	e.HitCoordinates = hits
	e.Track = &track
	return e.advance(StageDeltaTComputed, StageTrackFitted)
}

// Reconstruct runs every step after Created. A track that cannot be fitted is
// not an error: the event keeps its delta-t values and an undefined angle.
func (e *Event) Reconstruct() error {
	steps := []func() error{e.Gather, e.ComputeIngress, e.ComputeDeltaT}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	if err := e.FitTrack(); err != nil && !errors.Is(err, ErrInsufficientPoints) {
		return err
	}
	return nil
}

// Angle is the fitted incidence angle in degrees, NaN when undefined.
func (e *Event) Angle() float64 {
	if e.Track == nil {
		return math.NaN()
	}
	return e.Track.Angle
}

func (e *Event) HitCount() int {
	if e.Track == nil {
		return 0
	}
	return HitCount(e.HitCoordinates)
}
