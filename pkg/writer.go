package gesher

import (
	"errors"
	"fmt"

	"github.com/jmbenlloch/go-hdf5"
)

// Writer stores segment results in an HDF5 file:
//
//	/Run/runs            run index and directory
//	/Run/events          run, segment, timestamp, angle, hits
//	/Run/delta_t         one row of plate delta-t values per event
//	/Run/hit_coordinates one row of plate hit positions per event
//	/Calibration/linear  slope and intercept used
type Writer struct {
	File             *hdf5.File
	Filename         string
	RunGroup         *hdf5.Group
	CalibrationGroup *hdf5.Group
	RunsTable        *hdf5.Dataset
	EventTable       *hdf5.Dataset
	CalibrationTable *hdf5.Dataset
	DeltaT           *hdf5.Dataset
	HitCoordinates   *hdf5.Dataset
	EvtCounter       int

	runs map[string]int32
}

func NewWriter(filename string, compression int) (*Writer, error) {
	if verbosity > 0 {
		logger.Info(fmt.Sprintf("Creating file: %s", filename), "writer")
	}
	file, err := openFile(filename)
	if err != nil {
		return nil, err
	}
	writer := &Writer{File: file, Filename: filename, runs: make(map[string]int32)}

	steps := []func() error{
		func() (err error) { writer.RunGroup, err = createGroup(file, "Run"); return },
		func() (err error) { writer.CalibrationGroup, err = createGroup(file, "Calibration"); return },
		func() (err error) {
			writer.RunsTable, err = createTable(writer.RunGroup, "runs", RunInfoHDF5{}, compression)
			return
		},
		func() (err error) {
			writer.EventTable, err = createTable(writer.RunGroup, "events", EventHDF5{}, compression)
			return
		},
		func() (err error) {
			writer.CalibrationTable, err = createTable(writer.CalibrationGroup, "linear", CalibrationHDF5{}, compression)
			return
		},
		func() (err error) {
			writer.DeltaT, err = create2dArray(writer.RunGroup, "delta_t", NumPlates, compression)
			return
		},
		func() (err error) {
			writer.HitCoordinates, err = create2dArray(writer.RunGroup, "hit_coordinates", NumPlates, compression)
			return
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, errors.Join(err, writer.Close())
		}
	}
	return writer, nil
}

func (w *Writer) WriteCalibration(cal Calibration) error {
	return writeEntryToTable(w.CalibrationTable, CalibrationHDF5{slope: cal.Slope, intercept: cal.Intercept}, 0)
}

func (w *Writer) runIndex(dir string) (int32, error) {
	if idx, ok := w.runs[dir]; ok {
		return idx, nil
	}
	idx := int32(len(w.runs))
	entry := RunInfoHDF5{run: idx, path: convertToHdf5String(dir)}
	if err := writeEntryToTable(w.RunsTable, entry, int(idx)); err != nil {
		return 0, fmt.Errorf("error writing run %s: %w", dir, err)
	}
	w.runs[dir] = idx
	return idx, nil
}

func (w *Writer) WriteResult(res SegmentResult) error {
	run, err := w.runIndex(res.Run)
	if err != nil {
		return err
	}
	event := EventHDF5{
		run:       run,
		segment:   int32(res.Segment),
		timestamp: res.Timestamp,
		angle:     res.Angle,
		hits:      int32(res.Hits),
	}
	if err := writeEntryToTable(w.EventTable, event, w.EvtCounter); err != nil {
		return fmt.Errorf("error writing event %d: %w", res.Segment, err)
	}
	deltaT := res.DeltaT[:]
	if err := write2dArray(w.DeltaT, &deltaT, w.EvtCounter); err != nil {
		return fmt.Errorf("error writing delta_t of event %d: %w", res.Segment, err)
	}
	hits := res.HitCoordinates[:]
	if err := write2dArray(w.HitCoordinates, &hits, w.EvtCounter); err != nil {
		return fmt.Errorf("error writing hit coordinates of event %d: %w", res.Segment, err)
	}
	w.EvtCounter++
	return nil
}

func (w *Writer) WriteResults(results []SegmentResult) error {
	for _, res := range results {
		if err := w.WriteResult(res); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) Close() error {
	if verbosity > 0 {
		logger.Info(fmt.Sprintf("Closing file %s", w.Filename), "writer")
	}
	var errs []error

	datasets := []struct {
		name string
		dset *hdf5.Dataset
	}{
		{"runs table", w.RunsTable},
		{"event table", w.EventTable},
		{"calibration table", w.CalibrationTable},
		{"delta_t array", w.DeltaT},
		{"hit coordinates array", w.HitCoordinates},
	}
	for _, d := range datasets {
		if d.dset == nil {
			continue
		}
		if err := d.dset.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing %s: %w", d.name, err))
		}
	}
	if w.RunGroup != nil {
		if err := w.RunGroup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing run group: %w", err))
		}
	}
	if w.CalibrationGroup != nil {
		if err := w.CalibrationGroup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing calibration group: %w", err))
		}
	}
	if w.File != nil {
		if err := w.File.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing file: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
