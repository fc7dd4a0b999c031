package gesher

import (
	"errors"
	"fmt"
)

var (
	// Configuration problems. These stop a run.
	ErrConfiguration      = errors.New("invalid configuration")
	ErrInvalidROI         = errors.New("region of interest outside waveform")
	ErrInvalidBins        = errors.New("histogram needs at least two increasing bin edges")
	ErrInvalidCalibration = errors.New("invalid calibration")

	// Data problems. These degrade a channel, plate or event.
	ErrMalformedWaveform   = errors.New("malformed waveform")
	ErrDegenerateHistogram = errors.New("histogram has no populated bins")
	ErrFitNotConverged     = errors.New("fit did not converge")
	ErrInsufficientPoints  = errors.New("not enough valid points to fit")

	ErrStageOrder = errors.New("event step called out of order")
)

// ErrOpenFile represents an error when opening a file.
type ErrOpenFile struct {
	Filename string
	Err      error
}

func (e *ErrOpenFile) Error() string {
	return fmt.Sprintf("error opening file %q: %v", e.Filename, e.Err)
}

func (e *ErrOpenFile) Unwrap() error {
	return e.Err
}

// ErrParseLine represents a malformed line in a waveform file.
type ErrParseLine struct {
	Filename string
	Line     int
	Err      error
}

func (e *ErrParseLine) Error() string {
	return fmt.Sprintf("error parsing %q line %d: %v", e.Filename, e.Line, e.Err)
}

func (e *ErrParseLine) Unwrap() error {
	return e.Err
}

// ErrCreateDataset represents an error when creating an HDF5 group or dataset.
type ErrCreateDataset struct {
	Name string
	Err  error
}

func (e *ErrCreateDataset) Error() string {
	return fmt.Sprintf("error creating dataset %q: %v", e.Name, e.Err)
}

func (e *ErrCreateDataset) Unwrap() error {
	return e.Err
}
