package main

import (
	"fmt"

	gesher "github.com/sci-muons/gesher_go/pkg"
)

func printCalibrationConfiguration(config gesher.Configuration, logger gesher.Logger) {
	cal := config.Calibration
	for _, ref := range cal.References {
		logger.Info(fmt.Sprintf("Reference %s at %g: %d runs, p0 %v", ref.Label, ref.Position, len(ref.Runs), ref.P0), "config")
	}
	logger.Info(fmt.Sprintf("Plate: %d", cal.Plate), "config")
	logger.Info(fmt.Sprintf("Segments per run: %d", cal.Segments), "config")
	logger.Info(fmt.Sprintf("Z-score threshold: %g", cal.ZScoreThreshold), "config")
	logger.Info(fmt.Sprintf("Bins: %+v", cal.Bins), "config")
	logger.Info(fmt.Sprintf("Linear p0: %v", cal.LinearP0), "config")
	logger.Info(fmt.Sprintf("Weighted: %t", cal.Weighted), "config")
	logger.Info(fmt.Sprintf("ROI: [%g, %g] ns", cal.ROIStart, cal.ROIEnd), "config")
	logger.Info(fmt.Sprintf("File out: %s", cal.FileOut), "config")
	logger.Info(fmt.Sprintf("No DB: %t", config.NoDB), "config")
	logger.Info(fmt.Sprintf("Verbosity: %d", config.Verbosity), "config")
}
