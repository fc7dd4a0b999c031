package main

import (
	"fmt"

	gesher "github.com/sci-muons/gesher_go/pkg"
)

func printConfiguration(config gesher.Configuration, logger gesher.Logger) {
	logger.Info(fmt.Sprintf("Run dirs: %v", config.RunDirs), "config")
	logger.Info(fmt.Sprintf("Calibration file: %s", config.CalibrationFile), "config")
	logger.Info(fmt.Sprintf("File out: %s", config.FileOut), "config")
	logger.Info(fmt.Sprintf("Compression level: %d", config.CompressionLevel), "config")
	logger.Info(fmt.Sprintf("No DB: %t", config.NoDB), "config")
	if !config.NoDB {
		logger.Info(fmt.Sprintf("DB driver: %s", config.DBDriver), "config")
		if config.DBDriver == "mysql" {
			logger.Info(fmt.Sprintf("Host: %s", config.Host), "config")
			logger.Info(fmt.Sprintf("DB name: %s", config.DBName), "config")
		} else {
			logger.Info(fmt.Sprintf("DB path: %s", config.DBPath), "config")
		}
	}
	logger.Info(fmt.Sprintf("Time factor: %g", config.TimeFactor), "config")
	logger.Info(fmt.Sprintf("Amplitude factor: %g", config.AmplitudeFactor), "config")
	logger.Info(fmt.Sprintf("Smooth sigma: %g", config.SmoothSigma), "config")
	logger.Info(fmt.Sprintf("Baseline bins: %+v", config.BaselineBins), "config")
	logger.Info(fmt.Sprintf("Peak threshold: %g mV", config.PeakThreshold), "config")
	logger.Info(fmt.Sprintf("Ingress threshold: %g mV", config.IngressThreshold), "config")
	logger.Info(fmt.Sprintf("ROI: [%g, %g] ns", config.ROIStart, config.ROIEnd), "config")
	logger.Info(fmt.Sprintf("Plate positions: %v", config.PlatePositions), "config")
	logger.Info(fmt.Sprintf("Hit range: [%g, %g]", config.MinHit, config.MaxHit), "config")
	logger.Info(fmt.Sprintf("Verbosity: %d", config.Verbosity), "config")
	logger.Info(fmt.Sprintf("Number of workers: %d", config.NumWorkers), "config")
	logger.Info(fmt.Sprintf("Parallel runs: %d", config.MaxParallelRuns), "config")
}
