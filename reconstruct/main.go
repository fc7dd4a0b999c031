package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	gesher "github.com/sci-muons/gesher_go/pkg"
)

var version = "No version provided"

var logger gesher.SlogLogger

type argSpec struct {
	Config      string   `arg:"-c, --config" help:"Configuration file path (JSON or YAML)"`
	Calibration string   `arg:"--calibration" help:"Calibration JSON, overrides calibration_file"`
	Output      string   `arg:"-o, --output" help:"HDF5 output file, overrides file_out"`
	Workers     int      `arg:"-j, --workers" help:"Segment workers per run, overrides num_workers"`
	Verbosity   int      `arg:"-v, --verbosity" default:"-1" help:"Verbosity level, overrides verbosity"`
	Runs        []string `arg:"positional" help:"Run directories, override run_dirs"`
}

func (argSpec) Version() string {
	return version
}

func init() {
	logger = gesher.NewSlogLogger(os.Stdout, os.Stderr, slog.LevelDebug)
}

func main() {
	var args argSpec
	arg.MustParse(&args)

	if err := run(args); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func run(args argSpec) error {
	configuration, err := loadConfiguration(args)
	if err != nil {
		return fmt.Errorf("Error reading configuration file: %w", err)
	}
	if err := configuration.Validate(); err != nil {
		return err
	}
	gesher.SetLogger(logger)
	gesher.SetVerbosity(configuration.Verbosity)

	VerbosityLevel := configuration.Verbosity
	if VerbosityLevel > 0 {
		printConfiguration(configuration, logger)
	}
	if len(configuration.RunDirs) == 0 {
		return fmt.Errorf("no run directories given: %w", gesher.ErrConfiguration)
	}

	calibration, err := gesher.LoadCalibration(configuration.CalibrationFile)
	if err != nil {
		return fmt.Errorf("Error loading calibration: %w", err)
	}
	if VerbosityLevel > 0 {
		logger.Info(fmt.Sprintf("Calibration: delta_t = %.5f * x + %.4f", calibration.Slope, calibration.Intercept), "main")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	runner := gesher.NewRunner(configuration, calibration)
	results, err := runner.ProcessRuns(ctx, configuration.RunDirs)
	if err != nil {
		return err
	}

	if err := writeResults(configuration, calibration, results); err != nil {
		return err
	}
	if !configuration.NoDB {
		if err := storeResults(configuration, calibration, results); err != nil {
			return err
		}
	}

	printSummary(gesher.Summarize(results), time.Since(start))
	return nil
}

func loadConfiguration(args argSpec) (gesher.Configuration, error) {
	configuration := gesher.DefaultConfiguration()
	if args.Config != "" {
		var err error
		configuration, err = gesher.LoadConfiguration(args.Config)
		if err != nil {
			return configuration, err
		}
	}
	if args.Calibration != "" {
		configuration.CalibrationFile = args.Calibration
	}
	if args.Output != "" {
		configuration.FileOut = args.Output
	}
	if args.Workers > 0 {
		configuration.NumWorkers = args.Workers
	}
	if args.Verbosity >= 0 {
		configuration.Verbosity = args.Verbosity
	}
	if len(args.Runs) > 0 {
		configuration.RunDirs = args.Runs
	}
	return configuration, nil
}

func writeResults(configuration gesher.Configuration, calibration gesher.Calibration, results []gesher.SegmentResult) (err error) {
	writer, err := gesher.NewWriter(configuration.FileOut, configuration.CompressionLevel)
	if err != nil {
		return fmt.Errorf("Error creating output file: %w", err)
	}
	defer func() {
		if closeErr := writer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if err := writer.WriteCalibration(calibration); err != nil {
		return err
	}
	if err := writer.WriteResults(results); err != nil {
		return err
	}
	if configuration.Verbosity > 0 {
		size := ""
		if info, statErr := os.Stat(configuration.FileOut); statErr == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		logger.Info(fmt.Sprintf("Wrote %s events to %s %s", humanize.Comma(int64(writer.EvtCounter)), configuration.FileOut, size), "main")
	}
	return nil
}

func storeResults(configuration gesher.Configuration, calibration gesher.Calibration, results []gesher.SegmentResult) error {
	dbConn, err := gesher.OpenDatabase(configuration)
	if err != nil {
		return fmt.Errorf("Error connection to database: %w", err)
	}
	store, err := gesher.NewResultStore(dbConn)
	if err != nil {
		dbConn.Close()
		return err
	}
	defer store.Close()

	if err := store.SaveResults(results); err != nil {
		return err
	}
	return store.SaveCalibration(configuration.CalibrationFile, calibration)
}

func printSummary(summary gesher.RunSummary, elapsed time.Duration) {
	logger.Info(fmt.Sprintf("Segments: %s, reconstructed: %s, in %s",
		humanize.Comma(int64(summary.Segments)), humanize.Comma(int64(summary.Reconstructed)), elapsed.Round(time.Millisecond)), "summary")
	for hits, count := range summary.ByHits {
		logger.Info(fmt.Sprintf("%d plates hit: %s", hits, humanize.Comma(int64(count))), "summary")
	}
	angles := []struct {
		name  string
		stats gesher.AngleStats
	}{
		{"all", summary.All},
		{"3 hits", summary.Three},
		{"4 hits", summary.Four},
	}
	for _, a := range angles {
		logger.Info(fmt.Sprintf("Angle (%s): %d tracks, mean %.2f deg, std %.2f deg", a.name, a.stats.Count, a.stats.Mean, a.stats.StdDev), "summary")
	}
	if summary.Rate > 0 {
		logger.Info(fmt.Sprintf("Mean interval %s s, rate %s Hz",
			humanize.FtoaWithDigits(summary.MeanInterval, 3), humanize.FtoaWithDigits(summary.Rate, 3)), "summary")
	}
}
