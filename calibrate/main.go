package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	gesher "github.com/sci-muons/gesher_go/pkg"
)

var version = "No version provided"

var logger gesher.SlogLogger

type argSpec struct {
	Config    string `arg:"-c, --config,required" help:"Configuration file path (JSON or YAML) with a calibration section"`
	Output    string `arg:"-o, --output" help:"Calibration JSON to write, overrides calibration.file_out"`
	Verbosity int    `arg:"-v, --verbosity" default:"-1" help:"Verbosity level, overrides verbosity"`
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
	configuration, err := gesher.LoadConfiguration(args.Config)
	if err != nil {
		return fmt.Errorf("Error reading configuration file: %w", err)
	}
	if args.Output != "" {
		configuration.Calibration.FileOut = args.Output
	}
	if args.Verbosity >= 0 {
		configuration.Verbosity = args.Verbosity
	}
	if err := configuration.Validate(); err != nil {
		return err
	}
	if err := configuration.ValidateCalibration(); err != nil {
		return err
	}
	gesher.SetLogger(logger)
	gesher.SetVerbosity(configuration.Verbosity)
	if configuration.Verbosity > 0 {
		printCalibrationConfiguration(configuration, logger)
	}

	start := time.Now()
	settings := configuration.Calibration
	eventConfig := configuration.CalibrationReconstruction()
	references := make([]gesher.Reference, 0, len(settings.References))
	for _, ref := range settings.References {
		dts, err := gesher.CollectDeltaTs(ref.Runs, settings.Plate, settings.Segments, eventConfig)
		if err != nil {
			return fmt.Errorf("reference %s: %w", ref.Label, err)
		}
		logger.Info(fmt.Sprintf("Reference %s at %g: %s delta-t values", ref.Label, ref.Position, humanize.Comma(int64(len(dts)))), "main")
		references = append(references, gesher.Reference{
			Label:    ref.Label,
			Position: ref.Position,
			DeltaTs:  dts,
			Guess:    gesher.GaussianParamsFromSlice(ref.P0[:]),
		})
	}

	result, err := gesher.EstimateCalibration(references, configuration.CalibrationConfig())
	if err != nil {
		return fmt.Errorf("Error estimating calibration: %w", err)
	}
	for _, fit := range result.References {
		logger.Info(fmt.Sprintf("%s: mean %.3f ns, sigma %.3f ns from %s entries",
			fit.Label, fit.Mean, fit.Sigma, humanize.Comma(int64(fit.Entries))), "main")
	}
	cal := result.Calibration
	logger.Info(fmt.Sprintf("delta_t = %.5f * x + %.4f", cal.Slope, cal.Intercept), "main")

	if err := gesher.SaveCalibration(settings.FileOut, cal); err != nil {
		return fmt.Errorf("Error writing calibration: %w", err)
	}
	if !configuration.NoDB {
		if err := storeCalibration(configuration, cal); err != nil {
			return err
		}
	}
	logger.Info(fmt.Sprintf("Calibration written to %s in %s", settings.FileOut, time.Since(start).Round(time.Millisecond)), "main")
	return nil
}

func storeCalibration(configuration gesher.Configuration, cal gesher.Calibration) error {
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
	return store.SaveCalibration(configuration.Calibration.FileOut, cal)
}
