package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/abscal/transmission-fitter/internal/config"
	"github.com/abscal/transmission-fitter/internal/model"
	"github.com/abscal/transmission-fitter/internal/monitoring"
	"github.com/abscal/transmission-fitter/internal/optimizer"
	"github.com/abscal/transmission-fitter/internal/params"
	"github.com/abscal/transmission-fitter/internal/report"
	"github.com/abscal/transmission-fitter/internal/solver"
	"github.com/abscal/transmission-fitter/internal/stage"
	"github.com/abscal/transmission-fitter/internal/storage/sqlite"
)

// loadConfig reads path, or returns an empty config when path is "".
func loadConfig(path string) (*config.CalibrationConfig, error) {
	if path == "" {
		return config.EmptyCalibrationConfig(), nil
	}
	return config.LoadCalibrationConfig(path)
}

// loadStages reads the stage file, or returns the built-in sequence when
// path is "".
func loadStages(path string, def stage.Defaults) ([]stage.Descriptor, error) {
	if path == "" {
		return stage.DefaultSequence(def), nil
	}
	return stage.LoadFile(path, def)
}

func handleRun(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Calibration config JSON")
	stagesPath := fs.String("stages", "", "Stage file YAML (overrides config; default: built-in sequence)")
	catalog := fs.String("catalog", "", "Catalog CSV (overrides config)")
	dbPath := fs.String("db", "", "Results database (overrides config)")
	noDB := fs.Bool("no-db", false, "Do not persist the run")
	outDir := fs.String("out", "", "Report output directory (overrides config)")
	label := fs.String("label", "", "Free-form label stored with the run")
	trace := fs.Bool("trace", false, "Log every model evaluation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	monitoring.SetTrace(*trace)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *catalog != "" {
		cfg.Catalog = catalog
	}
	if *stagesPath != "" {
		cfg.StagesFile = stagesPath
	}
	if *dbPath != "" {
		cfg.Database = dbPath
	}
	if *outDir != "" {
		cfg.OutputDir = outDir
	}
	if cfg.GetCatalog() == "" {
		return errors.New("a catalog is required (-catalog or \"catalog\" in the config)")
	}

	stages, err := loadStages(cfg.GetStagesFile(), cfg.StageDefaults())
	if err != nil {
		return err
	}
	if err := stage.ValidateSequence(stages, params.Standard()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if timeout := cfg.GetTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ds, err := cfg.Loader().Load(ctx, cfg.GetCatalog(), cfg.GetSearchRadiusDeg())
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	monitoring.Logf("loaded %d calibrators from %s", ds.Len(), cfg.GetCatalog())

	mctx, err := model.NewContext(cfg.Grid())
	if err != nil {
		return fmt.Errorf("model context: %w", err)
	}
	fm := model.NewTransmission(mctx)

	runID := uuid.New().String()
	opts := []optimizer.Option{
		optimizer.WithSolverOptions(cfg.SolverOptions()),
		optimizer.WithObserver(optimizer.ObserverFunc(func(i int, d stage.Descriptor, r solver.Result) {
			fmt.Fprintf(out, "stage %d/%d %-16s %-17s cost=%.6g n=%d\n", i+1, len(stages), d.Name, r.Status, r.Cost, r.Dataset.Len())
		})),
	}

	var store *sqlite.Store
	var recorder *sqlite.Recorder
	if !*noDB {
		store, err = sqlite.Open(cfg.GetDatabase())
		if err != nil {
			return err
		}
		defer store.Close()

		cfgJSON, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		run := &sqlite.Run{
			RunID:       runID,
			Label:       *label,
			Catalog:     cfg.GetCatalog(),
			Calibrators: ds.Len(),
			ConfigJSON:  cfgJSON,
		}
		if err := store.InsertRun(run); err != nil {
			return err
		}
		recorder = sqlite.NewRecorder(store, runID)
		opts = append(opts, optimizer.WithObserver(recorder))
	}

	c := optimizer.NewController(fm, params.Standard(), opts...)
	final, runErr := c.RunSequence(ctx, ds, stages)
	rep := c.Report()

	if store != nil {
		var failed []string
		for _, s := range rep.Failed() {
			failed = append(failed, s.Name)
		}
		if err := store.CompleteRun(runID, final, failed, runErr); err != nil {
			monitoring.Logf("[storage] failed to complete run %s: %v", runID, err)
		}
		if err := recorder.Err(); err != nil {
			monitoring.Logf("[storage] run %s is missing stages: %v", runID, err)
		}
	}
	if runErr != nil {
		return runErr
	}

	fmt.Fprintf(out, "\nrun %s\n%s\n", runID, rep)
	fmt.Fprint(out, report.FailureSummary(rep))
	fmt.Fprintf(out, "final: %s\n", final)

	wl, atm, qe, total := fm.Curve(final, cfg.GetAirmass(), cfg.GetPressureMbar(), cfg.GetTemperatureC())
	reportLabel := *label
	if reportLabel == "" {
		reportLabel = strings.TrimSuffix(filepath.Base(cfg.GetCatalog()), filepath.Ext(cfg.GetCatalog()))
	}
	written, err := report.WriteRun(filepath.Join(cfg.GetOutputDir(), runID), report.Run{
		Label:  reportLabel,
		Export: c.Export(),
		Report: rep,
		Curve:  &report.Curve{Wavelengths: wl, Atmosphere: atm, QE: qe, Total: total},
		Plots:  cfg.GetPlots(),
		Maps:   cfg.GetResidualMaps(),
	})
	if err != nil {
		return fmt.Errorf("write reports: %w", err)
	}
	fmt.Fprintf(out, "wrote %d report file(s) to %s\n", len(written), filepath.Join(cfg.GetOutputDir(), runID))
	return nil
}
