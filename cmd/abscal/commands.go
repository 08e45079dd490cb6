package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/abscal/transmission-fitter/internal/params"
	"github.com/abscal/transmission-fitter/internal/server"
	"github.com/abscal/transmission-fitter/internal/stage"
	"github.com/abscal/transmission-fitter/internal/storage/sqlite"
)

func handleStages(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stages", flag.ContinueOnError)
	configPath := fs.String("config", "", "Calibration config JSON (supplies clip defaults)")
	stagesPath := fs.String("stages", "", "Stage file YAML (default: built-in sequence)")
	asYAML := fs.Bool("yaml", false, "Print the resolved sequence as a stage file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	path := *stagesPath
	if path == "" {
		path = cfg.GetStagesFile()
	}
	stages, err := loadStages(path, cfg.StageDefaults())
	if err != nil {
		return err
	}
	if err := stage.ValidateSequence(stages, params.Standard()); err != nil {
		return err
	}

	if *asYAML {
		data, err := stage.Marshal(stages)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}
	for i, d := range stages {
		fmt.Fprintf(out, "%2d. %s\n", i+1, d)
	}
	return nil
}

func handleRuns(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	dbPath := fs.String("db", "abscal.db", "Results database")
	limit := fs.Int("limit", 20, "Number of runs to list (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(*limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tCREATED\tSTATUS\tCALIBRATORS\tLABEL\tFAILED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\n",
			r.RunID,
			time.Unix(0, r.CreatedAt).UTC().Format(time.RFC3339),
			r.Status, r.Calibrators, r.Label, len(r.FailedStages))
	}
	return tw.Flush()
}

func handleServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	dbPath := fs.String("db", "abscal.db", "Results database")
	listen := fs.String("listen", ":8080", "HTTP listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	s := server.New(store)
	mux := s.ServeMux()
	if err := s.AttachAdminRoutes(mux); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    *listen,
		Handler: server.LoggingMiddleware(mux),
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf("serving %s on %s", *dbPath, *listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := srv.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	return nil
}
