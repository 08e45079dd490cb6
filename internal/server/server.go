// Package server is the HTTP results browser over the calibration run
// database.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/abscal/transmission-fitter/internal/report"
	"github.com/abscal/transmission-fitter/internal/storage/sqlite"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// Server serves stored runs as JSON and residual maps as HTML.
type Server struct {
	store *sqlite.Store
}

// New returns a Server reading from store.
func New(store *sqlite.Store) *Server {
	return &Server{store: store}
}

// ServeMux returns a mux with the results routes registered.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /runs", s.listRuns)
	mux.HandleFunc("GET /runs/{id}", s.showRun)
	mux.HandleFunc("DELETE /runs/{id}", s.deleteRun)
	mux.HandleFunc("GET /runs/{id}/stages/{stage}/map", s.stageMap)
	return mux
}

// RunDetail is a run together with its stages.
type RunDetail struct {
	Run    *sqlite.Run          `json:"run"`
	Stages []sqlite.StageRecord `json:"stages"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("limit must be an integer in 1..%d", maxListLimit))
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*sqlite.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	stages, err := s.store.ListStages(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// Residuals are large and only needed for maps.
	if r.URL.Query().Get("residuals") != "true" {
		for i := range stages {
			stages[i].Residuals = nil
		}
	}
	if stages == nil {
		stages = []sqlite.StageRecord{}
	}
	writeJSON(w, http.StatusOK, RunDetail{Run: run, Stages: stages})
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRun(r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stageMap(w http.ResponseWriter, r *http.Request) {
	id, name := r.PathValue("id"), r.PathValue("stage")
	run, err := s.store.GetRun(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	st, err := s.store.GetStage(id, name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if len(st.Residuals) == 0 {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("stage %q has no stored residuals", name))
		return
	}

	pts := make([]report.Point, len(st.Residuals))
	for i, p := range st.Residuals {
		pts[i] = report.Point{ID: p.ID, X: p.X, Y: p.Y, Residual: p.Residual, DiffMag: p.DiffMag}
	}
	label := run.Label
	if label == "" {
		label = run.RunID
	}
	title := fmt.Sprintf("%s: stage %d (%s) %s", label, st.Index+1, st.Name, st.Status)

	var buf bytes.Buffer
	if err := report.WriteResidualMap(&buf, title, pts); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, sqlite.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}

// AttachAdminRoutes mounts the debug index on mux with a live SQL console
// over the results database and a database stats endpoint.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.store.Path(), s.store.DB(), &tailsql.DBOptions{
		Label: "Calibration runs",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleFunc("db-stats", "Run and stage counts, schema version and size", func(w http.ResponseWriter, r *http.Request) {
		st, err := s.store.Stats()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, st)
	})
	return nil
}
