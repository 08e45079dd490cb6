package sqlite

import (
	"sync"

	"github.com/abscal/transmission-fitter/internal/monitoring"
	"github.com/abscal/transmission-fitter/internal/optimizer"
	"github.com/abscal/transmission-fitter/internal/solver"
	"github.com/abscal/transmission-fitter/internal/stage"
)

var _ optimizer.Observer = (*Recorder)(nil)

// Recorder persists every completed stage of one run. A write failure does
// not stop the run: it is logged and the first one is kept for Err.
type Recorder struct {
	store *Store
	runID string

	mu  sync.Mutex
	err error
}

// NewRecorder returns a Recorder writing stages of runID to s.
func NewRecorder(s *Store, runID string) *Recorder {
	return &Recorder{store: s, runID: runID}
}

// StageCompleted implements optimizer.Observer.
func (r *Recorder) StageCompleted(index int, d stage.Descriptor, res solver.Result) {
	if err := r.store.InsertStage(r.runID, index, res); err != nil {
		monitoring.Logf("[storage] run %s: failed to record stage %q: %v", r.runID, d.Name, err)
		r.mu.Lock()
		if r.err == nil {
			r.err = err
		}
		r.mu.Unlock()
	}
}

// Err returns the first write failure, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
