// Package optimizer runs an ordered sequence of calibration stages, threading
// the accumulated parameters and the current calibrator dataset from one
// stage to the next.
package optimizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/abscal/transmission-fitter/internal/dataset"
	"github.com/abscal/transmission-fitter/internal/model"
	"github.com/abscal/transmission-fitter/internal/monitoring"
	"github.com/abscal/transmission-fitter/internal/params"
	"github.com/abscal/transmission-fitter/internal/solver"
	"github.com/abscal/transmission-fitter/internal/stage"
)

// StageError is returned when a stage cannot produce a result at all, for
// example because clipping removed every calibrator.
type StageError struct {
	Stage string
	Index int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s): %v", e.Index+1, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Observer is notified after every completed stage.
type Observer interface {
	StageCompleted(index int, d stage.Descriptor, r solver.Result)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(index int, d stage.Descriptor, r solver.Result)

// StageCompleted implements Observer.
func (f ObserverFunc) StageCompleted(index int, d stage.Descriptor, r solver.Result) {
	f(index, d, r)
}

// Option configures a Controller.
type Option func(*Controller)

// WithSolverOptions sets the tolerances and caps passed to every solver.
func WithSolverOptions(o solver.Options) Option {
	return func(c *Controller) { c.solverOpts = o }
}

// WithObserver registers o. Observers run in registration order.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, o) }
}

// Controller runs stage sequences against one forward model. A Controller
// is not safe for concurrent use; run independent fields on separate
// controllers.
type Controller struct {
	model      model.ForwardModel
	vocab      *params.Vocabulary
	solverOpts solver.Options
	observers  []Observer

	state State
}

// NewController returns a controller for m. A nil vocab selects the
// standard vocabulary.
func NewController(m model.ForwardModel, vocab *params.Vocabulary, opts ...Option) *Controller {
	if vocab == nil {
		vocab = params.Standard()
	}
	c := &Controller{model: m, vocab: vocab}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the state after the most recent stage.
func (c *Controller) State() State { return c.state }

// Export returns the product of the most recent run.
func (c *Controller) Export() Export { return c.state.Export() }

// Report summarises the most recent run.
func (c *Controller) Report() Report { return newReport(c.state) }

// RunSequence runs stages in order over ds and returns the accumulated
// parameters.
//
// The whole sequence is validated before the model is first evaluated.
// A stage whose solver reports a numerical failure is recorded and the run
// continues. Data errors and cancellation stop the run; the state reached
// so far stays available through State.
func (c *Controller) RunSequence(ctx context.Context, ds *dataset.Dataset, stages []stage.Descriptor) (params.Set, error) {
	c.state = NewState(ds)
	if c.model == nil {
		return params.Set{}, fmt.Errorf("%w: controller has no model", solver.ErrConfig)
	}
	if err := stage.ValidateSequence(stages, c.vocab); err != nil {
		return params.Set{}, err
	}
	solvers := make([]solver.Solver, len(stages))
	for i, d := range stages {
		s, err := solver.New(d.Method, c.solverOpts)
		if err != nil {
			return params.Set{}, &StageError{Stage: d.Name, Index: i, Err: err}
		}
		solvers[i] = s
	}

	monitoring.Logf("[optimizer] running %d stage(s) over %d calibrators", len(stages), ds.Len())
	for i, d := range stages {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("[optimizer] cancelled before stage %d (%s)", i+1, d.Name)
			return c.state.Params(), err
		}
		next, err := c.step(ctx, i, d, solvers[i], ds)
		if err != nil {
			return c.state.Params(), err
		}
		c.state = next
	}

	rep := c.Report()
	if failed := rep.Failed(); len(failed) > 0 {
		monitoring.Logf("[optimizer] finished with %d failed stage(s): %s", len(failed), rep.FailedNames())
	} else {
		monitoring.Logf("[optimizer] finished: %s", c.state.Params())
	}
	return c.state.Params(), nil
}

// step runs stage d from the current state and returns the successor.
func (c *Controller) step(ctx context.Context, i int, d stage.Descriptor, s solver.Solver, original *dataset.Dataset) (State, error) {
	fixed, initial := c.state.Partition(d, c.vocab)
	input := c.state.Dataset()
	if d.RestoreDataset {
		input = original
	}
	monitoring.Logf("[optimizer] stage %d %s: %s free=%v n=%d", i+1, d.Name, d.Method, d.Free, input.Len())
	monitoring.Tracef("[optimizer] stage %d %s: fixed=%s initial=%s", i+1, d.Name, fixed, initial)

	res, err := s.Solve(ctx, solver.Args{
		Stage:          d.Name,
		FreeNames:      d.Free,
		Fixed:          fixed,
		Overrides:      d.Overrides,
		Initial:        initial,
		Clip:           d.Clip,
		Field:          d.Field,
		Regularization: d.Regularization,
		Dataset:        input,
		Model:          c.model,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			monitoring.Logf("[optimizer] stage %d %s: %v", i+1, d.Name, err)
			return State{}, err
		}
		return State{}, &StageError{Stage: d.Name, Index: i, Err: err}
	}

	if res.Status.Failed() {
		monitoring.Logf("[optimizer] stage %d %s: FAILED (%s): %s", i+1, d.Name, res.Status, res.Diagnostics.Message)
	} else {
		monitoring.Logf("[optimizer] stage %d %s: %s cost=%.6g params=%s", i+1, d.Name, res.Status, res.Cost, res.Params)
	}
	next := c.state.apply(d, res)
	for _, o := range c.observers {
		o.StageCompleted(i, d, res)
	}
	return next, nil
}
