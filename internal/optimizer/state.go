package optimizer

import (
	"github.com/abscal/transmission-fitter/internal/dataset"
	"github.com/abscal/transmission-fitter/internal/params"
	"github.com/abscal/transmission-fitter/internal/solver"
	"github.com/abscal/transmission-fitter/internal/stage"
)

// State is the optimizer's accumulated progress after some number of
// stages. A State is never modified; apply returns the successor.
type State struct {
	params  params.Set
	results []solver.Result
	dataset *dataset.Dataset
}

// NewState returns the state before the first stage of a run over ds.
func NewState(ds *dataset.Dataset) State {
	return State{dataset: ds}
}

// Params returns the accumulated parameters.
func (s State) Params() params.Set { return s.params }

// Index is the number of completed stages.
func (s State) Index() int { return len(s.results) }

// Results returns the per-stage results in run order.
func (s State) Results() []solver.Result {
	out := make([]solver.Result, len(s.results))
	copy(out, s.results)
	return out
}

// Dataset returns the dataset the next stage will see.
func (s State) Dataset() *dataset.Dataset { return s.dataset }

// Partition splits the parameters for stage d. Fixed is every accumulated
// parameter not free in d, with d's overrides laid over it. Initial holds a
// starting value per free name: the accumulated value when there is one,
// otherwise the vocabulary default.
func (s State) Partition(d stage.Descriptor, vocab *params.Vocabulary) (fixed, initial params.Set) {
	fixed = s.params.Without(d.Free...).Merge(d.Overrides)
	initial = vocab.Defaults(d.Free...).Merge(s.params.Select(d.Free...))
	return fixed, initial
}

// apply folds the result of stage d into s.
//
// A failed stage only contributes names that nothing has set yet, so the
// values from earlier successful stages stay in effect.
func (s State) apply(d stage.Descriptor, r solver.Result) State {
	next := State{
		results: append(s.results[:len(s.results):len(s.results)], r),
		dataset: s.dataset,
	}
	if r.Status.Failed() {
		next.params = s.params.Merge(r.Params.Without(s.params.Names()...))
	} else {
		next.params = s.params.Merge(r.Params)
	}
	if (d.Clip.Enabled || d.RestoreDataset) && r.Dataset != nil {
		next.dataset = r.Dataset
	}
	return next
}

// Export is the product of a finished run.
type Export struct {
	Final   params.Set
	Stages  []solver.Result
	Dataset *dataset.Dataset
}

// Export returns the final parameters, every stage result and the final
// dataset.
func (s State) Export() Export {
	return Export{Final: s.params, Stages: s.Results(), Dataset: s.dataset}
}
