package dist

import (
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// NewGroup creates n in-process workers sharing one collective, used by
// multi-worker tests and single-machine multi-goroutine training. Each
// returned worker must be driven by its own goroutine; AllReduceMean blocks
// until all n workers of the same round have called it.
func NewGroup(n int) []Collective {
	shared := &groupState{n: n, pending: make([][]*tensors.Tensor, n)}
	shared.cond = sync.NewCond(&shared.mu)
	workers := make([]Collective, n)
	for rank := range workers {
		workers[rank] = &groupWorker{rank: rank, shared: shared}
	}
	return workers
}

type groupState struct {
	n int

	mu         sync.Mutex
	cond       *sync.Cond
	pending    [][]*tensors.Tensor
	arrived    int
	generation int
	result     []*tensors.Tensor
	err        error
}

type groupWorker struct {
	rank   int
	shared *groupState
}

// NumWorkers implements Collective.
func (w *groupWorker) NumWorkers() int { return w.shared.n }

// Rank implements Collective.
func (w *groupWorker) Rank() int { return w.rank }

// AllReduceMean implements Collective.
func (w *groupWorker) AllReduceMean(values []*tensors.Tensor) ([]*tensors.Tensor, error) {
	s := w.shared
	s.mu.Lock()
	defer s.mu.Unlock()

	generation := s.generation
	s.pending[w.rank] = values
	s.arrived++
	if s.arrived < s.n {
		for generation == s.generation {
			s.cond.Wait()
		}
		return s.result, s.err
	}

	// Last to arrive reduces and releases the round.
	s.result, s.err = meanTensors(s.pending)
	s.arrived = 0
	s.generation++
	s.cond.Broadcast()
	return s.result, s.err
}

// meanTensors averages the k-th tensor of every worker, for each k.
func meanTensors(perWorker [][]*tensors.Tensor) ([]*tensors.Tensor, error) {
	n := len(perWorker)
	count := len(perWorker[0])
	for rank, values := range perWorker {
		if len(values) != count {
			return nil, errors.Errorf("dist: worker 0 reduced %d tensors but worker %d reduced %d",
				count, rank, len(values))
		}
	}

	result := make([]*tensors.Tensor, count)
	for k := range count {
		ref := perWorker[0][k]
		sum := make([]float64, ref.Size())
		for rank := range n {
			t := perWorker[rank][k]
			if !t.Shape().Equal(ref.Shape()) {
				return nil, errors.Errorf("dist: tensor %d has shape %s on worker 0 but %s on worker %d",
					k, ref.Shape(), t.Shape(), rank)
			}
			for i, v := range tensors.MustCopyFlatData[float32](t) {
				sum[i] += float64(v)
			}
		}
		mean := make([]float32, len(sum))
		for i, v := range sum {
			mean[i] = float32(v / float64(n))
		}
		result[k] = tensors.FromFlatDataAndDimensions(mean, ref.Shape().Dimensions...)
	}
	return result, nil
}
