package dist

import (
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Recorder wraps a Collective and counts reductions, so tests can assert a
// training step synchronized exactly when it was supposed to.
type Recorder struct {
	Inner Collective

	mu      sync.Mutex
	reduces int
}

// NumWorkers implements Collective.
func (r *Recorder) NumWorkers() int { return r.Inner.NumWorkers() }

// Rank implements Collective.
func (r *Recorder) Rank() int { return r.Inner.Rank() }

// AllReduceMean implements Collective.
func (r *Recorder) AllReduceMean(values []*tensors.Tensor) ([]*tensors.Tensor, error) {
	r.mu.Lock()
	r.reduces++
	r.mu.Unlock()
	return r.Inner.AllReduceMean(values)
}

// Reduces returns how many times AllReduceMean was called.
func (r *Recorder) Reduces() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reduces
}
