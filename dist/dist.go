// Package dist holds the distributed-training plumbing: worker identity from
// the launcher environment, gradient all-reduce between data-parallel
// workers, and the grouping of generator variables by block kind for sharded
// wrapping.
//
// The collective is an explicit dependency of the training step rather than
// an ambient side effect: a step either synchronizes gradients or it does
// not, and tests can substitute a recording fake.
package dist

import (
	"os"
	"strconv"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// LocalRankFromEnv returns this process's worker rank, from LOCAL_RANK or,
// under slurm, SLURM_LOCALID. Training cannot start without one: callers
// must treat the error as fatal.
func LocalRankFromEnv() (int, error) {
	for _, key := range []string{"LOCAL_RANK", "SLURM_LOCALID"} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		rank, err := strconv.Atoi(v)
		if err != nil || rank < 0 {
			return 0, errors.Errorf("dist: invalid %s=%q, expected a non-negative integer", key, v)
		}
		return rank, nil
	}
	return 0, errors.New("dist: neither LOCAL_RANK nor SLURM_LOCALID is set; " +
		"launch through a distributed launcher or set LOCAL_RANK=0 for single-process runs")
}

// Collective synchronizes values across the data-parallel workers of a run.
type Collective interface {
	// NumWorkers in the group.
	NumWorkers() int
	// Rank of this worker, in [0, NumWorkers).
	Rank() int
	// AllReduceMean averages the tensors element-wise across all workers.
	// Every worker must call it with the same number of equally-shaped
	// tensors, and every worker receives the same result.
	AllReduceMean(values []*tensors.Tensor) ([]*tensors.Tensor, error)
}

// Loopback is the single-worker collective: AllReduceMean returns its input.
type Loopback struct{}

// NumWorkers implements Collective.
func (Loopback) NumWorkers() int { return 1 }

// Rank implements Collective.
func (Loopback) Rank() int { return 0 }

// AllReduceMean implements Collective.
func (Loopback) AllReduceMean(values []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return values, nil
}
