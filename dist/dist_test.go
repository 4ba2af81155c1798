package dist_test

import (
	"sync"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kustomzone/StableCascade/dist"
)

func TestLocalRankFromEnv(t *testing.T) {
	t.Setenv("LOCAL_RANK", "")
	t.Setenv("SLURM_LOCALID", "")
	_, err := dist.LocalRankFromEnv()
	require.Error(t, err)

	t.Setenv("SLURM_LOCALID", "3")
	rank, err := dist.LocalRankFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, rank)

	// LOCAL_RANK wins over SLURM_LOCALID.
	t.Setenv("LOCAL_RANK", "1")
	rank, err = dist.LocalRankFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 1, rank)

	t.Setenv("LOCAL_RANK", "minus-two")
	_, err = dist.LocalRankFromEnv()
	require.Error(t, err)
}

func TestLoopback(t *testing.T) {
	var c dist.Loopback
	assert.Equal(t, 1, c.NumWorkers())
	values := []*tensors.Tensor{tensors.FromValue([]float32{1, 2, 3})}
	out, err := c.AllReduceMean(values)
	require.NoError(t, err)
	assert.Equal(t, values, out)
}

func TestGroupAllReduceMean(t *testing.T) {
	workers := dist.NewGroup(2)
	require.Len(t, workers, 2)
	assert.Equal(t, 0, workers[0].Rank())
	assert.Equal(t, 1, workers[1].Rank())

	inputs := [][]*tensors.Tensor{
		{tensors.FromValue([]float32{1, 2}), tensors.FromValue([]float32{10})},
		{tensors.FromValue([]float32{3, 6}), tensors.FromValue([]float32{30})},
	}
	results := make([][]*tensors.Tensor, 2)
	var wg sync.WaitGroup
	for rank := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := workers[rank].AllReduceMean(inputs[rank])
			assert.NoError(t, err)
			results[rank] = out
		}()
	}
	wg.Wait()

	for rank := range results {
		assert.Equal(t, []float32{2, 4}, results[rank][0].Value(), "rank %d", rank)
		assert.Equal(t, []float32{20}, results[rank][1].Value(), "rank %d", rank)
	}
}

func TestGroupMultipleRounds(t *testing.T) {
	workers := dist.NewGroup(2)
	var wg sync.WaitGroup
	for rank := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := range 5 {
				in := []*tensors.Tensor{tensors.FromValue([]float32{float32(round + rank)})}
				out, err := workers[rank].AllReduceMean(in)
				assert.NoError(t, err)
				assert.Equal(t, []float32{float32(round) + 0.5}, out[0].Value())
			}
		}()
	}
	wg.Wait()
}

func TestRecorder(t *testing.T) {
	rec := &dist.Recorder{Inner: dist.Loopback{}}
	_, err := rec.AllReduceMean([]*tensors.Tensor{tensors.FromValue([]float32{1})})
	require.NoError(t, err)
	_, err = rec.AllReduceMean([]*tensors.Tensor{tensors.FromValue([]float32{2})})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Reduces())
}
