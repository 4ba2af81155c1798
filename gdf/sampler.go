package gdf

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Sampler advances a noisy batch from one logSNR to the next, given the
// model's x0 reconstruction.
type Sampler interface {
	// Step maps x at logSNR to the corresponding sample at logSNRPrev
	// (a higher logSNR, i.e. less noise). ctx is used for the stochastic
	// part of the step, if any.
	Step(ctx *context.Context, x, x0, logSNR, logSNRPrev *Node) *Node
}

// DDIMSampler is the deterministic-to-stochastic family of samplers
// parameterized by eta: eta=0 is DDIM, eta=1 is ancestral DDPM.
type DDIMSampler struct {
	scaler InputScaler
	eta    float64
}

// NewDDIMSampler returns the deterministic sampler (eta=0).
func NewDDIMSampler(scaler InputScaler) *DDIMSampler {
	return &DDIMSampler{scaler: scaler}
}

// NewDDPMSampler returns the ancestral sampler (eta=1).
func NewDDPMSampler(scaler InputScaler) *DDIMSampler {
	return &DDIMSampler{scaler: scaler, eta: 1}
}

// Step implements Sampler.
func (s *DDIMSampler) Step(ctx *context.Context, x, x0, logSNR, logSNRPrev *Node) *Node {
	a, b := s.scaler.Scalers(logSNR)
	aPrev, bPrev := s.scaler.Scalers(logSNRPrev)
	a = expandToRank(a, x.Rank())
	b = expandToRank(b, x.Rank())
	aPrev = expandToRank(aPrev, x.Rank())
	bPrev = expandToRank(bPrev, x.Rank())

	epsilon := Div(Sub(x, Mul(a, x0)), b)
	if s.eta == 0 {
		return Add(Mul(aPrev, x0), Mul(bPrev, epsilon))
	}

	// Stochastic step: part of the noise is resampled, scaled so the
	// marginal variance at logSNRPrev is preserved.
	sigmaTau := MulScalar(
		Mul(
			Sqrt(Div(Square(bPrev), Square(b))),
			Sqrt(OneMinus(Div(Square(a), Square(aPrev)))),
		),
		s.eta)
	kept := Sqrt(Max(Sub(Square(bPrev), Square(sigmaTau)), ZerosLike(bPrev)))
	fresh := ctx.RandomNormal(x.Graph(), x.Shape())
	return Add(
		Add(Mul(aPrev, x0), Mul(kept, epsilon)),
		Mul(sigmaTau, fresh))
}

// Timesteps returns the n+1 times of an n-step sampling run, evenly spaced
// from 1 down to 0. Consecutive pairs are fed to Sampler.Step.
func Timesteps(n int) []float64 {
	if n < 1 {
		exceptions.Panicf("gdf: sampling needs at least 1 timestep, got %d", n)
	}
	ts := make([]float64, n+1)
	for i := range ts {
		ts[i] = 1 - float64(i)/float64(n)
	}
	ts[n] = 0
	return ts
}
