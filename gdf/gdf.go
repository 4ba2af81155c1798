// Package gdf implements generalized diffusion training math: noise
// schedules, input scalers, prediction targets, noise conditioning and loss
// weights, plus the forward diffusion used to build training pairs and the
// samplers used at generation time.
//
// All functions here are graph building: they take and return graph nodes and
// panic (via the graph's exception mechanism) on invalid inputs. The only
// host-side state are the schedule constants, fixed at construction.
package gdf

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Schedule maps a diffusion time t in [0, 1] to its log signal-to-noise
// ratio. Higher t means more noise, hence lower logSNR.
type Schedule interface {
	// LogSNR returns the log signal-to-noise ratio for each time in t.
	LogSNR(t *Node) *Node
}

// InputScaler splits a logSNR into the signal coefficient a and noise
// coefficient b of the forward process, so that noised = a*x0 + b*epsilon.
type InputScaler interface {
	Scalers(logSNR *Node) (a, b *Node)
}

// Target defines what the model predicts and how to recover x0 and epsilon
// from that prediction.
type Target interface {
	// Target returns the regression target for the model output.
	Target(x0, epsilon, a, b *Node) *Node
	// X0 recovers the clean input from the model prediction.
	X0(noised, pred, a, b *Node) *Node
	// Epsilon recovers the noise from the model prediction.
	Epsilon(noised, pred, a, b *Node) *Node
}

// NoiseCond converts a logSNR into the conditioning value fed to the model.
type NoiseCond interface {
	Cond(logSNR *Node) *Node
}

// LossWeight returns a per-example weight for the training loss. The shift
// rescales the logSNR before weighting, independent of the schedule shift.
type LossWeight interface {
	Weight(logSNR *Node, shift float64) *Node
}

// GDF bundles the diffusion components of one training setup.
type GDF struct {
	Schedule    Schedule
	InputScaler InputScaler
	Target      Target
	NoiseCond   NoiseCond
	LossWeight  LossWeight
}

// Diffusion is the result of one forward diffusion of a batch: everything the
// training step needs to compute the loss.
type Diffusion struct {
	// Noised is a*x0 + b*epsilon, the model input.
	Noised *Node
	// Epsilon is the gaussian noise mixed into x0.
	Epsilon *Node
	// Target is what the model should predict.
	Target *Node
	// LogSNR per example, after the schedule shift.
	LogSNR *Node
	// NoiseCond per example, the conditioning value for the model.
	NoiseCond *Node
	// LossWeight per example.
	LossWeight *Node
}

// Diffuse draws a random time and noise per example and returns the noised
// batch plus targets and weights. x0 must have the batch as its leading axis.
// shift rescales the schedule (shift=1 is a no-op); lossShift rescales the
// loss weighting only.
func (gdf *GDF) Diffuse(ctx *context.Context, x0 *Node, shift, lossShift float64) Diffusion {
	g := x0.Graph()
	dtype := x0.DType()
	batchSize := x0.Shape().Dimensions[0]

	// t is sampled as 1-u+0.001 so that t=0 has zero probability: the model
	// never sees a completely clean input.
	u := ctx.RandomUniform(g, shapes.Make(dtype, batchSize))
	t := ClipScalar(AddScalar(OneMinus(u), 0.001), 0.001, 1.0)
	epsilon := ctx.RandomNormal(g, x0.Shape())
	return gdf.DiffuseAt(x0, t, epsilon, shift, lossShift)
}

// DiffuseAt is Diffuse with the time and noise given by the caller. t must be
// shaped [batchSize] and epsilon must match x0.
func (gdf *GDF) DiffuseAt(x0, t, epsilon *Node, shift, lossShift float64) Diffusion {
	logSNR := gdf.ShiftedLogSNR(t, shift)
	a, b := gdf.InputScaler.Scalers(logSNR)
	aX := expandToRank(a, x0.Rank())
	bX := expandToRank(b, x0.Rank())
	noised := Add(Mul(aX, x0), Mul(bX, epsilon))
	return Diffusion{
		Noised:     noised,
		Epsilon:    epsilon,
		Target:     gdf.Target.Target(x0, epsilon, aX, bX),
		LogSNR:     logSNR,
		NoiseCond:  gdf.NoiseCond.Cond(logSNR),
		LossWeight: gdf.LossWeight.Weight(logSNR, lossShift),
	}
}

// ShiftedLogSNR evaluates the schedule at t and applies the resolution shift.
func (gdf *GDF) ShiftedLogSNR(t *Node, shift float64) *Node {
	logSNR := gdf.Schedule.LogSNR(t)
	if shift != 1 {
		logSNR = AddScalar(logSNR, 2*math.Log(1/shift))
	}
	return logSNR
}

// expandToRank appends size-1 axes until x has the given rank, so per-example
// scalars broadcast over the remaining axes of the batch.
func expandToRank(x *Node, rank int) *Node {
	for x.Rank() < rank {
		x = InsertAxes(x, -1)
	}
	return x
}
