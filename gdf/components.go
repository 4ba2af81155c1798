package gdf

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// logSNR values are clamped so the variance stays strictly inside (0, 1) and
// the log stays finite.
const varianceClamp = 1e-4

// CosineSchedule is the squared-cosine noise schedule. The small offset s
// keeps the variance at t=0 away from exactly 1.
type CosineSchedule struct {
	s      float64
	minVar float64
}

// NewCosineSchedule returns a cosine schedule with offset s (0.008 is the
// usual choice).
func NewCosineSchedule(s float64) *CosineSchedule {
	if s <= 0 || s >= 1 {
		exceptions.Panicf("gdf: cosine schedule offset must be in (0, 1), got %g", s)
	}
	minVar := math.Pow(math.Cos(s/(1+s)*math.Pi*0.5), 2)
	return &CosineSchedule{s: s, minVar: minVar}
}

// LogSNR implements Schedule. For t in [0, 1] the variance is
// cos((t+s)/(1+s) * pi/2)^2 / minVar, clamped to (0, 1), and
// logSNR = log(var / (1-var)). It decreases monotonically in t.
func (sch *CosineSchedule) LogSNR(t *Node) *Node {
	angle := MulScalar(AddScalar(t, sch.s), math.Pi*0.5/(1+sch.s))
	variance := Square(ClipScalar(Cos(angle), 0, 1))
	variance = MulScalar(variance, 1/sch.minVar)
	variance = ClipScalar(variance, varianceClamp, 1-varianceClamp)
	return Log(Div(variance, OneMinus(variance)))
}

// MinVariance is the normalization constant of the schedule, needed by the
// matching noise conditioner.
func (sch *CosineSchedule) MinVariance() float64 { return sch.minVar }

// Offset returns the schedule offset s.
func (sch *CosineSchedule) Offset() float64 { return sch.s }

// VPScaler is the variance-preserving input scaler: a^2 + b^2 = 1 at every
// logSNR.
type VPScaler struct{}

// Scalers implements InputScaler: a = sqrt(sigmoid(logSNR)),
// b = sqrt(sigmoid(-logSNR)).
func (VPScaler) Scalers(logSNR *Node) (a, b *Node) {
	a = Sqrt(Sigmoid(logSNR))
	b = Sqrt(Sigmoid(Neg(logSNR)))
	return
}

// EpsilonTarget trains the model to predict the noise itself.
type EpsilonTarget struct{}

// Target implements Target: the regression target is epsilon.
func (EpsilonTarget) Target(x0, epsilon, a, b *Node) *Node { return epsilon }

// X0 implements Target: x0 = (noised - b*pred) / a.
func (EpsilonTarget) X0(noised, pred, a, b *Node) *Node {
	return Div(Sub(noised, Mul(b, pred)), a)
}

// Epsilon implements Target: the prediction is already the noise.
func (EpsilonTarget) Epsilon(noised, pred, a, b *Node) *Node { return pred }

// CosineTNoiseCond conditions the model on the cosine-schedule time t
// recovered from the logSNR, so the conditioning stays in [0, 1] even when
// the logSNR was shifted.
type CosineTNoiseCond struct {
	s      float64
	minVar float64
}

// NewCosineTNoiseCond returns the noise conditioner matching
// NewCosineSchedule(s).
func NewCosineTNoiseCond(s float64) *CosineTNoiseCond {
	sch := NewCosineSchedule(s)
	return &CosineTNoiseCond{s: sch.s, minVar: sch.minVar}
}

// Cond implements NoiseCond: inverts the cosine schedule,
// t = acos(sqrt(var*minVar)) / (pi/2) * (1+s) - s with var = sigmoid(logSNR).
func (nc *CosineTNoiseCond) Cond(logSNR *Node) *Node {
	variance := ClipScalar(Sigmoid(logSNR), 0, 1)
	t := acos(Sqrt(MulScalar(variance, nc.minVar)))
	return AddScalar(MulScalar(t, (1+nc.s)/(math.Pi*0.5)), -nc.s)
}

// acos approximates the arc cosine for x in [0, 1] with the Abramowitz &
// Stegun 4.4.45 polynomial, accurate to about 7e-5. The backends expose no
// inverse trigonometric op.
func acos(x *Node) *Node {
	x = ClipScalar(x, 0, 1)
	poly := AddScalar(MulScalar(x, -0.0187293), 0.0742610)
	poly = AddScalar(Mul(poly, x), -0.2121144)
	poly = AddScalar(Mul(poly, x), 1.5707288)
	return Mul(Sqrt(OneMinus(x)), poly)
}

// P2LossWeight implements the perception-prioritized weighting
// (k + exp(logSNR*shift))^(-gamma).
type P2LossWeight struct {
	K     float64
	Gamma float64
}

// NewP2LossWeight returns the standard weighting with k=1, gamma=1.
func NewP2LossWeight() P2LossWeight {
	return P2LossWeight{K: 1, Gamma: 1}
}

// Weight implements LossWeight.
func (w P2LossWeight) Weight(logSNR *Node, shift float64) *Node {
	if shift != 1 {
		logSNR = MulScalar(logSNR, shift)
	}
	return PowScalar(AddScalar(Exp(logSNR), w.K), -w.Gamma)
}
