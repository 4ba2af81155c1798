// Package conditions assembles the conditioning inputs of the Stage-C
// generator from a batch: CLIP text token features, the pooled text feature
// and the CLIP image embedding.
//
// The set of fields is fixed at construction and validated then, so a typo in
// a field name fails before any training starts. Conditioning is always
// computed under StopGradient: the encoders are frozen.
package conditions

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Condition field names accepted by NewAssembler.
const (
	FieldClipText       = "clip_text"
	FieldClipTextPooled = "clip_text_pooled"
	FieldClipImg        = "clip_img"
)

// Set holds the conditioning nodes for one batch. Fields not requested from
// the assembler are nil and the generator skips them.
type Set struct {
	// ClipText is shaped [batchSize, seqLen, dim].
	ClipText *Node
	// ClipTextPooled is shaped [batchSize, dim].
	ClipTextPooled *Node
	// ClipImg is shaped [batchSize, dim].
	ClipImg *Node
}

// TextEncoder produces per-token and pooled features for a batch of token
// ids shaped [batchSize, seqLen].
type TextEncoder interface {
	EncodeText(ctx *context.Context, tokens *Node) (sequence, pooled *Node)
}

// ImageEncoder produces one embedding per image, shaped [batchSize, dim].
type ImageEncoder interface {
	EncodeImage(ctx *context.Context, images *Node) *Node
}

// Options select the assembly mode for one graph.
type Options struct {
	// Eval disables the conditioning dropout.
	Eval bool
	// Unconditional zeroes every field, for the unconditional branch of
	// classifier-free guidance.
	Unconditional bool
}

// Assembler computes a fixed set of conditioning fields.
type Assembler struct {
	fields      map[string]bool
	dropoutRate float64
}

// NewAssembler creates an assembler for the given fields. Unknown field
// names are an error. dropoutRate is the per-example probability of dropping
// the whole conditioning during training (classifier-free guidance
// training); 0 disables it.
func NewAssembler(fields []string, dropoutRate float64) (*Assembler, error) {
	if len(fields) == 0 {
		return nil, errors.New("conditions: at least one field is required")
	}
	if dropoutRate < 0 || dropoutRate >= 1 {
		return nil, errors.Errorf("conditions: dropout rate must be in [0, 1), got %g", dropoutRate)
	}
	a := &Assembler{fields: make(map[string]bool), dropoutRate: dropoutRate}
	for _, field := range fields {
		switch field {
		case FieldClipText, FieldClipTextPooled, FieldClipImg:
			a.fields[field] = true
		default:
			return nil, errors.Errorf("conditions: unknown field %q, valid fields are %q, %q and %q",
				field, FieldClipText, FieldClipTextPooled, FieldClipImg)
		}
	}
	return a, nil
}

// Fields returns whether a field name was requested.
func (a *Assembler) Has(field string) bool { return a.fields[field] }

// Assemble runs the encoders for the requested fields only. tokens is the
// token id batch [batchSize, seqLen]; images is the CLIP-preprocessed image
// batch. Encoders for unrequested fields are never invoked.
func (a *Assembler) Assemble(ctx *context.Context, tokens, images *Node,
	text TextEncoder, image ImageEncoder, opts Options) Set {
	var set Set
	if a.fields[FieldClipText] || a.fields[FieldClipTextPooled] {
		sequence, pooled := text.EncodeText(ctx, tokens)
		if a.fields[FieldClipText] {
			set.ClipText = StopGradient(sequence)
		}
		if a.fields[FieldClipTextPooled] {
			set.ClipTextPooled = StopGradient(pooled)
		}
	}
	if a.fields[FieldClipImg] {
		set.ClipImg = StopGradient(image.EncodeImage(ctx, images))
	}

	if opts.Unconditional {
		return Set{
			ClipText:       zeroed(set.ClipText),
			ClipTextPooled: zeroed(set.ClipTextPooled),
			ClipImg:        zeroed(set.ClipImg),
		}
	}
	if !opts.Eval && a.dropoutRate > 0 {
		set = a.dropout(ctx, set)
	}
	return set
}

func zeroed(x *Node) *Node {
	if x == nil {
		return nil
	}
	return ZerosLike(x)
}

// dropout zeroes the whole conditioning of an example with probability
// dropoutRate. One mask is drawn per example and shared across fields, so an
// example is either fully conditioned or fully unconditioned.
func (a *Assembler) dropout(ctx *context.Context, set Set) Set {
	ref := set.ClipText
	if ref == nil {
		ref = set.ClipTextPooled
	}
	if ref == nil {
		ref = set.ClipImg
	}
	g := ref.Graph()
	dtype := ref.DType()
	batchSize := ref.Shape().Dimensions[0]

	u := ctx.RandomUniform(g, shapes.Make(dtype, batchSize))
	keep := ConvertDType(GreaterOrEqual(u, ConstAsDType(g, dtype, a.dropoutRate)), dtype)
	apply := func(x *Node) *Node {
		if x == nil {
			return nil
		}
		mask := keep
		for mask.Rank() < x.Rank() {
			mask = InsertAxes(mask, -1)
		}
		return Mul(x, mask)
	}
	return Set{
		ClipText:       apply(set.ClipText),
		ClipTextPooled: apply(set.ClipTextPooled),
		ClipImg:        apply(set.ClipImg),
	}
}
