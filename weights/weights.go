// Package weights loads pretrained model weights from pytorch checkpoint
// files into context variables.
//
// Checkpoints may be a bare mapping of dotted parameter names to tensors or
// wrap that mapping under a "state_dict" key; both forms are accepted. A
// dotted name like "blocks.0.weight" maps to the variable "weight" in the
// scope ".../blocks/0" relative to the context the weights are assigned to.
package weights

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
)

// StateDict is an ordered mapping of dotted parameter names to tensors, as
// stored in a pytorch checkpoint.
type StateDict struct {
	keys    []string
	tensors map[string]*tensors.Tensor
}

// LoadTorch reads a pytorch checkpoint file. Non-tensor entries (training
// metadata, step counters) are skipped.
func LoadTorch(path string) (*StateDict, error) {
	loaded, err := pytorch.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading torch checkpoint %q", path)
	}
	dict, ok := loaded.(*types.Dict)
	if !ok {
		return nil, errors.Errorf("torch checkpoint %q: expected a dict at the top level, got %T", path, loaded)
	}
	sd, err := FromDict(dict)
	if err != nil {
		return nil, errors.Wrapf(err, "torch checkpoint %q", path)
	}
	return sd, nil
}

// FromDict converts an unpickled dict to a StateDict. If the dict nests the
// actual weights under a "state_dict" key, that inner dict is used.
func FromDict(dict *types.Dict) (*StateDict, error) {
	if inner, ok := dict.Get("state_dict"); ok {
		innerDict, ok := inner.(*types.Dict)
		if !ok {
			return nil, errors.Errorf("\"state_dict\" entry is a %T, expected a dict", inner)
		}
		dict = innerDict
	}
	sd := &StateDict{tensors: make(map[string]*tensors.Tensor)}
	for _, key := range dict.Keys() {
		name, ok := key.(string)
		if !ok {
			continue
		}
		entry := dict.MustGet(key)
		pt, ok := entry.(*pytorch.Tensor)
		if !ok {
			continue
		}
		tensor, err := fromTorchTensor(pt)
		if err != nil {
			return nil, errors.Wrapf(err, "entry %q", name)
		}
		sd.keys = append(sd.keys, name)
		sd.tensors[name] = tensor
	}
	return sd, nil
}

// Keys returns the parameter names in checkpoint order.
func (sd *StateDict) Keys() []string { return sd.keys }

// Get returns the tensor for a parameter name, or nil if absent.
func (sd *StateDict) Get(name string) *tensors.Tensor { return sd.tensors[name] }

// Len returns the number of parameters.
func (sd *StateDict) Len() int { return len(sd.keys) }

// AssignTo writes every tensor into a context variable under ctx's current
// scope, splitting dotted names into scope segments. Existing variables are
// overwritten and must match shapes; missing ones are created. All touched
// variables are marked non-trainable when frozen is true.
func (sd *StateDict) AssignTo(ctx *context.Context, frozen bool) error {
	ctx = ctx.Checked(false)
	for _, name := range sd.keys {
		tensor := sd.tensors[name]
		segments := strings.Split(name, ".")
		varName := segments[len(segments)-1]
		scopedCtx := ctx
		for _, segment := range segments[:len(segments)-1] {
			scopedCtx = scopedCtx.In(segment)
		}
		v := scopedCtx.GetVariableByScopeAndName(scopedCtx.Scope(), varName)
		if v == nil {
			v = scopedCtx.VariableWithValue(varName, tensor)
		} else {
			if !v.Shape().Equal(tensor.Shape()) {
				return errors.Errorf("parameter %q has shape %s, but variable %s/%s has shape %s",
					name, tensor.Shape(), scopedCtx.Scope(), varName, v.Shape())
			}
			v.MustSetValue(tensor)
		}
		if frozen {
			v.SetTrainable(false)
		}
	}
	return nil
}

// fromTorchTensor copies a torch tensor into a float32 gomlx tensor. Half and
// bfloat16 storages are already widened to float32 by the unpickler.
func fromTorchTensor(pt *pytorch.Tensor) (*tensors.Tensor, error) {
	size := 1
	for _, dim := range pt.Size {
		size *= dim
	}
	var flat []float32
	switch storage := pt.Source.(type) {
	case *pytorch.FloatStorage:
		flat = storage.Data
	case *pytorch.HalfStorage:
		flat = storage.Data
	case *pytorch.BFloat16Storage:
		flat = storage.Data
	case *pytorch.DoubleStorage:
		flat = make([]float32, len(storage.Data))
		for i, v := range storage.Data {
			flat[i] = float32(v)
		}
	default:
		return nil, errors.Errorf("unsupported torch storage type %T", storage)
	}
	offset := int(pt.StorageOffset)
	if offset+size > len(flat) {
		return nil, errors.Errorf("tensor needs %d elements at offset %d, storage has only %d",
			size, offset, len(flat))
	}
	owned := make([]float32, size)
	copy(owned, flat[offset:offset+size])
	return tensors.FromFlatDataAndDimensions(owned, pt.Size...), nil
}
