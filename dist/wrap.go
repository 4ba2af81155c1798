package dist

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
)

// VariableGroup is one shard-wrapping unit: the trainable variables of one
// block kind, reduced together.
type VariableGroup struct {
	Kind      string
	Variables []*context.Variable
}

// GroupByBlockKind partitions the trainable variables under scope by the
// block kind appearing in their scope path. Variables matching none of the
// kinds are collected in a final group with an empty kind. Group order is
// deterministic: kinds in the given order, then the rest.
func GroupByBlockKind(ctx *context.Context, scope string, kinds []string) []VariableGroup {
	byKind := make(map[string][]*context.Variable, len(kinds)+1)
	ctx.InAbsPath(scope).EnumerateVariablesInScope(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		kind := ""
		for _, k := range kinds {
			if strings.Contains(v.Scope(), "/"+k) {
				kind = k
				break
			}
		}
		byKind[kind] = append(byKind[kind], v)
	})

	var groups []VariableGroup
	for _, kind := range append(append([]string{}, kinds...), "") {
		if vars := byKind[kind]; len(vars) > 0 {
			groups = append(groups, VariableGroup{Kind: kind, Variables: vars})
		}
	}
	return groups
}
