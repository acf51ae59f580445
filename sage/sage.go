// Package sage implements the GraphSAGE graph convolution over sub-graphs
// sampled with the sampler package.
//
// Each rule of the sampling strategy holds a state (starting with the mixed
// node features), and states are updated bottom-up along the rule tree: the
// state of a node becomes an affine projection of its previous state
// concatenated with the mean of its sampled neighbors' states, followed by an
// activation and an L2 normalization.
//
// When a rule reserved a self-loop slot (see sampler.Rule.WithSelfLoop), the
// node itself is part of the sampled neighborhood, so its representation gets
// convolved like any neighbor's. The pooling then corrects the neighbors'
// mean by subtracting the node's own state from the sum and one from the
// count, so the mean is taken over true neighbors only, and the convolved
// self state is used as the "previous state" half of the concatenation.
package sage

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"

	"github.com/gomlx/movielens/sampler"
)

const (
	// ParamStateDim is the context hyperparameter with the dimension of the
	// node states. Default is 64.
	ParamStateDim = "sage_state_dim"

	// ParamPooling is the context hyperparameter selecting how neighbor
	// states are pooled: "mean" (default) or "degree_sum", which scales the
	// mean by the node's true degree.
	ParamPooling = "sage_pooling"

	// NormalizationEpsilon is added to the L2 norm before dividing, so
	// zero states stay finite.
	NormalizationEpsilon = 1e-6
)

// NanLogger, if set, is used to trace the updated states of every rule, to
// help debug the source of NaNs.
var NanLogger *nanlogger.NanLogger

// Propagate updates the states of all rules of the strategy, bottom-up: the
// deepest rules are convolved first, so a depth-D strategy propagates
// information D hops into the seed states.
//
// states is the map created by sampler.MapInputsToStates, with values already
// embedded to the state dimension (see movielens.FeaturePreprocessing). It is
// updated in place.
func Propagate(ctx *context.Context, strategy *sampler.Strategy, states map[string]*sampler.ValueMask[*Node]) {
	for _, seed := range strategy.Seeds {
		updateRule(ctx, strategy, states, seed)
	}
}

// updateRule convolves the dependents of the rule (recursively, deepest
// first) into a new state for the rule. Leaf rules keep their state as is.
func updateRule(ctx *context.Context, strategy *sampler.Strategy, states map[string]*sampler.ValueMask[*Node], rule *sampler.Rule) *Node {
	state := states[rule.Name]
	if len(rule.Dependents) == 0 {
		return state.Value
	}

	selfPart := state.Value
	pieces := make([]*Node, 1, 1+len(rule.Dependents))
	for _, dep := range rule.Dependents {
		depMask := states[dep.Name].Mask
		updated := updateRule(ctx, strategy, states, dep)
		if dep.SelfLoop && selfPart == state.Value {
			// The convolved self state replaces the raw state in the update.
			selfPart = selfSlot(updated, dep.Count)
		}
		var degree *Node
		if strategy.KeepDegrees {
			degree = states[sampler.NameForNodeDependentDegree(rule.Name, dep.Name)].Value
		}
		pieces = append(pieces, poolNeighbors(ctx, updated, depMask, degree, dep))
	}
	pieces[0] = selfPart

	ctxConv := ctx.In(rule.ConvKernelScopeName)
	stateDim := context.GetParamOr(ctx, ParamStateDim, 64)
	h := Concatenate(pieces, -1)
	h = layers.DenseWithBias(ctxConv, h, stateDim)
	h = activations.ApplyFromContext(ctxConv, h)
	dropoutRate := context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	if dropoutRate > 0 {
		dropoutNode := Scalar(h.Graph(), h.DType(), dropoutRate)
		h = layers.DropoutNormalize(ctxConv.In("dropout"), h, dropoutNode, true)
	}
	h = Normalize(h)
	if state.Mask != nil {
		h = Where(state.Mask, h, ZerosLike(h))
	}
	if NanLogger != nil {
		NanLogger.Trace(h, rule.Name)
	}
	state.Value = h
	return h
}

// poolNeighbors pools the states of the sampled neighbors of one rule into a
// fixed size vector per source node, according to ParamPooling.
func poolNeighbors(ctx *context.Context, neighbors, mask, degree *Node, rule *sampler.Rule) *Node {
	mean := NeighborsMean(neighbors, mask, rule.SelfLoop)
	pooling := context.GetParamOr(ctx, ParamPooling, "mean")
	switch pooling {
	case "mean":
		return mean
	case "degree_sum":
		if degree == nil {
			Panicf("%q pooling requires the strategy to keep degrees", pooling)
		}
		d := ConvertDType(degree, mean.DType())
		if rule.SelfLoop {
			// Degrees reported by the sampler include the self-loop slot.
			d = AddScalar(d, -1)
		}
		return Mul(mean, MaxScalar(d, 0))
	default:
		Panicf("unknown %s=%q: valid values are \"mean\" and \"degree_sum\"", ParamPooling, pooling)
	}
	return nil
}

// NeighborsMean returns the masked mean of the neighbor states: neighbors is
// shaped `[..., K, stateDim]` and mask `[..., K]`, and the mean is taken over
// the K axis, counting only valid slots.
//
// If selfLoop is true, the last slot holds the node's own state: it is
// subtracted from the sum and discounted from the count, so the result is the
// mean over the true neighbors only.
//
// Nodes with no (remaining) valid neighbors get a zero vector: the count is
// clamped to a minimum of 1, so the result is always finite.
func NeighborsMean(neighbors, mask *Node, selfLoop bool) *Node {
	dtype := neighbors.DType()
	sum := MaskedReduceSum(neighbors, mask, -2)
	count := InsertAxes(ReduceSum(ConvertDType(mask, dtype), -1), -1)
	if selfLoop {
		slot := neighbors.Shape().Dimensions[neighbors.Rank()-2] - 1
		sum = Sub(sum, selfSlot(neighbors, slot))
		count = AddScalar(count, -1)
	}
	return Div(sum, MaxScalar(count, 1))
}

// Normalize L2-normalizes the states along the feature (last) axis, with an
// epsilon clamp on the norm so zero vectors stay zero instead of NaN.
func Normalize(x *Node) *Node {
	return L2NormalizeWithEpsilon(x, NormalizationEpsilon, -1)
}

// selfSlot slices the given slot out of the neighbors axis (the second to
// last), dropping the sliced axis.
func selfSlot(neighbors *Node, slot int) *Node {
	specs := make([]SliceAxisSpec, neighbors.Rank())
	for ii := range specs {
		specs[ii] = AxisRange()
	}
	specs[neighbors.Rank()-2] = AxisRange(slot, slot+1)
	return Squeeze(Slice(neighbors, specs...), -2)
}
