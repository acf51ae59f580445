package sampler

import (
	"fmt"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Strategy is created by [Sampler.NewStrategy]. A [Sampler] can create multiple
// strategies, typically one per train/validation/test split.
//
// After creation one defines what and how to sample a subgraph, by creating
// rules ([Rule]): seed rules with [Strategy.Nodes] or [Strategy.LabeledEdges],
// and dependent rules with [Rule.FromEdges].
//
// Once datasets are created from a strategy, it can no longer be changed.
type Strategy struct {
	Sampler *Sampler

	// Rules of the strategy, indexed by name. The seed rules are also listed in Seeds.
	Rules map[string]*Rule

	// Seeds has the root sampling rules, in the order they were created.
	Seeds []*Rule

	// KeepDegrees indicates whether datasets also yield one degree tensor per
	// (rule, dependent) pair, named by [NameForNodeDependentDegree]. Default true.
	KeepDegrees bool

	// seedPairs / seedLabels are set by LabeledEdges: seeds are then sampled in
	// pairs from seedPairs, and the matching labels are yielded alongside.
	seedPairs    *tensors.Tensor // (Int32)[N, 2]
	seedLabels   *tensors.Tensor // (Float32)[N, 1]
	numSeedPairs int

	frozen bool // When true, it can no longer be changed.
}

// Rule defines one rule of the sampling strategy, and is created by
// [Strategy.Nodes], [Strategy.LabeledEdges] or [Rule.FromEdges].
type Rule struct {
	Sampler  *Sampler
	Strategy *Strategy

	// Name of the rule, also the key of the sampled tensor.
	Name string

	// NodeTypeName of the nodes sampled by this rule.
	NodeTypeName string

	// SourceRule is the rule this one samples from, or nil for seed rules.
	SourceRule *Rule

	// Dependents are the rules that sample from this one, in creation order.
	Dependents []*Rule

	// EdgeType used to sample, for rules created with FromEdges.
	EdgeType *EdgeType

	// Count of sampled elements: the batch size for seed rules, the neighbor
	// fan-out for edge rules. It doesn't include the self-loop slot.
	Count int

	// SelfLoop indicates an extra (last) slot per source node, always filled
	// with the source node itself.
	SelfLoop bool

	// Shape of the sampled (Int32) values for this rule, including the
	// self-loop slot if present.
	Shape shapes.Shape

	// NumNodes of the rule node type.
	NumNodes int32

	// NodeSet optionally restricts a seed rule created with NodesFromSet.
	NodeSet []int32

	// pairColumn is the column in Strategy.seedPairs that feeds this seed
	// rule, or -1.
	pairColumn int

	// ConvKernelScopeName is the context scope used by graph convolutions
	// when updating this rule's state. Rules that should share kernels can be
	// set to the same scope name.
	ConvKernelScopeName string
}

// IsSeed returns whether this is a seed (root) rule.
func (r *Rule) IsSeed() bool { return r.SourceRule == nil }

// NumSlots sampled per source node: Count plus the self-loop slot, if any.
func (r *Rule) NumSlots() int {
	if r.SelfLoop {
		return r.Count + 1
	}
	return r.Count
}

// String returns an informative description of the rule.
func (r *Rule) String() string {
	if r.IsSeed() {
		var pairDesc string
		if r.pairColumn >= 0 {
			pairDesc = fmt.Sprintf(", labeledEdges.column=%d", r.pairColumn)
		}
		return fmt.Sprintf("Rule %q: type=Seed, nodeType=%q, shape=%s%s",
			r.Name, r.NodeTypeName, r.Shape, pairDesc)
	}
	var selfLoopDesc string
	if r.SelfLoop {
		selfLoopDesc = ", selfLoop"
	}
	return fmt.Sprintf("Rule %q: type=Edge, nodeType=%q, shape=%s, sourceRule=%q, edgeType=%q%s",
		r.Name, r.NodeTypeName, r.Shape, r.SourceRule.Name, r.EdgeType.Name, selfLoopDesc)
}

// String returns a multi-line informative description of the strategy.
func (strategy *Strategy) String() string {
	parts := make([]string, 0, 1+len(strategy.Rules))
	var frozenDesc string
	if strategy.frozen {
		frozenDesc = ", Frozen"
	}
	parts = append(parts, fmt.Sprintf("Sampling strategy: (%d rules%s)", len(strategy.Rules), frozenDesc))
	for _, rule := range strategy.Seeds {
		parts = appendRulesRecursively(parts, rule, 0)
	}
	return strings.Join(parts, "\n")
}

func appendRulesRecursively(parts []string, rule *Rule, indent int) []string {
	parts = append(parts, fmt.Sprintf("%s> %s", strings.Repeat("  ", indent), rule))
	indent++
	for _, subRule := range rule.Dependents {
		parts = appendRulesRecursively(parts, subRule, indent)
	}
	return parts
}

func (strategy *Strategy) checkCanCreateRule(name string) {
	if strategy.frozen {
		Panicf("Strategy is frozen, that is, a dataset was already created with NewDataset() and hence the strategy can no longer be modified")
	}
	if prevRule, found := strategy.Rules[name]; found {
		Panicf("rule named %q already exists: %s", name, prevRule)
	}
}

func (strategy *Strategy) newSeedRule(name, nodeTypeName string, count, pairColumn int) *Rule {
	strategy.checkCanCreateRule(name)
	numNodes, found := strategy.Sampler.NodeTypesToCount[nodeTypeName]
	if !found {
		Panicf("unknown node type %q for rule %q", nodeTypeName, name)
	}
	if count <= 0 {
		Panicf("count (batch size) must be > 0 for rule %q, got %d", name, count)
	}
	r := &Rule{
		Sampler:             strategy.Sampler,
		Strategy:            strategy,
		Name:                name,
		NodeTypeName:        nodeTypeName,
		Count:               count,
		NumNodes:            numNodes,
		Shape:               shapes.Make(dtypes.Int32, count),
		pairColumn:          pairColumn,
		ConvKernelScopeName: "conv_" + name,
	}
	strategy.Rules[name] = r
	strategy.Seeds = append(strategy.Seeds, r)
	return r
}

// Nodes creates a seed rule (named `name`) that samples nodes of the given
// type uniformly, without replacement within an epoch.
//
// `count` is the batch size. An epoch finishes when all nodes of the type
// have been sampled.
func (strategy *Strategy) Nodes(name, nodeTypeName string, count int) *Rule {
	if strategy.seedPairs != nil {
		Panicf("cannot mix Nodes() seeds with LabeledEdges() seeds in the same strategy")
	}
	return strategy.newSeedRule(name, nodeTypeName, count, -1)
}

// NodesFromSet creates a seed rule (named `name`) like [Strategy.Nodes], but
// sampling only from the given set of node indices.
func (strategy *Strategy) NodesFromSet(name, nodeTypeName string, count int, nodeSet []int32) *Rule {
	if strategy.seedPairs != nil {
		Panicf("cannot mix NodesFromSet() seeds with LabeledEdges() seeds in the same strategy")
	}
	if len(nodeSet) == 0 {
		Panicf("empty nodeSet for rule %q", name)
	}
	r := strategy.newSeedRule(name, nodeTypeName, count, -1)
	r.NodeSet = nodeSet
	return r
}

// LabeledEdges creates a PAIR of linked seed rules (`srcName` and `dstName`)
// sampled jointly from a list of labeled edges: each sampled batch element is
// one edge, its source node going to the `srcName` seeds, its target node to
// the `dstName` seeds, and its label to the dataset labels.
//
// `pairs` must be shaped `(Int32)[N, 2]` (source node, target node) and
// `labels` `(Float32)[N, 1]`, aligned row by row. `count` is the batch size.
//
// Datasets created from the strategy yield `labels` = [labelValues, mask],
// where labelValues is `(Float32)[count, 1]` and mask is `(Bool)[count, 1]`,
// false on rows padded at the end of an epoch.
//
// Only one LabeledEdges call is supported per strategy, and it cannot be
// combined with Nodes/NodesFromSet seeds.
func (strategy *Strategy) LabeledEdges(srcName, dstName, nodeTypeName string, count int, pairs, labels *tensors.Tensor) (srcRule, dstRule *Rule) {
	if strategy.frozen {
		Panicf("Strategy is frozen, that is, a dataset was already created with NewDataset() and hence the strategy can no longer be modified")
	}
	if len(strategy.Seeds) > 0 {
		Panicf("LabeledEdges() must be the only source of seeds of a strategy, but %d seed rules already exist", len(strategy.Seeds))
	}
	if pairs.Rank() != 2 || pairs.DType() != dtypes.Int32 || pairs.Shape().Dimensions[1] != 2 {
		Panicf("LabeledEdges() pairs must be shaped (Int32)[N, 2], got %s", pairs.Shape())
	}
	numPairs := pairs.Shape().Dimensions[0]
	if labels.Rank() != 2 || labels.DType() != dtypes.Float32 ||
		labels.Shape().Dimensions[0] != numPairs || labels.Shape().Dimensions[1] != 1 {
		Panicf("LabeledEdges() labels must be shaped (Float32)[%d, 1] to match pairs, got %s", numPairs, labels.Shape())
	}
	srcRule = strategy.newSeedRule(srcName, nodeTypeName, count, 0)
	dstRule = strategy.newSeedRule(dstName, nodeTypeName, count, 1)
	strategy.seedPairs = pairs
	strategy.seedLabels = labels
	strategy.numSeedPairs = numPairs
	return
}

// IsEdgeSeeded returns whether the seeds of this strategy were created with
// [Strategy.LabeledEdges].
func (strategy *Strategy) IsEdgeSeeded() bool { return strategy.seedPairs != nil }

// NumSeedPairs returns the number of labeled edges the seeds sample from, or
// 0 if the strategy is not edge-seeded.
func (strategy *Strategy) NumSeedPairs() int { return strategy.numSeedPairs }

// FromEdges creates a dependent rule (named `name`) that samples up to `count`
// neighbors of each node sampled by `r`, across the given edge type, without
// replacement: nodes with degree <= count get all their neighbors (exactly
// once each), others get a uniform subset of `count` of them.
func (r *Rule) FromEdges(name, edgeTypeName string, count int) *Rule {
	strategy := r.Strategy
	strategy.checkCanCreateRule(name)
	edgeType, found := strategy.Sampler.EdgeTypes[edgeTypeName]
	if !found {
		Panicf("unknown edge type %q for rule %q", edgeTypeName, name)
	}
	if edgeType.SourceNodeType != r.NodeTypeName {
		Panicf("edge type %q samples from node type %q, but rule %q samples nodes of type %q",
			edgeTypeName, edgeType.SourceNodeType, r.Name, r.NodeTypeName)
	}
	if count <= 0 {
		Panicf("count (fan-out) must be > 0 for rule %q, got %d", name, count)
	}
	newShapeDims := append(append([]int{}, r.Shape.Dimensions...), count)
	newRule := &Rule{
		Sampler:             strategy.Sampler,
		Strategy:            strategy,
		Name:                name,
		NodeTypeName:        edgeType.TargetNodeType,
		SourceRule:          r,
		EdgeType:            edgeType,
		Count:               count,
		NumNodes:            strategy.Sampler.NodeTypesToCount[edgeType.TargetNodeType],
		Shape:               shapes.Make(dtypes.Int32, newShapeDims...),
		pairColumn:          -1,
		ConvKernelScopeName: "conv_" + name,
	}
	strategy.Rules[name] = newRule
	r.Dependents = append(r.Dependents, newRule)
	return newRule
}

// WithSelfLoop reserves one extra slot (the last) per source node, always
// filled with the source node itself (and mask set). It requires the edge
// type to connect nodes of the same type.
//
// It must be called before any dependent rule is created from this rule, and
// it returns the rule itself to allow cascading calls.
func (r *Rule) WithSelfLoop() *Rule {
	if r.IsSeed() {
		Panicf("WithSelfLoop() only applies to rules created with FromEdges(), but %q is a seed rule", r.Name)
	}
	if r.Strategy.frozen {
		Panicf("Strategy is frozen, rule %q can no longer be modified", r.Name)
	}
	if len(r.Dependents) > 0 {
		Panicf("WithSelfLoop() must be called on rule %q before creating rules that depend on it", r.Name)
	}
	if r.EdgeType.SourceNodeType != r.EdgeType.TargetNodeType {
		Panicf("WithSelfLoop() requires edge type %q to connect nodes of the same type, but it connects %q to %q",
			r.EdgeType.Name, r.EdgeType.SourceNodeType, r.EdgeType.TargetNodeType)
	}
	if r.SelfLoop {
		return r
	}
	r.SelfLoop = true
	newShapeDims := append(append([]int{}, r.SourceRule.Shape.Dimensions...), r.Count+1)
	r.Shape = shapes.Make(dtypes.Int32, newShapeDims...)
	return r
}

// ValueMask groups a sampled value and its mask: for node rules the sampled
// node indices (or their state, once embedded) and whether each is valid.
type ValueMask[T any] struct {
	Value, Mask T
}

// MapInputsToStates maps the flat inputs list yielded by a [Dataset] (or the
// corresponding graph nodes, at model building time) back to a map of rule
// name to its [ValueMask].
//
// If the strategy keeps degrees, the degree tensors are also included, keyed
// by [NameForNodeDependentDegree] and with a nil Mask.
//
// It returns the remaining inputs, if any more were appended after the
// sampled tensors.
func MapInputsToStates[T any](strategy *Strategy, inputs []T) (states map[string]*ValueMask[T], remaining []T) {
	states = make(map[string]*ValueMask[T], 2*len(strategy.Rules))
	pos := 0
	take := func() T {
		if pos >= len(inputs) {
			Panicf("MapInputsToStates: strategy requires more inputs than the %d given", len(inputs))
		}
		v := inputs[pos]
		pos++
		return v
	}
	var recurse func(rule *Rule)
	recurse = func(rule *Rule) {
		for _, dep := range rule.Dependents {
			states[dep.Name] = &ValueMask[T]{Value: take(), Mask: take()}
			if strategy.KeepDegrees {
				states[NameForNodeDependentDegree(rule.Name, dep.Name)] = &ValueMask[T]{Value: take()}
			}
			recurse(dep)
		}
	}
	for _, seed := range strategy.Seeds {
		states[seed.Name] = &ValueMask[T]{Value: take(), Mask: take()}
		recurse(seed)
	}
	remaining = inputs[pos:]
	return
}
