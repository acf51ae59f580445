package movielens

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"

	"github.com/gomlx/movielens/sage"
	"github.com/gomlx/movielens/sampler"
)

// FeatureKind selects how a node feature table is mixed into the initial
// node state.
type FeatureKind int

const (
	// FeatureCategorical features hold one id per node, embedded with a
	// learned table of VocabSize entries.
	FeatureCategorical FeatureKind = iota

	// FeatureTokens features hold a fixed number of token ids per node
	// (0 is padding); each token is embedded and the embeddings are averaged
	// over the valid tokens.
	FeatureTokens

	// FeatureNumeric features hold Width float values per node, projected to
	// the state dimension with a learned affine layer.
	FeatureNumeric
)

// FeatureDef describes one frozen per-node feature table, uploaded by
// [UploadFeatureVariables] under the variable named Name.
type FeatureDef struct {
	Name string
	Kind FeatureKind

	// VocabSize of the embedding table, for FeatureCategorical and
	// FeatureTokens features.
	VocabSize int

	// Width of the feature vector, for FeatureNumeric features.
	Width int
}

// NodeFeatures is the schema of the per-node features mixed into the initial
// node states. It is set by [Download]; tests may install their own.
var NodeFeatures []FeatureDef

// movieLensFeatures returns the schema for the real MovieLens-1M tables.
// The token vocabulary size is only known after parsing the titles.
func movieLensFeatures() []FeatureDef {
	return []FeatureDef{
		{Name: "genders", Kind: FeatureCategorical, VocabSize: NumGenders},
		{Name: "age_buckets", Kind: FeatureCategorical, VocabSize: NumAgeBuckets},
		{Name: "occupations", Kind: FeatureCategorical, VocabSize: NumOccupations},
		{Name: "genres", Kind: FeatureNumeric, Width: NumGenres},
		{Name: "title_tokens", Kind: FeatureTokens, VocabSize: TitleVocabSize + 1},
	}
}

// FeaturePreprocessing maps the dataset inputs to the per-rule states and
// replaces each state's node indices with the mixed feature vector: a learned
// identity embedding of the node plus one contribution per entry of
// [NodeFeatures], all of the state dimension, summed. Padded slots are zeroed.
//
// It returns the states (shared pointers, also used by sage.Propagate) and
// whatever inputs were left over, which the caller may consume (for example
// evaluation appends the labels to the inputs).
func FeaturePreprocessing(ctx *context.Context, strategy *sampler.Strategy, inputs []*Node) (states map[string]*sampler.ValueMask[*Node], remaining []*Node) {
	states, remaining = sampler.MapInputsToStates(strategy, inputs)
	stateDim := context.GetParamOr(ctx, sage.ParamStateDim, 64)
	ctxEmbed := ctx.In("embeddings").Checked(false)
	g := inputs[0].Graph()

	for _, rule := range strategy.Rules {
		state := states[rule.Name]
		indices := state.Value
		mixed := layers.Embedding(ctxEmbed.In("nodes"), indices,
			dtypeForModel, int(rule.NumNodes), stateDim, false)
		for _, feature := range NodeFeatures {
			mixed = Add(mixed, featureContribution(ctxEmbed, g, feature, indices, stateDim))
		}
		if state.Mask != nil {
			mixed = Where(state.Mask, mixed, ZerosLike(mixed))
		}
		state.Value = mixed
	}
	return
}

// featureContribution embeds one frozen feature table, gathered at the given
// node indices, to a vector of the state dimension.
func featureContribution(ctx *context.Context, g *Graph, feature FeatureDef, indices *Node, stateDim int) *Node {
	table := getFrozenVar(ctx, g, feature.Name)
	gathered := Gather(table, InsertAxes(indices, -1))
	switch feature.Kind {
	case FeatureCategorical:
		// gathered is shaped `[..., 1]`, which Embedding squeezes away.
		return layers.Embedding(ctx.In(feature.Name), gathered,
			dtypeForModel, feature.VocabSize, stateDim, false)
	case FeatureTokens:
		// gathered is shaped `[..., maxTokens]`, one embedding per token,
		// averaged over the non-padding tokens.
		embedded := layers.Embedding(ctx.In(feature.Name), gathered,
			dtypeForModel, feature.VocabSize, stateDim, false)
		validTokens := NotEqual(gathered, ZerosLike(gathered))
		return sage.NeighborsMean(embedded, validTokens, false)
	case FeatureNumeric:
		return layers.DenseWithBias(ctx.In(feature.Name), gathered, stateDim)
	}
	Panicf("unknown feature kind %d for feature %q", feature.Kind, feature.Name)
	return nil
}

// getFrozenVar returns the graph node for one of the frozen dataset variables
// uploaded by [UploadFeatureVariables].
func getFrozenVar(ctx *context.Context, g *Graph, name string) *Node {
	v := ctx.GetVariableByScopeAndName(MovieLensVariablesScope, name)
	if v == nil {
		Panicf("frozen variable %q not found in context, "+
			"check UploadFeatureVariables was called", name)
		panic(nil) // Quiet linter.
	}
	return v.ValueGraph(g)
}
