package movielens

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/core/dtypes"

	"github.com/gomlx/movielens/sage"
	"github.com/gomlx/movielens/sampler"
)

// dtypeForModel used for all model weights and states.
const dtypeForModel = dtypes.Float32

const (
	// ParamReadout is the context hyperparameter selecting how the rating is
	// read out of the final (user, movie) embedding pair: "dot" (default)
	// projects the element-wise product, "dense" projects the concatenation
	// of both embeddings and their product.
	ParamReadout = "readout"
)

// RecommenderModelGraph is the model function used with train.Trainer: it
// mixes the node features (FeaturePreprocessing), convolves the sampled
// neighborhoods (sage.Propagate) and reads a predicted rating out of each
// seed (user, movie) pair.
//
// spec must be the *sampler.Strategy the inputs were sampled with; the one
// output is shaped `(Float32)[batchSize, 1]`.
func RecommenderModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	cosineschedule.New(ctx, g, dtypeForModel).FromContext().Done()

	strategy, ok := spec.(*sampler.Strategy)
	if !ok {
		Panicf("expected dataset spec to be a *sampler.Strategy, got %T", spec)
	}
	if !strategy.IsEdgeSeeded() {
		Panicf("model requires an edge-seeded strategy (see Strategy.LabeledEdges), "+
			"got seeds %v", strategy.Seeds)
	}

	ctxModel := ctx.In("model").Checked(false)
	states, _ := FeaturePreprocessing(ctxModel, strategy, inputs)
	sage.NanLogger = NanLogger
	sage.Propagate(ctxModel.In("sage"), strategy, states)

	users := states[strategy.Seeds[0].Name]
	movies := states[strategy.Seeds[1].Name]
	score := scoreEdges(ctxModel.In("readout"), users.Value, movies.Value)
	return []*Node{score}
}

// scoreEdges maps each (user, movie) embedding pair to one predicted rating.
func scoreEdges(ctx *context.Context, users, movies *Node) *Node {
	readout := context.GetParamOr(ctx, ParamReadout, "dot")
	switch readout {
	case "dot":
		return layers.DenseWithBias(ctx, Mul(users, movies), 1)
	case "dense":
		return layers.DenseWithBias(ctx,
			Concatenate([]*Node{users, movies, Mul(users, movies)}, -1), 1)
	default:
		Panicf("unknown %s=%q: valid values are \"dot\" and \"dense\"", ParamReadout, readout)
	}
	return nil
}
