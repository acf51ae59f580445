// Package movielens trains and evaluates a GraphSAGE-style recommender on the
// MovieLens-1M dataset: ratings are regressed from the embeddings of the user
// and the movie, which in turn are built by sampling and convolving their
// graph neighborhoods (see the sampler and sage packages).
//
// Users and movies live in a single node ID space: users take nodes
// `[0, NumUsers)` and movies `[NumUsers, NumNodes)`. The rating edges are
// registered in both directions under a single symmetric edge type, so a
// node's neighborhood alternates naturally between the two sides of the
// bipartite graph, and self-loop sampling stays type-consistent.
package movielens

import (
	"fmt"
	"os"
	"path"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"

	"github.com/gomlx/movielens/sampler"
)

const (
	// NumUsers in MovieLens-1M. User ID `u` (1-based in the data files) maps
	// to node `u-1`.
	NumUsers = 6040

	// NumMovies actually present in MovieLens-1M. Movie IDs in the data files
	// are sparse (up to 3952), they are densely remapped in file order, and
	// movie index `m` maps to node `NumUsers+m`.
	NumMovies = 3883

	// NumNodes of the joint user/movie node space.
	NumNodes = NumUsers + NumMovies

	NumGenders     = 2
	NumAgeBuckets  = 7
	NumOccupations = 21
	NumGenres      = 18

	// MaxTitleTokens kept per movie title. Longer titles are truncated.
	MaxTitleTokens = 12

	// NodeTypeName of the single node type registered in the sampler.
	NodeTypeName = "nodes"

	// EdgeTypeName of the symmetric rating edges registered in the sampler.
	EdgeTypeName = "rated"
)

// RatingsSplit holds one split of the rating edges.
type RatingsSplit struct {
	// Pairs shaped `(Int32)[N, 2]`: (user node, movie node).
	Pairs *tensors.Tensor

	// Ratings shaped `(Float32)[N, 1]`, values 1 to 5.
	Ratings *tensors.Tensor
}

// NumEdges in the split.
func (split *RatingsSplit) NumEdges() int {
	if split == nil || split.Pairs == nil {
		return 0
	}
	return split.Pairs.Shape().Dimensions[0]
}

var (
	// Frozen per-node feature tensors, indexed by node ID and set by
	// [Download] (rows of the other node kind are zero):

	// Genders per node, `(Int32)[NumNodes, 1]`, 0=female / 1=male.
	Genders *tensors.Tensor
	// AgeBuckets per node, `(Int32)[NumNodes, 1]`, one of NumAgeBuckets buckets.
	AgeBuckets *tensors.Tensor
	// Occupations per node, `(Int32)[NumNodes, 1]`.
	Occupations *tensors.Tensor
	// Genres multi-hot per node, `(Float32)[NumNodes, NumGenres]`.
	Genres *tensors.Tensor
	// TitleTokens per node, `(Int32)[NumNodes, MaxTitleTokens]`, 0 is padding.
	TitleTokens *tensors.Tensor

	// TitleVocabSize is the number of distinct title tokens (excluding the
	// padding token 0).
	TitleVocabSize int

	// MovieTitles by dense movie index (node ID minus NumUsers).
	MovieTitles []string

	// TrainSplit, ValidSplit and TestSplit of the rating edges (80/10/10,
	// seeded shuffle). Only TrainSplit edges take part in message passing.
	TrainSplit, ValidSplit, TestSplit *RatingsSplit
)

// MovieLensVariablesScope is the absolute context scope under which the
// frozen dataset tensors are uploaded as non-trainable variables.
const MovieLensVariablesScope = "/movielens"

// featureVariables lists the frozen tensors uploaded to the context, keyed by
// the names used by the feature schema (see NodeFeatures).
func featureVariables() map[string]*tensors.Tensor {
	return map[string]*tensors.Tensor{
		"genders":      Genders,
		"age_buckets":  AgeBuckets,
		"occupations":  Occupations,
		"genres":       Genres,
		"title_tokens": TitleTokens,
	}
}

// UploadFeatureVariables creates the frozen (non-trainable) variables with
// the dataset feature tensors in the context, under
// [MovieLensVariablesScope]. [Download] must have been called first.
//
// Exclude them from checkpoints with [FrozenVariables].
func UploadFeatureVariables(ctx *context.Context) *context.Context {
	if Genders == nil {
		Panicf("movielens feature tensors not loaded, call Download() first")
	}
	ctxML := ctx.InAbsPath(MovieLensVariablesScope).Checked(false)
	for name, tensor := range featureVariables() {
		v := ctxML.VariableWithValue(name, tensor)
		v.Trainable = false
	}
	return ctx
}

// FrozenVariables enumerates the variables created by
// [UploadFeatureVariables], typically to exclude them from checkpointing.
func FrozenVariables(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	ctx.InAbsPath(MovieLensVariablesScope).EnumerateVariablesInScope(func(v *context.Variable) {
		vars = append(vars, v)
	})
	return vars
}

// samplerFile caches the built sampler (CSR adjacency) between runs.
const samplerFile = "sampler.bin"

// NewSampler returns a [sampler.Sampler] for the MovieLens graph, building
// its adjacency from the training split of the rating edges, in both
// directions under the single [EdgeTypeName] edge type.
//
// The sampler is cached in baseDir for faster restarts.
func NewSampler(baseDir string) (*sampler.Sampler, error) {
	filePath := path.Join(baseDir, samplerFile)
	s, err := sampler.Load(filePath)
	if err == nil && s != nil {
		return s, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if TrainSplit.NumEdges() == 0 {
		return nil, errors.New("movielens ratings not loaded, call Download() first")
	}

	s = sampler.New()
	s.AddNodeType(NodeTypeName, NumNodes)
	s.AddEdgeType(EdgeTypeName, NodeTypeName, NodeTypeName, symmetricEdges(TrainSplit.Pairs), false)
	if err = s.Save(filePath); err != nil {
		return nil, err
	}
	return s, nil
}

// symmetricEdges doubles the (user, movie) pairs with their reversed
// (movie, user) counterparts, so a single edge type covers both directions.
func symmetricEdges(pairs *tensors.Tensor) *tensors.Tensor {
	numEdges := pairs.Shape().Dimensions[0]
	symData := make([]int32, 4*numEdges)
	tensors.MustConstFlatData[int32](pairs, func(pairsData []int32) {
		for row := 0; row < numEdges; row++ {
			user, movie := pairsData[2*row], pairsData[2*row+1]
			symData[2*row], symData[2*row+1] = user, movie
			symData[2*(numEdges+row)], symData[2*(numEdges+row)+1] = movie, user
		}
	})
	return tensors.FromFlatDataAndDimensions(symData, 2*numEdges, 2)
}

// ReuseHopKernels shares the convolution kernels between the user side and
// the movie side of the strategy tree, at each hop. Default is true.
var ReuseHopKernels = true

// NewStrategy builds the sampling strategy for one split of the rating edges:
// seed users and movies sampled jointly from the split's labeled edges, plus
// `depth` hops of up-to-`fanOut` neighbors, each with a self-loop slot.
func NewStrategy(s *sampler.Sampler, batchSize, fanOut, depth int, split *RatingsSplit) *sampler.Strategy {
	strategy := s.NewStrategy()
	users, movies := strategy.LabeledEdges("seedUsers", "seedMovies", NodeTypeName,
		batchSize, split.Pairs, split.Ratings)
	if ReuseHopKernels {
		movies.ConvKernelScopeName = users.ConvKernelScopeName
	}
	userSide, movieSide := users, movies
	for hop := range depth {
		userSide = userSide.FromEdges(fmt.Sprintf("userHop%d", hop), EdgeTypeName, fanOut).WithSelfLoop()
		movieSide = movieSide.FromEdges(fmt.Sprintf("movieHop%d", hop), EdgeTypeName, fanOut).WithSelfLoop()
		if ReuseHopKernels {
			movieSide.ConvKernelScopeName = userSide.ConvKernelScopeName
		}
	}
	return strategy
}

// MakeDatasets downloads (if needed) the MovieLens-1M data into baseDir and
// returns the 4 datasets used for training and evaluation: "train",
// "train-eval", "valid-eval" and "test-eval". The evaluation datasets are
// configured for a single epoch; the caller configures the training one
// (epochs or infinite, shuffling).
//
// Batch size, fan-out and depth are read from the context hyperparameters
// (see [ParamBatchSize], [ParamFanOut] and [ParamDepth]).
func MakeDatasets(ctx *context.Context, baseDir string) (trainDS *sampler.Dataset, trainEvalDS, validEvalDS, testEvalDS train.Dataset, err error) {
	if err = Download(baseDir); err != nil {
		return
	}
	var s *sampler.Sampler
	s, err = NewSampler(baseDir)
	if err != nil {
		return
	}

	batchSize := context.GetParamOr(ctx, ParamBatchSize, 1024)
	fanOut := context.GetParamOr(ctx, ParamFanOut, 10)
	depth := context.GetParamOr(ctx, ParamDepth, 2)

	trainStrategy := NewStrategy(s, batchSize, fanOut, depth, TrainSplit)
	validStrategy := NewStrategy(s, batchSize, fanOut, depth, ValidSplit)
	testStrategy := NewStrategy(s, batchSize, fanOut, depth, TestSplit)

	trainDS = trainStrategy.NewDataset("train")
	trainEvalDS = trainStrategy.NewDataset("train-eval").Epochs(1)
	validEvalDS = validStrategy.NewDataset("valid-eval").Epochs(1)
	testEvalDS = testStrategy.NewDataset("test-eval").Epochs(1)
	return
}
