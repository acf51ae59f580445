package movielens

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/movielens/sage"
	"github.com/gomlx/movielens/sampler"
)

// toyRatings returns labeled (user, movie) pairs for the toySampler graph.
func toyRatings(edges [][3]float32) *RatingsSplit {
	pairs := make([]int32, 0, 2*len(edges))
	ratings := make([]float32, 0, len(edges))
	for _, edge := range edges {
		pairs = append(pairs, int32(edge[0]), int32(edge[1]))
		ratings = append(ratings, edge[2])
	}
	return &RatingsSplit{
		Pairs:   tensors.FromFlatDataAndDimensions(pairs, len(edges), 2),
		Ratings: tensors.FromFlatDataAndDimensions(ratings, len(edges), 1),
	}
}

func TestNewStrategy(t *testing.T) {
	trainSplit := toyRatings([][3]float32{{0, 3, 5}, {0, 4, 3}, {1, 3, 4}})

	s := toySampler()
	strategy := NewStrategy(s, 2, 3, 2, trainSplit)
	require.True(t, strategy.IsEdgeSeeded())
	require.Len(t, strategy.Seeds, 2)

	for _, name := range []string{"userHop0", "userHop1", "movieHop0", "movieHop1"} {
		rule := strategy.Rules[name]
		require.NotNil(t, rule, "missing rule %q", name)
		assert.True(t, rule.SelfLoop)
		assert.Equal(t, 3, rule.Count)
		assert.Equal(t, 4, rule.NumSlots())
	}

	// Kernel sharing: both sides of each hop convolve with the same kernel.
	assert.Equal(t, strategy.Rules["userHop0"].ConvKernelScopeName,
		strategy.Rules["movieHop0"].ConvKernelScopeName)
	assert.Equal(t, strategy.Seeds[0].ConvKernelScopeName,
		strategy.Seeds[1].ConvKernelScopeName)

	ReuseHopKernels = false
	defer func() { ReuseHopKernels = true }()
	separate := NewStrategy(toySampler(), 2, 3, 2, trainSplit)
	assert.NotEqual(t, separate.Rules["userHop0"].ConvKernelScopeName,
		separate.Rules["movieHop0"].ConvKernelScopeName)
}

// TestSeedTensorsFromInputs pins the order of the flat inputs list yielded by
// the dataset: each seed is followed by its own hop tensors (value, mask,
// degree) before the next seed, so the seed movies are recovered by rule name
// and not by a fixed offset.
func TestSeedTensorsFromInputs(t *testing.T) {
	const batchSize = 2
	const fanOut = 2

	trainSplit := toyRatings([][3]float32{{0, 3, 5}, {0, 4, 3}, {1, 3, 4}})
	strategy := NewStrategy(toySampler(), batchSize, fanOut, 1, trainSplit)

	ds := strategy.NewDataset("test").Epochs(1)
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 10)

	states, remaining := sampler.MapInputsToStates(strategy, inputs)
	assert.Empty(t, remaining)
	require.Same(t, inputs[0], states[strategy.Seeds[0].Name].Value)
	require.Same(t, inputs[5], states[strategy.Seeds[1].Name].Value)

	// inputs[2] is the first user hop, not the seed movies.
	assert.Equal(t, []int{batchSize, fanOut + 1}, inputs[2].Shape().Dimensions)
	assert.Same(t, inputs[2], states["userHop0"].Value)

	users := tensors.MustCopyFlatData[int32](states[strategy.Seeds[0].Name].Value)
	movies := tensors.MustCopyFlatData[int32](states[strategy.Seeds[1].Name].Value)
	for row := range batchSize {
		assert.Less(t, users[row], int32(3), "row %d: user seed is not a user node", row)
		assert.GreaterOrEqual(t, movies[row], int32(3), "row %d: movie seed is not a movie node", row)
	}
}

// TestEndToEndTraining trains the full model for a couple of epochs on the
// toy graph and checks the loop runs and the evaluation RMSE is finite.
func TestEndToEndTraining(t *testing.T) {
	const batchSize = 2
	const fanOut = 2
	const depth = 1

	trainSplit := toyRatings([][3]float32{{0, 3, 5}, {0, 4, 3}, {1, 3, 4}})
	validSplit := toyRatings([][3]float32{{2, 3, 2}})

	for _, readout := range []string{"dot", "dense"} {
		t.Run(readout, func(t *testing.T) {
			s := toySampler()
			trainStrategy := NewStrategy(s, batchSize, fanOut, depth, trainSplit)
			validStrategy := NewStrategy(s, batchSize, fanOut, depth, validSplit)

			backend := graphtest.BuildTestBackend()
			ctx := CreateDefaultContext()
			ctx.SetParams(map[string]any{
				sage.ParamStateDim:           8,
				ParamReadout:                 readout,
				optimizers.ParamLearningRate: 0.01,
			})
			toyFeatures(t, ctx)

			trainer := newTrainer(backend, ctx)
			loop := train.NewLoop(trainer)
			trainDS := trainStrategy.NewDataset("train").Shuffle()
			metricsOut, err := loop.RunEpochs(trainDS, 2)
			require.NoError(t, err)
			require.NotEmpty(t, metricsOut)

			rmse, err := Evaluate(backend, ctx, validStrategy.NewDataset("valid").Epochs(1))
			require.NoError(t, err)
			assert.False(t, math.IsNaN(rmse))
			assert.Greater(t, rmse, 0.0)
			assert.Less(t, rmse, 10.0)

			// The training split evaluates too, reusing the trained weights.
			trainRMSE, err := Evaluate(backend, ctx, trainStrategy.NewDataset("train-eval").Epochs(1))
			require.NoError(t, err)
			assert.False(t, math.IsNaN(trainRMSE))
		})
	}
}
