package sage

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/movielens/sampler"
)

func TestNeighborsMean(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(neighbors, mask *Node) *Node {
		return NeighborsMean(neighbors, mask, false)
	})

	// Means only over the valid slots.
	neighbors := [][][]float32{
		{{1, 2}, {3, 4}, {100, 100}},
		{{5, 6}, {0, 0}, {0, 0}},
	}
	mask := [][]bool{
		{true, true, false},
		{true, false, false},
	}
	got := exec.Call(neighbors, mask)[0]
	assert.Equal(t, [][]float32{{2, 3}, {5, 6}}, got.Value())

	// Zero valid neighbors: zero output, no NaN.
	noneValid := [][]bool{
		{false, false, false},
		{false, false, false},
	}
	got = exec.Call(neighbors, noneValid)[0]
	assert.Equal(t, [][]float32{{0, 0}, {0, 0}}, got.Value())
}

func TestNeighborsMeanSelfLoopCorrection(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	corrected := MustNewExec(backend, func(neighbors, mask *Node) *Node {
		return NeighborsMean(neighbors, mask, true)
	})

	// Last slot is the node's own state; the corrected mean must equal the
	// plain mean over the true neighbors only.
	neighbors := [][][]float32{
		{{1, 2}, {3, 4}, {10, 20}},
		{{5, 6}, {0, 0}, {-1, -2}},
	}
	mask := [][]bool{
		{true, true, true},
		{true, false, true},
	}
	got := corrected.Call(neighbors, mask)[0]
	assert.Equal(t, [][]float32{{2, 3}, {5, 6}}, got.Value())

	// A node whose only valid slot is itself gets a zero mean.
	onlySelf := [][]bool{
		{false, false, true},
		{false, false, true},
	}
	got = corrected.Call([][][]float32{
		{{0, 0}, {0, 0}, {10, 20}},
		{{0, 0}, {0, 0}, {-1, -2}},
	}, onlySelf)[0]
	assert.Equal(t, [][]float32{{0, 0}, {0, 0}}, got.Value())
}

func TestNormalize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	once := MustNewExec(backend, func(x *Node) *Node { return Normalize(x) })
	twice := MustNewExec(backend, func(x *Node) *Node { return Normalize(Normalize(x)) })

	x := [][]float32{
		{3, 4},
		{-10, 0},
		{0, 0},
	}
	got := once.Call(x)[0].Value().([][]float32)
	wantNorms := []float64{1, 1, 0}
	for row, want := range wantNorms {
		var norm float64
		for _, v := range got[row] {
			require.False(t, math.IsNaN(float64(v)))
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, want, math.Sqrt(norm), 1e-4, "row %d", row)
	}

	// Idempotence: normalizing twice gives the same result.
	got2 := twice.Call(x)[0].Value().([][]float32)
	for row := range got {
		assert.InDeltaSlice(t, toFloat64(got[row]), toFloat64(got2[row]), 1e-5)
	}
}

func toFloat64(values []float32) []float64 {
	result := make([]float64, len(values))
	for ii, v := range values {
		result[ii] = float64(v)
	}
	return result
}

// TestPropagate runs the full convolution over a sampled sub-graph: states
// must come out finite, state-dimension wide and unit-normalized on valid
// rows.
func TestPropagate(t *testing.T) {
	const numNodes = 10
	const batchSize = 3
	const fanOut = 2
	const stateDim = 4

	pairsData := []int32{
		0, 5, 5, 0,
		0, 6, 6, 0,
		1, 5, 5, 1,
		3, 9, 9, 3,
	}
	symPairs := tensors.FromFlatDataAndDimensions(pairsData, 8, 2)
	labeledPairs := tensors.FromFlatDataAndDimensions([]int32{0, 5, 0, 6, 1, 5, 3, 9}, 4, 2)
	labels := tensors.FromFlatDataAndDimensions([]float32{5, 3, 4, 2}, 4, 1)

	s := sampler.New()
	s.AddNodeType("nodes", numNodes)
	s.AddEdgeType("rated", "nodes", "nodes", symPairs, false)
	strategy := s.NewStrategy()
	users, items := strategy.LabeledEdges("seedUsers", "seedItems", "nodes", batchSize, labeledPairs, labels)
	users.FromEdges("userHop", "rated", fanOut).WithSelfLoop()
	items.FromEdges("itemHop", "rated", fanOut).WithSelfLoop()

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamStateDim: stateDim,
		"activation":  "leaky_relu",
	})

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) (*Node, *Node) {
		states, remaining := sampler.MapInputsToStates(strategy, inputs)
		if len(remaining) != 0 {
			t.Errorf("unexpected remaining inputs: %d", len(remaining))
		}
		// One-hot embeddings stand in for the feature mixer.
		for _, rule := range strategy.Rules {
			state := states[rule.Name]
			value := OneHot(state.Value, numNodes, dtypes.Float32)
			state.Value = Where(state.Mask, value, ZerosLike(value))
		}
		Propagate(ctx, strategy, states)
		return states["seedUsers"].Value, states["seedUsers"].Mask
	})

	ds := strategy.NewDataset("test").Epochs(1)
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	args := make([]any, 0, len(inputs))
	for _, input := range inputs {
		args = append(args, input)
	}
	results := exec.Call(args...)
	state := results[0].Value().([][]float32)
	maskData := results[1].Value().([]bool)

	require.Len(t, state, batchSize)
	for row, values := range state {
		require.Len(t, values, stateDim)
		var norm float64
		for _, v := range values {
			require.False(t, math.IsNaN(float64(v)), "NaN in row %d", row)
			norm += float64(v) * float64(v)
		}
		if maskData[row] {
			assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-3, "row %d", row)
		} else {
			assert.InDelta(t, 0.0, math.Sqrt(norm), 1e-6, "row %d", row)
		}
	}
}
