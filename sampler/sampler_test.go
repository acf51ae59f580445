package sampler

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGraph builds a small bipartite-like graph on a single node type:
// "users" are nodes 0..4, "items" are nodes 5..9, and "rated" holds both
// directions of every rating edge.
//
// Degrees: node 0 has 4 neighbors, node 1 has 1, node 2 has none,
// nodes 3 and 4 have 1 each.
func testGraph(t *testing.T) (*Sampler, *tensors.Tensor, *tensors.Tensor) {
	ratings := [][2]int32{
		{0, 5}, {0, 6}, {0, 7}, {0, 8},
		{1, 5},
		{3, 9},
		{4, 9},
	}
	pairsData := make([]int32, 0, 4*len(ratings))
	for _, pair := range ratings {
		pairsData = append(pairsData, pair[0], pair[1])
	}
	for _, pair := range ratings {
		pairsData = append(pairsData, pair[1], pair[0])
	}
	symPairs := tensors.FromFlatDataAndDimensions(pairsData, 2*len(ratings), 2)

	labeledData := make([]int32, 0, 2*len(ratings))
	labelsData := make([]float32, 0, len(ratings))
	for ii, pair := range ratings {
		labeledData = append(labeledData, pair[0], pair[1])
		labelsData = append(labelsData, float32(ii+1))
	}
	labeledPairs := tensors.FromFlatDataAndDimensions(labeledData, len(ratings), 2)
	labels := tensors.FromFlatDataAndDimensions(labelsData, len(ratings), 1)

	s := New()
	s.AddNodeType("nodes", 10)
	s.AddEdgeType("rated", "nodes", "nodes", symPairs, false)
	return s, labeledPairs, labels
}

func TestSamplerCSR(t *testing.T) {
	s, _, _ := testGraph(t)
	et := s.EdgeTypes["rated"]
	require.NotNil(t, et)
	assert.Equal(t, 10, et.NumSourceNodes())
	assert.Equal(t, 10, et.NumTargetNodes())
	assert.Equal(t, 14, et.NumEdges())

	assert.ElementsMatch(t, []int32{5, 6, 7, 8}, et.EdgeTargetsForSourceIdx(0))
	assert.Equal(t, []int32{5}, et.EdgeTargetsForSourceIdx(1))
	assert.Empty(t, et.EdgeTargetsForSourceIdx(2))
	assert.ElementsMatch(t, []int32{0, 1}, et.EdgeTargetsForSourceIdx(5))
	assert.ElementsMatch(t, []int32{3, 4}, et.EdgeTargetsForSourceIdx(9))

	assert.Panics(t, func() { et.EdgeTargetsForSourceIdx(10) })
}

func TestSamplerFrozen(t *testing.T) {
	s, _, _ := testGraph(t)
	_ = s.NewStrategy()
	assert.True(t, s.Frozen)
	assert.Panics(t, func() { s.AddNodeType("more", 10) })
}

func TestSamplerSaveLoad(t *testing.T) {
	s, _, _ := testGraph(t)
	filePath := filepath.Join(t.TempDir(), "sampler.bin")
	require.NoError(t, s.Save(filePath))
	s2, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, s.NodeTypesToCount, s2.NodeTypesToCount)
	assert.Equal(t, s.EdgeTypes["rated"].Starts, s2.EdgeTypes["rated"].Starts)
	assert.Equal(t, s.EdgeTypes["rated"].EdgeTargets, s2.EdgeTypes["rated"].EdgeTargets)

	// Counts backed by unexported fields are rebuilt on load.
	assert.Equal(t, 10, s2.EdgeTypes["rated"].NumTargetNodes())
	assert.Equal(t, 10, s2.EdgeTypes["rated"].NumSourceNodes())
}

func TestLabeledEdgesDataset(t *testing.T) {
	s, labeledPairs, labels := testGraph(t)
	strategy := s.NewStrategy()
	const batchSize = 3
	const fanOut = 2
	users, items := strategy.LabeledEdges("seedUsers", "seedItems", "nodes", batchSize, labeledPairs, labels)
	userHop := users.FromEdges("userHop", "rated", fanOut).WithSelfLoop()
	_ = items.FromEdges("itemHop", "rated", fanOut).WithSelfLoop()

	require.True(t, strategy.IsEdgeSeeded())
	assert.Equal(t, 7, strategy.NumSeedPairs())
	assert.Equal(t, fanOut+1, userHop.NumSlots())
	assert.Equal(t, []int{batchSize, fanOut + 1}, userHop.Shape.Dimensions)

	ds := strategy.NewDataset("test").Epochs(1)
	var batches int
	var seen int
	for {
		spec, inputs, yieldedLabels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Same(t, strategy, spec)

		states, remaining := MapInputsToStates(strategy, inputs)
		assert.Empty(t, remaining)

		seedUsers := states["seedUsers"]
		seedItems := states["seedItems"]
		hop := states["userHop"]
		degrees := states[NameForNodeDependentDegree("seedUsers", "userHop")]
		require.NotNil(t, degrees)
		assert.Equal(t, []int{batchSize}, seedUsers.Value.Shape().Dimensions)
		assert.Equal(t, []int{batchSize, fanOut + 1}, hop.Value.Shape().Dimensions)
		assert.Equal(t, []int{batchSize, 1}, degrees.Value.Shape().Dimensions)

		require.Len(t, yieldedLabels, 2)
		assert.Equal(t, []int{batchSize, 1}, yieldedLabels[0].Shape().Dimensions)
		assert.Equal(t, []int{batchSize, 1}, yieldedLabels[1].Shape().Dimensions)

		seedData := tensors.MustCopyFlatData[int32](seedUsers.Value)
		seedMask := tensors.MustCopyFlatData[bool](seedUsers.Mask)
		itemMask := tensors.MustCopyFlatData[bool](seedItems.Mask)
		hopData := tensors.MustCopyFlatData[int32](hop.Value)
		hopMask := tensors.MustCopyFlatData[bool](hop.Mask)
		degreesData := tensors.MustCopyFlatData[int32](degrees.Value)
		labelValues := tensors.MustCopyFlatData[float32](yieldedLabels[0])
		labelsMask := tensors.MustCopyFlatData[bool](yieldedLabels[1])

		for row := 0; row < batchSize; row++ {
			if !seedMask[row] {
				// Padded rows are fully masked.
				assert.False(t, itemMask[row])
				assert.False(t, labelsMask[row])
				for slot := 0; slot < fanOut+1; slot++ {
					assert.False(t, hopMask[row*(fanOut+1)+slot])
				}
				continue
			}
			seen++
			assert.True(t, labelsMask[row])
			assert.GreaterOrEqual(t, labelValues[row], float32(1))

			// Self-loop slot is the source node itself.
			assert.True(t, hopMask[row*(fanOut+1)+fanOut])
			assert.Equal(t, seedData[row], hopData[row*(fanOut+1)+fanOut])

			// Fan-out bound: no duplicate sampled neighbors, and nodes with
			// degree <= fanOut have all their slots valid exactly up to the
			// degree.
			trueDegree := len(s.EdgeTypes["rated"].EdgeTargetsForSourceIdx(seedData[row]))
			assert.Equal(t, int32(trueDegree+1), degreesData[row])
			sampled := make(map[int32]bool)
			numSampled := 0
			for slot := 0; slot < fanOut; slot++ {
				if !hopMask[row*(fanOut+1)+slot] {
					continue
				}
				neighbor := hopData[row*(fanOut+1)+slot]
				assert.False(t, sampled[neighbor], "duplicate neighbor %d sampled", neighbor)
				sampled[neighbor] = true
				numSampled++
			}
			assert.Equal(t, min(trueDegree, fanOut), numSampled)
		}
		batches++
	}
	assert.Equal(t, 3, batches) // ceil(7/3)
	assert.Equal(t, 7, seen)    // Every labeled edge exactly once per epoch.

	// After exhaustion it keeps returning EOF, and Reset rearms it.
	_, _, _, err := ds.Yield()
	assert.Equal(t, io.EOF, err)
	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}

func TestNodesDatasetWithIsolatedNode(t *testing.T) {
	s, _, _ := testGraph(t)
	strategy := s.NewStrategy()
	seeds := strategy.Nodes("seeds", "nodes", 5)
	hop := seeds.FromEdges("hop", "rated", 3).WithSelfLoop()
	_ = hop

	ds := strategy.NewDataset("all").Epochs(1)
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	assert.Nil(t, labels)

	states, _ := MapInputsToStates(strategy, inputs)
	hopMask := tensors.MustCopyFlatData[bool](states["hop"].Mask)
	hopData := tensors.MustCopyFlatData[int32](states["hop"].Value)
	degreesData := tensors.MustCopyFlatData[int32](states[NameForNodeDependentDegree("seeds", "hop")].Value)

	// First batch is nodes 0..4 in order; node 2 is isolated: only the
	// self-loop slot is valid and its degree is 1.
	const numSlots = 4
	row := 2
	for slot := 0; slot < numSlots-1; slot++ {
		assert.False(t, hopMask[row*numSlots+slot])
	}
	assert.True(t, hopMask[row*numSlots+numSlots-1])
	assert.Equal(t, int32(2), hopData[row*numSlots+numSlots-1])
	assert.Equal(t, int32(1), degreesData[row])
}

func TestStrategyValidation(t *testing.T) {
	s, labeledPairs, labels := testGraph(t)
	strategy := s.NewStrategy()
	users, _ := strategy.LabeledEdges("u", "m", "nodes", 2, labeledPairs, labels)

	// Mixing seed kinds is not allowed.
	assert.Panics(t, func() { strategy.Nodes("other", "nodes", 2) })
	// Unknown edge type.
	assert.Panics(t, func() { users.FromEdges("bad", "unknown", 2) })
	// Self-loop must come before dependents.
	hop := users.FromEdges("hop", "rated", 2)
	_ = hop.FromEdges("hop2", "rated", 2)
	assert.Panics(t, func() { hop.WithSelfLoop() })

	// Frozen after dataset creation.
	_ = strategy.NewDataset("ds")
	assert.Panics(t, func() { users.FromEdges("late", "rated", 2) })
}

func TestRandKOfN(t *testing.T) {
	for _, n := range []int{5, 100} {
		values := make([]int32, 4)
		for range 10 {
			randKOfN(values, n)
			seen := make(map[int32]bool)
			for _, v := range values {
				assert.GreaterOrEqual(t, v, int32(0))
				assert.Less(t, v, int32(n))
				assert.False(t, seen[v])
				seen[v] = true
			}
		}
	}
}
