package sampler

import (
	"io"
	"math/rand/v2"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// Dataset is created from a configured [Strategy] (see [Strategy.NewDataset]).
// Before its first [Dataset.Yield] it can be configured to shuffle, to run a
// number of epochs or to loop indefinitely. The batch size is not configured
// here, it is part of the strategy's seed rules.
//
// The Dataset is re-entrant, so it can be wrapped with [datasets.Parallel].
//
// For edge-seeded strategies (see [Strategy.LabeledEdges]) Yield returns
// labels = [labelValues, mask]; otherwise labels is nil.
type Dataset struct {
	name                     string
	sampler                  *Sampler
	strategy                 *Strategy
	numEpochs                int
	shuffle, withReplacement bool

	muSample                sync.Mutex
	currentEpoch            int
	frozen                  bool
	startOfEpoch, exhausted bool

	// Positions into the seed candidates (or their shuffles). Edge-seeded
	// strategies use a single shared position, at index 0.
	seedsPosition []int32

	// seedsShuffle holds the per-seed-rule shuffles, reshuffled at the start
	// of every epoch. For edge-seeded strategies only entry 0 is used, and it
	// holds a shuffle of the labeled-edge indices.
	seedsShuffle [][]int32
}

// NewDataset creates a new [Dataset] from the configured [Strategy].
// One can create multiple datasets from the same [Strategy], but once a
// [Dataset] is created, the [Strategy] is frozen and can no longer be modified.
func (strategy *Strategy) NewDataset(name string) *Dataset {
	if len(strategy.Seeds) == 0 {
		Panicf("cannot create a Dataset from a strategy with no seeds defined -- see Strategy.Nodes and Strategy.LabeledEdges")
	}
	strategy.frozen = true
	return &Dataset{
		name:          name,
		sampler:       strategy.Sampler,
		strategy:      strategy,
		numEpochs:     1,
		startOfEpoch:  true,
		seedsPosition: make([]int32, len(strategy.Seeds)),
	}
}

// Epochs configures the dataset to yield those many epochs. Default is 1.
// It returns itself to allow cascading configuration calls.
func (ds *Dataset) Epochs(n int) *Dataset {
	if ds.frozen {
		Panicf("cannot change a Dataset that has already started yielding results")
	}
	if ds.withReplacement {
		Panicf("cannot configure Epochs for a dataset configured WithReplacement()")
	}
	if n <= 0 {
		Panicf("for Dataset.Epochs(n), n > 0, but got n=%d instead", n)
	}
	ds.numEpochs = n
	return ds
}

// Infinite configures the dataset to yield looping over epochs indefinitely.
// Default is 1 epoch.
func (ds *Dataset) Infinite() *Dataset {
	if ds.frozen {
		Panicf("cannot change a Dataset that has already started yielding results")
	}
	ds.numEpochs = -1
	return ds
}

// WithReplacement configures the dataset to sample seeds with replacement.
// This automatically implies Shuffle and Infinite.
func (ds *Dataset) WithReplacement() *Dataset {
	if ds.frozen {
		Panicf("cannot change a Dataset that has already started yielding results")
	}
	ds.withReplacement = true
	return ds.Infinite().Shuffle()
}

// Shuffle configures the dataset to shuffle the seed candidates before
// sampling. It is reshuffled at every new epoch, resulting in random samples
// without replacement.
func (ds *Dataset) Shuffle() *Dataset {
	if ds.frozen {
		Panicf("cannot change a Dataset that has already started yielding results")
	}
	ds.shuffle = true
	return ds
}

var _ train.Dataset = &Dataset{}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the Dataset after it has been
// exhausted.
func (ds *Dataset) Reset() {
	ds.muSample.Lock()
	defer ds.muSample.Unlock()
	ds.frozen = true
	ds.startOfEpoch = true
	ds.exhausted = false
	ds.currentEpoch = 0
}

// Yield implements train.Dataset.
//
// The returned spec is the *Strategy, from which the flat inputs can be
// mapped back to named tensors with [MapInputsToStates].
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.muSample.Lock()
	var unlocked bool
	defer func() {
		if !unlocked {
			ds.muSample.Unlock()
		}
	}()

	spec = ds.strategy
	if ds.exhausted {
		err = io.EOF
		return
	}

	numInputs := 2 * len(ds.strategy.Rules)
	if ds.strategy.KeepDegrees {
		// Plus one degree tensor per edge rule.
		numInputs += len(ds.strategy.Rules) - len(ds.strategy.Seeds)
	}
	inputs = make([]*tensors.Tensor, 0, numInputs)
	ds.frozen = true
	if ds.startOfEpoch {
		ds.startEpoch()
	}

	// Sampling seeds requires the lock.
	numSeeds := len(ds.strategy.Seeds)
	seedsTensors := make([]*tensors.Tensor, 0, 2*numSeeds)
	if ds.strategy.IsEdgeSeeded() {
		seedsTensors, labels = ds.samplePairSeeds()
	} else {
		for ii, seedsRule := range ds.strategy.Seeds {
			seeds, mask := ds.sampleSeeds(ii, seedsRule)
			seedsTensors = append(seedsTensors, seeds, mask)
		}
	}

	// Sampling edges doesn't require the lock.
	ds.muSample.Unlock()
	unlocked = true
	for seedIdx, seedsRule := range ds.strategy.Seeds {
		seeds, mask := seedsTensors[2*seedIdx], seedsTensors[2*seedIdx+1]
		inputs = append(inputs, seeds, mask)
		inputs = recursivelySampleEdges(seedsRule, seeds, mask, inputs)
	}
	return
}

// samplePairSeeds samples a batch of labeled edges, filling both seed rules
// and the labels. ds.muSample must be held.
func (ds *Dataset) samplePairSeeds() (seedsTensors, labels []*tensors.Tensor) {
	strategy := ds.strategy
	batchSize := strategy.Seeds[0].Count
	numPairs := strategy.numSeedPairs

	// Pick the edge indices for this batch.
	edgeIndices := make([]int32, 0, batchSize)
	if ds.withReplacement {
		for range batchSize {
			edgeIndices = append(edgeIndices, int32(rand.IntN(numPairs)))
		}
	} else {
		pos := ds.seedsPosition[0]
		numToSample := int32(min(numPairs-int(pos), batchSize))
		ds.seedsPosition[0] += numToSample
		if int(ds.seedsPosition[0]) >= numPairs {
			ds.epochFinished()
		}
		if ds.shuffle {
			edgeIndices = append(edgeIndices, ds.seedsShuffle[0][pos:pos+numToSample]...)
		} else {
			for ii := range numToSample {
				edgeIndices = append(edgeIndices, pos+ii)
			}
		}
	}

	srcSeeds := tensors.FromScalarAndDimensions(int32(PaddingIndex), batchSize)
	dstSeeds := tensors.FromScalarAndDimensions(int32(PaddingIndex), batchSize)
	srcMask := tensors.FromScalarAndDimensions(false, batchSize)
	dstMask := tensors.FromScalarAndDimensions(false, batchSize)
	labelValues := tensors.FromScalarAndDimensions(float32(0), batchSize, 1)
	labelsMask := tensors.FromScalarAndDimensions(false, batchSize, 1)

	tensors.MustConstFlatData[int32](strategy.seedPairs, func(pairsData []int32) {
		tensors.MustConstFlatData[float32](strategy.seedLabels, func(labelsData []float32) {
			tensors.MustMutableFlatData[int32](srcSeeds, func(srcData []int32) {
				tensors.MustMutableFlatData[int32](dstSeeds, func(dstData []int32) {
					for ii, edgeIdx := range edgeIndices {
						srcData[ii] = pairsData[2*edgeIdx]
						dstData[ii] = pairsData[2*edgeIdx+1]
					}
					tensors.MustMutableFlatData[float32](labelValues, func(values []float32) {
						for ii, edgeIdx := range edgeIndices {
							values[ii] = labelsData[edgeIdx]
						}
					})
				})
			})
		})
	})
	for _, mask := range []*tensors.Tensor{srcMask, dstMask, labelsMask} {
		tensors.MustMutableFlatData[bool](mask, func(maskData []bool) {
			for ii := range edgeIndices {
				maskData[ii] = true
			}
		})
	}
	seedsTensors = []*tensors.Tensor{srcSeeds, srcMask, dstSeeds, dstMask}
	labels = []*tensors.Tensor{labelValues, labelsMask}
	return
}

// sampleSeeds returns the sampled seeds and their mask for one Nodes (or
// NodesFromSet) seed rule. ds.muSample must be held.
func (ds *Dataset) sampleSeeds(seedIdx int, rule *Rule) (seeds, mask *tensors.Tensor) {
	seeds = tensors.FromScalarAndDimensions(int32(PaddingIndex), rule.Count)
	mask = tensors.FromScalarAndDimensions(false, rule.Count)

	tensors.MustMutableFlatData[int32](seeds, func(seedsData []int32) {
		tensors.MustMutableFlatData[bool](mask, func(maskData []bool) {
			if ds.withReplacement {
				for ii := range rule.Count {
					maskData[ii] = true
				}
				if len(rule.NodeSet) > 0 {
					for ii := range rule.Count {
						seedsData[ii] = rule.NodeSet[rand.IntN(len(rule.NodeSet))]
					}
				} else {
					for ii := range rule.Count {
						seedsData[ii] = int32(rand.IntN(int(rule.NumNodes)))
					}
				}
				return
			}

			if ds.shuffle {
				// Sample from the shuffle of the candidate seed nodes.
				shuffle := ds.seedsShuffle[seedIdx]
				pos := ds.seedsPosition[seedIdx]
				numToSample := int32(min(len(shuffle)-int(pos), rule.Count))
				ds.seedsPosition[seedIdx] += numToSample
				if int(ds.seedsPosition[seedIdx]) >= len(shuffle) {
					ds.epochFinished()
				}
				copy(seedsData, shuffle[pos:pos+numToSample])
				for ii := range numToSample {
					maskData[ii] = true
				}
				return
			}

			// Sample without changing the original order.
			pos := ds.seedsPosition[seedIdx]
			var numToSample int32
			if len(rule.NodeSet) > 0 {
				numToSample = int32(min(len(rule.NodeSet)-int(pos), rule.Count))
				ds.seedsPosition[seedIdx] += numToSample
				if int(ds.seedsPosition[seedIdx]) >= len(rule.NodeSet) {
					ds.epochFinished()
				}
				for ii := range numToSample {
					seedsData[ii] = rule.NodeSet[pos+ii]
					maskData[ii] = true
				}
			} else {
				numToSample = min(rule.NumNodes-pos, int32(rule.Count))
				ds.seedsPosition[seedIdx] += numToSample
				if ds.seedsPosition[seedIdx] >= rule.NumNodes {
					ds.epochFinished()
				}
				for ii := range numToSample {
					seedsData[ii] = pos + ii
					maskData[ii] = true
				}
			}
		})
	})
	return
}

// recursivelySampleEdges in the dependency tree of rules, appending the
// sampled tensors in the order [MapInputsToStates] expects.
func recursivelySampleEdges(rule *Rule, nodes, mask *tensors.Tensor, store []*tensors.Tensor) []*tensors.Tensor {
	for _, subRule := range rule.Dependents {
		subNodes, subMask, degrees := sampleEdges(subRule, nodes, mask)
		store = append(store, subNodes, subMask)
		if degrees != nil {
			store = append(store, degrees)
		}
		store = recursivelySampleEdges(subRule, subNodes, subMask, store)
	}
	return store
}

// accessTensorsData is a short-cut to calling ConstFlatData or MutableFlatData
// on several tensors at once: accessFn is called with the flat data of all
// tensors, in order. The mutableList values select between the const and the
// mutable access for each tensor.
func accessTensorsData(tensorsList []*tensors.Tensor, mutableList []bool, accessFn func(flatData []any)) {
	if len(tensorsList) != len(mutableList) {
		Panicf("accessTensorsData got %d tensors and %d mutable flags, they must match",
			len(tensorsList), len(mutableList))
	}
	tensorsIdx := 0
	var allFlat []any
	var recursion func(flat any)
	recursion = func(flat any) {
		if flat != nil {
			allFlat = append(allFlat, flat)
			tensorsIdx++
		}
		if tensorsIdx == len(tensorsList) {
			accessFn(allFlat)
			return
		}
		t := tensorsList[tensorsIdx]
		if mutableList[tensorsIdx] {
			t.MustMutableFlatData(recursion)
		} else {
			t.MustConstFlatData(recursion)
		}
	}
	recursion(nil)
}

// sampleEdges samples neighbors for one edge rule, given the already sampled
// source nodes. If the rule has a self-loop, the last slot of each valid
// source is the source node itself, and it counts towards the degree.
func sampleEdges(rule *Rule, srcNodes, srcMask *tensors.Tensor) (nodes, mask, degrees *tensors.Tensor) {
	nodes = tensors.FromScalarAndDimensions(int32(PaddingIndex), rule.Shape.Dimensions...)
	mask = tensors.FromScalarAndDimensions(false, rule.Shape.Dimensions...)

	tensorsList := []*tensors.Tensor{srcNodes, srcMask, nodes, mask}
	mutableList := []bool{false, false, true, true}

	if rule.Strategy.KeepDegrees {
		degreesDims := append(append([]int{}, srcNodes.Shape().Dimensions...), 1)
		degrees = tensors.FromScalarAndDimensions(int32(0), degreesDims...)
		tensorsList = append(tensorsList, degrees)
		mutableList = append(mutableList, true)
	}

	accessTensorsData(tensorsList, mutableList, func(flatData []any) {
		srcNodesData := flatData[0].([]int32)
		srcMaskData := flatData[1].([]bool)
		tgtNodesData := flatData[2].([]int32)
		tgtMaskData := flatData[3].([]bool)
		var degreesData []int32
		if rule.Strategy.KeepDegrees {
			degreesData = flatData[4].([]int32)
		}

		edgeDef := rule.EdgeType
		numSlots := rule.NumSlots()
		sampledEdges := make([]int32, rule.Count) // Reused over all source nodes.

		for fromIdx, fromValid := range srcMaskData {
			if !fromValid {
				continue
			}
			srcNode := srcNodesData[fromIdx]
			edges := edgeDef.EdgeTargetsForSourceIdx(srcNode)
			baseIdx := fromIdx * numSlots

			if rule.SelfLoop {
				tgtNodesData[baseIdx+rule.Count] = srcNode
				tgtMaskData[baseIdx+rule.Count] = true
			}
			if degreesData != nil {
				degree := int32(len(edges))
				if rule.SelfLoop {
					degree++
				}
				degreesData[fromIdx] = degree
			}
			if len(edges) == 0 {
				continue
			}

			if len(edges) <= rule.Count {
				// Take all edges, there are fewer than we want to sample.
				for ii, tgtNode := range edges {
					tgtNodesData[baseIdx+ii] = tgtNode
					tgtMaskData[baseIdx+ii] = true
				}
				continue
			}

			// Sample randomly without replacement from edges.
			randKOfN(sampledEdges, len(edges))
			for ii, edgeIdx := range sampledEdges {
				tgtNodesData[baseIdx+ii] = edges[edgeIdx]
				tgtMaskData[baseIdx+ii] = true
			}
		}
	})
	return
}

// randKOfN stores k random values without replacement out of `0..n-1` in
// `values`, with `k = len(values)`.
func randKOfN(values []int32, n int) {
	k := len(values)
	if k*k < n {
		randKOfNLinear(values, n)
	} else {
		randKOfNReservoir(values, n)
	}
}

// randKOfNLinear checks each new draw against the previous choices: O(k^2),
// but faster than hashing for the small k used as fan-out.
func randKOfNLinear(values []int32, n int) {
	for ii := range values {
		var x int32
	takeANumber:
		for {
			x = int32(rand.IntN(n))
			for jj := range ii {
				if values[jj] == x {
					continue takeANumber
				}
			}
			break
		}
		values[ii] = x
	}
}

func randKOfNReservoir(values []int32, n int) {
	k := len(values)
	for ii := range k {
		values[ii] = int32(ii)
	}
	for ii := k; ii < n; ii++ {
		pos := rand.IntN(ii + 1)
		if pos < k {
			values[pos] = int32(ii)
		}
	}
}

// startEpoch resets the position counters and reshuffles where required.
func (ds *Dataset) startEpoch() {
	ds.startOfEpoch = false
	if ds.withReplacement {
		return
	}

	for ii := range ds.seedsPosition {
		ds.seedsPosition[ii] = 0
	}
	if !ds.shuffle {
		return
	}

	strategy := ds.strategy
	if ds.seedsShuffle == nil {
		ds.seedsShuffle = make([][]int32, len(ds.seedsPosition))
		if strategy.IsEdgeSeeded() {
			ds.seedsShuffle[0] = xslices.Iota[int32](0, strategy.numSeedPairs)
		} else {
			for ii, rule := range strategy.Seeds {
				if rule.NodeSet != nil {
					ds.seedsShuffle[ii] = xslices.Copy(rule.NodeSet)
				} else {
					ds.seedsShuffle[ii] = xslices.Iota[int32](0, int(rule.NumNodes))
				}
			}
		}
	}

	for _, shuffle := range ds.seedsShuffle {
		shuffleLen := len(shuffle)
		for ii := range shuffle {
			jj := rand.IntN(shuffleLen)
			shuffle[ii], shuffle[jj] = shuffle[jj], shuffle[ii]
		}
	}
}

func (ds *Dataset) epochFinished() {
	ds.startOfEpoch = true
	ds.currentEpoch++
	if ds.numEpochs > 0 && ds.currentEpoch >= ds.numEpochs {
		ds.exhausted = true
	}
}
