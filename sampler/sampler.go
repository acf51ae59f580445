// Package sampler implements a fixed-shape neighbor sampler for GNN minibatch
// training on a large graph.
//
// It is used in 3 phases:
//
// (1) Specify the full graph: node types and edge types. Edge types are stored
// CSR-style (sorted by source node), so sampling neighbors of a node is O(1):
//
//	s := sampler.New()
//	s.AddNodeType("nodes", movielens.NumNodes)
//	s.AddEdgeType("rated", "nodes", "nodes", edgePairs, /*reverse=*/ false)
//
// (2) Create a sampling strategy: a tree of rules rooted on the seed rules.
// For link regression the seeds come in pairs taken from a labeled edge list
// (see Strategy.LabeledEdges), and each rule can sample up to a fixed number
// of neighbors per node (Rule.FromEdges), optionally reserving a slot for the
// node itself (Rule.WithSelfLoop).
//
// (3) Create datasets from the strategy (Strategy.NewDataset) and feed them to
// a train.Loop. All yielded tensors have fixed shapes (required by XLA):
// sampling that comes up short is padded, and every value tensor is paired
// with a boolean mask.
package sampler

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	humanize "github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// PaddingIndex is used for all sampling not fulfilled.
// Notice 0 is also a valid node index, one should always use the
// accompanying mask to check whether a value is padding or not.
const PaddingIndex = 0

// Sampler holds the graph to be sampled: node types and edge types.
//
// All the information kept by Sampler is available for reading, but avoid
// changing it directly, and instead use the provided methods.
type Sampler struct {
	EdgeTypes        map[string]*EdgeType
	NodeTypesToCount map[string]int32
	Frozen           bool // When true, it can no longer be changed.
}

// EdgeType information used by the Sampler.
type EdgeType struct {
	// SourceNodeType, TargetNodeType of the edges.
	Name, SourceNodeType, TargetNodeType string
	numTargetNodes                       int

	// Starts has one entry for each source node (shifted by 1): it points to the
	// start of the list of target nodes (edges) that this source node is connected.
	//
	// So for source node `i`, the list of edges start at `Starts[i-1]` and ends at
	// `Starts[i]`, except if `i == 0` in which case the start is at 0.
	//
	// The number of sources is given by `len(Starts)`.
	Starts []int32

	// EdgeTargets is the list of target nodes ordered by source nodes.
	// The source node for each edge is given by `Starts` above.
	EdgeTargets []int32
}

// NumSourceNodes for the source node type, even those not used by any edge.
func (et *EdgeType) NumSourceNodes() int { return len(et.Starts) }

// NumTargetNodes for the target node type, even those not used by any edge.
func (et *EdgeType) NumTargetNodes() int { return et.numTargetNodes }

// NumEdges for this type.
func (et *EdgeType) NumEdges() int { return len(et.EdgeTargets) }

// EdgeTargetsForSourceIdx returns a slice with the target nodes for the given
// source node. Don't modify the returned slice, it's in use by the Sampler.
func (et *EdgeType) EdgeTargetsForSourceIdx(srcIdx int32) []int32 {
	if srcIdx < 0 || int(srcIdx) >= len(et.Starts) {
		Panicf("invalid source node (%q) index %d for edge type %q (only %d source nodes)",
			et.SourceNodeType, srcIdx, et.Name, len(et.Starts))
	}
	var start int32
	if srcIdx > 0 {
		start = et.Starts[srcIdx-1]
	}
	end := et.Starts[srcIdx]
	return et.EdgeTargets[start:end]
}

// New creates a new empty Sampler.
//
// After creating it, use AddNodeType and AddEdgeType to define where to
// sample from.
func New() *Sampler {
	return &Sampler{
		EdgeTypes:        make(map[string]*EdgeType),
		NodeTypesToCount: make(map[string]int32),
	}
}

// AddNodeType adds the node type with the given name and count to the collection
// of known nodes. This assumes a dense representation of the node type: all
// indices from `0` to `count-1` are valid.
func (s *Sampler) AddNodeType(name string, count int) {
	if s.Frozen {
		Panicf("Sampler is frozen, that is, a strategy was already created with NewStrategy() and hence can no longer be modified")
	}
	if count > math.MaxInt32 {
		Panicf("Sampler uses int32, but node type %q count of %d given is bigger than the max possible", name, count)
	} else if count <= 0 {
		Panicf("count of %d for node type %q invalid, it must be > 0", count, name)
	}
	s.NodeTypesToCount[name] = int32(count)
}

// AddEdgeType adds the edge type to the list of known edges.
// It takes the node type names (must have been added with AddNodeType), and
// the `edges` given as pairs (source node, target node).
//
// If `reverse` is true, it reverts the direction of the sampling. Note that
// `sourceNodeType` and `targetNodeType` are given before reversing the
// direction of the edges.
//
// The `edges` tensor must be shaped `(Int32)[N, 2]`. Its contents are sorted
// in place by the source node (or target if reversed), but the edges
// themselves are not lost.
func (s *Sampler) AddEdgeType(name, sourceNodeType, targetNodeType string, edges *tensors.Tensor, reverse bool) {
	if s.Frozen {
		Panicf("Sampler is frozen, that is, a strategy was already created with NewStrategy() and hence can no longer be modified")
	}
	if edges.Rank() != 2 || edges.DType() != dtypes.Int32 ||
		edges.Shape().Dimensions[1] != 2 || edges.Shape().Dimensions[0] == 0 {
		Panicf("invalid edges shape %s for AddEdgeType(): it must be shaped like (Int32)[N, 2]", edges.Shape())
	}
	countSource := s.NodeTypesToCount[sourceNodeType]
	countTarget := s.NodeTypesToCount[targetNodeType]
	columnSrc, columnTgt := 0, 1
	if reverse {
		columnSrc, columnTgt = 1, 0
		countSource, countTarget = countTarget, countSource
		sourceNodeType, targetNodeType = targetNodeType, sourceNodeType
	}

	tensors.MustMutableFlatData[int32](edges, func(edgesData []int32) {
		// Sort edges according to the source column.
		pairs := pairsToSort{
			data:       edgesData,
			sortColumn: columnSrc,
		}
		sort.Sort(&pairs)

		numEdges := int32(edges.Shape().Dimensions[0])
		et := &EdgeType{
			Name:           name,
			SourceNodeType: sourceNodeType,
			TargetNodeType: targetNodeType,
			numTargetNodes: int(countTarget),
			Starts:         make([]int32, countSource),
			EdgeTargets:    make([]int32, numEdges),
		}
		currentSourceIdx := int32(0)
		for row := 0; row < int(numEdges); row++ {
			sourceIdx, targetIdx := edgesData[row<<1+columnSrc], edgesData[row<<1+columnTgt]
			if sourceIdx < 0 || sourceIdx >= countSource {
				Panicf("edge type %q has an edge whose source (node type %q) is %d, but node type %q only has %d elements registered (with AddNodeType())",
					name, sourceNodeType, sourceIdx, sourceNodeType, countSource)
			}
			if targetIdx < 0 || targetIdx >= countTarget {
				Panicf("edge type %q has an edge whose target (node type %q) is %d, but node type %q only has %d elements registered (with AddNodeType())",
					name, targetNodeType, targetIdx, targetNodeType, countTarget)
			}
			et.EdgeTargets[row] = targetIdx
			for currentSourceIdx < sourceIdx {
				et.Starts[currentSourceIdx] = int32(row)
				currentSourceIdx++
			}
		}
		for ; currentSourceIdx < countSource; currentSourceIdx++ {
			et.Starts[currentSourceIdx] = numEdges
		}
		s.EdgeTypes[name] = et
	})
}

type pairsToSort struct {
	data       []int32
	sortColumn int
}

func (p *pairsToSort) Len() int { return len(p.data) / 2 }
func (p *pairsToSort) Less(i, j int) bool {
	return p.data[i<<1+p.sortColumn] < p.data[j<<1+p.sortColumn]
}
func (p *pairsToSort) Swap(i, j int) {
	for column := 0; column < 2; column++ {
		p.data[i<<1+column], p.data[j<<1+column] = p.data[j<<1+column], p.data[i<<1+column]
	}
}

// NewStrategy yields a new Strategy object, based on the graph data definitions
// of the Sampler object.
//
// Once a strategy is created, the Sampler can no longer be changed -- but
// multiple strategies can be created based on the same Sampler.
func (s *Sampler) NewStrategy() *Strategy {
	s.Frozen = true
	return &Strategy{
		Sampler:     s,
		Rules:       make(map[string]*Rule),
		KeepDegrees: true,
	}
}

// String returns a multi-line informative description of the Sampler data.
func (s *Sampler) String() string {
	parts := make([]string, 0, 1+len(s.NodeTypesToCount)+len(s.EdgeTypes))
	var frozenDesc string
	if s.Frozen {
		frozenDesc = ", Frozen"
	}
	parts = append(parts, fmt.Sprintf("Sampler: %d node types, %d edge types%s",
		len(s.NodeTypesToCount), len(s.EdgeTypes), frozenDesc))
	for name, count := range s.NodeTypesToCount {
		parts = append(parts, fmt.Sprintf(
			"\tNodeType %q: %s items", name, humanize.Comma(int64(count))))
	}
	for name, edge := range s.EdgeTypes {
		parts = append(parts, fmt.Sprintf(
			"\tEdgeType %q: [%q]->[%q], %s edges",
			name, edge.SourceNodeType, edge.TargetNodeType, humanize.Comma(int64(edge.NumEdges()))))
	}
	return strings.Join(parts, "\n")
}

func initGob() {
	gob.Register(&EdgeType{})
	gob.Register(&Sampler{})
}

// Save Sampler: it includes the edges indices, so it can be reloaded ready to go.
func (s *Sampler) Save(filePath string) (err error) {
	initGob()
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save Sampler", filePath)
	}
	enc := gob.NewEncoder(f)
	err = enc.Encode(s)
	if err != nil {
		return errors.WithMessagef(err, "encoding Sampler to save to %q", filePath)
	}
	err = f.Close()
	if err != nil {
		return errors.Wrapf(err, "closing file %q, where Sampler was saved", filePath)
	}
	return nil
}

// Load a previously saved Sampler.
// If filePath doesn't exist, it returns an error that can be checked with [os.IsNotExist].
func Load(filePath string) (s *Sampler, err error) {
	initGob()
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		err = errors.Wrapf(err, "trying to load Sampler from %q", filePath)
		return
	}
	dec := gob.NewDecoder(f)
	s = &Sampler{}
	err = dec.Decode(s)
	if err != nil {
		s = nil
		err = errors.Wrapf(err, "trying to decode Sampler from %q", filePath)
		return
	}
	// Unexported fields don't survive gob, recompute them.
	for _, et := range s.EdgeTypes {
		et.numTargetNodes = int(s.NodeTypesToCount[et.TargetNodeType])
	}
	_ = f.Close()
	return
}

// NameForNodeDependentDegree returns the name of the input field that contains
// the degrees of the given rule's nodes, with respect to the dependent rule.
func NameForNodeDependentDegree(ruleName, dependentName string) string {
	return fmt.Sprintf("[%s->%s].degree", ruleName, dependentName)
}
