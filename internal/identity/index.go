package identity

import (
	"github.com/andresmejia3/footfall/internal/utils"
	"github.com/coder/hnsw"
)

const (
	// defaultIndexCandidates is used when Options.IndexCandidates is unset.
	defaultIndexCandidates = 32
	hnswMaxNeighbors       = 16
	hnswMinEfSearch        = 20
)

type indexedVec struct {
	owner ID
	vec   []float32
}

// hnswIndex narrows resolution to identities owning one of the nearest prototypes.
// Evicted prototypes are deleted from the graph, so it holds exactly the live prototypes.
type hnswIndex struct {
	graph *hnsw.Graph[int64]
	live  map[int64]indexedVec
	k     int
}

func newHNSWIndex(k int) *hnswIndex {
	if k <= 0 {
		k = defaultIndexCandidates
	}
	return &hnswIndex{
		graph: newGraph(k),
		live:  make(map[int64]indexedVec),
		k:     k,
	}
}

func newGraph(k int) *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors)
	g.Distance = hnsw.CosineDistance
	g.EfSearch = max(k, hnswMinEfSearch)
	return g
}

func (x *hnswIndex) add(key int64, owner ID, vec []float64) {
	v := utils.Float32s(vec)
	x.graph.Add(hnsw.MakeNode(key, v))
	x.live[key] = indexedVec{owner: owner, vec: v}
}

func (x *hnswIndex) remove(key int64) {
	if _, ok := x.live[key]; !ok {
		return
	}
	delete(x.live, key)
	if len(x.live) == 0 {
		x.graph = newGraph(x.k)
		return
	}
	x.graph.Delete(key)

	// Delete never shrinks the graph's layer stack. Once every node of the top layer is
	// gone a search would start from a nil entry point, so the graph is rebuilt instead.
	if !x.searchable() {
		x.rebuild()
	}
}

// searchable reports whether a search can descend the graph from its top layer.
func (x *hnswIndex) searchable() (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	for _, n := range x.live {
		x.graph.Search(n.vec, 1)
		break
	}
	return true
}

func (x *hnswIndex) rebuild() {
	g := newGraph(x.k)
	for key, n := range x.live {
		g.Add(hnsw.MakeNode(key, n.vec))
	}
	x.graph = g
}

func (x *hnswIndex) candidates(vec []float64) []ID {
	if len(x.live) == 0 {
		return nil
	}

	neighbors := x.graph.Search(utils.Float32s(vec), x.k)

	seen := make(map[ID]bool, len(neighbors))
	ids := make([]ID, 0, len(neighbors))
	for _, n := range neighbors {
		v, ok := x.live[n.Key]
		if !ok || seen[v.owner] {
			continue
		}
		seen[v.owner] = true
		ids = append(ids, v.owner)
	}
	return ids
}
