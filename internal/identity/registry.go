// Package identity resolves a stream of face embeddings into stable visitor identities.
//
// Resolution is online and one-pass: every embedding is either matched to the
// identity holding its most similar prototype, or it founds a new identity.
// Matched embeddings are kept as extra prototypes so an identity accumulates
// pose and lighting variation over time.
package identity

import (
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/footfall/internal/utils"
)

// ErrInvalidEmbedding is returned for embeddings that cannot be compared (empty or zero norm).
var ErrInvalidEmbedding = errors.New("invalid embedding")

// IndexKind selects how the registry narrows down identities before exact scoring.
type IndexKind string

const (
	// IndexExact scores every identity. Results are exact.
	IndexExact IndexKind = "exact"
	// IndexHNSW scores only the owners of the nearest prototypes found by an HNSW graph.
	IndexHNSW IndexKind = "hnsw"
)

// Options tunes a Registry.
type Options struct {
	// MaxPrototypes caps prototypes per identity; the oldest is evicted first. 0 means unbounded.
	MaxPrototypes int
	// Index picks the candidate strategy. Empty means IndexExact.
	Index IndexKind
	// IndexCandidates is how many nearest prototypes the HNSW index returns per query.
	IndexCandidates int
}

// Match is the outcome of resolving one embedding.
type Match struct {
	ID         ID
	IsNew      bool
	Similarity float64 // best similarity for a matched identity, 1 for a new one
}

// Identity is a snapshot of one visitor identity.
type Identity struct {
	ID         ID
	Prototypes [][]float64
	Sightings  int
}

type prototype struct {
	key int64
	vec []float64
}

type entry struct {
	id         ID
	prototypes []prototype
	sightings  int
}

type candidateIndex interface {
	add(key int64, owner ID, vec []float64)
	remove(key int64)
	candidates(vec []float64) []ID
}

// Registry maps visitor identities to their prototype embeddings.
// All methods are safe for concurrent use; Resolve is atomic.
type Registry struct {
	mu      sync.Mutex
	alloc   *Allocator
	opts    Options
	dim     int
	byID    map[ID]*entry
	order   []*entry // creation order, used for deterministic tie-breaks
	nextKey int64
	index   candidateIndex
}

// NewRegistry creates an empty registry that allocates identifiers from alloc.
func NewRegistry(alloc *Allocator, opts Options) (*Registry, error) {
	if opts.MaxPrototypes < 0 {
		return nil, fmt.Errorf("max prototypes must be >= 0, got %d", opts.MaxPrototypes)
	}
	r := &Registry{
		alloc: alloc,
		opts:  opts,
		byID:  make(map[ID]*entry),
	}

	switch opts.Index {
	case "", IndexExact:
	case IndexHNSW:
		r.index = newHNSWIndex(opts.IndexCandidates)
	default:
		return nil, fmt.Errorf("unknown index kind %q", opts.Index)
	}
	return r, nil
}

// Resolve maps an embedding to an identity. The embedding is normalized to unit length first.
//
// Every identity is scored by the maximum similarity over its prototypes; the identity with
// the highest score strictly above threshold wins. With no winner a new identity is created.
// A rejected embedding leaves the registry untouched.
func (r *Registry) Resolve(embedding []float64, threshold float64) (Match, error) {
	if len(embedding) == 0 {
		return Match{}, fmt.Errorf("%w: empty vector", ErrInvalidEmbedding)
	}
	vec, err := utils.Normalize(embedding)
	if err != nil {
		return Match{}, fmt.Errorf("%w: %v", ErrInvalidEmbedding, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dim != 0 && len(vec) != r.dim {
		return Match{}, fmt.Errorf("%w: registry holds %d-d embeddings, got %d", utils.ErrDimensionMismatch, r.dim, len(vec))
	}

	best, bestSim, err := r.bestMatch(vec, threshold)
	if err != nil {
		return Match{}, err
	}

	if best == nil {
		e := &entry{id: r.alloc.Next(), sightings: 1}
		r.byID[e.id] = e
		r.order = append(r.order, e)
		r.addPrototype(e, vec)
		r.dim = len(vec)
		return Match{ID: e.id, IsNew: true, Similarity: 1}, nil
	}

	best.sightings++
	r.addPrototype(best, vec)
	return Match{ID: best.id, Similarity: bestSim}, nil
}

func (r *Registry) bestMatch(vec []float64, threshold float64) (*entry, float64, error) {
	if r.index == nil {
		return r.bestOf(r.order, vec, threshold)
	}

	ids := r.index.candidates(vec)
	pool := make([]*entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.byID[id]; ok {
			pool = append(pool, e)
		}
	}
	best, sim, err := r.bestOf(pool, vec, threshold)
	if err != nil || best != nil {
		return best, sim, err
	}
	// The graph search is approximate. A new identity is only founded once every identity
	// has been scored.
	return r.bestOf(r.order, vec, threshold)
}

func (r *Registry) bestOf(pool []*entry, vec []float64, threshold float64) (*entry, float64, error) {
	var best *entry
	bestSim := threshold
	for _, e := range pool {
		sim, err := maxSimilarity(vec, e.prototypes)
		if err != nil {
			return nil, 0, err
		}
		if sim > bestSim || (sim == bestSim && best != nil && r.createdBefore(e, best)) {
			best, bestSim = e, sim
		}
	}
	return best, bestSim, nil
}

// createdBefore only matters for exact ties coming out of the unordered HNSW candidate list.
func (r *Registry) createdBefore(a, b *entry) bool {
	for _, e := range r.order {
		if e == a {
			return true
		}
		if e == b {
			return false
		}
	}
	return false
}

func maxSimilarity(vec []float64, protos []prototype) (float64, error) {
	best := -1.0
	for _, p := range protos {
		sim, err := utils.CosineSimilarity(vec, p.vec)
		if err != nil {
			return 0, err
		}
		if sim > best {
			best = sim
		}
	}
	return best, nil
}

func (r *Registry) addPrototype(e *entry, vec []float64) {
	r.nextKey++
	p := prototype{key: r.nextKey, vec: vec}
	e.prototypes = append(e.prototypes, p)
	if r.index != nil {
		r.index.add(p.key, e.id, vec)
	}

	if limit := r.opts.MaxPrototypes; limit > 0 && len(e.prototypes) > limit {
		evicted := e.prototypes[:len(e.prototypes)-limit]
		if r.index != nil {
			for _, old := range evicted {
				r.index.remove(old.key)
			}
		}
		e.prototypes = append([]prototype(nil), e.prototypes[len(evicted):]...)
	}
}

// Len returns the number of identities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Prototypes returns a copy of an identity's prototypes, oldest first.
func (r *Registry) Prototypes(id ID) ([][]float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return copyPrototypes(e.prototypes), true
}

// Snapshot returns a deep copy of every identity in creation order.
func (r *Registry) Snapshot() []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Identity, 0, len(r.order))
	for _, e := range r.order {
		out = append(out, Identity{ID: e.id, Prototypes: copyPrototypes(e.prototypes), Sightings: e.sightings})
	}
	return out
}

// Restore seeds the registry with previously persisted identities.
// It must be called before the first Resolve. The allocator is advanced past every restored ID.
// Input is validated as a whole; on error the registry and allocator are left untouched.
func (r *Registry) Restore(identities []Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) > 0 {
		return errors.New("restore into a non-empty registry")
	}

	dim := r.dim
	seen := make(map[ID]bool, len(identities))
	normalized := make([][][]float64, len(identities))
	for i, ident := range identities {
		if len(ident.Prototypes) == 0 {
			return fmt.Errorf("identity %s has no prototypes", ident.ID)
		}
		if seen[ident.ID] {
			return fmt.Errorf("duplicate identity %s", ident.ID)
		}
		seen[ident.ID] = true
		for _, p := range ident.Prototypes {
			vec, err := utils.Normalize(p)
			if err != nil {
				return fmt.Errorf("identity %s: %w: %v", ident.ID, ErrInvalidEmbedding, err)
			}
			if dim == 0 {
				dim = len(vec)
			}
			if len(vec) != dim {
				return fmt.Errorf("identity %s: %w", ident.ID, utils.ErrDimensionMismatch)
			}
			normalized[i] = append(normalized[i], vec)
		}
	}

	r.dim = dim
	for i, ident := range identities {
		e := &entry{id: ident.ID, sightings: ident.Sightings}
		for _, vec := range normalized[i] {
			r.addPrototype(e, vec)
		}
		r.byID[e.id] = e
		r.order = append(r.order, e)
		r.alloc.Observe(e.id)
	}
	return nil
}

func copyPrototypes(protos []prototype) [][]float64 {
	out := make([][]float64, len(protos))
	for i, p := range protos {
		out[i] = append([]float64(nil), p.vec...)
	}
	return out
}
