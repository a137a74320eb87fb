package search

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/memtier/tvme/domain/embedding"
)

// ErrDimensionMismatch is returned when a vector's dimension does not
// match the index's configured dimension.
var ErrDimensionMismatch = errors.New("search: vector dimension mismatch")

// HNSWConfig tunes graph construction and search. Zero-valued fields
// are replaced with the documented defaults by NewHNSWIndex.
type HNSWConfig struct {
	M               int
	EfConstruction  int
	EfSearch        int
	LevelMultiplier float64
}

// DefaultHNSWConfig returns the defaults: M=24, EfConstruction=200,
// EfSearch=50.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:               24,
		EfConstruction:  200,
		EfSearch:        50,
		LevelMultiplier: 1 / math.Log(24),
	}
}

// HNSWMatch is a single search hit: a record ID and its cosine similarity.
type HNSWMatch struct {
	ID    string
	Score float64
}

type hnswNode struct {
	id        string
	vector    embedding.Vector
	tombstone bool
	links     [][]string // links[level] = neighbor IDs at that level
}

// HNSWIndex is an incremental, in-memory approximate nearest-neighbor
// graph over cosine similarity. Insertion is a normal HNSW insert (no
// rebuild); removal is tombstone-based, with actual graph repair
// deferred to Rebuild.
type HNSWIndex struct {
	mu         sync.RWMutex
	dimensions int
	config     HNSWConfig
	nodes      map[string]*hnswNode
	entryPoint string
	maxLevel   int
	rng        *rand.Rand
}

// NewHNSWIndex creates an HNSW index for vectors of the given
// dimensionality. A zero-valued config is replaced with
// DefaultHNSWConfig's fields.
func NewHNSWIndex(dimensions int, config HNSWConfig) *HNSWIndex {
	if config.M == 0 {
		config.M = 24
	}
	if config.EfConstruction == 0 {
		config.EfConstruction = 200
	}
	if config.EfSearch == 0 {
		config.EfSearch = 50
	}
	if config.LevelMultiplier == 0 {
		config.LevelMultiplier = 1 / math.Log(float64(config.M))
	}
	return &HNSWIndex{
		dimensions: dimensions,
		config:     config,
		nodes:      make(map[string]*hnswNode),
		rng:        rand.New(rand.NewSource(1)),
	}
}

// Size returns the number of live (non-tombstoned) vectors in the index.
func (h *HNSWIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, node := range h.nodes {
		if !node.tombstone {
			n++
		}
	}
	return n
}

func (h *HNSWIndex) randomLevel() int {
	level := 0
	for h.rng.Float64() < 0.5 && level < 32 {
		level++
	}
	return level
}

// Add inserts or updates the vector for id. Re-adding an existing id
// replaces its vector without changing graph topology beyond normal
// incremental linking.
func (h *HNSWIndex) Add(id string, vector embedding.Vector) error {
	if len(vector) != h.dimensions {
		return ErrDimensionMismatch
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	vec := make(embedding.Vector, len(vector))
	copy(vec, vector)

	level := h.randomLevel()
	node := &hnswNode{
		id:     id,
		vector: vec,
		links:  make([][]string, level+1),
	}
	h.nodes[id] = node

	if h.entryPoint == "" {
		h.entryPoint = id
		h.maxLevel = level
		return nil
	}

	candidates := h.searchLayer(vec, h.entryPoint, h.config.EfConstruction, excludeTombstones)
	for lvl := 0; lvl <= level && lvl <= h.maxLevel; lvl++ {
		neighbors := selectNeighbors(candidates, h.config.M)
		node.links[lvl] = neighbors
		for _, n := range neighbors {
			h.linkBidirectional(n, id, lvl)
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = id
	}
	return nil
}

func (h *HNSWIndex) linkBidirectional(neighborID, id string, level int) {
	n, ok := h.nodes[neighborID]
	if !ok {
		return
	}
	for len(n.links) <= level {
		n.links = append(n.links, nil)
	}
	n.links[level] = appendUnique(n.links[level], id)
	if len(n.links[level]) > h.config.M {
		n.links[level] = n.links[level][:h.config.M]
	}
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

// searchLayer does a greedy best-first search from entry across all
// live nodes (flattened, since per-level adjacency quality degrades
// under tombstoning until the next Rebuild).
func (h *HNSWIndex) searchLayer(query embedding.Vector, entry string, ef int, skip func(*hnswNode) bool) []HNSWMatch {
	visited := map[string]struct{}{entry: {}}
	entryNode, ok := h.nodes[entry]
	if !ok {
		return nil
	}
	candidates := []HNSWMatch{{ID: entry, Score: embedding.CosineSimilarity(query, entryNode.vector)}}
	best := append([]HNSWMatch{}, candidates...)

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
		current := candidates[0]
		candidates = candidates[1:]

		node := h.nodes[current.ID]
		for _, links := range node.links {
			for _, neighborID := range links {
				if _, seen := visited[neighborID]; seen {
					continue
				}
				visited[neighborID] = struct{}{}
				neighbor, ok := h.nodes[neighborID]
				if !ok || (skip != nil && skip(neighbor)) {
					continue
				}
				score := embedding.CosineSimilarity(query, neighbor.vector)
				match := HNSWMatch{ID: neighborID, Score: score}
				candidates = append(candidates, match)
				best = append(best, match)
			}
		}
		if len(best) >= ef {
			break
		}
	}

	sort.Slice(best, func(i, j int) bool { return best[i].Score > best[j].Score })
	if len(best) > ef {
		best = best[:ef]
	}
	return best
}

func excludeTombstones(n *hnswNode) bool { return n.tombstone }

func selectNeighbors(candidates []HNSWMatch, m int) []string {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.ID
	}
	return out
}

// Remove tombstones id: it is excluded from future searches but the
// graph topology is not repaired until Rebuild.
func (h *HNSWIndex) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	node, ok := h.nodes[id]
	if !ok {
		return
	}
	node.tombstone = true
	delete(h.nodes, id)

	if h.entryPoint != id {
		return
	}
	h.entryPoint = ""
	for otherID, other := range h.nodes {
		if !other.tombstone {
			h.entryPoint = otherID
			break
		}
	}
}

// Search returns up to k matches with cosine similarity >= minScore,
// sorted by descending score.
func (h *HNSWIndex) Search(ctx context.Context, query embedding.Vector, k int, minScore float64) ([]HNSWMatch, error) {
	if len(query) != h.dimensions {
		return nil, ErrDimensionMismatch
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entryPoint == "" {
		return []HNSWMatch{}, nil
	}

	ef := h.config.EfSearch
	if k > ef {
		ef = k
	}
	candidates := h.searchLayer(query, h.entryPoint, ef, excludeTombstones)

	out := make([]HNSWMatch, 0, k)
	for _, c := range candidates {
		if c.Score < minScore {
			continue
		}
		out = append(out, c)
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// Rebuild discards tombstoned nodes and re-inserts all live vectors
// from scratch, restoring graph quality. Deterministic for a given
// insertion order.
func (h *HNSWIndex) Rebuild() {
	h.mu.Lock()
	live := make([]*hnswNode, 0, len(h.nodes))
	for _, n := range h.nodes {
		if !n.tombstone {
			live = append(live, n)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].id < live[j].id })
	h.nodes = make(map[string]*hnswNode)
	h.entryPoint = ""
	h.maxLevel = 0
	h.mu.Unlock()

	for _, n := range live {
		_ = h.Add(n.id, n.vector)
	}
}
