package search

import (
	"container/heap"
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/jeffreymariaraj/BioOF/pkg/math/vector"
)

// ErrDimensionMismatch is returned when a vector has the wrong length.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// HNSWConfig contains configuration parameters for the HNSW index.
type HNSWConfig struct {
	M               int     // Max connections per node per layer (default: 16)
	EfConstruction  int     // Candidate list size during construction (default: 200)
	EfSearch        int     // Candidate list size during search (default: 100)
	LevelMultiplier float64 // Level multiplier = 1/ln(M)
	Seed            int64   // Level assignment seed; same seed and insert order give the same graph
}

// DefaultHNSWConfig returns sensible defaults for HNSW index.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:               16,
		EfConstruction:  200,
		EfSearch:        100,
		LevelMultiplier: 1.0 / math.Log(16.0),
		Seed:            42,
	}
}

type hnswNode struct {
	id        string
	vector    []float32 // unit length
	level     int
	neighbors [][]string
}

// HNSWIndex provides approximate nearest neighbor search by cosine
// similarity using a hierarchical navigable small world graph.
type HNSWIndex struct {
	config     HNSWConfig
	dimensions int
	mu         sync.RWMutex
	nodes      map[string]*hnswNode
	entryPoint string
	maxLevel   int
	rng        *rand.Rand
}

// NewHNSWIndex creates a new HNSW index with the given dimensions and config.
func NewHNSWIndex(dimensions int, config HNSWConfig) *HNSWIndex {
	def := DefaultHNSWConfig()
	if config.M <= 1 {
		config.M = def.M
	}
	if config.EfConstruction <= 0 {
		config.EfConstruction = def.EfConstruction
	}
	if config.EfSearch <= 0 {
		config.EfSearch = def.EfSearch
	}
	if config.LevelMultiplier <= 0 {
		config.LevelMultiplier = 1.0 / math.Log(float64(config.M))
	}
	return &HNSWIndex{
		config:     config,
		dimensions: dimensions,
		nodes:      make(map[string]*hnswNode),
		rng:        rand.New(rand.NewSource(config.Seed)),
	}
}

// Add inserts or replaces a vector.
func (h *HNSWIndex) Add(id string, vec []float32) error {
	if len(vec) != h.dimensions {
		return ErrDimensionMismatch
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.nodes[id]; exists {
		h.removeLocked(id)
	}

	normalized := vector.Normalize(vec)
	level := h.randomLevel()

	node := &hnswNode{
		id:        id,
		vector:    normalized,
		level:     level,
		neighbors: make([][]string, level+1),
	}
	for i := range node.neighbors {
		node.neighbors[i] = make([]string, 0, h.config.M)
	}

	h.nodes[id] = node

	if h.entryPoint == "" {
		h.entryPoint = id
		h.maxLevel = level
		return nil
	}

	ep := h.entryPoint
	epLevel := h.nodes[ep].level

	for l := epLevel; l > level; l-- {
		ep = h.searchLayerSingle(normalized, ep, l)
	}

	for l := min(level, epLevel); l >= 0; l-- {
		candidates := h.searchLayer(normalized, ep, h.config.EfConstruction, l)
		neighbors := h.selectNeighbors(normalized, candidates, h.config.M)
		node.neighbors[l] = neighbors

		for _, neighborID := range neighbors {
			neighbor := h.nodes[neighborID]
			if len(neighbor.neighbors) <= l {
				continue
			}
			if len(neighbor.neighbors[l]) < h.config.M {
				neighbor.neighbors[l] = append(neighbor.neighbors[l], id)
			} else {
				all := append(append([]string(nil), neighbor.neighbors[l]...), id)
				neighbor.neighbors[l] = h.selectNeighbors(neighbor.vector, all, h.config.M)
			}
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > h.maxLevel {
		h.entryPoint = id
		h.maxLevel = level
	}

	return nil
}

// Remove removes a vector from the index by ID.
func (h *HNSWIndex) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id)
}

func (h *HNSWIndex) removeLocked(id string) {
	if _, exists := h.nodes[id]; !exists {
		return
	}
	delete(h.nodes, id)

	// Links are directed after pruning, so any node may still point here.
	for _, n := range h.nodes {
		for l := range n.neighbors {
			n.neighbors[l] = without(n.neighbors[l], id)
		}
	}

	if h.entryPoint == id {
		h.entryPoint = ""
		h.maxLevel = 0
		best := -1
		for nid, n := range h.nodes {
			if n.level > best || (n.level == best && nid < h.entryPoint) {
				best = n.level
				h.entryPoint = nid
			}
		}
		if best >= 0 {
			h.maxLevel = best
		}
	}
}

func without(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

// Search finds up to k nearest neighbors of query with similarity >=
// minSimilarity. Results are sorted by score descending, ties by ID.
func (h *HNSWIndex) Search(ctx context.Context, query []float32, k int, minSimilarity float64) ([]Result, error) {
	if len(query) != h.dimensions {
		return nil, ErrDimensionMismatch
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 || k <= 0 {
		return []Result{}, nil
	}

	normalized := vector.Normalize(query)
	ep := h.entryPoint

	for l := h.maxLevel; l > 0; l-- {
		ep = h.searchLayerSingle(normalized, ep, l)
	}

	candidates := h.searchLayer(normalized, ep, max(h.config.EfSearch, k), 0)

	results := make([]Result, 0, len(candidates))
	for _, candidateID := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node := h.nodes[candidateID]
		similarity := vector.Clamp(vector.DotProduct(normalized, node.vector), -1, 1)
		if similarity >= minSimilarity {
			results = append(results, Result{ID: candidateID, Score: similarity})
		}
	}

	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Vector returns a copy of the stored unit vector for id.
func (h *HNSWIndex) Vector(id string) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[id]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), n.vector...), true
}

// Size returns the number of vectors in the index.
func (h *HNSWIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// Each calls fn for every stored vector in ID order.
func (h *HNSWIndex) Each(fn func(id string, vec []float32)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.nodes))
	for id := range h.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fn(id, h.nodes[id].vector)
	}
}

func (h *HNSWIndex) distance(query []float32, id string) float64 {
	return 1.0 - vector.DotProduct(query, h.nodes[id].vector)
}

func (h *HNSWIndex) searchLayerSingle(query []float32, entryID string, level int) string {
	current := entryID
	currentDist := h.distance(query, current)

	for {
		changed := false
		node := h.nodes[current]
		if len(node.neighbors) <= level {
			break
		}
		for _, neighborID := range node.neighbors[level] {
			if _, ok := h.nodes[neighborID]; !ok {
				continue
			}
			dist := h.distance(query, neighborID)
			if dist < currentDist || (dist == currentDist && neighborID < current) {
				current = neighborID
				currentDist = dist
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	return current
}

func (h *HNSWIndex) searchLayer(query []float32, entryID string, ef int, level int) []string {
	visited := map[string]bool{entryID: true}

	candidates := &hnswDistHeap{}
	results := &hnswDistHeap{}

	entryDist := h.distance(query, entryID)
	heap.Push(candidates, hnswDistItem{id: entryID, dist: entryDist, isMax: false})
	heap.Push(results, hnswDistItem{id: entryID, dist: entryDist, isMax: true})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(hnswDistItem)

		if results.Len() >= ef {
			furthest := (*results)[0]
			if closest.dist > furthest.dist {
				break
			}
		}

		node := h.nodes[closest.id]
		if len(node.neighbors) <= level {
			continue
		}
		for _, neighborID := range node.neighbors[level] {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true
			if _, ok := h.nodes[neighborID]; !ok {
				continue
			}

			dist := h.distance(query, neighborID)
			if results.Len() < ef || dist < (*results)[0].dist {
				heap.Push(candidates, hnswDistItem{id: neighborID, dist: dist, isMax: false})
				heap.Push(results, hnswDistItem{id: neighborID, dist: dist, isMax: true})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	resultList := make([]string, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		resultList[i] = heap.Pop(results).(hnswDistItem).id
	}
	return resultList
}

func (h *HNSWIndex) selectNeighbors(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}

	type distNode struct {
		id   string
		dist float64
	}
	dists := make([]distNode, len(candidates))
	for i, cid := range candidates {
		dists[i] = distNode{id: cid, dist: 1.0 - vector.DotProduct(query, h.nodes[cid].vector)}
	}
	sort.Slice(dists, func(i, j int) bool {
		if dists[i].dist != dists[j].dist {
			return dists[i].dist < dists[j].dist
		}
		return dists[i].id < dists[j].id
	})

	result := make([]string, m)
	for i := 0; i < m; i++ {
		result[i] = dists[i].id
	}
	return result
}

func (h *HNSWIndex) randomLevel() int {
	r := h.rng.Float64()
	if r == 0 {
		r = math.SmallestNonzeroFloat64
	}
	return int(-math.Log(r) * h.config.LevelMultiplier)
}

// Heap types for HNSW search
type hnswDistItem struct {
	id    string
	dist  float64
	isMax bool
}

type hnswDistHeap []hnswDistItem

func (dh hnswDistHeap) Len() int { return len(dh) }
func (dh hnswDistHeap) Less(i, j int) bool {
	if dh[i].dist == dh[j].dist {
		if dh[i].isMax {
			return dh[i].id > dh[j].id
		}
		return dh[i].id < dh[j].id
	}
	if dh[i].isMax {
		return dh[i].dist > dh[j].dist
	}
	return dh[i].dist < dh[j].dist
}
func (dh hnswDistHeap) Swap(i, j int) { dh[i], dh[j] = dh[j], dh[i] }

func (dh *hnswDistHeap) Push(x interface{}) {
	*dh = append(*dh, x.(hnswDistItem))
}

func (dh *hnswDistHeap) Pop() interface{} {
	old := *dh
	n := len(old)
	x := old[n-1]
	*dh = old[0 : n-1]
	return x
}
