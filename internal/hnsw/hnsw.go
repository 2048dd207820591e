// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest-neighbour search over L2-normalized CLIP feature
// vectors. Distance is cosine distance (1 - dot product); lower is
// closer. The graph is append-only: there is no point-removal
// operation, since the catalog already tracks which files still exist
// and the reconciler rebuilds the whole graph from the catalog on
// every process start (see internal/reconcile). A caller that needs to
// "delete" a vector simply excludes the corresponding file id from its
// result filtering and lets the next reconcile drop it for good.
//
// Parameters default to the values the collection was tuned at:
//
//	M               = 64   (max neighbours per node per layer, except layer 0 which uses 2*M)
//	efConstruction  = 400  (candidate pool size during insertion)
//	efSearch        = 64   (candidate pool size during query)
//	maxLayers       = 16   (hard cap on graph height)
package hnsw

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

const (
	// DefaultM is the base number of bi-directional connections per node.
	DefaultM = 64
	// DefaultEfConstruction is the size of the dynamic candidate list during build.
	DefaultEfConstruction = 400
	// DefaultEfSearch is the size of the dynamic candidate list during query,
	// used whenever a caller doesn't supply an explicit ef.
	DefaultEfSearch = 64
	// MaxLayers hard-caps graph height regardless of how randomLevel draws.
	MaxLayers = 16
	// DefaultCapacityHint sizes the initial node slice allocation.
	DefaultCapacityHint = 10000
)

// Result is a single search result. Distance is cosine distance in
// [0,2]; 0 means identical direction.
type Result struct {
	ID       uuid.UUID
	Distance float32
}

// node is a vertex in the HNSW graph.
type node struct {
	neighbors [][]uint32
	vec       []float32
	id        uuid.UUID
}

// Graph is the HNSW index. It is append-only and safe for concurrent
// Insert/Search from multiple goroutines.
type Graph struct {
	mu               sync.RWMutex
	nodes            []node
	entryPoint       uint32
	maxLayer         int
	m                int
	efConstruction   int
	efSearch         int
	ml               float64
	rng              *rand.Rand
	extendCandidates bool
}

// Option configures a Graph at construction time.
type Option func(*Graph)

// WithExtendCandidates toggles the extend-candidates heuristic during
// neighbor selection. The collection's vectors are drawn from CLIP's
// image/text embedding space, which tends to be highly directionally
// clustered, so this defaults to true (see SPEC_FULL.md's Open
// Question on whether that remains optimal at large catalog sizes).
func WithExtendCandidates(v bool) Option {
	return func(g *Graph) { g.extendCandidates = v }
}

// New creates an empty HNSW graph with the given parameters. A
// nonpositive m/efConstruction/efSearch falls back to the package
// defaults.
func New(m, efConstruction, efSearch int, opts ...Option) *Graph {
	if m <= 0 {
		m = DefaultM
	}
	if efConstruction <= 0 {
		efConstruction = DefaultEfConstruction
	}
	if efSearch <= 0 {
		efSearch = DefaultEfSearch
	}
	g := &Graph{
		m:                m,
		efConstruction:   efConstruction,
		efSearch:         efSearch,
		ml:               1.0 / math.Log(float64(m)),
		rng:              rand.New(rand.NewSource(42)),
		extendCandidates: true,
		nodes:            make([]node, 0, DefaultCapacityHint),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *Graph) randomLevel() int {
	level := int(math.Floor(-math.Log(g.rng.Float64()) * g.ml))
	if level >= MaxLayers {
		level = MaxLayers - 1
	}
	return level
}

// distance computes cosine distance between two pre-normalized
// vectors: 1 - dot product. Lower is closer.
func distance(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return 1 - dot
}

// Insert adds a new vector, identified by id, to the graph. vec must
// already be L2-normalized (the Encoder guarantees this).
func (g *Graph) Insert(id uuid.UUID, vec []float32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	internalID := uint32(len(g.nodes))
	level := g.randomLevel()

	neighbors := make([][]uint32, level+1)
	for l := 0; l <= level; l++ {
		maxConn := g.m
		if l == 0 {
			maxConn = 2 * g.m
		}
		neighbors[l] = make([]uint32, 0, maxConn)
	}

	g.nodes = append(g.nodes, node{neighbors: neighbors, vec: vec, id: id})

	if internalID == 0 {
		g.entryPoint = 0
		g.maxLayer = level
		return
	}

	ep := g.entryPoint
	epLevel := g.maxLayer

	for lc := epLevel; lc > level; lc-- {
		ep = g.greedySearchLayer(vec, ep, lc)
	}

	for lc := min(level, epLevel); lc >= 0; lc-- {
		candidates := g.searchLayer(vec, ep, g.efConstruction, lc)
		selected := g.selectNeighbours(vec, candidates, g.m, lc)

		g.nodes[internalID].neighbors[lc] = selected

		for _, nb := range selected {
			g.nodes[nb].neighbors[lc] = append(g.nodes[nb].neighbors[lc], internalID)
			maxConn := g.m
			if lc == 0 {
				maxConn = 2 * g.m
			}
			if len(g.nodes[nb].neighbors[lc]) > maxConn {
				g.nodes[nb].neighbors[lc] = g.pruneNeighbours(nb, g.nodes[nb].neighbors[lc], maxConn)
			}
		}

		if len(candidates) > 0 {
			ep = candidates[0].id
		}
	}

	if level > epLevel {
		g.entryPoint = internalID
		g.maxLayer = level
	}
}

// Search returns up to k nearest neighbours to query, sorted ascending
// by distance. ef controls the candidate-pool size at layer 0; a
// nonpositive ef falls back to the graph's configured efSearch, and a
// value below k is raised to k since the final beam can never be
// smaller than what's requested.
func (g *Graph) Search(query []float32, k, ef int) []Result {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.nodes) == 0 || k <= 0 {
		return nil
	}

	ep := g.entryPoint
	epLevel := g.maxLayer

	for lc := epLevel; lc > 0; lc-- {
		ep = g.greedySearchLayer(query, ep, lc)
	}

	if ef <= 0 {
		ef = g.efSearch
	}
	if k > ef {
		ef = k
	}
	candidates := g.searchLayer(query, ep, ef, 0)

	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]Result, len(candidates))
	for i, c := range candidates {
		results[i] = Result{ID: g.nodes[c.id].id, Distance: c.dist}
	}
	return results
}

// candidate is an (internal id, distance) pair used in priority queues.
// Lower dist is better.
type candidate struct {
	id   uint32
	dist float32
}

// greedySearchLayer navigates layer lc from ep to find the single closest node.
func (g *Graph) greedySearchLayer(query []float32, ep uint32, lc int) uint32 {
	best := ep
	bestDist := distance(query, g.nodes[ep].vec)

	changed := true
	for changed {
		changed = false
		if lc < len(g.nodes[best].neighbors) {
			for _, nb := range g.nodes[best].neighbors[lc] {
				d := distance(query, g.nodes[nb].vec)
				if d < bestDist {
					bestDist = d
					best = nb
					changed = true
				}
			}
		}
	}
	return best
}

// searchLayer performs the ef-bounded beam search at layer lc. Returns
// candidates sorted ascending by distance (index 0 = closest). When
// extendCandidates is set, neighbours-of-neighbours one hop further
// out are also considered before the beam closes, which helps recall
// in highly clustered embedding spaces at the cost of extra distance
// evaluations.
func (g *Graph) searchLayer(query []float32, ep uint32, ef, lc int) []candidate {
	visited := make(map[uint32]bool)
	visited[ep] = true

	epDist := distance(query, g.nodes[ep].vec)

	C := &minCandHeap{{id: ep, dist: epDist}}
	heap.Init(C)

	W := []candidate{{id: ep, dist: epDist}}
	worstDist := epDist

	worstInW := func() float32 {
		m := W[0].dist
		for _, c := range W[1:] {
			if c.dist > m {
				m = c.dist
			}
		}
		return m
	}

	for C.Len() > 0 {
		c := heap.Pop(C).(candidate)

		if len(W) >= ef && c.dist > worstDist {
			break
		}

		neighborsOf := func(nodeID uint32) []uint32 {
			if lc < len(g.nodes[nodeID].neighbors) {
				return g.nodes[nodeID].neighbors[lc]
			}
			return nil
		}

		frontier := neighborsOf(c.id)
		if g.extendCandidates {
			extended := make([]uint32, 0, len(frontier))
			extended = append(extended, frontier...)
			for _, nb := range frontier {
				extended = append(extended, neighborsOf(nb)...)
			}
			frontier = extended
		}

		for _, nb := range frontier {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := distance(query, g.nodes[nb].vec)

			if len(W) < ef || d < worstDist {
				heap.Push(C, candidate{id: nb, dist: d})
				W = append(W, candidate{id: nb, dist: d})
				if len(W) > ef {
					maxIdx := 0
					for i := 1; i < len(W); i++ {
						if W[i].dist > W[maxIdx].dist {
							maxIdx = i
						}
					}
					W[maxIdx] = W[len(W)-1]
					W = W[:len(W)-1]
				}
				worstDist = worstInW()
			}
		}
	}

	for i := 0; i < len(W)-1; i++ {
		for j := i + 1; j < len(W); j++ {
			if W[j].dist < W[i].dist {
				W[i], W[j] = W[j], W[i]
			}
		}
	}
	return W
}

// minCandHeap is a min-heap of candidates (smallest distance, i.e.
// most promising to explore, first).
type minCandHeap []candidate

func (h minCandHeap) Len() int            { return len(h) }
func (h minCandHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minCandHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minCandHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minCandHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// selectNeighbours picks the best `m` candidates from a distance-sorted list.
func (g *Graph) selectNeighbours(_ []float32, candidates []candidate, m, _ int) []uint32 {
	if len(candidates) <= m {
		ids := make([]uint32, len(candidates))
		for i, c := range candidates {
			ids[i] = c.id
		}
		return ids
	}
	ids := make([]uint32, m)
	for i := 0; i < m; i++ {
		ids[i] = candidates[i].id
	}
	return ids
}

// pruneNeighbours reduces the neighbour list of node id to at most
// maxConn entries, keeping the closest ones.
func (g *Graph) pruneNeighbours(id uint32, nbs []uint32, maxConn int) []uint32 {
	type nb struct {
		id   uint32
		dist float32
	}
	scored := make([]nb, len(nbs))
	for i, n := range nbs {
		scored[i] = nb{id: n, dist: distance(g.nodes[id].vec, g.nodes[n].vec)}
	}
	for i := 0; i < len(scored)-1; i++ {
		for j := i + 1; j < len(scored); j++ {
			if scored[j].dist < scored[i].dist {
				scored[i], scored[j] = scored[j], scored[i]
			}
		}
	}
	if len(scored) > maxConn {
		scored = scored[:maxConn]
	}
	out := make([]uint32, len(scored))
	for i, s := range scored {
		out[i] = s.id
	}
	return out
}
