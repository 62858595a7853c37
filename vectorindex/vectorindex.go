// Package vectorindex implements the flat L2 approximate-nearest-neighbor
// index (spec §3, C4): one index per (client, namespace), persisted
// alongside the namespace store and rebuildable from it when the persisted
// index is missing or stale. Distance is plain brute-force L2 over
// gonum/floats, matching the "flat index, no ANN structure" scope the spec
// pins — an HNSW or IVF library would be the wrong tool for a component
// explicitly scoped to a linear scan.
package vectorindex

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/engramhq/engram/engram"
)

type entry struct {
	ID     string    `json:"id"`
	Vector []float32 `json:"vector"`
}

type indexFile struct {
	Dim     int     `json:"dim"`
	Entries []entry `json:"entries"`
}

// Index is a flat vector index for one (client, namespace) pair.
type Index struct {
	mu       sync.RWMutex
	path     string
	dim      int
	ids      []string
	vectors  map[string][]float64
	degraded bool
}

// Open loads a persisted index at dataDir/vector/<clientID>-<namespace>.idx.json,
// or returns an empty index (dim is learned from the first Add) if none
// exists yet.
func Open(dataDir, clientID, namespace string) (*Index, error) {
	idx := &Index{
		path:    filepath.Join(dataDir, "vector", clientID+"-"+namespace+".idx.json"),
		vectors: make(map[string][]float64),
	}

	data, err := os.ReadFile(idx.path)
	switch {
	case err == nil:
		var f indexFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, engram.Wrap(engram.KindInternal, "corrupt vector index file", err)
		}
		idx.dim = f.Dim
		for _, e := range f.Entries {
			idx.ids = append(idx.ids, e.ID)
			idx.vectors[e.ID] = toFloat64(e.Vector)
		}
	case os.IsNotExist(err):
		// fresh index
	default:
		return nil, engram.Wrap(engram.KindStorageUnavailable, "read vector index file", err)
	}
	return idx, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// Add inserts or overwrites the vector for id. The first call on a fresh
// index fixes its dimensionality; subsequent calls with a mismatched
// dimension are rejected.
func (idx *Index) Add(id string, vector []float32) error {
	if len(vector) == 0 {
		return engram.NewError(engram.KindInvalidArgument, "vector must not be empty")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.degraded {
		return engram.NewError(engram.KindStorageUnavailable, "vector index is degraded after a prior persist failure")
	}

	if idx.dim == 0 {
		idx.dim = len(vector)
	} else if len(vector) != idx.dim {
		return engram.NewError(engram.KindInvalidArgument, "vector dimension mismatch")
	}

	if _, exists := idx.vectors[id]; !exists {
		idx.ids = append(idx.ids, id)
	}
	idx.vectors[id] = toFloat64(vector)
	return nil
}

// Remove drops a vector from the index. Removing a missing id is a no-op.
func (idx *Index) Remove(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.vectors[id]; !ok {
		return
	}
	delete(idx.vectors, id)
	for i, oid := range idx.ids {
		if oid == id {
			idx.ids = append(idx.ids[:i], idx.ids[i+1:]...)
			break
		}
	}
}

// Clear removes every vector from the index.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ids = nil
	idx.vectors = make(map[string][]float64)
	idx.dim = 0
}

// Match is a single nearest-neighbor search result.
type Match struct {
	ID        string
	Relevance float64
}

// Search returns the k nearest ids to query, ordered by relevance desc.
// Relevance is 1/(1+distance), so identical vectors score 1 and relevance
// falls off monotonically with L2 distance.
func (idx *Index) Search(query []float32, k int) ([]Match, error) {
	if k < 0 {
		return nil, engram.NewError(engram.KindInvalidArgument, "k must not be negative")
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if k == 0 || len(idx.ids) == 0 {
		return nil, nil
	}
	if len(query) != idx.dim {
		return nil, engram.NewError(engram.KindInvalidArgument, "query vector dimension mismatch")
	}

	q := toFloat64(query)
	matches := make([]Match, 0, len(idx.ids))
	for _, id := range idx.ids {
		d := l2Distance(q, idx.vectors[id])
		matches = append(matches, Match{ID: id, Relevance: 1.0 / (1.0 + d)})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Relevance != matches[j].Relevance {
			return matches[i].Relevance > matches[j].Relevance
		}
		return matches[i].ID < matches[j].ID
	})

	if k > len(matches) {
		k = len(matches)
	}
	return matches[:k], nil
}

func l2Distance(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	diff := make([]float64, len(a))
	floats.SubTo(diff, a, b)
	return math.Sqrt(floats.Dot(diff, diff))
}

// Persist writes the index to disk as a single atomic JSON file.
func (idx *Index) Persist() error {
	idx.mu.RLock()
	f := indexFile{Dim: idx.dim}
	for _, id := range idx.ids {
		v := idx.vectors[id]
		v32 := make([]float32, len(v))
		for i, f64 := range v {
			v32[i] = float32(f64)
		}
		f.Entries = append(f.Entries, entry{ID: id, Vector: v32})
	}
	idx.mu.RUnlock()

	data, err := json.Marshal(f)
	if err != nil {
		return engram.Wrap(engram.KindInternal, "marshal vector index", err)
	}
	if err := engram.AtomicWriteFile(idx.path, data, 0o600); err != nil {
		idx.mu.Lock()
		idx.degraded = true
		idx.mu.Unlock()
		return engram.Wrap(engram.KindStorageUnavailable, "persist vector index", err)
	}
	return nil
}

// Len reports the number of vectors currently indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.ids)
}

// VectorSource supplies (id, vector) pairs to rebuild an index from another
// system of record — used when the persisted index file is missing or its
// entries have drifted from the namespace store's records.
type VectorSource interface {
	VectorsForRebuild() map[string][]float32
}

// RebuildFrom discards the current contents and repopulates the index from
// source, fixing dimensionality from the first vector encountered.
func (idx *Index) RebuildFrom(source VectorSource) error {
	idx.Clear()
	idx.mu.Lock()
	idx.degraded = false
	idx.mu.Unlock()
	for id, v := range source.VectorsForRebuild() {
		if err := idx.Add(id, v); err != nil {
			return err
		}
	}
	return nil
}
