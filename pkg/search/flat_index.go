package search

import (
	"context"
	"sort"
	"sync"

	"github.com/jeffreymariaraj/BioOF/pkg/math/vector"
)

// Result is one scored neighbor.
type Result struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

// FlatIndex is an exact brute-force cosine index. The similarity index
// falls back to it for full scans.
type FlatIndex struct {
	dimensions int
	mu         sync.RWMutex
	vectors    map[string][]float32
}

// NewFlatIndex creates an empty exact index.
func NewFlatIndex(dimensions int) *FlatIndex {
	return &FlatIndex{
		dimensions: dimensions,
		vectors:    make(map[string][]float32),
	}
}

// Add adds or updates a vector.
func (f *FlatIndex) Add(id string, vec []float32) error {
	if len(vec) != f.dimensions {
		return ErrDimensionMismatch
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[id] = vector.Normalize(vec)
	return nil
}

// Size returns the number of vectors.
func (f *FlatIndex) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

// Search scores every vector against query.
func (f *FlatIndex) Search(ctx context.Context, query []float32, k int, minSimilarity float64) ([]Result, error) {
	if len(query) != f.dimensions {
		return nil, ErrDimensionMismatch
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	normalized := vector.Normalize(query)
	results := make([]Result, 0, len(f.vectors))
	for id, vec := range f.vectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sim := vector.Clamp(vector.DotProduct(normalized, vec), -1, 1)
		if sim >= minSimilarity {
			results = append(results, Result{ID: id, Score: sim})
		}
	}
	sortResults(results)
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}
