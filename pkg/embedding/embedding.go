// Package embedding derives the 3-dimensional feature vector used by the
// similarity index: [expression, gc_content, sequence complexity], each
// scaled to [-1, 1].
//
// Expression and GC are min-max scaled against corpus bounds computed at
// the last full rebuild. Complexity is the Shannon entropy of the sequence
// snippet normalized by the 2-bit maximum of a nucleotide alphabet, so it
// needs no corpus statistics. The same bounds always give the same vector.
package embedding

import (
	"math"
	"strings"

	"github.com/jeffreymariaraj/BioOF/pkg/math/vector"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
)

// Dimensions is the length of every embedding.
const Dimensions = 3

// maxEntropyBits is log2(4): A, C, G, T equally frequent.
const maxEntropyBits = 2.0

// Bounds are the min-max normalization bounds of a corpus.
type Bounds struct {
	ExpressionMin float64 `json:"expression_min"`
	ExpressionMax float64 `json:"expression_max"`
	GCMin         float64 `json:"gc_min"`
	GCMax         float64 `json:"gc_max"`
	Samples       int     `json:"samples"`
}

// Observe widens the bounds to include doc.
func (b *Bounds) Observe(doc *model.GeneDocument) {
	if b.Samples == 0 {
		b.ExpressionMin, b.ExpressionMax = doc.ExpressionScore, doc.ExpressionScore
		b.GCMin, b.GCMax = doc.GCContent, doc.GCContent
	} else {
		b.ExpressionMin = math.Min(b.ExpressionMin, doc.ExpressionScore)
		b.ExpressionMax = math.Max(b.ExpressionMax, doc.ExpressionScore)
		b.GCMin = math.Min(b.GCMin, doc.GCContent)
		b.GCMax = math.Max(b.GCMax, doc.GCContent)
	}
	b.Samples++
}

// ComputeBounds scans docs once.
func ComputeBounds(docs []*model.GeneDocument) Bounds {
	var b Bounds
	for _, d := range docs {
		b.Observe(d)
	}
	return b
}

// Builder turns documents into embeddings under fixed bounds.
type Builder struct {
	bounds Bounds
}

// NewBuilder freezes b for every subsequent Build.
func NewBuilder(b Bounds) *Builder {
	return &Builder{bounds: b}
}

// Bounds returns the frozen bounds.
func (bl *Builder) Bounds() Bounds { return bl.bounds }

// Build returns the embedding of doc. Values outside the frozen bounds
// (incremental inserts after drift) are clamped.
func (bl *Builder) Build(doc *model.GeneDocument) []float32 {
	return []float32{
		float32(scale(doc.ExpressionScore, bl.bounds.ExpressionMin, bl.bounds.ExpressionMax)),
		float32(scale(doc.GCContent, bl.bounds.GCMin, bl.bounds.GCMax)),
		float32(2*Complexity(doc.SequenceSnippet) - 1),
	}
}

func scale(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return vector.Clamp(2*(v-lo)/(hi-lo)-1, -1, 1)
}

// Complexity is the normalized Shannon entropy of seq in [0, 1]. Case is
// ignored; an empty sequence scores 0.
func Complexity(seq string) float64 {
	if seq == "" {
		return 0
	}
	seq = strings.ToUpper(seq)
	counts := make(map[rune]int, 4)
	n := 0
	for _, r := range seq {
		counts[r]++
		n++
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return vector.Clamp(h/maxEntropyBits, 0, 1)
}
