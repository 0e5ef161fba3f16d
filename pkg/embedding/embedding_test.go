package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jeffreymariaraj/BioOF/pkg/model"
)

func doc(expr, gc float64, seq string) *model.GeneDocument {
	return &model.GeneDocument{ExpressionScore: expr, GCContent: gc, SequenceSnippet: seq}
}

func TestComplexity(t *testing.T) {
	assert.Equal(t, 0.0, Complexity(""))
	assert.Equal(t, 0.0, Complexity("AAAAAAAA"))
	assert.InDelta(t, 0.5, Complexity("ACACACAC"), 1e-9)
	assert.InDelta(t, 1.0, Complexity("ACGTACGT"), 1e-9)
	assert.Equal(t, Complexity("acgt"), Complexity("ACGT"))
	// more than four symbols cannot exceed 1
	assert.Equal(t, 1.0, Complexity("ACGTNRYKM"))
}

func TestComputeBounds(t *testing.T) {
	b := ComputeBounds([]*model.GeneDocument{doc(50, 40, ""), doc(10, 70, ""), doc(90, 20, "")})
	assert.Equal(t, Bounds{ExpressionMin: 10, ExpressionMax: 90, GCMin: 20, GCMax: 70, Samples: 3}, b)
	assert.Equal(t, Bounds{}, ComputeBounds(nil))
}

func TestBuild(t *testing.T) {
	bl := NewBuilder(Bounds{ExpressionMin: 0, ExpressionMax: 100, GCMin: 20, GCMax: 80, Samples: 2})

	v := bl.Build(doc(100, 20, "ACGTACGT"))
	assert.Len(t, v, Dimensions)
	assert.InDelta(t, 1, v[0], 1e-6)
	assert.InDelta(t, -1, v[1], 1e-6)
	assert.InDelta(t, 1, v[2], 1e-6)

	mid := bl.Build(doc(50, 50, "AAAA"))
	assert.InDelta(t, 0, mid[0], 1e-6)
	assert.InDelta(t, 0, mid[1], 1e-6)
	assert.InDelta(t, -1, mid[2], 1e-6)
}

func TestBuildClampsDriftAndDegenerateBounds(t *testing.T) {
	bl := NewBuilder(Bounds{ExpressionMin: 10, ExpressionMax: 20, GCMin: 50, GCMax: 50, Samples: 1})
	v := bl.Build(doc(500, 99, "AC"))
	assert.Equal(t, float32(1), v[0])
	assert.Equal(t, float32(0), v[1], "equal min and max collapse to 0")
}

func TestBuildIsDeterministic(t *testing.T) {
	b := Bounds{ExpressionMin: 3, ExpressionMax: 97, GCMin: 21, GCMax: 79, Samples: 10}
	d := doc(42.5, 37.25, "GATTACA")
	assert.Equal(t, NewBuilder(b).Build(d), NewBuilder(b).Build(d))
}
