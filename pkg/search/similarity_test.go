package search

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
	"github.com/jeffreymariaraj/BioOF/pkg/blob"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
)

type sliceCorpus []*model.GeneDocument

func (c sliceCorpus) ForEach(ctx context.Context, fn func(*model.GeneDocument) error) error {
	for _, d := range c {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

func corpus(n int, seed int64) sliceCorpus {
	r := rand.New(rand.NewSource(seed))
	bases := []byte("ACGT")
	out := make(sliceCorpus, n)
	for i := range out {
		seq := make([]byte, 20)
		for j := range seq {
			seq[j] = bases[r.Intn(1+r.Intn(4))]
		}
		out[i] = &model.GeneDocument{
			ID:              fmt.Sprintf("gene-%03d", i),
			ExpressionScore: r.Float64() * 120,
			GCContent:       20 + r.Float64()*60,
			SequenceSnippet: string(seq),
		}
	}
	return out
}

func TestSimilarBeforeBuild(t *testing.T) {
	x := NewSimilarityIndex(Options{})
	_, err := x.Similar(context.Background(), "g", 5)
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
	assert.Equal(t, DefaultK, x.DefaultK())
	assert.Equal(t, 0, x.Size())

	ok, err := x.Insert(&model.GeneDocument{ID: "g"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSimilarInvariants(t *testing.T) {
	ctx := context.Background()
	x := NewSimilarityIndex(Options{})
	c := corpus(300, 1)
	snap, err := x.Rebuild(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 300, snap.Size())
	assert.Equal(t, uint64(1), snap.Generation)

	for _, d := range c[:25] {
		matches, err := x.Similar(ctx, d.ID, 5)
		require.NoError(t, err)
		assert.Len(t, matches, 5)
		for i, m := range matches {
			assert.NotEqual(t, d.ID, m.ID)
			assert.GreaterOrEqual(t, m.Score, -1.0)
			assert.LessOrEqual(t, m.Score, 1.0)
			if i > 0 {
				prev := matches[i-1]
				assert.True(t, prev.Score > m.Score || (prev.Score == m.Score && prev.ID < m.ID))
			}
		}
	}

	_, err = x.Similar(ctx, c[0].ID, 0)
	assert.True(t, errors.Is(err, apperror.ErrInvalidArgument))
	_, err = x.Similar(ctx, "unknown", 3)
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestSimilarIsStableAcrossRebuilds(t *testing.T) {
	ctx := context.Background()
	c := corpus(200, 2)
	a := NewSimilarityIndex(Options{})
	b := NewSimilarityIndex(Options{})
	_, err := a.Rebuild(ctx, c)
	require.NoError(t, err)
	// reversed iteration order must not matter
	rev := make(sliceCorpus, len(c))
	for i, d := range c {
		rev[len(c)-1-i] = d
	}
	_, err = b.Rebuild(ctx, rev)
	require.NoError(t, err)

	for _, d := range c[:10] {
		ma, err := a.Similar(ctx, d.ID, 5)
		require.NoError(t, err)
		mb, err := b.Similar(ctx, d.ID, 5)
		require.NoError(t, err)
		assert.Equal(t, ma, mb)
	}
}

func TestInsertUsesFrozenBoundsAndRemove(t *testing.T) {
	ctx := context.Background()
	x := NewSimilarityIndex(Options{})
	_, err := x.Rebuild(ctx, corpus(50, 3))
	require.NoError(t, err)
	before := x.Snapshot().Bounds()

	doc := &model.GeneDocument{ID: "late", ExpressionScore: 10000, GCContent: 50, SequenceSnippet: "ACGT"}
	ok, err := x.Insert(doc)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, before, x.Snapshot().Bounds())

	matches, err := x.Similar(ctx, "late", 3)
	require.NoError(t, err)
	assert.Len(t, matches, 3)

	x.Remove("late")
	_, err = x.Similar(ctx, "late", 3)
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestScanSimilarMatchesExactOrder(t *testing.T) {
	ctx := context.Background()
	x := NewSimilarityIndex(Options{})
	_, err := x.Rebuild(ctx, corpus(100, 4))
	require.NoError(t, err)

	query := &model.GeneDocument{ID: "query", ExpressionScore: 60, GCContent: 50, SequenceSnippet: "ACGTTGCA"}
	vec := x.Snapshot().Embed(query)
	matches, err := x.ScanSimilar(ctx, vec, "query", 4)
	require.NoError(t, err)
	assert.Len(t, matches, 4)
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
	}

	_, err = x.ScanSimilar(ctx, vec, "query", -1)
	assert.True(t, errors.Is(err, apperror.ErrInvalidArgument))
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	c := corpus(80, 5)

	src := NewSimilarityIndex(Options{})
	err := src.Save(ctx, store, "index/latest.json")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))

	_, err = src.Rebuild(ctx, c)
	require.NoError(t, err)
	require.NoError(t, src.Save(ctx, store, "index/latest.json"))

	dst := NewSimilarityIndex(Options{})
	snap, err := dst.Load(ctx, store, "index/latest.json")
	require.NoError(t, err)
	assert.Equal(t, 80, snap.Size())
	assert.Equal(t, src.Snapshot().Bounds(), snap.Bounds())

	for _, d := range c[:10] {
		want, err := src.Similar(ctx, d.ID, 5)
		require.NoError(t, err)
		got, err := dst.Similar(ctx, d.ID, 5)
		require.NoError(t, err)
		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].ID, got[i].ID)
			assert.InDelta(t, want[i].Score, got[i].Score, 1e-6)
		}
	}

	_, err = dst.Load(ctx, store, "index/missing.json")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestReadersDuringRebuild(t *testing.T) {
	ctx := context.Background()
	c := corpus(150, 6)
	x := NewSimilarityIndex(Options{})
	_, err := x.Rebuild(ctx, c)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				matches, err := x.Similar(ctx, c[n].ID, 5)
				if assert.NoError(t, err) {
					assert.Len(t, matches, 5)
				}
			}
		}(i)
	}
	for i := 0; i < 3; i++ {
		_, err := x.Rebuild(ctx, c)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, uint64(4), x.Snapshot().Generation)
}
