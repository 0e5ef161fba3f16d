// Package search maintains the gene similarity index.
//
// The index is published as an immutable snapshot behind an atomic pointer.
// Rebuild constructs a new snapshot off to the side and swaps it in, so
// readers always see a complete index and never block on a rebuild.
// Incremental inserts go into the current snapshot's graph under its own
// lock, using the normalization bounds frozen at the last rebuild.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
	"github.com/jeffreymariaraj/BioOF/pkg/blob"
	"github.com/jeffreymariaraj/BioOF/pkg/embedding"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
)

// DefaultK is the neighbor count used when callers do not specify one.
const DefaultK = 5

// Corpus is the document source for a full rebuild.
type Corpus interface {
	ForEach(ctx context.Context, fn func(*model.GeneDocument) error) error
}

// Options configures a SimilarityIndex.
type Options struct {
	HNSW     HNSWConfig
	DefaultK int
	Logger   *slog.Logger
}

// Snapshot is one published generation of the index.
type Snapshot struct {
	Generation uint64
	BuiltAt    time.Time
	builder    *embedding.Builder
	graph      *HNSWIndex
}

// Bounds returns the normalization bounds frozen for this snapshot.
func (s *Snapshot) Bounds() embedding.Bounds { return s.builder.Bounds() }

// Size returns the number of indexed genes.
func (s *Snapshot) Size() int { return s.graph.Size() }

// Embed computes doc's embedding under this snapshot's bounds.
func (s *Snapshot) Embed(doc *model.GeneDocument) []float32 { return s.builder.Build(doc) }

// Match is one recommendation.
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"similarity_score"`
}

// SimilarityIndex is safe for concurrent use.
type SimilarityIndex struct {
	opts    Options
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
	gen     atomic.Uint64
	// rebuildMu serializes rebuilds; readers never take it.
	rebuildMu sync.Mutex
}

// NewSimilarityIndex returns an index with no published snapshot.
func NewSimilarityIndex(opts Options) *SimilarityIndex {
	if opts.DefaultK <= 0 {
		opts.DefaultK = DefaultK
	}
	if opts.HNSW.M == 0 {
		opts.HNSW = DefaultHNSWConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SimilarityIndex{opts: opts, logger: logger}
}

// DefaultK reports the configured neighbor count.
func (x *SimilarityIndex) DefaultK() int { return x.opts.DefaultK }

// Snapshot returns the current snapshot, nil before the first build.
func (x *SimilarityIndex) Snapshot() *Snapshot { return x.current.Load() }

// Size returns the number of indexed genes in the current snapshot.
func (x *SimilarityIndex) Size() int {
	if s := x.current.Load(); s != nil {
		return s.Size()
	}
	return 0
}

type entry struct {
	id  string
	doc *model.GeneDocument
	vec []float32
}

// Rebuild recomputes bounds from the corpus, embeds every document and
// publishes a fresh snapshot. Inserts applied to the previous snapshot
// while the rebuild runs are not carried over.
func (x *SimilarityIndex) Rebuild(ctx context.Context, corpus Corpus) (*Snapshot, error) {
	const op = "search.Rebuild"
	x.rebuildMu.Lock()
	defer x.rebuildMu.Unlock()

	start := time.Now()
	var (
		entries []entry
		bounds  embedding.Bounds
	)
	err := corpus.ForEach(ctx, func(doc *model.GeneDocument) error {
		bounds.Observe(doc)
		entries = append(entries, entry{id: doc.ID, doc: doc})
		return nil
	})
	if err != nil {
		return nil, apperror.Wrap(op, err)
	}
	builder := embedding.NewBuilder(bounds)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	const chunk = 1024
	for lo := 0; lo < len(entries); lo += chunk {
		lo, hi := lo, min(lo+chunk, len(entries))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				entries[i].vec = builder.Build(entries[i].doc)
				entries[i].doc = nil
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apperror.Wrap(op, err)
	}

	snap, err := x.assemble(ctx, builder, entries)
	if err != nil {
		return nil, apperror.Wrap(op, err)
	}
	x.current.Store(snap)
	x.logger.Info("similarity index rebuilt",
		"generation", snap.Generation, "genes", len(entries), "duration", time.Since(start).String())
	return snap, nil
}

// assemble inserts entries in ID order so a given corpus and seed always
// yield the same graph.
func (x *SimilarityIndex) assemble(ctx context.Context, builder *embedding.Builder, entries []entry) (*Snapshot, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	graph := NewHNSWIndex(embedding.Dimensions, x.opts.HNSW)
	for i, e := range entries {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err := graph.Add(e.id, e.vec); err != nil {
			return nil, fmt.Errorf("add %s: %w", e.id, err)
		}
	}
	return &Snapshot{
		Generation: x.gen.Add(1),
		BuiltAt:    time.Now().UTC(),
		builder:    builder,
		graph:      graph,
	}, nil
}

// Insert embeds doc with the frozen bounds of the current snapshot and adds
// it. Without a snapshot there are no bounds yet, so the call is a no-op
// and reports false.
func (x *SimilarityIndex) Insert(doc *model.GeneDocument) (bool, error) {
	snap := x.current.Load()
	if snap == nil {
		return false, nil
	}
	if err := snap.graph.Add(doc.ID, snap.builder.Build(doc)); err != nil {
		return false, apperror.WrapID("search.Insert", doc.ID, err)
	}
	return true, nil
}

// Remove drops id from the current snapshot.
func (x *SimilarityIndex) Remove(id string) {
	if snap := x.current.Load(); snap != nil {
		snap.graph.Remove(id)
	}
}

// Similar returns the k genes most similar to id, excluding id itself,
// ordered by descending score with ties broken by id.
func (x *SimilarityIndex) Similar(ctx context.Context, id string, k int) ([]Match, error) {
	const op = "search.Similar"
	if k <= 0 {
		return nil, apperror.New(op, apperror.KindInvalidArgument, id, "k must be positive, got %d", k)
	}
	snap := x.current.Load()
	if snap == nil {
		return nil, apperror.New(op, apperror.KindNotFound, id, "similarity index not built")
	}
	vec, ok := snap.graph.Vector(id)
	if !ok {
		return nil, apperror.New(op, apperror.KindNotFound, id, "gene has no embedding")
	}
	res, err := snap.graph.Search(ctx, vec, k+1, -1)
	if err != nil {
		return nil, apperror.WrapID(op, id, err)
	}
	return toMatches(res, id, k), nil
}

// ScanSimilar scores vec against every indexed gene exactly. It serves
// genes that are not in the index yet.
func (x *SimilarityIndex) ScanSimilar(ctx context.Context, vec []float32, exclude string, k int) ([]Match, error) {
	const op = "search.ScanSimilar"
	if k <= 0 {
		return nil, apperror.New(op, apperror.KindInvalidArgument, exclude, "k must be positive, got %d", k)
	}
	snap := x.current.Load()
	if snap == nil {
		return nil, apperror.New(op, apperror.KindNotFound, exclude, "similarity index not built")
	}
	flat := NewFlatIndex(embedding.Dimensions)
	snap.graph.Each(func(id string, v []float32) {
		_ = flat.Add(id, v)
	})
	res, err := flat.Search(ctx, vec, k+1, -1)
	if err != nil {
		return nil, apperror.WrapID(op, exclude, err)
	}
	return toMatches(res, exclude, k), nil
}

func toMatches(res []Result, exclude string, k int) []Match {
	out := make([]Match, 0, k)
	for _, r := range res {
		if r.ID == exclude {
			continue
		}
		out = append(out, Match{ID: r.ID, Score: r.Score})
		if len(out) == k {
			break
		}
	}
	return out
}

// snapshotFile is the persisted form: bounds plus unit vectors. The graph
// is rebuilt on load, which keeps the format independent of graph layout.
type snapshotFile struct {
	Version int              `json:"version"`
	BuiltAt time.Time        `json:"built_at"`
	Bounds  embedding.Bounds `json:"bounds"`
	IDs     []string         `json:"ids"`
	Vectors [][]float32      `json:"vectors"`
}

// Save writes the current snapshot to store under key.
func (x *SimilarityIndex) Save(ctx context.Context, store blob.Store, key string) error {
	const op = "search.Save"
	snap := x.current.Load()
	if snap == nil {
		return apperror.New(op, apperror.KindNotFound, key, "no snapshot to save")
	}
	f := snapshotFile{Version: 1, BuiltAt: snap.BuiltAt, Bounds: snap.Bounds()}
	snap.graph.Each(func(id string, v []float32) {
		f.IDs = append(f.IDs, id)
		f.Vectors = append(f.Vectors, append([]float32(nil), v...))
	})
	data, err := json.Marshal(f)
	if err != nil {
		return apperror.Wrap(op, err)
	}
	_, err = store.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"genes": fmt.Sprint(len(f.IDs))},
	})
	return apperror.WrapID(op, key, err)
}

// Load reads a snapshot saved by Save and publishes it.
func (x *SimilarityIndex) Load(ctx context.Context, store blob.Store, key string) (*Snapshot, error) {
	const op = "search.Load"
	_, rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, apperror.WrapID(op, key, err)
	}
	defer rc.Close()

	var f snapshotFile
	if err := json.NewDecoder(rc).Decode(&f); err != nil {
		return nil, apperror.WrapID(op, key, err)
	}
	if f.Version != 1 || len(f.IDs) != len(f.Vectors) {
		return nil, apperror.New(op, apperror.KindInternal, key, "unsupported or corrupt snapshot")
	}
	entries := make([]entry, len(f.IDs))
	for i := range f.IDs {
		entries[i] = entry{id: f.IDs[i], vec: f.Vectors[i]}
	}

	x.rebuildMu.Lock()
	defer x.rebuildMu.Unlock()
	snap, err := x.assemble(ctx, embedding.NewBuilder(f.Bounds), entries)
	if err != nil {
		return nil, apperror.WrapID(op, key, err)
	}
	snap.BuiltAt = f.BuiltAt
	x.current.Store(snap)
	x.logger.Info("similarity index loaded", "key", key, "genes", len(entries), "generation", snap.Generation)
	return snap, nil
}
