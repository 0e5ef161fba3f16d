package hybrid

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
)

// Search methods reported by RecommendSimilar.
const (
	MethodIndex    = "hnsw"
	MethodFullScan = "full_scan"
)

// Recommendation is one similar gene.
type Recommendation struct {
	Gene            *model.GeneDocument `json:"gene"`
	SimilarityScore float64             `json:"similarity_score"`
}

// Recommendations is the RecommendSimilar response.
type Recommendations struct {
	SourceGene      string           `json:"source_gene"`
	SearchMethod    string           `json:"search_method"`
	Recommendations []Recommendation `json:"recommendations"`
}

// RecommendSimilar returns up to k genes most similar to id, best first.
// k of zero means the index's configured default. The source gene must
// exist in the document store. Neighbors that no
// longer exist there are dropped from the index and skipped.
func (s *Service) RecommendSimilar(ctx context.Context, id string, k int) (res *Recommendations, err error) {
	const op = "hybrid.RecommendSimilar"
	defer s.metrics.ObserveOp(op, time.Now(), &err)

	if strings.TrimSpace(id) == "" {
		return nil, apperror.New(op, apperror.KindInvalidArgument, "", "gene id is required")
	}
	if k < 0 {
		return nil, apperror.New(op, apperror.KindInvalidArgument, id, "k must be positive, got %d", k)
	}
	if k == 0 {
		k = s.index.DefaultK()
	}
	ctx, cancel := s.readContext(ctx)
	defer cancel()

	src, err := s.docs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.index.Remove(id)
		}
		return nil, apperror.WrapID(op, id, err)
	}

	method := MethodIndex
	matches, err := s.index.Similar(ctx, id, k)
	if snap := s.index.Snapshot(); errors.Is(err, apperror.ErrNotFound) && s.fallback && snap != nil {
		method = MethodFullScan
		matches, err = s.index.ScanSimilar(ctx, snap.Embed(src), id, k)
	}
	if err != nil {
		return nil, apperror.WrapID(op, id, err)
	}

	out := &Recommendations{SourceGene: id, SearchMethod: method, Recommendations: make([]Recommendation, 0, len(matches))}
	for _, m := range matches {
		doc, err := s.docs.Get(ctx, m.ID)
		if errors.Is(err, apperror.ErrNotFound) {
			s.logger.Warn("dropping deleted gene from similarity index", "gene_id", m.ID)
			s.index.Remove(m.ID)
			continue
		}
		if err != nil {
			return nil, apperror.WrapID(op, id, err)
		}
		out.Recommendations = append(out.Recommendations, Recommendation{Gene: doc, SimilarityScore: m.Score})
	}
	return out, nil
}

// IndexStatus describes the published similarity snapshot.
type IndexStatus struct {
	Generation uint64    `json:"generation"`
	Genes      int       `json:"genes"`
	BuiltAt    time.Time `json:"built_at"`
	Persisted  bool      `json:"persisted"`
	Source     string    `json:"source"`
}

// RebuildIndex rebuilds the similarity index from the document store,
// publishes it, and saves a snapshot when persistence is configured. A
// failed save is logged; the new snapshot is already serving.
func (s *Service) RebuildIndex(ctx context.Context) (st *IndexStatus, err error) {
	const op = "hybrid.RebuildIndex"
	defer s.metrics.ObserveOp(op, time.Now(), &err)

	snap, err := s.index.Rebuild(ctx, s.docs)
	if err != nil {
		return nil, apperror.Wrap(op, err)
	}
	s.metrics.IndexSize(snap.Size())
	st = &IndexStatus{Generation: snap.Generation, Genes: snap.Size(), BuiltAt: snap.BuiltAt, Source: "rebuild"}
	if s.blobs != nil {
		if err := s.index.Save(ctx, s.blobs, s.blobKey); err != nil {
			s.logger.Warn("saving index snapshot failed", "key", s.blobKey, "error", err)
		} else {
			st.Persisted = true
		}
	}
	return st, nil
}

// WarmIndex loads the persisted snapshot when one exists and rebuilds
// otherwise.
func (s *Service) WarmIndex(ctx context.Context) (*IndexStatus, error) {
	const op = "hybrid.WarmIndex"
	if s.blobs != nil {
		snap, err := s.index.Load(ctx, s.blobs, s.blobKey)
		switch {
		case err == nil:
			s.metrics.IndexSize(snap.Size())
			return &IndexStatus{
				Generation: snap.Generation, Genes: snap.Size(), BuiltAt: snap.BuiltAt,
				Persisted: true, Source: "snapshot",
			}, nil
		case errors.Is(err, apperror.ErrNotFound):
			s.logger.Info("no index snapshot, rebuilding", "key", s.blobKey)
		default:
			s.logger.Warn("loading index snapshot failed, rebuilding", "key", s.blobKey, "error", err)
		}
	}
	st, err := s.RebuildIndex(ctx)
	if err != nil {
		return nil, apperror.Wrap(op, err)
	}
	return st, nil
}
