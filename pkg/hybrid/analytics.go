package hybrid

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
)

// GCBoundaries are the gc_content histogram edges: 0, 10, ..., 100.
var GCBoundaries = []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

// Analytics bundles both store-local aggregations. They are merged only
// for display.
type Analytics struct {
	Chromosomes []model.ChromosomeStat `json:"sql_stats"`
	GCContent   []model.GCBucket       `json:"nosql_stats"`
}

// StatsSQL returns gene count and average sequence length per chromosome,
// ordered by chromosome.
func (s *Service) StatsSQL(ctx context.Context) (out []model.ChromosomeStat, err error) {
	const op = "hybrid.StatsSQL"
	defer s.metrics.ObserveOp(op, time.Now(), &err)

	ctx, cancel := s.readContext(ctx)
	defer cancel()
	out, err = s.catalog.ChromosomeStats(ctx)
	if err != nil {
		return nil, apperror.Wrap(op, err)
	}
	if out == nil {
		out = []model.ChromosomeStat{}
	}
	return out, nil
}

// StatsNoSQL returns the gc_content histogram ordered by bucket start.
func (s *Service) StatsNoSQL(ctx context.Context) (out []model.GCBucket, err error) {
	const op = "hybrid.StatsNoSQL"
	defer s.metrics.ObserveOp(op, time.Now(), &err)

	ctx, cancel := s.readContext(ctx)
	defer cancel()
	out, err = s.docs.GCHistogram(ctx, GCBoundaries)
	if err != nil {
		return nil, apperror.Wrap(op, err)
	}
	return out, nil
}

// Stats runs both aggregations concurrently.
func (s *Service) Stats(ctx context.Context) (*Analytics, error) {
	var a Analytics
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		a.Chromosomes, err = s.StatsSQL(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		a.GCContent, err = s.StatsNoSQL(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &a, nil
}
