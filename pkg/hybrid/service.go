// Package hybrid orchestrates the relational catalog, the document store,
// the gene cache and the similarity index.
//
// The two stores share no transaction boundary. Cross-store reads are joined
// here, and cross-store writes (schema evolution, ingestion) are ordered so
// that every step is safe to retry.
package hybrid

import (
	"context"
	"log/slog"
	"time"

	"github.com/jeffreymariaraj/BioOF/pkg/blob"
	"github.com/jeffreymariaraj/BioOF/pkg/cache"
	"github.com/jeffreymariaraj/BioOF/pkg/docstore"
	"github.com/jeffreymariaraj/BioOF/pkg/metrics"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
	"github.com/jeffreymariaraj/BioOF/pkg/search"
)

// Catalog is the relational side consumed by the service.
type Catalog interface {
	GetProject(ctx context.Context, id int64) (*model.Project, error)
	ListExperiments(ctx context.Context, projectID int64) ([]model.Experiment, error)
	RegisterAttribute(ctx context.Context, attr model.SchemaAttribute) (*model.SchemaAttribute, error)
	GetAttribute(ctx context.Context, name string) (*model.SchemaAttribute, error)
	ListAttributes(ctx context.Context) ([]model.SchemaAttribute, error)
	UpsertGeneMetadata(ctx context.Context, rows ...model.GeneMetadata) error
	ChromosomeStats(ctx context.Context) ([]model.ChromosomeStat, error)
}

// DocStore is the document side consumed by the service.
type DocStore interface {
	Get(ctx context.Context, id string) (*model.GeneDocument, error)
	Insert(ctx context.Context, doc *model.GeneDocument) error
	Delete(ctx context.Context, id string) error
	Find(ctx context.Context, f docstore.Filter) ([]*model.GeneDocument, error)
	ForEach(ctx context.Context, fn func(*model.GeneDocument) error) error
	InjectFieldIfAbsent(ctx context.Context, name string, value any) (docstore.BulkResult, error)
	ApplyDerived(ctx context.Context, field string, derive docstore.DeriveFunc) (docstore.BulkResult, error)
	GCHistogram(ctx context.Context, boundaries []float64) ([]model.GCBucket, error)
}

// DefaultResultLimit caps HybridQuery gene lists.
const DefaultResultLimit = 100

// DefaultSnapshotKey is the blob key for persisted index snapshots.
const DefaultSnapshotKey = "index/similarity.json"

// Options configures a Service. The zero value is usable.
type Options struct {
	// Rules is the propagation rule table. Nil selects DefaultRules.
	Rules []PropagationRule
	// ResultLimit caps HybridQuery results; negative means unlimited.
	ResultLimit int
	// CacheTTL bounds cache entry staleness; zero selects cache.DefaultTTL.
	CacheTTL time.Duration
	// ReadTimeout bounds read paths when the caller's context has no
	// earlier deadline. Zero disables it.
	ReadTimeout time.Duration
	// FullScanFallback serves recommendations for genes missing from the
	// index by scanning the snapshot exactly.
	FullScanFallback bool
	// Snapshots persists the similarity index. Nil disables persistence.
	Snapshots   blob.Store
	SnapshotKey string
	Logger      *slog.Logger
	Metrics     *metrics.Registry
}

// Service implements the orchestration operations. It holds no locks
// across store calls and is safe for concurrent use.
type Service struct {
	catalog Catalog
	docs    DocStore
	cache   cache.Cache
	index   *search.SimilarityIndex

	rules    []PropagationRule
	limit    int
	ttl      time.Duration
	timeout  time.Duration
	fallback bool
	blobs    blob.Store
	blobKey  string
	logger   *slog.Logger
	metrics  *metrics.Registry
}

// New wires a Service. A nil cache selects an in-process LRU; a nil index
// selects an empty SimilarityIndex with default settings.
func New(cat Catalog, docs DocStore, c cache.Cache, idx *search.SimilarityIndex, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	if c == nil {
		c = cache.NewMemoryCache(0, ttl)
	}
	if idx == nil {
		idx = search.NewSimilarityIndex(search.Options{Logger: logger})
	}
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	limit := opts.ResultLimit
	switch {
	case limit == 0:
		limit = DefaultResultLimit
	case limit < 0:
		limit = 0
	}
	key := opts.SnapshotKey
	if key == "" {
		key = DefaultSnapshotKey
	}
	return &Service{
		catalog:  cat,
		docs:     docs,
		cache:    c,
		index:    idx,
		rules:    rules,
		limit:    limit,
		ttl:      ttl,
		timeout:  opts.ReadTimeout,
		fallback: opts.FullScanFallback,
		blobs:    opts.Snapshots,
		blobKey:  key,
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

// Index exposes the similarity index.
func (s *Service) Index() *search.SimilarityIndex { return s.index }

func (s *Service) readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// invalidate deletes cache entries for ids. Failures are logged and
// swallowed; the TTL bounds the staleness they can cause. It runs on a
// context detached from ctx's cancellation so a timed-out bulk update still
// invalidates what it committed.
func (s *Service) invalidate(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	failed := 0
	var last error
	for _, id := range ids {
		if err := s.cache.Delete(ictx, cache.GeneKey(id)); err != nil {
			failed++
			last = err
		}
	}
	if failed > 0 {
		s.logger.Warn("cache invalidation failed",
			"failed", failed, "total", len(ids), "ttl", s.ttl.String(), "error", last)
	}
}
