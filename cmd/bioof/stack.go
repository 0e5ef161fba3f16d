package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jeffreymariaraj/BioOF/pkg/blob"
	"github.com/jeffreymariaraj/BioOF/pkg/cache"
	"github.com/jeffreymariaraj/BioOF/pkg/catalog"
	"github.com/jeffreymariaraj/BioOF/pkg/config"
	"github.com/jeffreymariaraj/BioOF/pkg/docstore"
	"github.com/jeffreymariaraj/BioOF/pkg/hybrid"
	"github.com/jeffreymariaraj/BioOF/pkg/logging"
	"github.com/jeffreymariaraj/BioOF/pkg/metrics"
	"github.com/jeffreymariaraj/BioOF/pkg/search"
)

// stack is every store the service needs, opened from configuration.
type stack struct {
	cfg     *config.Config
	logger  *slog.Logger
	catalog *catalog.Catalog
	docs    *docstore.Store
	cache   cache.Cache
	blobs   blob.Store
	metrics *metrics.Registry
	svc     *hybrid.Service

	closers []func() error
}

func openStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *stack, err error) {
	st := &stack{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()

	driver, err := catalog.ParseDriver(cfg.Catalog.Driver)
	if err != nil {
		return nil, err
	}
	if driver == catalog.DriverSQLite {
		if err := ensureParent(cfg.Catalog.DSN); err != nil {
			return nil, err
		}
	}
	st.catalog, err = catalog.Open(ctx, catalog.Options{Driver: driver, DSN: cfg.Catalog.DSN, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	st.closers = append(st.closers, st.catalog.Close)

	st.docs, err = docstore.Open(docstore.Options{
		DataDir:    cfg.DocStore.DataDir,
		InMemory:   cfg.DocStore.InMemory,
		SyncWrites: cfg.DocStore.SyncWrites,
		BatchSize:  cfg.DocStore.BatchSize,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening document store: %w", err)
	}
	st.closers = append(st.closers, st.docs.Close)

	switch cfg.Cache.Backend {
	case "badger":
		bc, err := cache.OpenBadgerCache(cache.BadgerCacheOptions{
			DataDir:  cfg.Cache.DataDir,
			InMemory: cfg.DocStore.InMemory,
			TTL:      cfg.Cache.TTL,
			Logger:   logging.Badger(logger),
		})
		if err != nil {
			return nil, fmt.Errorf("opening cache: %w", err)
		}
		st.cache = bc
		st.closers = append(st.closers, bc.Close)
	default:
		st.cache = cache.NewMemoryCache(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	}

	switch cfg.Index.SnapshotBlob {
	case "fs":
		st.blobs, err = blob.NewFS(cfg.Index.SnapshotPath)
	case "s3":
		s3 := cfg.Index.S3
		st.blobs, err = blob.NewS3(ctx, blob.S3Config{
			Region:          s3.Region,
			Bucket:          s3.Bucket,
			Endpoint:        s3.Endpoint,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			PathStyle:       s3.PathStyle,
			Prefix:          s3.Prefix,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("opening snapshot storage: %w", err)
	}

	idx := search.NewSimilarityIndex(search.Options{
		HNSW: search.HNSWConfig{
			M:              cfg.Index.M,
			EfConstruction: cfg.Index.EfConstruction,
			EfSearch:       cfg.Index.EfSearch,
			Seed:           cfg.Index.Seed,
		},
		DefaultK: cfg.Index.DefaultK,
		Logger:   logger,
	})

	st.svc = hybrid.New(st.catalog, st.docs, st.cache, idx, hybrid.Options{
		ResultLimit:      cfg.Query.ResultLimit,
		CacheTTL:         cfg.Cache.TTL,
		ReadTimeout:      cfg.Query.Timeout,
		FullScanFallback: cfg.Index.FullScanFallback,
		Snapshots:        st.blobs,
		Logger:           logger,
		Metrics:          st.metrics,
	})
	return st, nil
}

// Close releases stores in reverse open order.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}
