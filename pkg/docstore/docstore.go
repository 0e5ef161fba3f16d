// Package docstore stores gene documents in BadgerDB.
//
// Documents are JSON values under a single-byte key prefix. A secondary
// index keyed by experiment id lets the hybrid query push its experiment
// filter down to the store instead of scanning every document.
//
// Key layout:
//
//	0x01 | geneID                      -> JSON GeneDocument
//	0x02 | experimentID (8 bytes BE) | geneID -> empty
package docstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
	"github.com/jeffreymariaraj/BioOF/pkg/logging"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
)

const (
	prefixGene            = byte(0x01)
	prefixExperimentIndex = byte(0x02)
)

const defaultBatchSize = 500

// ErrClosed is returned after Close.
var ErrClosed = errors.New("document store closed")

// Options configures Open.
type Options struct {
	DataDir    string
	InMemory   bool
	SyncWrites bool
	// BatchSize bounds the documents written per transaction during bulk
	// field injection and propagation.
	BatchSize int
	Logger    *slog.Logger
}

// Store is safe for concurrent use.
type Store struct {
	db        *badger.DB
	batchSize int
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the store.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bo := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		bo = bo.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		bo = bo.WithSyncWrites(true)
	}
	bo = bo.
		WithLogger(logging.Badger(logger.With("component", "docstore"))).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(bo)
	if err != nil {
		return nil, apperror.Wrap("docstore.Open", fmt.Errorf("open badger: %w", err))
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Store{db: db, batchSize: batch, logger: logger}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) check(ctx context.Context, op string) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return &apperror.Error{Op: op, Kind: apperror.KindUnavailable, Err: ErrClosed}
	}
	return apperror.FromContext(op, ctx)
}

func geneKey(id string) []byte {
	return append([]byte{prefixGene}, id...)
}

func experimentPrefix(experimentID int64) []byte {
	key := make([]byte, 9)
	key[0] = prefixExperimentIndex
	binary.BigEndian.PutUint64(key[1:], uint64(experimentID))
	return key
}

func experimentIndexKey(experimentID int64, geneID string) []byte {
	return append(experimentPrefix(experimentID), geneID...)
}

// Insert stores a new document. An existing id yields Conflict.
func (s *Store) Insert(ctx context.Context, doc *model.GeneDocument) error {
	const op = "docstore.Insert"
	if err := s.check(ctx, op); err != nil {
		return err
	}
	if doc == nil || doc.ID == "" {
		return apperror.New(op, apperror.KindInvalidArgument, "", "document id is required")
	}
	data, err := model.EncodeGene(doc)
	if err != nil {
		return apperror.WrapID(op, doc.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(geneKey(doc.ID))
		if err == nil {
			return apperror.New(op, apperror.KindConflict, doc.ID, "document already exists")
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(geneKey(doc.ID), data); err != nil {
			return err
		}
		return txn.Set(experimentIndexKey(doc.ExperimentID, doc.ID), []byte{})
	})
	return wrap(op, doc.ID, err)
}

// InsertMany bulk-loads documents, overwriting ids that already exist
// without maintaining their old experiment index entries. Intended for
// seeding an empty store.
func (s *Store) InsertMany(ctx context.Context, docs []*model.GeneDocument) error {
	const op = "docstore.InsertMany"
	if err := s.check(ctx, op); err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, doc := range docs {
		if doc.ID == "" {
			return apperror.New(op, apperror.KindInvalidArgument, "", "document id is required")
		}
		data, err := model.EncodeGene(doc)
		if err != nil {
			return apperror.WrapID(op, doc.ID, err)
		}
		if err := wb.Set(geneKey(doc.ID), data); err != nil {
			return wrap(op, doc.ID, err)
		}
		if err := wb.Set(experimentIndexKey(doc.ExperimentID, doc.ID), []byte{}); err != nil {
			return wrap(op, doc.ID, err)
		}
	}
	return wrap(op, "", wb.Flush())
}

// Get fetches one document.
func (s *Store) Get(ctx context.Context, id string) (*model.GeneDocument, error) {
	const op = "docstore.Get"
	if err := s.check(ctx, op); err != nil {
		return nil, err
	}
	var doc *model.GeneDocument
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = getInTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, wrap(op, id, err)
	}
	return doc, nil
}

// Delete removes a document and its index entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	const op = "docstore.Delete"
	if err := s.check(ctx, op); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		doc, err := getInTxn(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(experimentIndexKey(doc.ExperimentID, id)); err != nil {
			return err
		}
		return txn.Delete(geneKey(id))
	})
	return wrap(op, id, err)
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	const op = "docstore.Count"
	if err := s.check(ctx, op); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixGene}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, wrap(op, "", err)
}

// ForEach calls fn for every document in key order. Returning an error
// from fn stops the walk.
func (s *Store) ForEach(ctx context.Context, fn func(*model.GeneDocument) error) error {
	const op = "docstore.ForEach"
	if err := s.check(ctx, op); err != nil {
		return err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixGene}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			doc, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			if err := fn(doc); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap(op, "", err)
}

// Filter selects documents for Find.
type Filter struct {
	// ExperimentIDs restricts results to these experiments. Nil means any
	// experiment; an empty non-nil slice matches nothing.
	ExperimentIDs []int64
	// MinExpressionScore is inclusive.
	MinExpressionScore float64
	// Limit caps the result after sorting; zero means unlimited.
	Limit int
}

// Find returns matching documents sorted by expression_score descending,
// ties by id ascending.
func (s *Store) Find(ctx context.Context, f Filter) ([]*model.GeneDocument, error) {
	const op = "docstore.Find"
	if err := s.check(ctx, op); err != nil {
		return nil, err
	}
	var out []*model.GeneDocument
	keep := func(doc *model.GeneDocument) {
		if doc.ExpressionScore >= f.MinExpressionScore {
			out = append(out, doc)
		}
	}

	err := s.db.View(func(txn *badger.Txn) error {
		if f.ExperimentIDs == nil {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte{prefixGene}
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				doc, err := decodeItem(it.Item())
				if err != nil {
					return err
				}
				keep(doc)
			}
			return nil
		}

		seen := make(map[int64]struct{}, len(f.ExperimentIDs))
		for _, expID := range f.ExperimentIDs {
			if _, dup := seen[expID]; dup {
				continue
			}
			seen[expID] = struct{}{}
			if err := scanExperiment(ctx, txn, expID, keep); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap(op, "", err)
	}

	sortByScore(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	if out == nil {
		out = []*model.GeneDocument{}
	}
	return out, nil
}

func scanExperiment(ctx context.Context, txn *badger.Txn, expID int64, fn func(*model.GeneDocument)) error {
	prefix := experimentPrefix(expID)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		geneID := string(it.Item().Key()[len(prefix):])
		doc, err := getInTxn(txn, geneID)
		if errors.Is(err, apperror.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		// index entries can outlive a re-insert under another experiment
		if doc.ExperimentID != expID {
			continue
		}
		fn(doc)
	}
	return nil
}

func sortByScore(docs []*model.GeneDocument) {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].ExpressionScore != docs[j].ExpressionScore {
			return docs[i].ExpressionScore > docs[j].ExpressionScore
		}
		return docs[i].ID < docs[j].ID
	})
}

func getInTxn(txn *badger.Txn, id string) (*model.GeneDocument, error) {
	item, err := txn.Get(geneKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, apperror.New("docstore.get", apperror.KindNotFound, id, "gene document does not exist")
	}
	if err != nil {
		return nil, err
	}
	return decodeItem(item)
}

func decodeItem(item *badger.Item) (*model.GeneDocument, error) {
	var doc *model.GeneDocument
	err := item.Value(func(val []byte) error {
		var err error
		doc, err = model.DecodeGene(val)
		return err
	})
	if err != nil {
		id := string(item.Key()[1:])
		return nil, &apperror.Error{Op: "docstore.decode", Kind: apperror.KindInternal, ID: id, Err: err}
	}
	return doc, nil
}

// wrap maps badger errors onto the shared taxonomy.
func wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, badger.ErrDBClosed), errors.Is(err, ErrClosed):
		return &apperror.Error{Op: op, Kind: apperror.KindUnavailable, ID: id, Err: err}
	case errors.Is(err, badger.ErrConflict):
		return &apperror.Error{Op: op, Kind: apperror.KindUnavailable, ID: id, Err: err}
	}
	if id == "" {
		return apperror.Wrap(op, err)
	}
	return apperror.WrapID(op, id, err)
}
