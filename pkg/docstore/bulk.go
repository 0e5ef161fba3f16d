package docstore

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strconv"

	"github.com/dgraph-io/badger/v4"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
)

const maxConflictRetries = 5

// BulkResult reports the documents a bulk update changed. On error it
// still lists the documents changed by batches committed before the
// failure, so callers can invalidate caches for them.
type BulkResult struct {
	Updated []string
	Scanned int
}

// InjectFieldIfAbsent sets metadata[name] = value on every document that
// does not already carry the field. Documents that have it, whatever the
// value, are left untouched, which makes the call safe to repeat after a
// partial failure.
func (s *Store) InjectFieldIfAbsent(ctx context.Context, name string, value any) (BulkResult, error) {
	return s.bulkUpdate(ctx, "docstore.InjectFieldIfAbsent", func(doc *model.GeneDocument) bool {
		if _, ok := doc.Metadata[name]; ok {
			return false
		}
		doc.Metadata[name] = value
		return true
	})
}

// DeriveFunc computes a derived field from a document. ok=false leaves the
// document unchanged.
type DeriveFunc func(doc *model.GeneDocument) (value any, ok bool)

// ApplyDerived writes metadata[field] = derive(doc) where the stored value
// differs. derive must be a pure function of the document for the call to
// be idempotent.
func (s *Store) ApplyDerived(ctx context.Context, field string, derive DeriveFunc) (BulkResult, error) {
	return s.bulkUpdate(ctx, "docstore.ApplyDerived", func(doc *model.GeneDocument) bool {
		v, ok := derive(doc)
		if !ok {
			return false
		}
		if cur, has := doc.Metadata[field]; has && reflect.DeepEqual(cur, v) {
			return false
		}
		doc.Metadata[field] = v
		return true
	})
}

type pending struct {
	key  []byte
	data []byte
	id   string
}

// bulkUpdate walks documents in key order, one transaction per batch.
// A batch that loses an optimistic conflict is re-read and retried, so a
// concurrent writer's value is seen before mutate decides.
func (s *Store) bulkUpdate(ctx context.Context, op string, mutate func(*model.GeneDocument) bool) (BulkResult, error) {
	var res BulkResult
	if err := s.check(ctx, op); err != nil {
		return res, err
	}

	start := []byte{prefixGene}
	for {
		if err := s.check(ctx, op); err != nil {
			return res, err
		}

		var (
			batch   []pending
			scanned int
			next    []byte
			done    bool
		)
		run := func(txn *badger.Txn) error {
			batch, scanned, next, done = nil, 0, nil, false
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte{prefixGene}
			it := txn.NewIterator(opts)
			for it.Seek(start); it.Valid(); it.Next() {
				if scanned == s.batchSize {
					next = it.Item().KeyCopy(nil)
					break
				}
				scanned++
				doc, err := decodeItem(it.Item())
				if err != nil {
					it.Close()
					return err
				}
				if !mutate(doc) {
					continue
				}
				data, err := model.EncodeGene(doc)
				if err != nil {
					it.Close()
					return err
				}
				batch = append(batch, pending{key: it.Item().KeyCopy(nil), data: data, id: doc.ID})
			}
			it.Close()
			if next == nil {
				done = true
			}
			for _, p := range batch {
				if err := txn.Set(p.key, p.data); err != nil {
					return err
				}
			}
			return nil
		}

		var err error
		for attempt := 0; attempt < maxConflictRetries; attempt++ {
			err = s.db.Update(run)
			if !errors.Is(err, badger.ErrConflict) {
				break
			}
			s.logger.Debug("bulk update batch conflicted, retrying", "op", op, "attempt", attempt+1)
		}
		if err != nil {
			return res, wrap(op, "", err)
		}

		res.Scanned += scanned
		for _, p := range batch {
			res.Updated = append(res.Updated, p.id)
		}
		if done {
			return res, nil
		}
		if bytes.Equal(next, start) {
			return res, apperror.New(op, apperror.KindInternal, "", "bulk update made no progress")
		}
		start = next
	}
}

// GCHistogram counts documents into gc_content buckets [b[i], b[i+1]).
// The last boundary is inclusive so 100 lands in the top bucket. Values
// outside the boundaries go to an "Other" bucket with Start -1. Results are
// ordered by bucket lower bound; empty buckets are omitted.
func (s *Store) GCHistogram(ctx context.Context, boundaries []float64) ([]model.GCBucket, error) {
	const op = "docstore.GCHistogram"
	if len(boundaries) < 2 {
		return nil, apperror.New(op, apperror.KindInvalidArgument, "", "at least two boundaries are required")
	}
	for i := 1; i < len(boundaries); i++ {
		if boundaries[i] <= boundaries[i-1] {
			return nil, apperror.New(op, apperror.KindInvalidArgument, "", "boundaries must be strictly increasing")
		}
	}

	counts := make([]int64, len(boundaries)-1)
	var other int64
	err := s.ForEach(ctx, func(doc *model.GeneDocument) error {
		i := bucketFor(boundaries, doc.GCContent)
		if i < 0 {
			other++
		} else {
			counts[i]++
		}
		return nil
	})
	if err != nil {
		return nil, apperror.Wrap(op, err)
	}

	out := []model.GCBucket{}
	if other > 0 {
		out = append(out, model.GCBucket{Label: "Other", Count: other, Start: -1})
	}
	for i, n := range counts {
		if n == 0 {
			continue
		}
		out = append(out, model.GCBucket{
			Label: bucketLabel(boundaries[i], boundaries[i+1]),
			Count: n,
			Start: boundaries[i],
		})
	}
	return out, nil
}

func bucketFor(b []float64, v float64) int {
	last := len(b) - 1
	if v < b[0] || v > b[last] {
		return -1
	}
	if v == b[last] {
		return last - 1
	}
	for i := 0; i < last; i++ {
		if v >= b[i] && v < b[i+1] {
			return i
		}
	}
	return -1
}

func bucketLabel(lo, hi float64) string {
	return trimFloat(lo) + "-" + trimFloat(hi) + "%"
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
