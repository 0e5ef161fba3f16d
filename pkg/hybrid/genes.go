package hybrid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
	"github.com/jeffreymariaraj/BioOF/pkg/cache"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
)

// Provenance values for GeneResult.ServedFrom.
const (
	ServedFromCache = "cache"
	ServedFromStore = "store"
)

// GeneResult is a single gene with its provenance.
type GeneResult struct {
	Gene       *model.GeneDocument `json:"gene_document"`
	ServedFrom string              `json:"served_from"`
}

// GetGene is the cache-aside read path. A cache that errors or holds an
// undecodable entry is treated as a miss; only the document store decides
// NotFound.
func (s *Service) GetGene(ctx context.Context, id string) (res *GeneResult, err error) {
	const op = "hybrid.GetGene"
	defer s.metrics.ObserveOp(op, time.Now(), &err)

	if strings.TrimSpace(id) == "" {
		return nil, apperror.New(op, apperror.KindInvalidArgument, "", "gene id is required")
	}
	ctx, cancel := s.readContext(ctx)
	defer cancel()

	key := cache.GeneKey(id)
	data, ok, cerr := s.cache.Get(ctx, key)
	switch {
	case cerr != nil:
		s.logger.Warn("cache read failed", "gene_id", id, "error", cerr)
	case ok:
		doc, derr := model.DecodeGene(data)
		if derr == nil {
			s.metrics.CacheHit()
			return &GeneResult{Gene: doc, ServedFrom: ServedFromCache}, nil
		}
		s.logger.Warn("dropping undecodable cache entry", "gene_id", id, "error", derr)
		s.invalidate(ctx, []string{id})
	}
	s.metrics.CacheMiss()

	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, apperror.WrapID(op, id, err)
	}
	if data, eerr := model.EncodeGene(doc); eerr == nil {
		if serr := s.cache.Set(ctx, key, data, s.ttl); serr != nil {
			s.logger.Warn("cache populate failed", "gene_id", id, "error", serr)
		}
	}
	return &GeneResult{Gene: doc, ServedFrom: ServedFromStore}, nil
}

// IngestGene stores a new gene document. The id is generated when empty,
// registered attributes missing from the document get their defaults, and
// metadata keys unknown to the registry are rejected. The document insert
// claims the id; if the relational projection then fails to write, the
// document is removed again so the ingest can be retried with the same id.
func (s *Service) IngestGene(ctx context.Context, doc *model.GeneDocument, sequenceLength int) (out *model.GeneDocument, err error) {
	const op = "hybrid.IngestGene"
	defer s.metrics.ObserveOp(op, time.Now(), &err)

	if doc == nil {
		return nil, apperror.New(op, apperror.KindInvalidArgument, "", "document is required")
	}
	doc = doc.Clone()
	if err := doc.Validate(); err != nil {
		return nil, &apperror.Error{Op: op, Kind: apperror.KindInvalidArgument, ID: doc.ID, Err: err}
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Timestamp.IsZero() {
		doc.Timestamp = time.Now().UTC()
	}
	if sequenceLength <= 0 {
		sequenceLength = len(doc.SequenceSnippet)
	}

	attrs, err := s.catalog.ListAttributes(ctx)
	if err != nil {
		return nil, apperror.WrapID(op, doc.ID, err)
	}
	if err := s.conform(doc, attrs); err != nil {
		return nil, &apperror.Error{Op: op, Kind: apperror.KindInvalidArgument, ID: doc.ID, Err: err}
	}

	if err := s.docs.Insert(ctx, doc); err != nil {
		return nil, apperror.WrapID(op, doc.ID, err)
	}
	err = s.catalog.UpsertGeneMetadata(ctx, model.GeneMetadata{
		GeneID:         doc.ID,
		GeneSymbol:     doc.GeneSymbol,
		ExperimentID:   doc.ExperimentID,
		Chromosome:     doc.Chromosome(),
		SequenceLength: sequenceLength,
	})
	if err != nil {
		if derr := s.docs.Delete(context.WithoutCancel(ctx), doc.ID); derr != nil {
			s.logger.Error("rolling back document insert failed", "gene_id", doc.ID, "error", derr)
		}
		return nil, apperror.WrapID(op, doc.ID, err)
	}
	s.invalidate(ctx, []string{doc.ID})

	indexed, err := s.index.Insert(doc)
	switch {
	case err != nil:
		s.logger.Warn("incremental index insert failed", "gene_id", doc.ID, "error", err)
	case !indexed:
		s.logger.Debug("similarity index not built; gene waits for next rebuild", "gene_id", doc.ID)
	default:
		s.metrics.IndexSize(s.index.Size())
	}
	return doc, nil
}

var errUnregistered = errors.New("metadata key not in schema registry")

// conform fills registered defaults and coerces supplied values to their
// declared types, then applies propagation rules whose derived field is
// registered. Metadata keys the registry does not know are rejected.
func (s *Service) conform(doc *model.GeneDocument, attrs []model.SchemaAttribute) error {
	known := map[string]struct{}{model.MetaBiotype: {}, model.MetaChromosome: {}}
	for _, a := range attrs {
		known[a.Name] = struct{}{}
		if v, ok := doc.Metadata[a.Name]; ok {
			typed, err := a.DataType.Coerce(v)
			if err != nil {
				return fmt.Errorf("%s: %w", a.Name, err)
			}
			doc.Metadata[a.Name] = typed
			continue
		}
		v, err := a.DataType.Parse(a.DefaultValue)
		if err != nil {
			return err
		}
		doc.Metadata[a.Name] = v
	}
	for k := range doc.Metadata {
		if _, ok := known[k]; !ok {
			return fmt.Errorf("%w: %q", errUnregistered, k)
		}
	}
	for _, a := range attrs {
		r, ok := s.ruleFor(a.Name)
		if !ok {
			continue
		}
		if _, registered := known[r.DerivedField]; registered {
			doc.Metadata[r.DerivedField] = r.Derive(doc.Metadata[a.Name])
		}
	}
	return nil
}
