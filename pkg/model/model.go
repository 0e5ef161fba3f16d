// Package model holds the entities shared by the catalog, the document
// store and the orchestration services.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jeffreymariaraj/BioOF/pkg/convert"
)

// Well-known metadata keys present on every gene document.
const (
	MetaBiotype    = "biotype"
	MetaChromosome = "chromosome"
)

var (
	// ErrMissingField marks a stored gene document without a required numeric field.
	ErrMissingField = errors.New("required field missing")
	// ErrInvalidDocument marks a caller-supplied document with out-of-range values.
	ErrInvalidDocument = errors.New("invalid gene document")
	// ErrInvalidAttribute marks a malformed schema attribute definition.
	ErrInvalidAttribute = errors.New("invalid schema attribute")
)

// Project is a relational catalog row.
type Project struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Source          string    `json:"source"`
	ExperimentCount int       `json:"experiment_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// Experiment belongs to exactly one project.
type Experiment struct {
	ID          int64  `json:"id"`
	ProjectID   int64  `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// GeneDocument is a per-gene record in the document store. Known fields are
// typed; Metadata carries biotype, chromosome and every evolved attribute.
// ExperimentID is a soft reference, never enforced by either store.
type GeneDocument struct {
	ID              string         `json:"id"`
	ExperimentID    int64          `json:"experiment_id"`
	GeneSymbol      string         `json:"gene_symbol"`
	SequenceSnippet string         `json:"sequence_snippet"`
	ExpressionScore float64        `json:"expression_score"`
	GCContent       float64        `json:"gc_content"`
	Metadata        map[string]any `json:"metadata"`
	Timestamp       time.Time      `json:"timestamp,omitzero"`
}

// geneWire mirrors GeneDocument with pointers so absent numbers are detectable.
type geneWire struct {
	ID              string         `json:"id"`
	ExperimentID    int64          `json:"experiment_id"`
	GeneSymbol      string         `json:"gene_symbol"`
	SequenceSnippet string         `json:"sequence_snippet"`
	ExpressionScore *float64       `json:"expression_score"`
	GCContent       *float64       `json:"gc_content"`
	Metadata        map[string]any `json:"metadata"`
	Timestamp       time.Time      `json:"timestamp,omitzero"`
}

// DecodeGene parses a stored document. A missing or null expression_score
// or gc_content is reported as ErrMissingField.
func DecodeGene(data []byte) (*GeneDocument, error) {
	var w geneWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode gene: %w", err)
	}
	if w.ExpressionScore == nil {
		return nil, fmt.Errorf("gene %q: expression_score: %w", w.ID, ErrMissingField)
	}
	if w.GCContent == nil {
		return nil, fmt.Errorf("gene %q: gc_content: %w", w.ID, ErrMissingField)
	}
	if w.Metadata == nil {
		w.Metadata = map[string]any{}
	}
	return &GeneDocument{
		ID:              w.ID,
		ExperimentID:    w.ExperimentID,
		GeneSymbol:      w.GeneSymbol,
		SequenceSnippet: w.SequenceSnippet,
		ExpressionScore: *w.ExpressionScore,
		GCContent:       *w.GCContent,
		Metadata:        w.Metadata,
		Timestamp:       w.Timestamp,
	}, nil
}

// EncodeGene serializes a document for storage.
func EncodeGene(g *GeneDocument) ([]byte, error) {
	return json.Marshal(g)
}

// Validate checks caller-supplied values before a write.
func (g *GeneDocument) Validate() error {
	switch {
	case g.ExperimentID < 0:
		return fmt.Errorf("%w: experiment_id must be non-negative", ErrInvalidDocument)
	case math.IsNaN(g.ExpressionScore) || math.IsInf(g.ExpressionScore, 0) || g.ExpressionScore < 0:
		return fmt.Errorf("%w: expression_score must be a finite non-negative number", ErrInvalidDocument)
	case math.IsNaN(g.GCContent) || g.GCContent < 0 || g.GCContent > 100:
		return fmt.Errorf("%w: gc_content must be within [0, 100]", ErrInvalidDocument)
	}
	return nil
}

// Clone returns a copy whose metadata map can be mutated independently.
func (g *GeneDocument) Clone() *GeneDocument {
	c := *g
	c.Metadata = make(map[string]any, len(g.Metadata))
	for k, v := range g.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// Field returns a metadata value.
func (g *GeneDocument) Field(name string) (any, bool) {
	v, ok := g.Metadata[name]
	return v, ok
}

// Chromosome is a convenience accessor for the chromosome metadata key.
func (g *GeneDocument) Chromosome() string {
	s, _ := g.Metadata[MetaChromosome].(string)
	return s
}

// DataType is the declared type of an evolved attribute.
type DataType string

const (
	TypeString DataType = "string"
	TypeInt    DataType = "int"
	TypeFloat  DataType = "float"
	TypeBool   DataType = "bool"
)

// ParseDataType normalizes a declared type; empty means string.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "string", "str", "text":
		return TypeString, nil
	case "int", "integer":
		return TypeInt, nil
	case "float", "number", "double":
		return TypeFloat, nil
	case "bool", "boolean":
		return TypeBool, nil
	}
	return "", fmt.Errorf("%w: unsupported data type %q", ErrInvalidAttribute, s)
}

// Parse converts a raw default value into the typed value stored in documents.
func (t DataType) Parse(raw string) (any, error) {
	switch t {
	case TypeInt:
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: default %q is not an int", ErrInvalidAttribute, raw)
		}
		return v, nil
	case TypeFloat:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: default %q is not a float", ErrInvalidAttribute, raw)
		}
		return v, nil
	case TypeBool:
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: default %q is not a bool", ErrInvalidAttribute, raw)
		}
		return v, nil
	default:
		return raw, nil
	}
}

// Coerce converts a caller-supplied metadata value to t. Numbers decoded
// from JSON are accepted for int when they are whole.
func (t DataType) Coerce(v any) (any, error) {
	switch t {
	case TypeInt:
		if i, ok := convert.ToInt64(v); ok {
			if _, isStr := v.(string); !isStr {
				return i, nil
			}
		}
	case TypeFloat:
		if f, ok := convert.ToFloat64(v); ok {
			if _, isStr := v.(string); !isStr {
				return f, nil
			}
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	default:
		if str, ok := v.(string); ok {
			return str, nil
		}
	}
	return nil, fmt.Errorf("%w: value %v is not a %s", ErrInvalidAttribute, v, t)
}

// SchemaAttribute is an append-only registry entry describing one evolved field.
type SchemaAttribute struct {
	Name         string    `json:"name"`
	DataType     DataType  `json:"data_type"`
	DefaultValue string    `json:"default"`
	CreatedAt    time.Time `json:"created_at"`
}

var attributeName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

var reservedNames = map[string]struct{}{
	"id": {}, "_id": {}, "experiment_id": {}, "gene_symbol": {}, "sequence_snippet": {},
	"expression_score": {}, "gc_content": {}, "timestamp": {},
	MetaBiotype: {}, MetaChromosome: {},
}

// ValidateAttributeName rejects names that cannot be used as evolved fields.
func ValidateAttributeName(name string) error {
	if !attributeName.MatchString(name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidAttribute, name, attributeName.String())
	}
	if _, ok := reservedNames[strings.ToLower(name)]; ok {
		return fmt.Errorf("%w: name %q is reserved", ErrInvalidAttribute, name)
	}
	return nil
}

// ChromosomeStat is one row of the relational grouped aggregation.
type ChromosomeStat struct {
	Chromosome string  `json:"group_key"`
	Count      int64   `json:"count"`
	AvgLength  float64 `json:"avg_metric"`
}

// GCBucket is one bucket of the gc_content histogram.
type GCBucket struct {
	Label string  `json:"bucket_label"`
	Count int64   `json:"count"`
	Start float64 `json:"bucket_start"`
}

// GeneMetadata is the relational projection of a gene used for grouped stats.
type GeneMetadata struct {
	GeneID         string
	GeneSymbol     string
	ExperimentID   int64
	Chromosome     string
	SequenceLength int
}
