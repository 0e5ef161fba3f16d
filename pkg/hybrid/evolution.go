package hybrid

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
)

// Stage is a schema evolution state.
type Stage string

const (
	StageRegistering Stage = "REGISTERING"
	StageInjecting   Stage = "INJECTING"
	StagePropagating Stage = "PROPAGATING"
	StageDone        Stage = "DONE"
	StageFailed      Stage = "FAILED"
)

// PropagationRule derives DerivedField on every document from the value of
// the Trigger attribute. Derive must be a pure function.
//
// The derived field is registered like any evolved attribute before it is
// written. DerivedType defaults to bool and DerivedDefault to the type's
// zero value.
type PropagationRule struct {
	Trigger        string
	DerivedField   string
	DerivedType    model.DataType
	DerivedDefault string
	Derive         func(value any) any
}

// DefaultRules returns the built-in rule table: a "status" attribute drives
// a boolean "validated" flag.
func DefaultRules() []PropagationRule {
	return []PropagationRule{{
		Trigger:        "status",
		DerivedField:   "validated",
		DerivedType:    model.TypeBool,
		DerivedDefault: "false",
		Derive: func(v any) any {
			s, _ := v.(string)
			return strings.EqualFold(s, "Validated")
		},
	}}
}

func (r PropagationRule) derivedAttribute() model.SchemaAttribute {
	dt := r.DerivedType
	if dt == "" {
		dt = model.TypeBool
	}
	def := r.DerivedDefault
	if def == "" {
		switch dt {
		case model.TypeBool:
			def = "false"
		case model.TypeInt, model.TypeFloat:
			def = "0"
		}
	}
	return model.SchemaAttribute{Name: r.DerivedField, DataType: dt, DefaultValue: def}
}

func (s *Service) ruleFor(attribute string) (PropagationRule, bool) {
	for _, r := range s.rules {
		if strings.EqualFold(r.Trigger, attribute) {
			return r, true
		}
	}
	return PropagationRule{}, false
}

// EvolveRequest describes a new attribute.
type EvolveRequest struct {
	Attribute    string `json:"attribute_name"`
	DefaultValue string `json:"default_value"`
	DataType     string `json:"data_type"`
}

// EvolutionResult reports how far an evolution got.
type EvolutionResult struct {
	Attribute        string                  `json:"attribute"`
	DocumentsUpdated int                     `json:"documents_updated"`
	DerivedUpdated   int                     `json:"derived_updated"`
	Stage            Stage                   `json:"stage"`
	CurrentSchema    []model.SchemaAttribute `json:"current_schema,omitempty"`
}

// EvolveSchema registers a new attribute and backfills its default into
// every document missing it. A registered name yields Conflict, including
// one differing only in case; use
// ResumeEvolution to finish an evolution that stopped after registration.
//
// The returned result is non-nil whenever registration succeeded, including
// on error, and its Stage names where the evolution stopped.
func (s *Service) EvolveSchema(ctx context.Context, req EvolveRequest) (res *EvolutionResult, err error) {
	const op = "hybrid.EvolveSchema"
	defer s.metrics.ObserveOp(op, time.Now(), &err)

	attr, value, err := s.parseRequest(req)
	if err != nil {
		return nil, &apperror.Error{Op: op, Kind: apperror.KindInvalidArgument, ID: req.Attribute, Err: err}
	}

	s.enter(attr.Name, StageRegistering)
	registered, err := s.catalog.RegisterAttribute(ctx, attr)
	if err != nil {
		if apperror.KindOf(err) != apperror.KindConflict {
			s.enter(attr.Name, StageFailed)
		}
		return nil, apperror.WrapID(op, attr.Name, err)
	}
	return s.backfill(ctx, op, *registered, value)
}

// ResumeEvolution re-runs injection and propagation for an attribute that
// is already registered, using the registry's default value. It is the
// retry path after a Timeout or Unavailable failure during injection.
func (s *Service) ResumeEvolution(ctx context.Context, name string) (res *EvolutionResult, err error) {
	const op = "hybrid.ResumeEvolution"
	defer s.metrics.ObserveOp(op, time.Now(), &err)

	if strings.TrimSpace(name) == "" {
		return nil, apperror.New(op, apperror.KindInvalidArgument, "", "attribute name is required")
	}
	attr, err := s.catalog.GetAttribute(ctx, name)
	if err != nil {
		return nil, apperror.WrapID(op, name, err)
	}
	value, err := attr.DataType.Parse(attr.DefaultValue)
	if err != nil {
		return nil, &apperror.Error{Op: op, Kind: apperror.KindInternal, ID: name, Err: err}
	}
	return s.backfill(ctx, op, *attr, value)
}

func (s *Service) parseRequest(req EvolveRequest) (model.SchemaAttribute, any, error) {
	name := strings.TrimSpace(req.Attribute)
	if err := model.ValidateAttributeName(name); err != nil {
		return model.SchemaAttribute{}, nil, err
	}
	for _, r := range s.rules {
		if strings.EqualFold(r.DerivedField, name) {
			return model.SchemaAttribute{}, nil, fmt.Errorf("%w: %q is written by propagation", model.ErrInvalidAttribute, name)
		}
	}
	dt, err := model.ParseDataType(req.DataType)
	if err != nil {
		return model.SchemaAttribute{}, nil, err
	}
	value, err := dt.Parse(req.DefaultValue)
	if err != nil {
		return model.SchemaAttribute{}, nil, err
	}
	return model.SchemaAttribute{Name: name, DataType: dt, DefaultValue: req.DefaultValue}, value, nil
}

// backfill runs INJECTING and PROPAGATING. Both steps only touch documents
// whose stored value differs from the target, so re-running them converges.
func (s *Service) backfill(ctx context.Context, op string, attr model.SchemaAttribute, value any) (*EvolutionResult, error) {
	res := &EvolutionResult{Attribute: attr.Name}

	res.Stage = StageInjecting
	s.enter(attr.Name, StageInjecting)
	inj, err := s.docs.InjectFieldIfAbsent(ctx, attr.Name, value)
	res.DocumentsUpdated = len(inj.Updated)
	s.invalidate(ctx, inj.Updated)
	if err != nil {
		return s.stopped(op, res, attr.Name, err)
	}
	s.logger.Info("attribute injected", "attribute", attr.Name, "updated", res.DocumentsUpdated, "scanned", inj.Scanned)

	if rule, ok := s.ruleFor(attr.Name); ok {
		res.Stage = StagePropagating
		s.enter(attr.Name, StagePropagating)
		if err := s.registerDerived(ctx, rule); err != nil {
			return s.stopped(op, res, attr.Name, err)
		}
		prop, err := s.docs.ApplyDerived(ctx, rule.DerivedField, func(doc *model.GeneDocument) (any, bool) {
			v, ok := doc.Field(attr.Name)
			if !ok {
				return nil, false
			}
			return rule.Derive(v), true
		})
		res.DerivedUpdated = len(prop.Updated)
		s.invalidate(ctx, prop.Updated)
		if err != nil {
			return s.stopped(op, res, attr.Name, err)
		}
		s.logger.Info("derived field propagated",
			"attribute", attr.Name, "field", rule.DerivedField, "updated", res.DerivedUpdated)
	}

	res.Stage = StageDone
	s.enter(attr.Name, StageDone)
	schema, err := s.catalog.ListAttributes(ctx)
	if err != nil {
		s.logger.Warn("listing schema after evolution failed", "attribute", attr.Name, "error", err)
	}
	res.CurrentSchema = schema
	return res, nil
}

// registerDerived adds the rule's derived field to the registry. An entry
// left by an earlier run of the same rule is accepted.
func (s *Service) registerDerived(ctx context.Context, rule PropagationRule) error {
	_, err := s.catalog.RegisterAttribute(ctx, rule.derivedAttribute())
	if apperror.KindOf(err) == apperror.KindConflict {
		return nil
	}
	return err
}

// stopped classifies a backfill failure. Timeout and Unavailable leave the
// evolution resumable at its current stage; anything else fails it.
func (s *Service) stopped(op string, res *EvolutionResult, name string, err error) (*EvolutionResult, error) {
	if apperror.Retryable(err) {
		s.logger.Warn("evolution interrupted, resumable",
			"attribute", name, "stage", res.Stage, "updated", res.DocumentsUpdated, "error", err)
		return res, &apperror.Error{
			Op:   op,
			Kind: apperror.KindOf(err),
			ID:   name,
			Err:  fmt.Errorf("stopped at %s, retry with ResumeEvolution(%q): %w", res.Stage, name, err),
		}
	}
	s.logger.Error("evolution failed", "attribute", name, "stage", res.Stage, "error", err)
	res.Stage = StageFailed
	s.enter(name, StageFailed)
	return res, apperror.WrapID(op, name, err)
}

func (s *Service) enter(name string, stage Stage) {
	s.metrics.EvolutionStage(string(stage))
	s.logger.Debug("evolution stage", "attribute", name, "stage", stage)
}

// ActiveSchema lists the registry in creation order.
func (s *Service) ActiveSchema(ctx context.Context) (attrs []model.SchemaAttribute, err error) {
	const op = "hybrid.ActiveSchema"
	defer s.metrics.ObserveOp(op, time.Now(), &err)

	ctx, cancel := s.readContext(ctx)
	defer cancel()
	attrs, err = s.catalog.ListAttributes(ctx)
	if err != nil {
		return nil, apperror.Wrap(op, err)
	}
	if attrs == nil {
		attrs = []model.SchemaAttribute{}
	}
	return attrs, nil
}
