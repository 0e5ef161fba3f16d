package hybrid

import (
	"context"
	"math"
	"time"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
	"github.com/jeffreymariaraj/BioOF/pkg/docstore"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
)

// UnknownExperiment annotates genes whose experiment_id has no catalog row.
const UnknownExperiment = "Unknown Experiment"

// GeneMatch is a gene document annotated with its experiment name.
type GeneMatch struct {
	*model.GeneDocument
	ExperimentName string `json:"experiment_name"`
}

// QueryDetails summarizes a hybrid query.
type QueryDetails struct {
	Threshold  float64 `json:"threshold"`
	MatchCount int     `json:"match_count"`
}

// QueryResult is the joined view returned by HybridQuery.
type QueryResult struct {
	Project     *model.Project     `json:"project_metadata"`
	Experiments []model.Experiment `json:"experiments"`
	Genes       []GeneMatch        `json:"gene_data"`
	Details     QueryDetails       `json:"query_details"`
}

// HybridQuery joins a project's catalog rows with the gene documents of its
// experiments whose expression_score is at least minScore.
func (s *Service) HybridQuery(ctx context.Context, projectID int64, minScore float64) (res *QueryResult, err error) {
	const op = "hybrid.HybridQuery"
	defer s.metrics.ObserveOp(op, time.Now(), &err)

	if projectID < 0 {
		return nil, apperror.New(op, apperror.KindInvalidArgument, "", "project_id must be non-negative, got %d", projectID)
	}
	if math.IsNaN(minScore) || math.IsInf(minScore, 0) || minScore < 0 {
		return nil, apperror.New(op, apperror.KindInvalidArgument, "", "min_score must be a finite non-negative number")
	}

	ctx, cancel := s.readContext(ctx)
	defer cancel()

	project, err := s.catalog.GetProject(ctx, projectID)
	if err != nil {
		return nil, apperror.Wrap(op, err)
	}
	experiments, err := s.catalog.ListExperiments(ctx, projectID)
	if err != nil {
		return nil, apperror.Wrap(op, err)
	}

	names := make(map[int64]string, len(experiments))
	ids := make([]int64, 0, len(experiments))
	for _, e := range experiments {
		names[e.ID] = e.Name
		ids = append(ids, e.ID)
	}

	docs, err := s.docs.Find(ctx, docstore.Filter{
		ExperimentIDs:      ids,
		MinExpressionScore: minScore,
		Limit:              s.limit,
	})
	if err != nil {
		return nil, apperror.Wrap(op, err)
	}

	genes := make([]GeneMatch, 0, len(docs))
	for _, d := range docs {
		name, ok := names[d.ExperimentID]
		if !ok {
			name = UnknownExperiment
		}
		genes = append(genes, GeneMatch{GeneDocument: d, ExperimentName: name})
	}
	return &QueryResult{
		Project:     project,
		Experiments: experiments,
		Genes:       genes,
		Details:     QueryDetails{Threshold: minScore, MatchCount: len(genes)},
	}, nil
}
