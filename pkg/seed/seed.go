// Package seed generates and loads the demonstration dataset: projects and
// experiments in the catalog, gene documents in the document store, and
// their relational projection for grouped statistics.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
)

// Config sizes the generated dataset.
type Config struct {
	Projects    int
	Experiments int
	Genes       int
	Seed        int64
	// Force seeds even when the catalog already holds projects.
	Force     bool
	BatchSize int
}

// DefaultConfig mirrors the demo dataset: 100 projects, 200 experiments and
// 10,000 genes.
func DefaultConfig() Config {
	return Config{Projects: 100, Experiments: 200, Genes: 10000, Seed: 1, BatchSize: 1000}
}

// Biotypes assigned to generated genes.
var Biotypes = []string{"protein_coding", "lncRNA", "miRNA", "pseudogene"}

// Experiment is a generated experiment referencing its project by position.
type Experiment struct {
	ProjectIndex int
	model.Experiment
}

// Gene is a generated document referencing its experiment by position.
type Gene struct {
	ExperimentIndex int
	SequenceLength  int
	Doc             *model.GeneDocument
}

// Dataset is the output of Generate, ready to load.
type Dataset struct {
	Projects    []model.Project
	Experiments []Experiment
	Genes       []Gene
}

var (
	adjectives = []string{"Integrated", "Comparative", "Longitudinal", "Single-cell", "Spatial", "Functional", "Clinical", "Population"}
	subjects   = []string{"Transcriptome", "Epigenome", "Tumor Atlas", "Immune Profiling", "Liver Cohort", "Neural Development", "Microbiome", "Variant Screen"}
	sources    = []string{"GEO", "ENA", "TCGA", "in-house"}
)

// Generate builds a dataset deterministically from cfg.Seed.
func Generate(cfg Config) (*Dataset, error) {
	if cfg.Projects <= 0 || cfg.Experiments <= 0 || cfg.Genes < 0 {
		return nil, apperror.New("seed.Generate", apperror.KindInvalidArgument, "",
			"projects and experiments must be positive, genes non-negative")
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ds := &Dataset{}

	for i := 0; i < cfg.Projects; i++ {
		ds.Projects = append(ds.Projects, model.Project{
			Name:        fmt.Sprintf("%s %s %03d", pick(rng, adjectives), pick(rng, subjects), i+1),
			Description: fmt.Sprintf("%s study of %s samples", pick(rng, adjectives), pick(rng, subjects)),
			Source:      pick(rng, sources),
			CreatedAt:   base.Add(time.Duration(rng.Intn(365*24)) * time.Hour),
		})
	}
	for i := 0; i < cfg.Experiments; i++ {
		id, err := uuid.NewRandomFromReader(rng)
		if err != nil {
			return nil, apperror.Wrap("seed.Generate", err)
		}
		ds.Experiments = append(ds.Experiments, Experiment{
			ProjectIndex: rng.Intn(cfg.Projects),
			Experiment: model.Experiment{
				Name:        "Exp-" + id.String()[:8],
				Description: fmt.Sprintf("%s run", pick(rng, subjects)),
			},
		})
	}
	for i := 0; i < cfg.Genes; i++ {
		id, err := uuid.NewRandomFromReader(rng)
		if err != nil {
			return nil, apperror.Wrap("seed.Generate", err)
		}
		ds.Genes = append(ds.Genes, Gene{
			ExperimentIndex: rng.Intn(cfg.Experiments),
			SequenceLength:  100 + rng.Intn(1901),
			Doc: &model.GeneDocument{
				ID:              id.String(),
				GeneSymbol:      fmt.Sprintf("GENE-%d", 1000+rng.Intn(9000)),
				SequenceSnippet: snippet(rng, 50),
				ExpressionScore: expression(rng),
				GCContent:       20 + rng.Float64()*60,
				Metadata: map[string]any{
					model.MetaBiotype:    pick(rng, Biotypes),
					model.MetaChromosome: chromosome(rng),
				},
				Timestamp: base.Add(time.Duration(rng.Int63n(int64(365 * 24 * time.Hour)))),
			},
		})
	}
	return ds, nil
}

func pick(rng *rand.Rand, from []string) string { return from[rng.Intn(len(from))] }

// expression draws from a two-component normal mixture: 30% around 30±10
// and 70% around 70±15, clamped at zero.
func expression(rng *rand.Rand) float64 {
	var v float64
	if rng.Float64() < 0.3 {
		v = 30 + rng.NormFloat64()*10
	} else {
		v = 70 + rng.NormFloat64()*15
	}
	return math.Max(0, v)
}

func chromosome(rng *rand.Rand) string {
	c := fmt.Sprintf("chr%d", 1+rng.Intn(23))
	if rng.Float64() < 0.05 {
		c = "chrX"
	}
	if rng.Float64() < 0.05 {
		c = "chrY"
	}
	return c
}

func snippet(rng *rand.Rand, n int) string {
	const bases = "ACGT"
	b := make([]byte, n)
	for i := range b {
		b[i] = bases[rng.Intn(len(bases))]
	}
	return string(b)
}

// Catalog is the relational side Run writes to.
type Catalog interface {
	CountProjects(ctx context.Context) (int64, error)
	CreateProject(ctx context.Context, p model.Project) (int64, error)
	CreateExperiment(ctx context.Context, e model.Experiment) (int64, error)
	UpsertGeneMetadata(ctx context.Context, rows ...model.GeneMetadata) error
}

// DocStore is the document side Run writes to.
type DocStore interface {
	InsertMany(ctx context.Context, docs []*model.GeneDocument) error
}

// Summary reports what Run loaded.
type Summary struct {
	Skipped     bool          `json:"skipped"`
	Projects    int           `json:"projects"`
	Experiments int           `json:"experiments"`
	Genes       int           `json:"genes"`
	Duration    time.Duration `json:"duration"`
}

// Run generates a dataset and loads it. It does nothing when the catalog
// already has projects, unless cfg.Force is set.
func Run(ctx context.Context, cat Catalog, docs DocStore, cfg Config, logger *slog.Logger) (*Summary, error) {
	const op = "seed.Run"
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	start := time.Now()

	n, err := cat.CountProjects(ctx)
	if err != nil {
		return nil, apperror.Wrap(op, err)
	}
	if n > 0 && !cfg.Force {
		logger.Info("catalog already seeded, skipping", "projects", n)
		return &Summary{Skipped: true}, nil
	}

	ds, err := Generate(cfg)
	if err != nil {
		return nil, err
	}

	projectIDs := make([]int64, len(ds.Projects))
	for i, p := range ds.Projects {
		if projectIDs[i], err = cat.CreateProject(ctx, p); err != nil {
			return nil, apperror.Wrap(op, err)
		}
	}
	experimentIDs := make([]int64, len(ds.Experiments))
	for i, e := range ds.Experiments {
		e.ProjectID = projectIDs[e.ProjectIndex]
		if experimentIDs[i], err = cat.CreateExperiment(ctx, e.Experiment); err != nil {
			return nil, apperror.Wrap(op, err)
		}
	}
	logger.Info("catalog seeded", "projects", len(projectIDs), "experiments", len(experimentIDs))

	for lo := 0; lo < len(ds.Genes); lo += cfg.BatchSize {
		hi := min(lo+cfg.BatchSize, len(ds.Genes))
		batch := make([]*model.GeneDocument, 0, hi-lo)
		rows := make([]model.GeneMetadata, 0, hi-lo)
		for _, g := range ds.Genes[lo:hi] {
			g.Doc.ExperimentID = experimentIDs[g.ExperimentIndex]
			batch = append(batch, g.Doc)
			rows = append(rows, model.GeneMetadata{
				GeneID:         g.Doc.ID,
				GeneSymbol:     g.Doc.GeneSymbol,
				ExperimentID:   g.Doc.ExperimentID,
				Chromosome:     g.Doc.Chromosome(),
				SequenceLength: g.SequenceLength,
			})
		}
		if err := docs.InsertMany(ctx, batch); err != nil {
			return nil, apperror.Wrap(op, err)
		}
		if err := cat.UpsertGeneMetadata(ctx, rows...); err != nil {
			return nil, apperror.Wrap(op, err)
		}
		logger.Debug("genes loaded", "loaded", hi, "total", len(ds.Genes))
	}

	sum := &Summary{
		Projects:    len(projectIDs),
		Experiments: len(experimentIDs),
		Genes:       len(ds.Genes),
		Duration:    time.Since(start),
	}
	logger.Info("seeding complete", "genes", sum.Genes, "duration", sum.Duration.String())
	return sum, nil
}
