package catalog

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
)

const projectColumns = `p.id, p.name, p.description, p.source, p.created_at,
	(SELECT COUNT(*) FROM experiments e WHERE e.project_id = p.id)`

// GetProject fetches one project with its experiment count.
func (c *Catalog) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	const op = "catalog.GetProject"
	row := c.db.QueryRowContext(ctx, c.rebind(`SELECT `+projectColumns+` FROM projects p WHERE p.id = ?`), id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(op, apperror.KindNotFound, strconv.FormatInt(id, 10), "project does not exist")
	}
	if err != nil {
		return nil, wrap(op, err)
	}
	return p, nil
}

// CountProjects is used by the seeder to detect an already populated catalog.
func (c *Catalog) CountProjects(ctx context.Context) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&n); err != nil {
		return 0, wrap("catalog.CountProjects", err)
	}
	return n, nil
}

// CreateProject inserts a project and returns its id.
func (c *Catalog) CreateProject(ctx context.Context, p model.Project) (int64, error) {
	const op = "catalog.CreateProject"
	if p.Name == "" {
		return 0, apperror.New(op, apperror.KindInvalidArgument, "", "project name is required")
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = c.nowFunc()
	}
	var id int64
	err := c.db.QueryRowContext(ctx,
		c.rebind(`INSERT INTO projects (name, description, source, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
		p.Name, p.Description, p.Source, c.timeArg(created),
	).Scan(&id)
	if err != nil {
		return 0, wrap(op, err)
	}
	return id, nil
}

// CreateExperiment inserts an experiment under an existing project.
func (c *Catalog) CreateExperiment(ctx context.Context, e model.Experiment) (int64, error) {
	const op = "catalog.CreateExperiment"
	if e.Name == "" {
		return 0, apperror.New(op, apperror.KindInvalidArgument, "", "experiment name is required")
	}
	if _, err := c.GetProject(ctx, e.ProjectID); err != nil {
		return 0, apperror.Wrap(op, err)
	}
	var id int64
	err := c.db.QueryRowContext(ctx,
		c.rebind(`INSERT INTO experiments (project_id, name, description) VALUES (?, ?, ?) RETURNING id`),
		e.ProjectID, e.Name, e.Description,
	).Scan(&id)
	if err != nil {
		return 0, wrap(op, err)
	}
	return id, nil
}

// ListExperiments returns the experiments of a project ordered by id.
// An unknown project yields an empty list; callers check existence with
// GetProject first.
func (c *Catalog) ListExperiments(ctx context.Context, projectID int64) ([]model.Experiment, error) {
	const op = "catalog.ListExperiments"
	rows, err := c.db.QueryContext(ctx,
		c.rebind(`SELECT id, project_id, name, description FROM experiments WHERE project_id = ? ORDER BY id`),
		projectID)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.Experiment{}
	for rows.Next() {
		var e model.Experiment
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Name, &e.Description); err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(r rowScanner) (*model.Project, error) {
	var (
		p  model.Project
		ts scanTime
	)
	if err := r.Scan(&p.ID, &p.Name, &p.Description, &p.Source, &ts, &p.ExperimentCount); err != nil {
		return nil, err
	}
	p.CreatedAt = ts.t
	return &p, nil
}
