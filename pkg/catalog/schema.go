package catalog

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
)

// RegisterAttribute appends an entry to the schema evolution registry.
// The case-insensitive unique index on attribute_name is the mutual
// exclusion between concurrent evolutions of the same name: the loser gets
// Conflict.
func (c *Catalog) RegisterAttribute(ctx context.Context, attr model.SchemaAttribute) (*model.SchemaAttribute, error) {
	const op = "catalog.RegisterAttribute"
	if attr.Name == "" {
		return nil, apperror.New(op, apperror.KindInvalidArgument, "", "attribute name is required")
	}
	if attr.CreatedAt.IsZero() {
		attr.CreatedAt = c.nowFunc().UTC()
	}
	res, err := c.db.ExecContext(ctx,
		c.rebind(`INSERT INTO schema_evolution_log (attribute_name, data_type, default_value, created_at)
			VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`),
		attr.Name, string(attr.DataType), attr.DefaultValue, c.timeArg(attr.CreatedAt))
	if err != nil {
		return nil, wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, wrap(op, err)
	}
	if n == 0 {
		return nil, apperror.New(op, apperror.KindConflict, attr.Name, "attribute already registered")
	}
	return &attr, nil
}

// GetAttribute looks up one registry entry.
func (c *Catalog) GetAttribute(ctx context.Context, name string) (*model.SchemaAttribute, error) {
	const op = "catalog.GetAttribute"
	row := c.db.QueryRowContext(ctx,
		c.rebind(`SELECT attribute_name, data_type, default_value, created_at FROM schema_evolution_log WHERE attribute_name = ?`),
		name)
	attr, err := scanAttribute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(op, apperror.KindNotFound, name, "attribute not registered")
	}
	if err != nil {
		return nil, wrap(op, err)
	}
	return attr, nil
}

// ListAttributes returns the registry in creation order.
func (c *Catalog) ListAttributes(ctx context.Context) ([]model.SchemaAttribute, error) {
	const op = "catalog.ListAttributes"
	rows, err := c.db.QueryContext(ctx,
		`SELECT attribute_name, data_type, default_value, created_at FROM schema_evolution_log ORDER BY created_at, id`)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.SchemaAttribute{}
	for rows.Next() {
		attr, err := scanAttribute(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, *attr)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return out, nil
}

func scanAttribute(r rowScanner) (*model.SchemaAttribute, error) {
	var (
		a  model.SchemaAttribute
		dt string
		ts scanTime
	)
	if err := r.Scan(&a.Name, &dt, &a.DefaultValue, &ts); err != nil {
		return nil, err
	}
	a.DataType = model.DataType(dt)
	a.CreatedAt = ts.t
	return &a, nil
}
