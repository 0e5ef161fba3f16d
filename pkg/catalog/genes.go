package catalog

import (
	"context"
	"fmt"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
)

const upsertGeneMetadata = `INSERT INTO gene_metadata (gene_id, gene_symbol, experiment_id, chromosome, sequence_length)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (gene_id) DO UPDATE SET
		gene_symbol = excluded.gene_symbol,
		experiment_id = excluded.experiment_id,
		chromosome = excluded.chromosome,
		sequence_length = excluded.sequence_length`

// UpsertGeneMetadata writes the relational projection of genes in a single
// transaction.
func (c *Catalog) UpsertGeneMetadata(ctx context.Context, rows ...model.GeneMetadata) error {
	const op = "catalog.UpsertGeneMetadata"
	if len(rows) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, c.rebind(upsertGeneMetadata))
	if err != nil {
		return wrap(op, err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range rows {
		if r.GeneID == "" {
			return apperror.New(op, apperror.KindInvalidArgument, "", "gene id is required")
		}
		if _, err := stmt.ExecContext(ctx, r.GeneID, r.GeneSymbol, r.ExperimentID, r.Chromosome, r.SequenceLength); err != nil {
			return wrap(op, fmt.Errorf("gene %s: %w", r.GeneID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap(op, err)
	}
	return nil
}

// ChromosomeStats groups gene_metadata by chromosome, ordered by chromosome.
func (c *Catalog) ChromosomeStats(ctx context.Context) ([]model.ChromosomeStat, error) {
	const op = "catalog.ChromosomeStats"
	rows, err := c.db.QueryContext(ctx, `SELECT chromosome, COUNT(*), AVG(sequence_length)
		FROM gene_metadata GROUP BY chromosome ORDER BY chromosome`)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.ChromosomeStat{}
	for rows.Next() {
		var s model.ChromosomeStat
		if err := rows.Scan(&s.Chromosome, &s.Count, &s.AvgLength); err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return out, nil
}
