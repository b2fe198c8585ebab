package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/doisync/internal/doi"
)

// Postgres reads the registry's dataset, dataset_identifier and
// occurrence_download tables.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a Postgres finder.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) DatasetsByDOI(ctx context.Context, d doi.DOI) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT key::text FROM dataset WHERE lower(doi)=$1 AND deleted IS NULL
		UNION
		SELECT di.dataset_key::text
		FROM dataset_identifier di
		JOIN dataset ds ON ds.key = di.dataset_key AND ds.deleted IS NULL
		WHERE di.type='DOI' AND lower(di.identifier)=$1
		ORDER BY 1
	`, d.Key())
	if err != nil {
		return nil, fmt.Errorf("find datasets for %s: %w", d, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("find datasets for %s: %w", d, err)
	}
	return keys, nil
}

func (p *Postgres) DownloadByDOI(ctx context.Context, d doi.DOI) (string, bool, error) {
	var key string
	err := p.pool.QueryRow(ctx, `SELECT key FROM occurrence_download WHERE lower(doi)=$1`, d.Key()).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find download for %s: %w", d, err)
	}
	return key, true, nil
}
