package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/doisync/internal/doi"
)

// Postgres wraps all SQL used by the generator, worker and diagnostics.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a ledger backed by the doi_ledger table.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Create relies on the primary key for uniqueness so concurrent minters in
// different processes cannot both win.
func (p *Postgres) Create(ctx context.Context, d doi.DOI, t doi.Type) (bool, error) {
	now := time.Now().UTC()
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO doi_ledger (doi, display, type, status, target, metadata, created, modified)
		VALUES ($1,$2,$3,$4,NULL,NULL,$5,$5)
		ON CONFLICT (doi) DO NOTHING
	`, d.Key(), d.String(), string(t), string(doi.StatusNew), now)
	if err != nil {
		return false, fmt.Errorf("insert doi %s: %w", d, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns status and target.
func (p *Postgres) Get(ctx context.Context, d doi.DOI) (doi.Data, error) {
	var (
		status string
		target sql.NullString
	)
	row := p.pool.QueryRow(ctx, `SELECT status, target FROM doi_ledger WHERE doi=$1`, d.Key())
	if err := row.Scan(&status, &target); err != nil {
		return doi.Data{}, p.scanErr(d, err)
	}
	return doi.Data{Status: doi.Status(status), Target: target.String}, nil
}

// GetType returns the type recorded at mint time.
func (p *Postgres) GetType(ctx context.Context, d doi.DOI) (doi.Type, error) {
	var t string
	row := p.pool.QueryRow(ctx, `SELECT type FROM doi_ledger WHERE doi=$1`, d.Key())
	if err := row.Scan(&t); err != nil {
		return "", p.scanErr(d, err)
	}
	return doi.Type(t), nil
}

// GetMetadata returns the stored metadata document, or "" when none was
// written yet.
func (p *Postgres) GetMetadata(ctx context.Context, d doi.DOI) (string, error) {
	var md sql.NullString
	row := p.pool.QueryRow(ctx, `SELECT metadata FROM doi_ledger WHERE doi=$1`, d.Key())
	if err := row.Scan(&md); err != nil {
		return "", p.scanErr(d, err)
	}
	return md.String, nil
}

// Update sets status/target and optionally replaces the metadata.
func (p *Postgres) Update(ctx context.Context, d doi.DOI, data doi.Data, metadata string) error {
	var md *string
	if metadata != "" {
		md = &metadata
	}
	var target *string
	if data.Target != "" {
		target = &data.Target
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE doi_ledger
		SET status=$1,
			target=$2,
			metadata = COALESCE($3, metadata),
			failure = CASE WHEN $1 = 'FAILED' THEN failure ELSE NULL END,
			modified=$4
		WHERE doi=$5
	`, string(data.Status), target, md, time.Now().UTC(), d.Key())
	if err != nil {
		return fmt.Errorf("update doi %s: %w", d, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update doi %s: %w", d, ErrNotFound)
	}
	return nil
}

// Fail marks the row FAILED and stores detail in the failure column.
func (p *Postgres) Fail(ctx context.Context, d doi.DOI, target, detail string) error {
	var tgt *string
	if target != "" {
		tgt = &target
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE doi_ledger
		SET status=$1,
			target = COALESCE($2, target),
			failure=$3,
			modified=$4
		WHERE doi=$5
	`, string(doi.StatusFailed), tgt, detail, time.Now().UTC(), d.Key())
	if err != nil {
		return fmt.Errorf("fail doi %s: %w", d, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail doi %s: %w", d, ErrNotFound)
	}
	return nil
}

// GetFailure returns the failure detail, or "" when none is recorded.
func (p *Postgres) GetFailure(ctx context.Context, d doi.DOI) (string, error) {
	var detail *string
	row := p.pool.QueryRow(ctx, `SELECT failure FROM doi_ledger WHERE doi=$1`, d.Key())
	if err := row.Scan(&detail); err != nil {
		return "", p.scanErr(d, err)
	}
	if detail == nil {
		return "", nil
	}
	return *detail, nil
}

// LastApplied returns the newest applied event time, or the zero time.
func (p *Postgres) LastApplied(ctx context.Context, d doi.DOI) (time.Time, error) {
	var at *time.Time
	row := p.pool.QueryRow(ctx, `SELECT applied FROM doi_ledger WHERE doi=$1`, d.Key())
	if err := row.Scan(&at); err != nil {
		return time.Time{}, p.scanErr(d, err)
	}
	if at == nil {
		return time.Time{}, nil
	}
	return *at, nil
}

// MarkApplied moves the applied time forward; GREATEST ignores the NULL of a
// row that has never been applied.
func (p *Postgres) MarkApplied(ctx context.Context, d doi.DOI, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE doi_ledger SET applied = GREATEST(applied, $1) WHERE doi=$2`, at.UTC(), d.Key())
	if err != nil {
		return fmt.Errorf("mark applied %s: %w", d, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark applied %s: %w", d, ErrNotFound)
	}
	return nil
}

// Delete tombstones the row.
func (p *Postgres) Delete(ctx context.Context, d doi.DOI) error {
	return p.Update(ctx, d, doi.Data{Status: doi.StatusDeleted}, "")
}

// List returns rows in a status, oldest modification first.
func (p *Postgres) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	var (
		sb   strings.Builder
		args = []any{string(opts.Status)}
	)
	sb.WriteString(`SELECT display, type, status, target, created, modified FROM doi_ledger WHERE status=$1`)
	if opts.Type != nil {
		args = append(args, string(*opts.Type))
		fmt.Fprintf(&sb, " AND type=$%d", len(args))
	}
	sb.WriteString(" ORDER BY modified")
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	rows, err := p.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list dois: %w", err)
	}
	listed, err := pgx.CollectRows(rows, pgx.RowToStructByName[listRow])
	if err != nil {
		return nil, fmt.Errorf("list dois: %w", err)
	}

	out := make([]Entry, 0, len(listed))
	for _, r := range listed {
		parsed, err := doi.Parse(r.Display)
		if err != nil {
			return nil, fmt.Errorf("ledger row %q: %w", r.Display, err)
		}
		e := Entry{
			DOI:      parsed,
			Type:     doi.Type(r.Type),
			Data:     doi.Data{Status: doi.Status(r.Status)},
			Created:  r.Created,
			Modified: r.Modified,
		}
		if r.Target != nil {
			e.Data.Target = *r.Target
		}
		out = append(out, e)
	}
	return out, nil
}

type listRow struct {
	Display  string    `db:"display"`
	Type     string    `db:"type"`
	Status   string    `db:"status"`
	Target   *string   `db:"target"`
	Created  time.Time `db:"created"`
	Modified time.Time `db:"modified"`
}

func (p *Postgres) scanErr(d doi.DOI, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", d, ErrNotFound)
	}
	return fmt.Errorf("select doi %s: %w", d, err)
}
