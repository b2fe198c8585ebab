// Package ledger is the local durable record of every minted DOI: its type,
// last known status, target and metadata. It is the only mutable state in the
// system; rows are created once at mint time and never removed.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/dharsanguruparan/doisync/internal/doi"
)

// ErrNotFound is returned when a DOI has no ledger row.
var ErrNotFound = errors.New("doi not found in ledger")

// Entry is one ledger row.
type Entry struct {
	DOI      doi.DOI
	Type     doi.Type
	Data     doi.Data
	Created  time.Time
	Modified time.Time
}

// ListOptions filters List. Status is required; a nil Type matches all types
// and a non-positive Limit means no limit.
type ListOptions struct {
	Status doi.Status
	Type   *doi.Type
	Limit  int
}

// Ledger is implemented by Postgres and Memory.
type Ledger interface {
	// Create inserts a NEW row if the DOI is absent. created is false, with a
	// nil error, when the DOI already exists.
	Create(ctx context.Context, d doi.DOI, t doi.Type) (created bool, err error)
	Get(ctx context.Context, d doi.DOI) (doi.Data, error)
	GetType(ctx context.Context, d doi.DOI) (doi.Type, error)
	GetMetadata(ctx context.Context, d doi.DOI) (string, error)
	// Update overwrites status and target. An empty metadata keeps the stored
	// document. Moving the row out of FAILED clears the failure detail.
	Update(ctx context.Context, d doi.DOI, data doi.Data, metadata string) error
	// Fail marks the row FAILED and records detail beside the metadata, which
	// is left untouched so a later repair can resend it. An empty target keeps
	// the stored target.
	Fail(ctx context.Context, d doi.DOI, target, detail string) error
	// GetFailure returns the detail written by the last Fail, or "" when the
	// row is not failed.
	GetFailure(ctx context.Context, d doi.DOI) (string, error)
	// LastApplied returns the creation time of the newest lifecycle event the
	// worker finished for the DOI, or the zero time.
	LastApplied(ctx context.Context, d doi.DOI) (time.Time, error)
	// MarkApplied records at as applied. An older time never replaces a newer
	// one.
	MarkApplied(ctx context.Context, d doi.DOI, at time.Time) error
	// Delete tombstones the row: status DELETED, target cleared.
	Delete(ctx context.Context, d doi.DOI) error
	List(ctx context.Context, opts ListOptions) ([]Entry, error)
}
