// Package records looks up the registry's own datasets and downloads by DOI.
// It is read-only; the tables belong to the surrounding registry.
package records

import (
	"context"

	"github.com/dharsanguruparan/doisync/internal/doi"
)

// Finder resolves which local records claim a DOI.
type Finder interface {
	// DatasetsByDOI returns the keys of every dataset whose primary DOI or
	// alternate identifiers include d, sorted. More than one key means the
	// registry holds conflicting claims.
	DatasetsByDOI(ctx context.Context, d doi.DOI) ([]string, error)
	// DownloadByDOI returns the key of the download minted with d. found is
	// false when no download has it.
	DownloadByDOI(ctx context.Context, d doi.DOI) (key string, found bool, err error)
}
