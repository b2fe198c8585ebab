// Package diagnostics compares the ledger's view of a DOI with the
// registrar's and reports where they disagree. It never writes to either
// side; repairs are an explicit operator action.
package diagnostics

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/doisync/internal/doi"
	"github.com/dharsanguruparan/doisync/internal/ledger"
	"github.com/dharsanguruparan/doisync/internal/metadata"
	"github.com/dharsanguruparan/doisync/internal/records"
)

const (
	defaultConcurrency = 4
	defaultCacheTTL    = 5 * time.Minute
)

// Registrar is the read-only part of the registrar client.
type Registrar interface {
	Exists(ctx context.Context, d doi.DOI) (bool, error)
	Resolve(ctx context.Context, d doi.DOI) (doi.Data, error)
	GetMetadata(ctx context.Context, d doi.DOI) (string, error)
}

// Report is the diagnosis of one DOI.
type Report struct {
	DOI             doi.DOI    `json:"doi"`
	Type            doi.Type   `json:"type,omitempty"`
	LedgerStatus    doi.Status `json:"ledgerStatus,omitempty"`
	LedgerTarget    string     `json:"ledgerTarget,omitempty"`
	Exists          bool       `json:"exists"`
	LiveStatus      doi.Status `json:"liveStatus,omitempty"`
	LiveTarget      string     `json:"liveTarget,omitempty"`
	MetadataEqual   bool       `json:"metadataEqual"`
	Diff            string     `json:"diff,omitempty"`
	DatasetKeys     []string   `json:"datasetKeys,omitempty"`
	DatasetConflict bool       `json:"datasetConflict,omitempty"`
	DownloadKey     string     `json:"downloadKey,omitempty"`
	// Input is the raw line a bulk report was built from.
	Input string `json:"input,omitempty"`
	Error string `json:"error,omitempty"`

	// HasDocument is set when the ledger holds a resource document a repair
	// can resend.
	HasDocument bool `json:"hasDocument"`
	// Failure is the detail of the last failed attempt of a FAILED row.
	Failure string `json:"failure,omitempty"`
}

// Diverged reports whether the two sides disagree in a way an operator
// should look at.
func (r *Report) Diverged() bool {
	if r.Error != "" || r.DatasetConflict {
		return true
	}
	if r.Exists && !r.MetadataEqual {
		return true
	}
	if r.LedgerStatus != r.LiveStatus {
		return true
	}
	return r.LiveStatus == doi.StatusRegistered && r.LedgerTarget != r.LiveTarget
}

// FailedOptions filters Failed. A nil Type matches every type.
type FailedOptions struct {
	Type  *doi.Type
	Limit int
}

// Diagnostician builds reports. It is safe for concurrent use.
type Diagnostician struct {
	ledger      ledger.Ledger
	registrar   Registrar
	records     records.Finder
	concurrency int
	cache       *cache.Cache
	logger      *slog.Logger
}

// Option configures a Diagnostician.
type Option func(*Diagnostician)

// WithConcurrency bounds how many DOIs a batch diagnoses at once.
func WithConcurrency(n int) Option {
	return func(d *Diagnostician) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithCacheTTL sets how long bulk reports are reused for repeated DOIs. A
// non-positive ttl disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(d *Diagnostician) {
		if ttl <= 0 {
			d.cache = nil
			return
		}
		d.cache = cache.New(ttl, 2*ttl)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Diagnostician) { d.logger = l }
}

// New constructs a Diagnostician. finder may be nil, in which case dataset
// and download ownership is not resolved.
func New(l ledger.Ledger, r Registrar, finder records.Finder, opts ...Option) *Diagnostician {
	d := &Diagnostician{
		ledger:      l,
		registrar:   r,
		records:     finder,
		concurrency: defaultConcurrency,
		cache:       cache.New(defaultCacheTTL, 2*defaultCacheTTL),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Report diagnoses one DOI. A DOI missing from the ledger still gets a report
// of the registrar's view, with Error set.
func (d *Diagnostician) Report(ctx context.Context, id doi.DOI) (*Report, error) {
	r := &Report{DOI: id}
	var (
		localDoc, liveDoc string
		missing           bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		data, err := d.ledger.Get(gctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			missing = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}
		r.LedgerStatus, r.LedgerTarget = data.Status, data.Target
		if r.Type, err = d.ledger.GetType(gctx, id); err != nil {
			return fmt.Errorf("read ledger type: %w", err)
		}
		if localDoc, err = d.ledger.GetMetadata(gctx, id); err != nil {
			return fmt.Errorf("read ledger metadata: %w", err)
		}
		if _, err := metadata.Unmarshal(localDoc); err == nil {
			r.HasDocument = true
		}
		if r.Failure, err = d.ledger.GetFailure(gctx, id); err != nil {
			return fmt.Errorf("read ledger failure: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		exists, err := d.registrar.Exists(gctx, id)
		if err != nil {
			return err
		}
		r.Exists = exists
		live, err := d.registrar.Resolve(gctx, id)
		if err != nil {
			return err
		}
		r.LiveStatus, r.LiveTarget = live.Status, live.Target
		if !exists {
			return nil
		}
		liveDoc, err = d.registrar.GetMetadata(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		r.Error = err.Error()
		return r, err
	}

	if missing {
		r.Error = ledger.ErrNotFound.Error()
	}
	if r.Exists {
		if err := d.compare(r, localDoc, liveDoc); err != nil {
			r.Error = err.Error()
			return r, err
		}
	}
	if err := d.owners(ctx, r); err != nil {
		r.Error = err.Error()
		return r, err
	}
	return r, nil
}

func (d *Diagnostician) compare(r *Report, localDoc, liveDoc string) error {
	local, err := flatten(localDoc)
	if err != nil {
		return fmt.Errorf("local %w", err)
	}
	live, err := flatten(liveDoc)
	if err != nil {
		return fmt.Errorf("registrar %w", err)
	}
	r.MetadataEqual = equalLines(local, live)
	if !r.MetadataEqual {
		r.Diff = lineDiff(local, live)
	}
	return nil
}

func (d *Diagnostician) owners(ctx context.Context, r *Report) error {
	if d.records == nil {
		return nil
	}
	switch r.Type {
	case doi.TypeDataset:
		keys, err := d.records.DatasetsByDOI(ctx, r.DOI)
		if err != nil {
			return err
		}
		r.DatasetKeys = keys
		r.DatasetConflict = len(keys) > 1
	case doi.TypeDownload:
		key, _, err := d.records.DownloadByDOI(ctx, r.DOI)
		if err != nil {
			return err
		}
		r.DownloadKey = key
	}
	return nil
}

// Failed diagnoses every FAILED DOI in the ledger. Per-DOI errors are recorded
// in the report and do not stop the batch.
func (d *Diagnostician) Failed(ctx context.Context, opts FailedOptions) ([]*Report, error) {
	entries, err := d.ledger.List(ctx, ledger.ListOptions{Status: doi.StatusFailed, Type: opts.Type, Limit: opts.Limit})
	if err != nil {
		return nil, fmt.Errorf("list failed dois: %w", err)
	}
	ids := make([]doi.DOI, len(entries))
	for i, e := range entries {
		ids[i] = e.DOI
	}
	return d.batch(ctx, ids), nil
}

// Bulk diagnoses one DOI per line. Blank lines and lines starting with # are
// skipped; unparsable lines yield a report with Error set. Repeated DOIs share
// a single report.
func (d *Diagnostician) Bulk(ctx context.Context, in io.Reader) ([]*Report, error) {
	var (
		out   []*Report
		ids   []doi.DOI
		slots []int
	)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := doi.Parse(line)
		if err != nil {
			out = append(out, &Report{Input: line, Error: err.Error()})
			continue
		}
		ids = append(ids, id)
		slots = append(slots, len(out))
		out = append(out, nil)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read doi list: %w", err)
	}
	for i, r := range d.batch(ctx, ids) {
		out[slots[i]] = r
	}
	return out, nil
}

// batch diagnoses ids with bounded concurrency, returning reports in input
// order. Reports are cached by DOI so repeats within the cache TTL are free.
func (d *Diagnostician) batch(ctx context.Context, ids []doi.DOI) []*Report {
	out := make([]*Report, len(ids))
	first := make(map[string]int, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, id := range ids {
		if _, dup := first[id.Key()]; dup {
			continue
		}
		first[id.Key()] = i
		if d.cache != nil {
			if cached, ok := d.cache.Get(id.Key()); ok {
				out[i] = cached.(*Report)
				continue
			}
		}
		i, id := i, id
		g.Go(func() error {
			r, err := d.Report(gctx, id)
			if err != nil {
				d.logger.Warn("diagnosis failed", "doi", id.String(), "error", err)
			} else if d.cache != nil {
				d.cache.SetDefault(id.Key(), r)
			}
			out[i] = r
			return nil
		})
	}
	_ = g.Wait()
	for i, id := range ids {
		if out[i] == nil {
			out[i] = out[first[id.Key()]]
		}
	}
	return out
}
