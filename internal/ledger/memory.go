package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dharsanguruparan/doisync/internal/doi"
)

type memoryRow struct {
	entry    Entry
	metadata string
	failure  string
	applied  time.Time
}

// Memory is an in-process ledger guarded by an RWMutex. It backs tests and
// single-process deployments; reads return copies so callers cannot mutate
// internal state.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]*memoryRow
	now  func() time.Time
}

// NewMemory constructs an empty Memory ledger.
func NewMemory() *Memory {
	return &Memory{
		rows: make(map[string]*memoryRow),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a NEW row if absent.
func (m *Memory) Create(_ context.Context, d doi.DOI, t doi.Type) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[d.Key()]; ok {
		return false, nil
	}
	now := m.now()
	m.rows[d.Key()] = &memoryRow{entry: Entry{
		DOI:      d,
		Type:     t,
		Data:     doi.Data{Status: doi.StatusNew},
		Created:  now,
		Modified: now,
	}}
	return true, nil
}

// Get returns status and target.
func (m *Memory) Get(_ context.Context, d doi.DOI) (doi.Data, error) {
	row, err := m.row(d)
	if err != nil {
		return doi.Data{}, err
	}
	return row.entry.Data, nil
}

// GetType returns the type recorded at mint time.
func (m *Memory) GetType(_ context.Context, d doi.DOI) (doi.Type, error) {
	row, err := m.row(d)
	if err != nil {
		return "", err
	}
	return row.entry.Type, nil
}

// GetMetadata returns the stored metadata document.
func (m *Memory) GetMetadata(_ context.Context, d doi.DOI) (string, error) {
	row, err := m.row(d)
	if err != nil {
		return "", err
	}
	return row.metadata, nil
}

// Update sets status/target and optionally replaces the metadata.
func (m *Memory) Update(_ context.Context, d doi.DOI, data doi.Data, metadata string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[d.Key()]
	if !ok {
		return ErrNotFound
	}
	row.entry.Data = data
	row.entry.Modified = m.now()
	if metadata != "" {
		row.metadata = metadata
	}
	if data.Status != doi.StatusFailed {
		row.failure = ""
	}
	return nil
}

// Fail marks the row FAILED, keeping the metadata.
func (m *Memory) Fail(_ context.Context, d doi.DOI, target, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[d.Key()]
	if !ok {
		return ErrNotFound
	}
	row.entry.Data.Status = doi.StatusFailed
	if target != "" {
		row.entry.Data.Target = target
	}
	row.failure = detail
	row.entry.Modified = m.now()
	return nil
}

// GetFailure returns the recorded failure detail.
func (m *Memory) GetFailure(_ context.Context, d doi.DOI) (string, error) {
	row, err := m.row(d)
	if err != nil {
		return "", err
	}
	return row.failure, nil
}

// LastApplied returns the newest applied event time.
func (m *Memory) LastApplied(_ context.Context, d doi.DOI) (time.Time, error) {
	row, err := m.row(d)
	if err != nil {
		return time.Time{}, err
	}
	return row.applied, nil
}

// MarkApplied moves the applied time forward.
func (m *Memory) MarkApplied(_ context.Context, d doi.DOI, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[d.Key()]
	if !ok {
		return ErrNotFound
	}
	if at.After(row.applied) {
		row.applied = at
	}
	return nil
}

// Delete tombstones the row.
func (m *Memory) Delete(ctx context.Context, d doi.DOI) error {
	return m.Update(ctx, d, doi.Data{Status: doi.StatusDeleted}, "")
}

// List returns rows in a status, oldest modification first.
func (m *Memory) List(_ context.Context, opts ListOptions) ([]Entry, error) {
	m.mu.RLock()
	var out []Entry
	for _, row := range m.rows {
		if row.entry.Data.Status != opts.Status {
			continue
		}
		if opts.Type != nil && row.entry.Type != *opts.Type {
			continue
		}
		out = append(out, row.entry)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Modified.Equal(out[j].Modified) {
			return out[i].DOI.Key() < out[j].DOI.Key()
		}
		return out[i].Modified.Before(out[j].Modified)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Len reports how many rows exist.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func (m *Memory) row(d doi.DOI) (memoryRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[d.Key()]
	if !ok {
		return memoryRow{}, ErrNotFound
	}
	return *row, nil
}
