package records

import (
	"context"
	"sort"
	"sync"

	"github.com/dharsanguruparan/doisync/internal/doi"
)

// Memory is an in-process Finder for tests and local runs.
type Memory struct {
	mu        sync.RWMutex
	datasets  map[string]map[string]struct{}
	downloads map[string]string
}

// NewMemory constructs an empty Memory finder.
func NewMemory() *Memory {
	return &Memory{
		datasets:  make(map[string]map[string]struct{}),
		downloads: make(map[string]string),
	}
}

// AddDataset records a dataset with its primary DOI and any alternate DOIs.
func (m *Memory) AddDataset(key string, primary doi.DOI, alternates ...doi.DOI) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range append([]doi.DOI{primary}, alternates...) {
		if d.IsZero() {
			continue
		}
		set, ok := m.datasets[d.Key()]
		if !ok {
			set = make(map[string]struct{})
			m.datasets[d.Key()] = set
		}
		set[key] = struct{}{}
	}
}

// AddDownload records a download minted with d.
func (m *Memory) AddDownload(key string, d doi.DOI) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads[d.Key()] = key
}

func (m *Memory) DatasetsByDOI(_ context.Context, d doi.DOI) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.datasets[d.Key()] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) DownloadByDOI(_ context.Context, d doi.DOI) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.downloads[d.Key()]
	return key, ok, nil
}
