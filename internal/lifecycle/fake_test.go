package lifecycle

import (
	"context"
	"net/http"
	"sync"

	"github.com/dharsanguruparan/doisync/internal/doi"
	"github.com/dharsanguruparan/doisync/internal/registrar"
)

// fakeRegistrar is an in-memory registrar that records every call and can be
// scripted to fail.
type fakeRegistrar struct {
	mu    sync.Mutex
	live  map[string]doi.Data
	meta  map[string]string
	calls []string
	// sent records the metadata document of every metadata-carrying call.
	sent []string
	// fail returns the error for a call, or nil to let it succeed.
	fail func(op string, n int) error
	// hook runs before every call.
	hook  func(op string)
	count map[string]int
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{
		live:  make(map[string]doi.Data),
		meta:  make(map[string]string),
		count: make(map[string]int),
	}
}

func statusError(op string, d doi.DOI, code int) error {
	kind := registrar.KindUnknown
	switch code {
	case http.StatusRequestEntityTooLarge:
		kind = registrar.KindTooLarge
	case http.StatusConflict:
		kind = registrar.KindConflict
	case http.StatusServiceUnavailable:
		kind = registrar.KindUnavailable
	case http.StatusUnauthorized:
		kind = registrar.KindAuth
	}
	return &registrar.Error{Op: op, DOI: d.String(), StatusCode: code, Kind: kind}
}

func (f *fakeRegistrar) enter(op string) error {
	if f.hook != nil {
		f.hook(op)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	f.count[op]++
	if f.fail != nil {
		return f.fail(op, f.count[op])
	}
	return nil
}

func (f *fakeRegistrar) setLive(d doi.DOI, data doi.Data) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[d.Key()] = data
}

func (f *fakeRegistrar) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRegistrar) Exists(_ context.Context, d doi.DOI) (bool, error) {
	if err := f.enter("exists"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.live[d.Key()]
	return ok && data.Status != doi.StatusNew && data.Status != doi.StatusDeleted, nil
}

func (f *fakeRegistrar) Resolve(_ context.Context, d doi.DOI) (doi.Data, error) {
	if err := f.enter("resolve"); err != nil {
		return doi.Data{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.live[d.Key()]; ok {
		return data, nil
	}
	return doi.Data{Status: doi.StatusNew}, nil
}

func (f *fakeRegistrar) Register(_ context.Context, d doi.DOI, target, metadataXML string) error {
	f.mu.Lock()
	f.sent = append(f.sent, metadataXML)
	f.mu.Unlock()
	if err := f.enter("register"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[d.Key()] = doi.Data{Status: doi.StatusRegistered, Target: target}
	f.meta[d.Key()] = metadataXML
	return nil
}

func (f *fakeRegistrar) Reserve(_ context.Context, d doi.DOI, metadataXML string) error {
	f.mu.Lock()
	f.sent = append(f.sent, metadataXML)
	f.mu.Unlock()
	if err := f.enter("reserve"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[d.Key()] = doi.Data{Status: doi.StatusReserved}
	f.meta[d.Key()] = metadataXML
	return nil
}

func (f *fakeRegistrar) UpdateMetadata(_ context.Context, d doi.DOI, metadataXML string) error {
	f.mu.Lock()
	f.sent = append(f.sent, metadataXML)
	f.mu.Unlock()
	if err := f.enter("update_metadata"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta[d.Key()] = metadataXML
	return nil
}

func (f *fakeRegistrar) UpdateTarget(_ context.Context, d doi.DOI, target string) error {
	if err := f.enter("update_target"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data := f.live[d.Key()]
	data.Target = target
	f.live[d.Key()] = data
	return nil
}

func (f *fakeRegistrar) Delete(_ context.Context, d doi.DOI) error {
	if err := f.enter("delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[d.Key()] = doi.Data{Status: doi.StatusDeleted}
	return nil
}
