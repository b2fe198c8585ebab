package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/dharsanguruparan/doisync/internal/doi"
	"github.com/dharsanguruparan/doisync/internal/generator"
	"github.com/dharsanguruparan/doisync/internal/lease"
	"github.com/dharsanguruparan/doisync/internal/ledger"
	"github.com/dharsanguruparan/doisync/internal/metadata"
	"github.com/dharsanguruparan/doisync/internal/metrics"
	"github.com/dharsanguruparan/doisync/internal/queue"
	"github.com/dharsanguruparan/doisync/internal/registrar"
)

const target = "https://portal.example.org/dataset/4fa7b334"

type WorkerSuite struct {
	suite.Suite
	ctx       context.Context
	ledger    *ledger.Memory
	registrar *fakeRegistrar
	metrics   *metrics.Metrics
	worker    *Worker
	doi       doi.DOI
}

func TestWorkerSuite(t *testing.T) {
	suite.Run(t, new(WorkerSuite))
}

func (s *WorkerSuite) SetupTest() {
	s.ctx = context.Background()
	s.ledger = ledger.NewMemory()
	s.registrar = newFakeRegistrar()
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.worker = NewWorker(s.ledger, s.registrar,
		WithRetryInterval(0),
		WithDescriptionLimit(20),
		WithMetrics(s.metrics))
	s.doi = doi.MustNew("10.5072", "abc234")
	created, err := s.ledger.Create(s.ctx, s.doi, doi.TypeDataset)
	s.Require().NoError(err)
	s.Require().True(created)
}

func resource() *metadata.Resource {
	return &metadata.Resource{
		Creators:        []metadata.Creator{{Name: "GBIF Secretariat"}},
		Titles:          []metadata.Title{{Value: "Birds of the Faroe Islands"}},
		Publisher:       "GBIF",
		PublicationYear: "2024",
		ResourceType:    metadata.ResourceType{General: "Dataset", Value: "Dataset"},
		RelatedIdentifiers: []metadata.RelatedIdentifier{
			{Type: "DOI", RelationType: "References", Value: "10.5072/dl.xyz789"},
		},
		Descriptions: []metadata.Description{
			{Type: "Abstract", Value: strings.Repeat("Seabird counts. ", 10)},
		},
	}
}

func (s *WorkerSuite) document() string {
	res := resource()
	res.SetIdentifier(s.doi.String())
	doc, err := metadata.Marshal(res)
	s.Require().NoError(err)
	return doc
}

func (s *WorkerSuite) event(status doi.Status) doi.LifecycleEvent {
	ev := doi.LifecycleEvent{ID: "ev-1", DOI: s.doi, Status: status}
	if status != doi.StatusDeleted {
		ev.Metadata = s.document()
	}
	if status == doi.StatusRegistered {
		ev.Target = target
	}
	return ev
}

func (s *WorkerSuite) setStored(status doi.Status, tgt string) {
	s.Require().NoError(s.ledger.Update(s.ctx, s.doi, doi.Data{Status: status, Target: tgt}, s.document()))
}

func (s *WorkerSuite) stored() doi.Data {
	data, err := s.ledger.Get(s.ctx, s.doi)
	s.Require().NoError(err)
	return data
}

func (s *WorkerSuite) TestRegisterNewDOI() {
	res := s.worker.Process(s.ctx, s.event(doi.StatusRegistered))

	s.Equal(OutcomeSucceeded, res.Outcome)
	s.NoError(res.Err)
	s.Equal(1, res.Attempts)
	s.Equal([]string{"resolve", "register"}, s.registrar.Calls())
	s.Equal(doi.Data{Status: doi.StatusRegistered, Target: target}, s.stored())

	doc, err := s.ledger.GetMetadata(s.ctx, s.doi)
	s.Require().NoError(err)
	s.Equal(s.document(), doc)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Events.WithLabelValues("REGISTERED", "succeeded")))
}

func (s *WorkerSuite) TestRegisterReservedDOI() {
	s.setStored(doi.StatusReserved, "")
	s.registrar.setLive(s.doi, doi.Data{Status: doi.StatusReserved})

	res := s.worker.Process(s.ctx, s.event(doi.StatusRegistered))

	s.Equal(OutcomeSucceeded, res.Outcome)
	s.Equal([]string{"resolve", "register"}, s.registrar.Calls())
	s.Equal(doi.StatusRegistered, s.stored().Status)
}

func (s *WorkerSuite) TestRedeliveryIsIdempotent() {
	ev := s.event(doi.StatusRegistered)

	first := s.worker.Process(s.ctx, ev)
	second := s.worker.Process(s.ctx, ev)

	s.Equal(OutcomeSucceeded, first.Outcome)
	s.Equal(OutcomeSucceeded, second.Outcome)
	// The second delivery sees a registered DOI with an unchanged target and
	// only refreshes metadata.
	s.Equal([]string{"resolve", "register", "resolve", "update_metadata"}, s.registrar.Calls())
	s.Equal(doi.Data{Status: doi.StatusRegistered, Target: target}, s.stored())
}

func (s *WorkerSuite) TestRegisteredWithNewTargetUpdatesTarget() {
	s.setStored(doi.StatusRegistered, "https://portal.example.org/dataset/old")
	s.registrar.setLive(s.doi, doi.Data{Status: doi.StatusRegistered, Target: "https://portal.example.org/dataset/old"})

	res := s.worker.Process(s.ctx, s.event(doi.StatusRegistered))

	s.Equal(OutcomeSucceeded, res.Outcome)
	s.Equal([]string{"resolve", "update_target", "update_metadata"}, s.registrar.Calls())
	s.Equal(target, s.stored().Target)
}

func (s *WorkerSuite) TestLiveTargetDriftIsCorrected() {
	s.setStored(doi.StatusRegistered, target)
	s.registrar.setLive(s.doi, doi.Data{Status: doi.StatusRegistered, Target: "https://elsewhere.example.org/"})

	s.worker.Process(s.ctx, s.event(doi.StatusRegistered))

	s.Equal([]string{"resolve", "update_target", "update_metadata"}, s.registrar.Calls())
}

func (s *WorkerSuite) TestStaleRegisteredLedgerIsDemoted() {
	s.setStored(doi.StatusRegistered, target)

	res := s.worker.Process(s.ctx, s.event(doi.StatusRegistered))

	s.Equal(OutcomeSucceeded, res.Outcome)
	s.Equal([]string{"resolve", "register"}, s.registrar.Calls())
	s.Equal(doi.StatusRegistered, s.stored().Status)
}

func (s *WorkerSuite) TestFailureRecoveryUpdatesMetadataOnly() {
	s.setStored(doi.StatusFailed, target)
	s.registrar.setLive(s.doi, doi.Data{Status: doi.StatusRegistered, Target: target})

	res := s.worker.Process(s.ctx, s.event(doi.StatusRegistered))

	s.Equal(OutcomeSucceeded, res.Outcome)
	s.Equal([]string{"resolve", "update_metadata"}, s.registrar.Calls())
	s.Equal(doi.Data{Status: doi.StatusRegistered, Target: target}, s.stored())
}

func (s *WorkerSuite) TestFailureRecoveryDeclinesUnregistered() {
	s.setStored(doi.StatusFailed, target)
	s.registrar.setLive(s.doi, doi.Data{Status: doi.StatusReserved})

	res := s.worker.Process(s.ctx, s.event(doi.StatusRegistered))

	s.Equal(OutcomeManualRegistration, res.Outcome)
	s.Equal([]string{"resolve"}, s.registrar.Calls())
	s.Equal(doi.StatusFailed, s.stored().Status, "ledger must not be rewritten")
	s.False(res.Redeliver())
}

func (s *WorkerSuite) TestRetryBound() {
	s.registrar.fail = func(op string, _ int) error {
		return statusError(op, s.doi, http.StatusServiceUnavailable)
	}

	res := s.worker.Process(s.ctx, s.event(doi.StatusRegistered))

	s.Equal(OutcomeExhausted, res.Outcome)
	s.Equal(4, res.Attempts)
	s.Equal([]string{"resolve", "resolve", "resolve", "resolve"}, s.registrar.Calls())
	s.Equal(doi.StatusFailed, s.stored().Status)
	s.False(res.Redeliver())

	detail, err := s.ledger.GetFailure(s.ctx, s.doi)
	s.Require().NoError(err)
	s.Contains(detail, "<attempts>4</attempts>")
	s.Contains(detail, "unavailable")
	s.Equal(4.0, testutil.ToFloat64(s.metrics.Attempts.WithLabelValues("REGISTERED")))
}

func (s *WorkerSuite) TestExhaustedRegistrationCanBeRepaired() {
	s.setStored(doi.StatusNew, "")
	s.registrar.fail = func(op string, _ int) error {
		if op == "register" {
			return statusError(op, s.doi, http.StatusServiceUnavailable)
		}
		return nil
	}

	res := s.worker.Process(s.ctx, s.event(doi.StatusRegistered))
	s.Require().Equal(OutcomeExhausted, res.Outcome)
	s.Equal(doi.Data{Status: doi.StatusFailed, Target: target}, s.stored())
	doc, err := s.ledger.GetMetadata(s.ctx, s.doi)
	s.Require().NoError(err)
	s.Equal(s.document(), doc, "the resource document must survive the failure")
	detail, err := s.ledger.GetFailure(s.ctx, s.doi)
	s.Require().NoError(err)
	s.Contains(detail, "<attempts>4</attempts>")

	// The registration went through on the registrar's side after all.
	s.registrar.fail = nil
	s.registrar.calls = nil
	s.registrar.sent = nil
	s.registrar.setLive(s.doi, doi.Data{Status: doi.StatusRegistered, Target: target})

	res = s.worker.Process(s.ctx, doi.LifecycleEvent{DOI: s.doi, Status: doi.StatusRegistered})

	s.Equal(OutcomeSucceeded, res.Outcome)
	s.Equal([]string{"resolve", "update_metadata"}, s.registrar.Calls())
	s.Equal([]string{s.document()}, s.registrar.sent)
	s.Equal(doi.Data{Status: doi.StatusRegistered, Target: target}, s.stored())
	detail, err = s.ledger.GetFailure(s.ctx, s.doi)
	s.Require().NoError(err)
	s.Empty(detail)
}

func (s *WorkerSuite) TestStaleEventIsSkipped() {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	newer := s.event(doi.StatusRegistered)
	newer.Target = "https://portal.example.org/dataset/newer"
	newer.CreatedAt = t0.Add(time.Minute)
	older := s.event(doi.StatusRegistered)
	older.CreatedAt = t0

	s.Require().Equal(OutcomeSucceeded, s.worker.Process(s.ctx, newer).Outcome)
	res := s.worker.Process(s.ctx, older)

	s.Equal(OutcomeSkipped, res.Outcome)
	s.Equal(newer.Target, s.stored().Target)
	s.Equal([]string{"resolve", "register"}, s.registrar.Calls())
}

func (s *WorkerSuite) TestTransientFailureThenSuccess() {
	s.registrar.fail = func(op string, n int) error {
		if op == "register" && n < 3 {
			return statusError(op, s.doi, http.StatusServiceUnavailable)
		}
		return nil
	}

	res := s.worker.Process(s.ctx, s.event(doi.StatusRegistered))

	s.Equal(OutcomeSucceeded, res.Outcome)
	s.Equal(3, res.Attempts)
	s.Equal(doi.StatusRegistered, s.stored().Status)
}

func (s *WorkerSuite) TestOversizedMetadataDegradesInOrder() {
	s.registrar.fail = func(op string, _ int) error {
		if op == "register" {
			return statusError(op, s.doi, http.StatusRequestEntityTooLarge)
		}
		return nil
	}

	res := s.worker.Process(s.ctx, s.event(doi.StatusRegistered))

	// Two degraded retries that do not consume the budget, then four ordinary
	// failures with the fully degraded payload.
	s.Equal(OutcomeExhausted, res.Outcome)
	s.Equal(2, res.Degradations)
	s.Equal(6, res.Attempts)
	s.Require().Len(s.registrar.sent, 6)

	original, err := metadata.Unmarshal(s.registrar.sent[0])
	s.Require().NoError(err)
	s.Len(original.RelatedIdentifiers, 1)
	s.NotContains(original.Descriptions[0].Value, "Full description")

	truncated, err := metadata.Unmarshal(s.registrar.sent[1])
	s.Require().NoError(err)
	s.Len(truncated.RelatedIdentifiers, 1, "first retry only truncates")
	s.Equal("Seabird counts. Seab... Full description: "+target, truncated.Descriptions[0].Value)

	stripped, err := metadata.Unmarshal(s.registrar.sent[2])
	s.Require().NoError(err)
	s.Empty(stripped.RelatedIdentifiers)
	s.Equal(truncated.Descriptions, stripped.Descriptions)

	for _, doc := range s.registrar.sent[3:] {
		s.Equal(s.registrar.sent[2], doc, "no further degradation")
	}
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Degradations.WithLabelValues("truncate_descriptions")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Degradations.WithLabelValues("remove_related_identifiers")))
}

func (s *WorkerSuite) TestDegradedRetryCanSucceed() {
	s.registrar.fail = func(op string, n int) error {
		if op == "register" && n == 1 {
			return statusError(op, s.doi, http.StatusRequestEntityTooLarge)
		}
		return nil
	}

	res := s.worker.Process(s.ctx, s.event(doi.StatusRegistered))

	s.Equal(OutcomeSucceeded, res.Outcome)
	s.Equal(1, res.Degradations)
	s.Equal(doi.StatusRegistered, s.stored().Status)
	doc, err := s.ledger.GetMetadata(s.ctx, s.doi)
	s.Require().NoError(err)
	s.Contains(doc, "Full description")
}

func (s *WorkerSuite) TestConflictIsNotRetried() {
	s.registrar.fail = func(op string, _ int) error {
		if op == "register" {
			return statusError(op, s.doi, http.StatusConflict)
		}
		return nil
	}

	res := s.worker.Process(s.ctx, s.event(doi.StatusRegistered))

	s.Equal(OutcomeConflict, res.Outcome)
	s.Equal(1, res.Attempts)
	s.Equal([]string{"resolve", "register"}, s.registrar.Calls())
	s.Equal(doi.StatusFailed, s.stored().Status)
}

func (s *WorkerSuite) TestAuthFailureIsNotRetried() {
	s.registrar.fail = func(op string, _ int) error {
		return statusError(op, s.doi, http.StatusUnauthorized)
	}

	res := s.worker.Process(s.ctx, s.event(doi.StatusRegistered))

	s.Equal(OutcomeConflict, res.Outcome)
	s.Equal(1, res.Attempts)
}

func (s *WorkerSuite) TestReserve() {
	s.setStored(doi.StatusNew, "https://portal.example.org/dataset/prev")

	res := s.worker.Process(s.ctx, s.event(doi.StatusReserved))

	s.Equal(OutcomeSucceeded, res.Outcome)
	s.Equal([]string{"reserve"}, s.registrar.Calls())
	s.Equal(doi.Data{Status: doi.StatusReserved, Target: "https://portal.example.org/dataset/prev"}, s.stored())
}

func (s *WorkerSuite) TestReserveRegisteredIsSkipped() {
	s.setStored(doi.StatusRegistered, target)

	res := s.worker.Process(s.ctx, s.event(doi.StatusReserved))

	s.Equal(OutcomeSkipped, res.Outcome)
	s.Empty(s.registrar.Calls())
}

func (s *WorkerSuite) TestDeleteAfterRegisterIsLocalOnly() {
	s.setStored(doi.StatusRegistered, target)
	s.registrar.setLive(s.doi, doi.Data{Status: doi.StatusRegistered, Target: target})

	res := s.worker.Process(s.ctx, s.event(doi.StatusDeleted))

	s.Equal(OutcomeSucceeded, res.Outcome)
	s.Empty(s.registrar.Calls())
	s.Equal(doi.Data{Status: doi.StatusDeleted}, s.stored())
}

func (s *WorkerSuite) TestDeleteReservedCallsRegistrar() {
	s.setStored(doi.StatusReserved, "")
	s.registrar.setLive(s.doi, doi.Data{Status: doi.StatusReserved})

	res := s.worker.Process(s.ctx, s.event(doi.StatusDeleted))

	s.Equal(OutcomeSucceeded, res.Outcome)
	s.Equal([]string{"exists", "delete"}, s.registrar.Calls())
	s.Equal(doi.StatusDeleted, s.stored().Status)
}

func (s *WorkerSuite) TestDeleteUnknownAtRegistrar() {
	res := s.worker.Process(s.ctx, s.event(doi.StatusDeleted))

	s.Equal(OutcomeSucceeded, res.Outcome)
	s.Equal([]string{"exists"}, s.registrar.Calls())
	s.Equal(doi.StatusDeleted, s.stored().Status)
}

func (s *WorkerSuite) TestEventsForDeletedDOIAreSkipped() {
	s.Require().NoError(s.ledger.Delete(s.ctx, s.doi))

	res := s.worker.Process(s.ctx, s.event(doi.StatusRegistered))

	s.Equal(OutcomeSkipped, res.Outcome)
	s.Empty(s.registrar.Calls())
	s.Equal(doi.StatusDeleted, s.stored().Status)
}

func (s *WorkerSuite) TestUnknownDOIIsSkipped() {
	ev := s.event(doi.StatusRegistered)
	ev.DOI = doi.MustNew("10.5072", "nothere")

	res := s.worker.Process(s.ctx, ev)

	s.Equal(OutcomeSkipped, res.Outcome)
	s.ErrorIs(res.Err, ledger.ErrNotFound)
	s.Empty(s.registrar.Calls())
}

func (s *WorkerSuite) TestRepairEventUsesStoredMetadata() {
	s.setStored(doi.StatusRegistered, target)
	s.registrar.setLive(s.doi, doi.Data{Status: doi.StatusRegistered, Target: target})

	res := s.worker.Process(s.ctx, doi.LifecycleEvent{DOI: s.doi, Status: doi.StatusRegistered})

	s.Equal(OutcomeSucceeded, res.Outcome)
	s.Equal([]string{"resolve", "update_metadata"}, s.registrar.Calls())
	s.Equal([]string{s.document()}, s.registrar.sent)
}

func (s *WorkerSuite) TestRepairEventWithoutUsableMetadataIsRejected() {
	s.Require().NoError(s.ledger.Update(s.ctx, s.doi, doi.Data{Status: doi.StatusFailed, Target: target},
		metadata.MarshalFailure(metadata.FailureDetail{DOI: s.doi.String(), Message: "boom"})))

	res := s.worker.Process(s.ctx, doi.LifecycleEvent{DOI: s.doi, Status: doi.StatusRegistered})

	s.Equal(OutcomeRejected, res.Outcome)
	s.Error(res.Err)
	s.Empty(s.registrar.Calls())
}

func (s *WorkerSuite) TestCancellationMidCallRecordsFailed() {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.registrar.hook = func(op string) {
		if op == "register" {
			cancel()
		}
	}
	s.registrar.fail = func(op string, _ int) error {
		if op == "register" {
			return &registrar.Error{Op: op, DOI: s.doi.String(), Kind: registrar.KindUnavailable, Underlying: context.Canceled}
		}
		return nil
	}

	res := s.worker.Process(ctx, s.event(doi.StatusRegistered))

	s.Equal(OutcomeCanceled, res.Outcome)
	s.True(res.Redeliver())
	s.ErrorIs(res.Err, context.Canceled)
	s.Equal(1, res.Attempts)
	s.Equal(doi.StatusFailed, s.stored().Status)
}

func (s *WorkerSuite) TestCanceledBeforeStartWritesNothing() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	res := s.worker.Process(ctx, s.event(doi.StatusRegistered))

	s.Equal(OutcomeCanceled, res.Outcome)
	s.Zero(res.Attempts)
	s.Equal(doi.StatusNew, s.stored().Status)
}

func (s *WorkerSuite) TestLeaseIsHeldDuringProcessing() {
	locker := lease.NewLocal()
	w := NewWorker(s.ledger, s.registrar, WithRetryInterval(0), WithLocker(locker))
	s.registrar.hook = func(op string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := locker.Acquire(ctx, s.doi.Key())
		s.ErrorIs(err, context.DeadlineExceeded, "lease must be held while calling the registrar")
	}

	res := w.Process(s.ctx, s.event(doi.StatusRegistered))
	s.Equal(OutcomeSucceeded, res.Outcome)

	release, err := locker.Acquire(s.ctx, s.doi.Key())
	s.Require().NoError(err)
	release()
}

func TestRetryWaitsOnClock(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	d := doi.MustNew("10.5072", "abc234")
	_, err := l.Create(ctx, d, doi.TypeDataset)
	require.NoError(t, err)

	reg := newFakeRegistrar()
	reg.fail = func(op string, n int) error {
		if op == "resolve" && n == 1 {
			return statusError(op, d, http.StatusServiceUnavailable)
		}
		return nil
	}
	clk := testclock.NewClock(time.Now())
	w := NewWorker(l, reg, WithClock(clk), WithRetryInterval(time.Minute))

	doc, err := metadata.Marshal(resource())
	require.NoError(t, err)
	done := make(chan Result, 1)
	go func() {
		done <- w.Process(ctx, doi.LifecycleEvent{DOI: d, Status: doi.StatusRegistered, Metadata: doc, Target: target})
	}()

	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	select {
	case res := <-done:
		assert.Equal(t, OutcomeSucceeded, res.Outcome)
		assert.Equal(t, 2, res.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not resume after the retry interval")
	}
}

func TestRunAcknowledgesDeliveries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := ledger.NewMemory()
	d := doi.MustNew("10.5072", "abc234")
	_, err := l.Create(ctx, d, doi.TypeDataset)
	require.NoError(t, err)
	w := NewWorker(l, newFakeRegistrar(), WithRetryInterval(0))

	deliveries := make(chan queue.Delivery)
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx, deliveries) }()

	ok := queue.NewDelivery(ctx, doi.LifecycleEvent{DOI: d, Status: doi.StatusDeleted})
	deliveries <- ok
	assert.NoError(t, ok.Wait())

	canceled, cancelEvent := context.WithCancel(ctx)
	cancelEvent()
	interrupted := queue.NewDelivery(canceled, doi.LifecycleEvent{DOI: d, Status: doi.StatusDeleted})
	deliveries <- interrupted
	assert.ErrorIs(t, interrupted.Wait(), context.Canceled)

	cancel()
	assert.ErrorIs(t, <-runErr, context.Canceled)
}

func TestRunCancelsEventWithLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := ledger.NewMemory()
	d := doi.MustNew("10.5072", "abc234")
	_, err := l.Create(ctx, d, doi.TypeDataset)
	require.NoError(t, err)

	reg := newFakeRegistrar()
	reg.hook = func(string) { cancel() }
	reg.fail = func(op string, _ int) error { return statusError(op, d, http.StatusServiceUnavailable) }
	w := NewWorker(l, reg, WithRetryInterval(time.Hour))

	doc, err := metadata.Marshal(resource())
	require.NoError(t, err)
	deliveries := make(chan queue.Delivery, 1)
	dl := queue.NewDelivery(context.Background(), doi.LifecycleEvent{DOI: d, Status: doi.StatusRegistered, Metadata: doc, Target: target})
	deliveries <- dl

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx, deliveries) }()

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop when its context was canceled")
	}
	assert.ErrorIs(t, dl.Wait(), context.Canceled)
	assert.Equal(t, []string{"resolve"}, reg.Calls())
}

// flakyLedger fails reads until failures runs out.
type flakyLedger struct {
	*ledger.Memory
	mu       sync.Mutex
	failures int
}

func (f *flakyLedger) Get(ctx context.Context, d doi.DOI) (doi.Data, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return doi.Data{}, errors.New("connection refused")
	}
	f.mu.Unlock()
	return f.Memory.Get(ctx, d)
}

func TestRunRetriesUnavailableLedgerInOrder(t *testing.T) {
	ctx := context.Background()
	l := &flakyLedger{Memory: ledger.NewMemory(), failures: 2}
	d := doi.MustNew("10.5072", "abc234")
	_, err := l.Create(ctx, d, doi.TypeDataset)
	require.NoError(t, err)

	doc, err := metadata.Marshal(resource())
	require.NoError(t, err)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	register := queue.NewDelivery(ctx, doi.LifecycleEvent{ID: "ev-1", DOI: d, Status: doi.StatusRegistered, Metadata: doc, Target: target, CreatedAt: t0})
	remove := queue.NewDelivery(ctx, doi.LifecycleEvent{ID: "ev-2", DOI: d, Status: doi.StatusDeleted, CreatedAt: t0.Add(time.Second)})
	deliveries := make(chan queue.Delivery, 2)
	deliveries <- register
	deliveries <- remove
	close(deliveries)

	reg := newFakeRegistrar()
	w := NewWorker(l, reg, WithRetryInterval(0))
	require.NoError(t, w.Run(ctx, deliveries))

	assert.NoError(t, register.Wait())
	assert.NoError(t, remove.Wait())
	assert.Equal(t, []string{"resolve", "register"}, reg.Calls())
	data, err := l.Memory.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, doi.StatusDeleted, data.Status)
}

func TestRegisterDatasetEndToEnd(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	events := queue.NewMemory(8)
	gen, err := generator.New("10.5072", l, events,
		generator.WithTargets(generator.DefaultTargets("https://www.gbif.org/")))
	require.NoError(t, err)

	d, err := gen.NewDOI(ctx, doi.TypeDataset)
	require.NoError(t, err)
	key := "4fa7b334-ce0d-4e88-aaae-2e0c138d049e"
	require.NoError(t, gen.RegisterDataset(ctx, d, resource(), key))
	events.Close()

	reg := newFakeRegistrar()
	w := NewWorker(l, reg, WithRetryInterval(0))
	require.NoError(t, w.Run(ctx, events.Deliveries()))

	data, err := l.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, doi.StatusRegistered, data.Status)
	assert.Equal(t, "https://www.gbif.org/dataset/"+key, data.Target)
	assert.Equal(t, []string{"resolve", "register"}, reg.Calls())
}

func TestRunStopsOnClosedChannel(t *testing.T) {
	w := NewWorker(ledger.NewMemory(), newFakeRegistrar())
	ch := make(chan queue.Delivery)
	close(ch)
	assert.NoError(t, w.Run(context.Background(), ch))
}

func TestResultRedeliver(t *testing.T) {
	assert.True(t, Result{Outcome: OutcomeUnavailable, Err: errors.New("db down")}.Redeliver())
	assert.False(t, Result{Outcome: OutcomeExhausted}.Redeliver())
}
