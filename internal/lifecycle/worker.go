// Package lifecycle drives DOIs through their registrar lifecycle. A Worker
// consumes lifecycle events one at a time, reconciles the ledger with the
// registrar's live state and writes the outcome back to the ledger.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dharsanguruparan/doisync/internal/doi"
	"github.com/dharsanguruparan/doisync/internal/lease"
	"github.com/dharsanguruparan/doisync/internal/ledger"
	"github.com/dharsanguruparan/doisync/internal/metadata"
	"github.com/dharsanguruparan/doisync/internal/metrics"
	"github.com/dharsanguruparan/doisync/internal/queue"
	"github.com/dharsanguruparan/doisync/internal/registrar"
)

const (
	DefaultMaxAttempts      = 4
	DefaultRetryInterval    = 10 * time.Second
	DefaultCallTimeout      = 30 * time.Second
	DefaultDescriptionLimit = 5000

	failureWriteTimeout = 10 * time.Second
	tracerName          = "github.com/dharsanguruparan/doisync/internal/lifecycle"
)

// Registrar is the subset of the registrar client the worker drives.
type Registrar interface {
	Exists(ctx context.Context, d doi.DOI) (bool, error)
	Resolve(ctx context.Context, d doi.DOI) (doi.Data, error)
	Register(ctx context.Context, d doi.DOI, target, metadataXML string) error
	Reserve(ctx context.Context, d doi.DOI, metadataXML string) error
	UpdateMetadata(ctx context.Context, d doi.DOI, metadataXML string) error
	UpdateTarget(ctx context.Context, d doi.DOI, target string) error
	Delete(ctx context.Context, d doi.DOI) error
}

// Outcome classifies how an event ended.
type Outcome string

const (
	OutcomeSucceeded          Outcome = "succeeded"
	OutcomeExhausted          Outcome = "exhausted"
	OutcomeConflict           Outcome = "conflict"
	OutcomeManualRegistration Outcome = "manual_registration"
	OutcomeSkipped            Outcome = "skipped"
	OutcomeRejected           Outcome = "rejected"
	OutcomeCanceled           Outcome = "canceled"
	OutcomeUnavailable        Outcome = "unavailable"
)

// Result reports what Process did with one event.
type Result struct {
	DOI     doi.DOI
	Desired doi.Status
	Outcome Outcome
	// Attempts counts every registrar attempt, including those that were
	// followed by a metadata degradation.
	Attempts     int
	Degradations int
	Err          error
}

// Redeliver reports whether the event should be handed back to the queue.
// Only events that were interrupted or could not reach the ledger are
// redelivered; exhausted and conflicting events are abandoned at FAILED.
func (r Result) Redeliver() bool {
	return r.Outcome == OutcomeCanceled || r.Outcome == OutcomeUnavailable
}

// Worker is the single consumer for one ordering domain. It is not safe to
// call Process concurrently for the same DOI unless a shared Locker is set.
type Worker struct {
	ledger           ledger.Ledger
	registrar        Registrar
	maxAttempts      int
	retryInterval    time.Duration
	callTimeout      time.Duration
	descriptionLimit int
	clock            clock.Clock
	locker           lease.Locker
	metrics          *metrics.Metrics
	tracer           trace.Tracer
	logger           *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithMaxAttempts sets how many ordinary failures an event may accumulate.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithRetryInterval sets the fixed wait between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d >= 0 {
			w.retryInterval = d
		}
	}
}

// WithCallTimeout bounds each registrar call.
func WithCallTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.callTimeout = d
		}
	}
}

// WithDescriptionLimit sets the rune limit applied by the first degradation.
func WithDescriptionLimit(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.descriptionLimit = n
		}
	}
}

// WithClock replaces the wall clock used for retry waits.
func WithClock(c clock.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// WithLocker guards each DOI with a lease while its event is processed.
func WithLocker(l lease.Locker) Option {
	return func(w *Worker) { w.locker = l }
}

// WithMetrics records per-event counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// NewWorker constructs a Worker.
func NewWorker(l ledger.Ledger, r Registrar, opts ...Option) *Worker {
	w := &Worker{
		ledger:           l,
		registrar:        r,
		maxAttempts:      DefaultMaxAttempts,
		retryInterval:    DefaultRetryInterval,
		callTimeout:      DefaultCallTimeout,
		descriptionLimit: DefaultDescriptionLimit,
		clock:            clock.WallClock,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.tracer == nil {
		w.tracer = otel.Tracer(tracerName)
	}
	return w
}

// Run processes deliveries one at a time until ctx is done or the channel is
// closed. Each delivery is acknowledged before the next one is read.
func (w *Worker) Run(ctx context.Context, deliveries <-chan queue.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			evCtx, cancel := eventContext(ctx, d.Ctx)
			res := w.Process(evCtx, d.Event)
			// The shard stays blocked while the ledger is unreachable; handing
			// the event back would let later events for the same DOI overtake it.
			for res.Outcome == OutcomeUnavailable {
				if err := w.wait(evCtx); err != nil {
					break
				}
				res = w.Process(evCtx, d.Event)
			}
			cancel()
			if res.Redeliver() {
				d.Ack(res.Err)
			} else {
				d.Ack(nil)
			}
		}
	}
}

// eventContext is canceled when either the loop or the delivery's own context
// is done.
func eventContext(loop, task context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(loop)
	if task == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(task, cancel)
	if task.Err() != nil {
		cancel()
	}
	return ctx, func() {
		stop()
		cancel()
	}
}

// Process runs one event through the decision table with bounded retries.
func (w *Worker) Process(ctx context.Context, ev doi.LifecycleEvent) Result {
	start := w.clock.Now()
	ctx, span := w.tracer.Start(ctx, "lifecycle.process", trace.WithAttributes(
		attribute.String("doi", ev.DOI.String()),
		attribute.String("desired", ev.Status.String()),
		attribute.String("event_id", ev.ID),
	))
	defer span.End()

	logger := w.logger.With("doi", ev.DOI.String(), "desired", ev.Status.String(), "event_id", ev.ID)

	var res Result
	if w.locker != nil {
		release, err := w.locker.Acquire(ctx, ev.DOI.Key())
		if err != nil {
			res = Result{DOI: ev.DOI, Desired: ev.Status, Outcome: OutcomeCanceled, Err: fmt.Errorf("acquire lease: %w", err)}
			w.finish(span, logger, res, start)
			return res
		}
		defer release()
	}

	res = w.process(ctx, ev, logger)
	w.markApplied(ctx, ev, res, logger)
	span.SetAttributes(attribute.Int("attempts", res.Attempts), attribute.String("outcome", string(res.Outcome)))
	w.finish(span, logger, res, start)
	return res
}

func (w *Worker) finish(span trace.Span, logger *slog.Logger, res Result, start time.Time) {
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Outcome))
	}
	if w.metrics != nil {
		w.metrics.Events.WithLabelValues(res.Desired.String(), string(res.Outcome)).Inc()
		w.metrics.EventSeconds.Observe(w.clock.Now().Sub(start).Seconds())
	}
	switch res.Outcome {
	case OutcomeSucceeded, OutcomeSkipped:
		logger.Info("lifecycle event processed", "outcome", res.Outcome, "attempts", res.Attempts, "degradations", res.Degradations)
	case OutcomeManualRegistration:
		logger.Warn("doi requires manual registration", "attempts", res.Attempts)
	default:
		logger.Error("lifecycle event failed", "outcome", res.Outcome, "attempts", res.Attempts, "error", res.Err)
	}
}

// attempt carries the state of one event across retries. stored is the ledger
// row as it was when the event arrived; decisions are made against it so the
// worker's own FAILED writes between retries do not redirect the event.
type attempt struct {
	ev     doi.LifecycleEvent
	stored doi.Data
	logger *slog.Logger
}

// target is the URL to keep on a FAILED row: the one the event asked for, or
// the stored one when the event carries none.
func (a *attempt) target() string {
	if a.ev.Target != "" {
		return a.ev.Target
	}
	return a.stored.Target
}

func (w *Worker) process(ctx context.Context, ev doi.LifecycleEvent, logger *slog.Logger) Result {
	res := Result{DOI: ev.DOI, Desired: ev.Status}
	if err := ev.Validate(); err != nil {
		res.Outcome, res.Err = OutcomeRejected, err
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Outcome, res.Err = OutcomeCanceled, err
		return res
	}

	stored, err := w.ledger.Get(ctx, ev.DOI)
	if errors.Is(err, ledger.ErrNotFound) {
		res.Outcome, res.Err = OutcomeSkipped, err
		return res
	}
	if err != nil {
		res.Outcome, res.Err = OutcomeUnavailable, fmt.Errorf("read ledger: %w", err)
		return res
	}
	if stored.Status == doi.StatusDeleted {
		res.Outcome = OutcomeSkipped
		return res
	}
	if !ev.CreatedAt.IsZero() {
		applied, err := w.ledger.LastApplied(ctx, ev.DOI)
		if err != nil {
			res.Outcome, res.Err = OutcomeUnavailable, fmt.Errorf("read applied time: %w", err)
			return res
		}
		if ev.CreatedAt.Before(applied) {
			logger.Info("event older than the last applied event", "created_at", ev.CreatedAt, "applied", applied)
			res.Outcome = OutcomeSkipped
			return res
		}
	}

	a := &attempt{ev: ev, stored: stored, logger: logger}
	if err := w.fill(ctx, a); err != nil {
		res.Outcome, res.Err = OutcomeRejected, err
		return res
	}

	failures := 0
	for {
		res.Attempts++
		if w.metrics != nil {
			w.metrics.Attempts.WithLabelValues(ev.Status.String()).Inc()
		}
		outcome, err := w.apply(ctx, a)
		if err == nil {
			res.Outcome = outcome
			return res
		}
		a.logger.Warn("lifecycle attempt failed", "attempt", res.Attempts, "error", err)

		switch {
		case ctx.Err() != nil:
			w.markFailed(ctx, a, res.Attempts, err)
			res.Outcome, res.Err = OutcomeCanceled, errors.Join(ctx.Err(), err)
			return res
		case registrar.IsTooLarge(err) && w.degradable(a, res.Degradations) > 0:
			res.Degradations = w.degrade(ctx, a, res.Degradations)
		case registrar.IsConflict(err) || (!registrar.IsRetryable(err) && !registrar.IsTooLarge(err)):
			w.markFailed(ctx, a, res.Attempts, err)
			res.Outcome, res.Err = OutcomeConflict, err
			return res
		default:
			failures++
			if failures >= w.maxAttempts {
				w.markFailed(ctx, a, res.Attempts, err)
				res.Outcome, res.Err = OutcomeExhausted, err
				return res
			}
		}

		if werr := w.wait(ctx); werr != nil {
			w.markFailed(ctx, a, res.Attempts, err)
			res.Outcome, res.Err = OutcomeCanceled, errors.Join(werr, err)
			return res
		}
	}
}

// fill completes a REGISTERED or RESERVED event from the ledger when the
// producer left the target or metadata out, as a repair request does.
func (w *Worker) fill(ctx context.Context, a *attempt) error {
	if a.ev.Status == doi.StatusDeleted {
		return nil
	}
	if a.ev.Target == "" {
		a.ev.Target = a.stored.Target
	}
	if a.ev.Metadata == "" {
		doc, err := w.ledger.GetMetadata(ctx, a.ev.DOI)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("read stored metadata: %w", err)
		}
		if _, perr := metadata.Unmarshal(doc); perr == nil {
			a.ev.Metadata = doc
		}
	}
	if a.ev.Metadata == "" {
		return errors.New("event carries no metadata and the ledger has no usable document")
	}
	if a.ev.Status == doi.StatusRegistered && a.ev.Target == "" {
		return errors.New("event carries no target and the ledger has none stored")
	}
	return nil
}

// maxDegradations is the number of size degradations an event may receive.
// A payload still too large after the last one counts as an ordinary failure.
const maxDegradations = 2

// degradable returns the next degradation stage that would change the
// metadata, or 0 when none is left.
func (w *Worker) degradable(a *attempt, done int) int {
	for stage := done + 1; stage <= maxDegradations; stage++ {
		if _, changed := w.degraded(a, done, stage); changed {
			return stage
		}
	}
	return 0
}

// degraded applies the stages after done up to and including stage to the
// event's metadata. Stage 1 truncates descriptions; stage 2 drops related
// identifiers.
func (w *Worker) degraded(a *attempt, done, stage int) (*metadata.Resource, bool) {
	res, err := metadata.Unmarshal(a.ev.Metadata)
	if err != nil {
		return nil, false
	}
	changed := false
	if done < 1 {
		changed = res.TruncateDescriptions(w.descriptionLimit, a.ev.Target)
	}
	if stage >= 2 {
		changed = res.RemoveRelatedIdentifiers() || changed
	}
	return res, changed
}

// degrade replaces the event's metadata with the next degradation stage and
// records the degraded document as FAILED so an interrupted run leaves a
// trail. It returns the stage now applied.
func (w *Worker) degrade(ctx context.Context, a *attempt, done int) int {
	stage := w.degradable(a, done)
	res, _ := w.degraded(a, done, stage)
	doc, err := metadata.Marshal(res)
	if err != nil {
		a.logger.Error("cannot serialize degraded metadata", "error", err)
		return maxDegradations
	}
	a.ev.Metadata = doc
	name := "truncate_descriptions"
	if stage == 2 {
		name = "remove_related_identifiers"
	}
	if w.metrics != nil {
		w.metrics.Degradations.WithLabelValues(name).Inc()
	}
	a.logger.Info("metadata degraded after payload too large", "stage", name)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()
	if err := w.ledger.Update(wctx, a.ev.DOI, doi.Data{Status: doi.StatusFailed, Target: a.target()}, doc); err != nil {
		a.logger.Error("record degraded metadata failed", "error", err)
	}
	return stage
}

// markFailed records FAILED with a failure document beside the event's
// metadata and target, so a later repair has both. It runs detached from ctx
// so a shutdown mid-call still leaves the ledger accurate.
func (w *Worker) markFailed(ctx context.Context, a *attempt, attempts int, cause error) {
	detail := metadata.MarshalFailure(metadata.FailureDetail{
		DOI:      a.ev.DOI.String(),
		Desired:  a.ev.Status.String(),
		Attempts: attempts,
		At:       w.clock.Now().UTC(),
		Message:  cause.Error(),
	})
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()
	if err := w.ledger.Fail(wctx, a.ev.DOI, a.target(), detail); err != nil {
		a.logger.Error("record failure in ledger failed", "error", err, "cause", cause)
	}
}

// markApplied records the event's creation time once it has been acted on,
// so an older event redelivered later is recognized as stale.
func (w *Worker) markApplied(ctx context.Context, ev doi.LifecycleEvent, res Result, logger *slog.Logger) {
	if ev.CreatedAt.IsZero() {
		return
	}
	switch res.Outcome {
	case OutcomeSucceeded, OutcomeExhausted, OutcomeConflict, OutcomeManualRegistration:
	default:
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()
	if err := w.ledger.MarkApplied(wctx, ev.DOI, ev.CreatedAt); err != nil {
		logger.Error("record applied event failed", "error", err)
	}
}

func (w *Worker) wait(ctx context.Context) error {
	if w.retryInterval <= 0 {
		return ctx.Err()
	}
	select {
	case <-w.clock.After(w.retryInterval):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn under the per-call timeout.
func (w *Worker) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()
	return fn(cctx)
}
