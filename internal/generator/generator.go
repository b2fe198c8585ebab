// Package generator mints DOIs and hands lifecycle requests to the event
// channel. Minting is synchronous and local; registration is asynchronous and
// never blocks on the registrar.
package generator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/doisync/internal/doi"
	"github.com/dharsanguruparan/doisync/internal/ledger"
	"github.com/dharsanguruparan/doisync/internal/metadata"
	"github.com/dharsanguruparan/doisync/internal/metrics"
)

// Alphabet is the suffix character set. 0, o, 1, i and l are left out because
// they are easily confused when read aloud or printed.
const Alphabet = "23456789abcdefghjkmnpqrstuvwxyz"

const (
	DefaultSuffixLength = 6
	DefaultMaxAttempts  = 1000
)

// ErrAllocationExhausted is matched by every AllocationError.
var ErrAllocationExhausted = errors.New("doi allocation exhausted")

// AllocationError is returned when no free suffix was found within the
// attempt limit. It points at a systemic fault, not bad luck.
type AllocationError struct {
	Type     doi.Type
	Attempts int
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("no free %s doi after %d attempts", e.Type, e.Attempts)
}

func (e *AllocationError) Is(target error) bool { return target == ErrAllocationExhausted }

// ValidationError lists what is wrong with a registration request.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid registration request: missing " + strings.Join(e.Fields, ", ")
}

// Publisher is the producer side of the event channel.
type Publisher interface {
	Publish(ctx context.Context, ev doi.LifecycleEvent) error
}

// Targets holds the per-type base URLs a resource key is resolved against.
type Targets struct {
	Dataset     string
	Download    string
	DataPackage string
}

// DefaultTargets derives the base URLs from a portal root.
func DefaultTargets(portal string) Targets {
	if !strings.HasSuffix(portal, "/") {
		portal += "/"
	}
	return Targets{
		Dataset:     portal + "dataset/",
		Download:    portal + "occurrence/download/",
		DataPackage: portal + "data-package/",
	}
}

// Generator is safe for concurrent use provided the random source is.
type Generator struct {
	prefix       string
	ledger       ledger.Ledger
	publisher    Publisher
	targets      Targets
	suffixLength int
	maxAttempts  int
	random       io.Reader
	now          func() time.Time
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithSuffixLength sets the number of random characters after the shoulder.
func WithSuffixLength(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.suffixLength = n
		}
	}
}

// WithMaxAttempts bounds the number of suffix draws per mint.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithRandom replaces crypto/rand as the suffix source.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) { g.random = r }
}

// WithTargets overrides the target base URLs.
func WithTargets(t Targets) Option {
	return func(g *Generator) { g.targets = t }
}

// WithMetrics records mint counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// New constructs a Generator for the registrant prefix.
func New(prefix string, l ledger.Ledger, p Publisher, opts ...Option) (*Generator, error) {
	if !strings.HasPrefix(prefix, "10.") {
		return nil, fmt.Errorf("prefix %q: %w", prefix, doi.ErrInvalidDOI)
	}
	g := &Generator{
		prefix:       prefix,
		ledger:       l,
		publisher:    p,
		targets:      DefaultTargets("https://www.gbif.org/"),
		suffixLength: DefaultSuffixLength,
		maxAttempts:  DefaultMaxAttempts,
		random:       rand.Reader,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Prefix is the registrant prefix this generator mints under.
func (g *Generator) Prefix() string { return g.prefix }

// NewDOI draws suffixes until the ledger accepts one as new.
func (g *Generator) NewDOI(ctx context.Context, t doi.Type) (doi.DOI, error) {
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return doi.DOI{}, err
		}
		suffix, err := g.randomSuffix()
		if err != nil {
			return doi.DOI{}, err
		}
		d, err := doi.New(g.prefix, t.Shoulder()+suffix)
		if err != nil {
			return doi.DOI{}, err
		}
		created, err := g.ledger.Create(ctx, d, t)
		if err != nil {
			return doi.DOI{}, fmt.Errorf("create ledger row for %s: %w", d, err)
		}
		if created {
			if g.metrics != nil {
				g.metrics.Minted.WithLabelValues(t.String()).Inc()
			}
			g.logger.Debug("minted doi", "doi", d.String(), "type", t.String(), "attempt", attempt)
			return d, nil
		}
		if g.metrics != nil {
			g.metrics.MintCollisions.Inc()
		}
	}
	if g.metrics != nil {
		g.metrics.MintExhausted.Inc()
	}
	err := &AllocationError{Type: t, Attempts: g.maxAttempts}
	g.logger.Error("doi allocation exhausted", "type", t.String(), "attempts", g.maxAttempts)
	return doi.DOI{}, err
}

// randomSuffix draws suffixLength characters uniformly from Alphabet. Bytes
// at or above the largest multiple of len(Alphabet) are rejected.
func (g *Generator) randomSuffix() (string, error) {
	const n = len(Alphabet)
	limit := byte(256 - 256%n)
	out := make([]byte, 0, g.suffixLength)
	buf := make([]byte, g.suffixLength*2)
	for len(out) < g.suffixLength {
		if _, err := io.ReadFull(g.random, buf); err != nil {
			return "", fmt.Errorf("read random suffix: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, Alphabet[int(b)%n])
			if len(out) == g.suffixLength {
				break
			}
		}
	}
	return string(out), nil
}

// IsOwned reports whether d was minted under this generator's prefix.
func (g *Generator) IsOwned(d doi.DOI) bool {
	return strings.EqualFold(d.Prefix(), g.prefix)
}

// Failed marks d as failed with reason recorded as its failure detail; the
// stored metadata and target are kept. The registrar is not contacted.
func (g *Generator) Failed(ctx context.Context, d doi.DOI, reason string) error {
	detail := metadata.MarshalFailure(metadata.FailureDetail{
		DOI:     d.String(),
		At:      g.now().UTC(),
		Message: reason,
	})
	if err := g.ledger.Fail(ctx, d, "", detail); err != nil {
		return fmt.Errorf("mark %s failed: %w", d, err)
	}
	return nil
}

// RegisterDataset requests registration of a dataset DOI.
func (g *Generator) RegisterDataset(ctx context.Context, d doi.DOI, res *metadata.Resource, datasetKey string) error {
	return g.register(ctx, d, res, g.targets.Dataset, datasetKey)
}

// RegisterDownload requests registration of a download DOI.
func (g *Generator) RegisterDownload(ctx context.Context, d doi.DOI, res *metadata.Resource, downloadKey string) error {
	return g.register(ctx, d, res, g.targets.Download, downloadKey)
}

// RegisterDataPackage requests registration of a data package DOI.
func (g *Generator) RegisterDataPackage(ctx context.Context, d doi.DOI, res *metadata.Resource, packageKey string) error {
	return g.register(ctx, d, res, g.targets.DataPackage, packageKey)
}

func (g *Generator) register(ctx context.Context, d doi.DOI, res *metadata.Resource, base, key string) error {
	var missing []string
	if d.IsZero() {
		missing = append(missing, "doi")
	}
	if strings.TrimSpace(key) == "" {
		missing = append(missing, "key")
	}
	if res == nil {
		missing = append(missing, "metadata")
	} else {
		missing = append(missing, res.Missing()...)
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}

	target, err := resolveTarget(base, key)
	if err != nil {
		return err
	}
	doc, err := g.document(d, res)
	if err != nil {
		return err
	}
	g.publish(ctx, doi.LifecycleEvent{DOI: d, Status: doi.StatusRegistered, Metadata: doc, Target: target})
	return nil
}

// Reserve requests a registrar reservation, which carries metadata but no
// target.
func (g *Generator) Reserve(ctx context.Context, d doi.DOI, res *metadata.Resource) error {
	var missing []string
	if d.IsZero() {
		missing = append(missing, "doi")
	}
	if res == nil {
		missing = append(missing, "metadata")
	} else {
		missing = append(missing, res.Missing()...)
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	doc, err := g.document(d, res)
	if err != nil {
		return err
	}
	g.publish(ctx, doi.LifecycleEvent{DOI: d, Status: doi.StatusReserved, Metadata: doc})
	return nil
}

// Delete requests deletion of d.
func (g *Generator) Delete(ctx context.Context, d doi.DOI) error {
	if d.IsZero() {
		return &ValidationError{Fields: []string{"doi"}}
	}
	g.publish(ctx, doi.LifecycleEvent{DOI: d, Status: doi.StatusDeleted})
	return nil
}

func (g *Generator) document(d doi.DOI, res *metadata.Resource) (string, error) {
	cp := *res
	cp.SetIdentifier(d.String())
	return metadata.Marshal(&cp)
}

// publish never fails the caller; the event is logged so an operator can
// replay it.
func (g *Generator) publish(ctx context.Context, ev doi.LifecycleEvent) {
	ev.ID = uuid.NewString()
	ev.CreatedAt = g.now().UTC()
	if err := g.publisher.Publish(ctx, ev); err != nil {
		if g.metrics != nil {
			g.metrics.PublishFailures.Inc()
		}
		g.logger.Error("publish lifecycle event failed",
			"doi", ev.DOI.String(), "desired", ev.Status.String(), "event_id", ev.ID, "error", err)
		return
	}
	g.logger.Info("lifecycle event published",
		"doi", ev.DOI.String(), "desired", ev.Status.String(), "event_id", ev.ID)
}

func resolveTarget(base, key string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse target base %q: %w", base, err)
	}
	ref, err := url.Parse("./" + url.PathEscape(key))
	if err != nil {
		return "", fmt.Errorf("parse resource key %q: %w", key, err)
	}
	return u.ResolveReference(ref).String(), nil
}
