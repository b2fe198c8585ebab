package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/doisync/internal/config"
	"github.com/dharsanguruparan/doisync/internal/database"
	"github.com/dharsanguruparan/doisync/internal/diagnostics"
	"github.com/dharsanguruparan/doisync/internal/doi"
	"github.com/dharsanguruparan/doisync/internal/generator"
	"github.com/dharsanguruparan/doisync/internal/ledger"
	"github.com/dharsanguruparan/doisync/internal/logging"
	"github.com/dharsanguruparan/doisync/internal/queue"
	"github.com/dharsanguruparan/doisync/internal/records"
	"github.com/dharsanguruparan/doisync/internal/registrar"
	"github.com/dharsanguruparan/doisync/internal/reports"
)

type diagnoser interface {
	Report(ctx context.Context, d doi.DOI) (*diagnostics.Report, error)
	Failed(ctx context.Context, opts diagnostics.FailedOptions) ([]*diagnostics.Report, error)
	Bulk(ctx context.Context, in io.Reader) ([]*diagnostics.Report, error)
}

type exporter interface {
	EnsureBucket(ctx context.Context) error
	Export(ctx context.Context, kind string, at time.Time, reports []*diagnostics.Report) (string, error)
	Presign(ctx context.Context, key string, expiry time.Duration) (string, error)
}

var (
	errNotInLedger = errors.New("not in the ledger")
	errDeleted     = errors.New("deleted dois cannot be re-registered")
	errNoDocument  = errors.New("the ledger holds no resource document to resend")
	errNoTarget    = errors.New("the ledger holds no target url")
)

// app holds the dependencies every command shares. Tests populate it directly.
type app struct {
	out       io.Writer
	logger    *slog.Logger
	diag      diagnoser
	publisher generator.Publisher
	exporter  func() (exporter, error)
	now       func() time.Time
	closers   []func()
}

func (a *app) ready() bool { return a.diag != nil }

func (a *app) setup(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	a.logger = logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	a.now = time.Now

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pool.Close)

	client, err := registrar.New(cfg.RegistrarURL, cfg.RegistrarUser, cfg.RegistrarPassword, cfg.RegistrarTimeout)
	if err != nil {
		return err
	}
	a.diag = diagnostics.New(ledger.NewPostgres(pool), client, records.NewPostgres(pool),
		diagnostics.WithLogger(a.logger))

	broker := queue.NewBroker(asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}), cfg.Shards, cfg.QueueMaxRetry)
	a.publisher = broker
	a.closers = append(a.closers, func() { _ = broker.Close() })

	a.exporter = func() (exporter, error) { return reports.New(cfg) }
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// repair publishes a REGISTERED event with no target or metadata; the worker
// takes both from the ledger, so rows missing either are refused here.
func (a *app) repair(ctx context.Context, r *diagnostics.Report) error {
	switch r.LedgerStatus {
	case "":
		return errNotInLedger
	case doi.StatusDeleted:
		return errDeleted
	}
	if !r.HasDocument {
		return errNoDocument
	}
	if r.LedgerTarget == "" {
		return errNoTarget
	}
	ev := doi.LifecycleEvent{
		ID:        uuid.NewString(),
		DOI:       r.DOI,
		Status:    doi.StatusRegistered,
		CreatedAt: a.now().UTC(),
	}
	return a.publisher.Publish(ctx, ev)
}

// repairAll re-publishes every diverged report with a parsable DOI. Failures
// are printed and do not stop the batch.
func (a *app) repairAll(ctx context.Context, reports []*diagnostics.Report) (queued int) {
	seen := make(map[*diagnostics.Report]bool, len(reports))
	for _, r := range reports {
		if seen[r] || r.DOI.IsZero() || !r.Diverged() {
			continue
		}
		seen[r] = true
		if err := a.repair(ctx, r); err != nil {
			fmt.Fprintf(a.out, "skip %s: %v\n", r.DOI, err)
			continue
		}
		queued++
	}
	fmt.Fprintf(a.out, "%d repairs queued\n", queued)
	return queued
}

func (a *app) export(ctx context.Context, kind string, reports []*diagnostics.Report) {
	store, err := a.exporter()
	if err != nil {
		fmt.Fprintf(a.out, "export: %v\n", err)
		return
	}
	if err := store.EnsureBucket(ctx); err != nil {
		fmt.Fprintf(a.out, "export: %v\n", err)
		return
	}
	key, err := store.Export(ctx, kind, a.now(), reports)
	if err != nil {
		fmt.Fprintf(a.out, "export: %v\n", err)
		return
	}
	link, err := store.Presign(ctx, key, presignExpiry)
	if err != nil {
		fmt.Fprintf(a.out, "exported %s (presign failed: %v)\n", key, err)
		return
	}
	fmt.Fprintf(a.out, "exported %s\n%s\n", key, link)
}

func printReport(w io.Writer, r *diagnostics.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "DOI\t%s\n", r.DOI)
	fmt.Fprintf(tw, "Type\t%s\n", orDash(r.Type.String()))
	fmt.Fprintf(tw, "Ledger\t%s\t%s\n", orDash(r.LedgerStatus.String()), r.LedgerTarget)
	fmt.Fprintf(tw, "Registrar\t%s\t%s\n", orDash(r.LiveStatus.String()), r.LiveTarget)
	if r.Exists {
		fmt.Fprintf(tw, "Metadata equal\t%t\n", r.MetadataEqual)
	}
	if len(r.DatasetKeys) > 0 {
		fmt.Fprintf(tw, "Datasets\t%s\n", strings.Join(r.DatasetKeys, ", "))
	}
	if r.DatasetConflict {
		fmt.Fprintln(tw, "Conflict\tmore than one dataset claims this DOI")
	}
	if r.DownloadKey != "" {
		fmt.Fprintf(tw, "Download\t%s\n", r.DownloadKey)
	}
	if r.Error != "" {
		fmt.Fprintf(tw, "Error\t%s\n", r.Error)
	}
	_ = tw.Flush()
	if r.Diff != "" {
		fmt.Fprintf(w, "\n%s", r.Diff)
	}
}

func printSummary(w io.Writer, reports []*diagnostics.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOI\tLEDGER\tREGISTRAR\tDIVERGED\tERROR")
	diverged := 0
	for _, r := range reports {
		name := r.DOI.String()
		if name == "" {
			name = r.Input
		}
		if r.Diverged() {
			diverged++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", name,
			orDash(r.LedgerStatus.String()), orDash(r.LiveStatus.String()), r.Diverged(), r.Error)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%d reports, %d diverged\n", len(reports), diverged)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
