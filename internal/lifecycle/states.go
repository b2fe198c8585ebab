package lifecycle

import (
	"context"
	"fmt"

	"github.com/dharsanguruparan/doisync/internal/doi"
)

// apply runs one pass of the decision table for the event's desired status.
// Every pass re-reads the registrar's live state, so a redelivered event or a
// retry after a partial success never repeats a write blindly.
func (w *Worker) apply(ctx context.Context, a *attempt) (Outcome, error) {
	switch a.ev.Status {
	case doi.StatusRegistered:
		return w.register(ctx, a)
	case doi.StatusReserved:
		return w.reserve(ctx, a)
	case doi.StatusDeleted:
		return w.delete(ctx, a)
	}
	return OutcomeRejected, fmt.Errorf("unsupported desired status %q", a.ev.Status)
}

func (w *Worker) register(ctx context.Context, a *attempt) (Outcome, error) {
	d := a.ev.DOI
	live, err := w.resolve(ctx, d)
	if err != nil {
		return "", err
	}

	working := a.stored.Status
	if working == doi.StatusRegistered && live.Status != doi.StatusRegistered {
		a.logger.Warn("ledger says registered but registrar does not", "live_status", live.Status.String())
		working = doi.StatusNew
	}

	target := a.ev.Target
	switch working {
	case doi.StatusRegistered:
		if target != a.stored.Target || target != live.Target {
			if err := w.call(ctx, func(ctx context.Context) error {
				return w.registrar.UpdateTarget(ctx, d, target)
			}); err != nil {
				return "", err
			}
		}
		if err := w.call(ctx, func(ctx context.Context) error {
			return w.registrar.UpdateMetadata(ctx, d, a.ev.Metadata)
		}); err != nil {
			return "", err
		}

	case doi.StatusNew, doi.StatusReserved:
		if err := w.call(ctx, func(ctx context.Context) error {
			return w.registrar.Register(ctx, d, target, a.ev.Metadata)
		}); err != nil {
			return "", err
		}

	case doi.StatusFailed:
		// The status before the failure is unknown; only a DOI the registrar
		// already serves can be brought back automatically.
		if live.Status != doi.StatusRegistered {
			a.logger.Warn("cannot recover failed doi", "live_status", live.Status.String())
			return OutcomeManualRegistration, nil
		}
		if err := w.call(ctx, func(ctx context.Context) error {
			return w.registrar.UpdateMetadata(ctx, d, a.ev.Metadata)
		}); err != nil {
			return "", err
		}
		if live.Target != "" {
			target = live.Target
		}

	default:
		return OutcomeSkipped, nil
	}

	if err := w.ledger.Update(ctx, d, doi.Data{Status: doi.StatusRegistered, Target: target}, a.ev.Metadata); err != nil {
		return "", fmt.Errorf("record registered: %w", err)
	}
	return OutcomeSucceeded, nil
}

func (w *Worker) reserve(ctx context.Context, a *attempt) (Outcome, error) {
	d := a.ev.DOI
	if a.stored.Status == doi.StatusRegistered {
		// A public DOI cannot go back to reserved.
		return OutcomeSkipped, nil
	}
	if err := w.call(ctx, func(ctx context.Context) error {
		return w.registrar.Reserve(ctx, d, a.ev.Metadata)
	}); err != nil {
		return "", err
	}
	if err := w.ledger.Update(ctx, d, doi.Data{Status: doi.StatusReserved, Target: a.stored.Target}, a.ev.Metadata); err != nil {
		return "", fmt.Errorf("record reserved: %w", err)
	}
	return OutcomeSucceeded, nil
}

func (w *Worker) delete(ctx context.Context, a *attempt) (Outcome, error) {
	d := a.ev.DOI
	// Registered DOIs stay resolvable at the registrar forever; only the
	// ledger marks them gone.
	if a.stored.Status != doi.StatusRegistered {
		var exists bool
		if err := w.call(ctx, func(ctx context.Context) error {
			var err error
			exists, err = w.registrar.Exists(ctx, d)
			return err
		}); err != nil {
			return "", err
		}
		if exists {
			if err := w.call(ctx, func(ctx context.Context) error {
				return w.registrar.Delete(ctx, d)
			}); err != nil {
				return "", err
			}
		}
	}
	if err := w.ledger.Delete(ctx, d); err != nil {
		return "", fmt.Errorf("record deleted: %w", err)
	}
	return OutcomeSucceeded, nil
}

func (w *Worker) resolve(ctx context.Context, d doi.DOI) (doi.Data, error) {
	var live doi.Data
	err := w.call(ctx, func(ctx context.Context) error {
		var err error
		live, err = w.registrar.Resolve(ctx, d)
		return err
	})
	return live, err
}
