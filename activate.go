package shellcache

import (
	"context"
	"time"

	"github.com/always-cache/shellcache/pkg/metrics"
	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// Activate runs the activation phase: every store other than the current one is deleted,
// then all connected clients are claimed.
// Deletions run in parallel and all of them settle before activation succeeds.
// Activating an already activated worker is a no-op.
func (w *Worker) Activate(ctx context.Context) error {
	if state, ok := w.transition(StateActivating, StateInstalled); !ok {
		if state == StateActivated {
			return nil
		}
		return errors.WithContext(
			errors.New(errors.CodeConflict, "worker is not installed"), "state", string(state))
	}

	w.log.Info().Str("version", w.cfg.Version).Msg("Activating")
	start := time.Now()

	names, err := w.cache.Stores()
	if err != nil {
		w.setState(StateInstalled)
		w.log.Error().Err(err).Msg("Could not list stores")
		return err
	}

	var g errgroup.Group
	for _, name := range names {
		if name == w.storeName {
			continue
		}
		name := name
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			w.log.Debug().Str("stale", name).Msg("Deleting stale store")
			if _, err := w.cache.Delete(name); err != nil {
				return errors.WithContext(err, "stale", name)
			}
			return nil
		})
	}
	if err := w.latency.RecordFunc(metrics.OpEvict, g.Wait); err != nil {
		w.setState(StateInstalled)
		w.log.Error().Err(err).Msg("Could not evict stale stores")
		return err
	}

	w.setState(StateActivated)
	claimed := w.clients.Claim(w.cfg.Version)
	w.log.Info().Int("claimed", claimed).Dur("took", time.Since(start)).Msg("Activated")
	return nil
}

// Run installs the worker and activates it right away.
func (w *Worker) Run(ctx context.Context) (InstallReport, error) {
	report, err := w.Install(ctx)
	if err != nil {
		return report, err
	}
	return report, w.Activate(ctx)
}

// SkipWaiting activates an installed worker immediately.
// It does nothing in any other state.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	if w.State() != StateInstalled {
		return nil
	}
	return w.Activate(ctx)
}
