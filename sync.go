package shellcache

import (
	"context"
)

// SyncTagPendingData is the background sync tag that flushes data written while offline.
const SyncTagPendingData = "sync-data"

// HandleSync runs the background sync registered under tag.
// Only SyncTagPendingData is known; other tags are ignored.
func (w *Worker) HandleSync(ctx context.Context, tag string) error {
	logger := w.log.With().Str("tag", tag).Logger()
	if tag != SyncTagPendingData {
		logger.Trace().Msg("Unknown sync tag, ignoring")
		return nil
	}
	if w.cfg.SyncPending == nil {
		logger.Debug().Msg("No pending data sync configured")
		return nil
	}
	logger.Debug().Msg("Syncing pending data")
	if err := w.cfg.SyncPending(ctx); err != nil {
		logger.Warn().Err(err).Msg("Sync failed")
		return err
	}
	return nil
}
