package shellcache

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/always-cache/shellcache/cache"
	"github.com/always-cache/shellcache/manifest"
	"github.com/always-cache/shellcache/pkg/metrics"
	"github.com/gofrs/flock"
	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// AssetResult is the outcome of warming a single manifest asset.
type AssetResult struct {
	URL         string
	CrossOrigin bool
	// Status returned by the network, zero if the fetch failed.
	Status int
	Stored bool
	Opaque bool
	Err    error
}

// InstallReport collects the per-asset outcome of a warm-up.
type InstallReport struct {
	Store string
	// Reused is set when the store was already installed by an earlier run.
	Reused  bool
	Results []AssetResult
}

// Failed returns the number of assets that could not be stored.
func (r InstallReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.Stored {
			n++
		}
	}
	return n
}

// Install runs the warm-up phase: it opens the store of the current version and
// fetches every manifest asset into it.
// A failing asset never fails the phase; only failing to open the store does.
// A store that an earlier run already installed is reused as is.
// On success the worker is installed and ready to be activated without waiting for clients.
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	report := InstallReport{Store: w.storeName}

	if state, ok := w.transition(StateInstalling, StateParsed); !ok {
		if state == StateInstalling || state == StateRedundant {
			return report, errors.WithContext(
				errors.New(errors.CodeConflict, "worker cannot be installed"), "state", string(state))
		}
		report.Reused = true
		return report, nil
	}

	w.log.Info().Str("version", w.cfg.Version).Msg("Installing")

	if w.cfg.LockFile != "" {
		lock := flock.New(w.cfg.LockFile)
		locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
		if err == nil && !locked {
			err = errors.New(errors.CodeConflict, "install lock is held")
		}
		if err != nil {
			w.setState(StateParsed)
			return report, errors.WithContext(
				errors.Wrap(err, errors.CodeConflict, "could not acquire install lock"), "lockFile", w.cfg.LockFile)
		}
		defer lock.Unlock()
	}

	store, err := w.cache.Open(w.storeName)
	if err != nil {
		w.setState(StateParsed)
		w.log.Error().Err(err).Msg("Could not open store")
		return report, err
	}

	if _, installed, err := store.Match(cache.InstalledMarkerKey); err == nil && installed {
		w.log.Info().Msg("Store already installed, reusing it")
		report.Reused = true
		w.setState(StateInstalled)
		return report, nil
	}

	start := time.Now()
	report.Results = make([]AssetResult, len(w.assets))
	var g errgroup.Group
	g.SetLimit(w.cfg.WarmUp.Concurrency)
	for i, asset := range w.assets {
		i, asset := i, asset
		g.Go(func() error {
			report.Results[i] = w.warmAsset(ctx, store, asset)
			return nil
		})
	}
	g.Wait()
	w.record(metrics.OpWarmUp, start)

	// an interrupted warm-up must be redone, so the store is not marked installed
	if err := ctx.Err(); err != nil {
		w.setState(StateParsed)
		w.log.Warn().Err(err).Int("failed", report.Failed()).Msg("Install interrupted")
		return report, errors.Wrap(err, errors.CodeUnavailable, "install interrupted")
	}

	marker := cache.Entry{Status: http.StatusOK, Header: http.Header{}, StoredAt: time.Now()}
	if err := store.Put(cache.InstalledMarkerKey, marker); err != nil {
		w.log.Warn().Err(err).Msg("Could not mark store as installed")
	}

	w.log.Info().
		Int("assets", len(report.Results)).
		Int("failed", report.Failed()).
		Dur("took", time.Since(start)).
		Msg("Installed")
	w.setState(StateInstalled)
	return report, nil
}

// warmAsset fetches one asset and stores it.
// Cross-origin assets are stored as opaque responses whatever their status.
func (w *Worker) warmAsset(ctx context.Context, store cache.Store, asset manifest.Asset) AssetResult {
	result := AssetResult{URL: asset.URL.String(), CrossOrigin: asset.CrossOrigin}
	logger := w.log.With().Str("url", result.URL).Logger()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, result.URL, nil)
	if err != nil {
		result.Err = errors.Wrap(err, errors.CodeInvalidInput, "could not create request")
		return result
	}
	if asset.CrossOrigin {
		req.Header.Set(fetchModeHeader, fetchModeNoCors)
	}

	start := time.Now()
	res, err := w.transport.RoundTrip(req)
	w.record(metrics.OpFetch, start)
	if err != nil {
		result.Err = errors.Wrap(err, errors.CodeNetwork, "could not fetch asset")
		logger.Warn().Err(err).Msg("Could not fetch asset")
		return result
	}
	defer res.Body.Close()
	result.Status = res.StatusCode

	if !asset.CrossOrigin && res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		result.Err = errors.Newf(errors.CodeNetwork, "unexpected status %d", res.StatusCode)
		logger.Warn().Int("status", res.StatusCode).Msg("Asset not cached")
		return result
	}

	key := w.keyer.GetKey(req)
	entry, err := cache.NewEntry(key, res, asset.CrossOrigin)
	if err != nil {
		result.Err = err
		logger.Warn().Err(err).Msg("Could not read asset")
		return result
	}
	if err := w.put(store, key, entry); err != nil {
		result.Err = err
		logger.Warn().Err(err).Msg("Could not cache asset")
		return result
	}
	result.Stored = true
	result.Opaque = asset.CrossOrigin
	logger.Trace().Int("status", res.StatusCode).Bool("opaque", result.Opaque).Msg("Asset cached")
	return result
}
