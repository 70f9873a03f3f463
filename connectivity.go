package shellcache

import (
	"context"
	"net/http"
	"time"
)

// WatchConnectivity probes the configured URL at the configured interval until ctx is done.
// Every transition between online and offline is broadcast to all clients as NETWORK_STATUS.
// It returns immediately if no probe URL is configured.
func (w *Worker) WatchConnectivity(ctx context.Context) {
	if w.cfg.Connectivity.Probe == "" {
		return
	}
	interval := time.Duration(w.cfg.Connectivity.Interval)
	logger := w.log.With().Str("probe", w.cfg.Connectivity.Probe).Logger()
	logger.Info().Dur("interval", interval).Msg("Watching connectivity")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		online := w.probe(ctx, interval)
		if w.setOnline(online) {
			delivered := w.clients.Broadcast(newNetworkStatusMessage(online), "")
			logger.Info().Bool("online", online).Int("clients", delivered).Msg("Connectivity changed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Online reports the last observed connectivity state.
// The second value is false until the first probe completed.
func (w *Worker) Online() (bool, bool) {
	w.onlineMu.RLock()
	defer w.onlineMu.RUnlock()
	if w.online == nil {
		return false, false
	}
	return *w.online, true
}

// probe issues a HEAD request to the probe URL, bypassing the store.
// Any response counts as online.
func (w *Worker) probe(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.cfg.Connectivity.Probe, nil)
	if err != nil {
		return false
	}
	res, err := w.transport.RoundTrip(req)
	if err != nil {
		return false
	}
	res.Body.Close()
	return true
}

// setOnline records the state and reports whether it changed.
func (w *Worker) setOnline(online bool) bool {
	w.onlineMu.Lock()
	defer w.onlineMu.Unlock()
	changed := w.online == nil || *w.online != online
	w.online = &online
	return changed
}
