package shellcache

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/always-cache/shellcache/cache"
	"github.com/always-cache/shellcache/manifest"
	"github.com/always-cache/shellcache/pkg/metrics"
	"github.com/always-cache/shellcache/rfc9211"
	"github.com/jmgilman/go/errors"
)

const (
	fetchModeHeader = "Sec-Fetch-Mode"
	fetchModeNoCors = "no-cors"
)

// RoundTrip implements http.RoundTripper.
//
// Intercepted requests are answered from the current store when possible, and the
// stored entry is then revalidated in the background. Misses go to the network and
// successful responses are stored. When the network fails, HTML requests get the
// cached shell document and everything else a synthetic 503, so intercepted requests
// never fail with a raw network error.
//
// Non-GET requests, requests to excluded origins, and every request made before the
// worker is activated go to the network untouched.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	if reason, bypass := w.bypass(req); bypass {
		return w.forward(req, reason)
	}

	cacheStatus := rfc9211.CacheStatus{}
	key := w.keyer.GetKey(req)
	logger := w.log.With().Str("method", req.Method).Str("url", req.URL.String()).Logger()

	entry, found, err := w.match(key)
	if err != nil {
		logger.Warn().Err(err).Msg("Store lookup failed, going to network")
	}
	if found {
		cacheStatus.Hit()
		res := entry.Response(req)
		cacheStatus.Apply(res)
		w.revalidate(req, key)
		logger.Debug().Int("status", res.StatusCode).Str("cache-status", cacheStatus.String()).Msg("Served from store")
		return res, nil
	}

	cacheStatus.Forward(rfc9211.FwdReasonUriMiss)
	start := time.Now()
	res, err := w.transport.RoundTrip(req)
	w.record(metrics.OpFetch, start)
	if err != nil {
		logger.Debug().Err(err).Msg("Fetch failed")
		return w.offline(req, err), nil
	}
	cacheStatus.FwdStatus = res.StatusCode

	if w.cacheable(req, res) {
		entry, err := cache.NewEntry(key, res, false)
		if err != nil {
			// the body could not be read, so the response is unusable
			logger.Debug().Err(err).Msg("Reading response failed")
			return w.offline(req, err), nil
		}
		if err := w.store(key, entry); err != nil {
			logger.Warn().Err(err).Msg("Could not store response")
		} else {
			cacheStatus.Stored = true
		}
	}

	cacheStatus.Apply(res)
	logger.Debug().Int("status", res.StatusCode).Str("cache-status", cacheStatus.String()).Msg("Served from network")
	return res, nil
}

// bypass reports whether the request must go to the network without interception.
func (w *Worker) bypass(req *http.Request) (rfc9211.FwdReason, bool) {
	if req.Method != http.MethodGet {
		return rfc9211.FwdReasonMethod, true
	}
	if req.URL == nil || (req.URL.Scheme != "http" && req.URL.Scheme != "https") || req.URL.Host == "" {
		return rfc9211.FwdReasonBypass, true
	}
	if w.excluded(req.URL.Host) {
		return rfc9211.FwdReasonBypass, true
	}
	if w.State() != StateActivated {
		return rfc9211.FwdReasonBypass, true
	}
	return "", false
}

// excluded reports whether the host matches one of the excluded origins.
func (w *Worker) excluded(host string) bool {
	host = strings.ToLower(host)
	for _, origin := range w.cfg.ExcludedOrigins {
		if strings.Contains(host, origin) {
			return true
		}
	}
	return false
}

// forward passes the request to the network as is.
// Errors are returned to the caller untouched.
func (w *Worker) forward(req *http.Request, reason rfc9211.FwdReason) (*http.Response, error) {
	res, err := w.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	cacheStatus := rfc9211.CacheStatus{FwdStatus: res.StatusCode}
	cacheStatus.Forward(reason)
	cacheStatus.Apply(res)
	w.log.Trace().Str("method", req.Method).Str("url", req.URL.String()).Str("reason", string(reason)).Msg("Bypassed")
	return res, nil
}

// opaque reports whether the response to the request cannot be inspected:
// a cross-origin request made in no-cors mode.
func (w *Worker) opaque(req *http.Request) bool {
	return req.Header.Get(fetchModeHeader) == fetchModeNoCors && !manifest.SameOrigin(req.URL, w.scope)
}

// cacheable reports whether an intercepted response may be stored.
func (w *Worker) cacheable(req *http.Request, res *http.Response) bool {
	return res.StatusCode == http.StatusOK && !w.opaque(req)
}

// revalidate refreshes the entry under key from the network, in the background.
// The fetch outlives the request that triggered it. It is skipped when too many
// revalidations are already in flight.
func (w *Worker) revalidate(req *http.Request, key string) {
	select {
	case w.bgSem <- struct{}{}:
	default:
		w.log.Trace().Str("url", req.URL.String()).Msg("Revalidation skipped, too many in flight")
		return
	}

	bgReq := req.Clone(context.WithoutCancel(req.Context()))
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		defer func() { <-w.bgSem }()

		logger := w.log.With().Str("url", bgReq.URL.String()).Logger()
		start := time.Now()
		res, err := w.transport.RoundTrip(bgReq)
		if err != nil {
			logger.Debug().Err(err).Msg("Revalidation failed")
			return
		}
		defer res.Body.Close()
		if !w.cacheable(bgReq, res) {
			logger.Trace().Int("status", res.StatusCode).Msg("Revalidated response not cacheable")
			return
		}
		entry, err := cache.NewEntry(key, res, false)
		if err != nil {
			logger.Debug().Err(err).Msg("Revalidation failed")
			return
		}
		if err := w.store(key, entry); err != nil {
			logger.Warn().Err(err).Msg("Could not store revalidated response")
			return
		}
		w.record(metrics.OpRevalidate, start)
		logger.Trace().Msg("Revalidated")
	}()
}

// match looks the key up in the current store.
func (w *Worker) match(key string) (cache.Entry, bool, error) {
	start := time.Now()
	defer w.record(metrics.OpMatch, start)
	store, err := w.cache.Open(w.storeName)
	if err != nil {
		return cache.Entry{}, false, err
	}
	return store.Match(key)
}

// store puts the entry into the current store.
func (w *Worker) store(key string, entry cache.Entry) error {
	store, err := w.cache.Open(w.storeName)
	if err != nil {
		return err
	}
	return w.put(store, key, entry)
}

func (w *Worker) put(store cache.Store, key string, entry cache.Entry) error {
	start := time.Now()
	defer w.record(metrics.OpPut, start)
	if err := store.Put(key, entry); err != nil {
		return errors.WithContext(err, "key", key)
	}
	return nil
}
