// Package shellcache is a client-side interception layer that keeps an application
// working offline. A Worker owns one version-scoped store, fills it from the asset
// manifest on install, evicts the stores of every other version on activation, and
// serves requests cache-first with background revalidation.
//
// The Worker implements http.RoundTripper, so it can be plugged into any http.Client.
package shellcache

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/always-cache/shellcache/cache"
	"github.com/always-cache/shellcache/manifest"
	cachekey "github.com/always-cache/shellcache/pkg/cache-key"
	"github.com/always-cache/shellcache/pkg/metrics"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of a worker.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

type Worker struct {
	cfg       Config
	cache     cache.Provider
	transport http.RoundTripper
	keyer     cachekey.CacheKeyer
	log       zerolog.Logger
	latency   *metrics.LatencyTracker

	storeName string
	scope     *url.URL
	shell     *url.URL
	assets    []manifest.Asset

	clients  *Clients
	notifier Notifier
	opener   WindowOpener

	mu    sync.Mutex
	state State

	// bounds and tracks background revalidations
	bgSem chan struct{}
	bg    sync.WaitGroup

	onlineMu sync.RWMutex
	online   *bool
}

// New validates the config and creates a worker in the parsed state.
// Nothing is fetched or stored until Install is called.
func New(config Config) (*Worker, error) {
	cfg, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	scope, err := url.Parse(cfg.Scope)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "invalid scope")
	}
	shellRef, err := url.Parse(cfg.Shell)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "invalid shell")
	}
	assets, err := cfg.Manifest.Resolve(scope)
	if err != nil {
		return nil, err
	}

	// use global logger if not specified in config
	var logger zerolog.Logger
	if cfg.Logger == nil {
		logger = log.Logger
	} else {
		logger = *cfg.Logger
	}
	// create a child logger and add defaults
	logger = logger.With().
		Str("store", cfg.StoreName()).
		Logger()

	w := &Worker{
		cfg:       cfg,
		cache:     cfg.Cache,
		transport: cfg.Transport,
		keyer:     cachekey.NewCacheKeyer(cfg.KeyHeaders...),
		log:       logger,
		latency:   metrics.NewLatencyTracker(0.01),
		storeName: cfg.StoreName(),
		scope:     scope,
		shell:     scope.ResolveReference(shellRef),
		assets:    assets,
		state:     StateParsed,
		bgSem:     make(chan struct{}, cfg.Revalidation.MaxInFlight),
	}
	if w.cache == nil {
		w.cache = cache.NewMemProvider()
	}
	if w.transport == nil {
		w.transport = http.DefaultTransport
	}
	w.clients = NewClients(logger)
	w.notifier = cfg.Notifier
	if w.notifier == nil {
		w.notifier = clientNotifier{clients: w.clients}
	}
	w.opener = cfg.Opener
	if w.opener == nil {
		w.opener = clientNotifier{clients: w.clients}
	}
	return w, nil
}

// Version returns the version tag of the running build.
func (w *Worker) Version() string {
	return w.cfg.Version
}

// StoreName returns the name of the current store.
func (w *Worker) StoreName() string {
	return w.storeName
}

// Config returns the effective config, defaults applied.
func (w *Worker) Config() Config {
	return w.cfg
}

// Clients returns the registry of connected clients.
func (w *Worker) Clients() *Clients {
	return w.clients
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// transition moves the worker from one of the given states to the target state.
// It returns the state found when the transition was not possible.
func (w *Worker) transition(to State, from ...State) (State, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range from {
		if w.state == f {
			w.state = to
			return f, true
		}
	}
	return w.state, false
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// Stats returns latency statistics for store and network operations.
func (w *Worker) Stats() []metrics.Stats {
	return w.latency.GetAllStats()
}

// OperationStats returns latency statistics for a single operation.
func (w *Worker) OperationStats(operation string) (metrics.Stats, error) {
	stats, err := w.latency.GetStats(operation)
	if err != nil {
		return stats, errors.Wrap(err, errors.CodeNotFound, "unknown operation")
	}
	return stats, nil
}

// Entries returns the URLs cached in the current store.
func (w *Worker) Entries() ([]string, error) {
	store, err := w.cache.Open(w.storeName)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0)
	err = store.Keys(func(key string) {
		if key == cache.InstalledMarkerKey {
			return
		}
		if req, err := w.keyer.GetRequestFromKey(key); err == nil {
			urls = append(urls, req.URL.String())
		}
	})
	return urls, err
}

// Wait blocks until all background revalidations are done.
func (w *Worker) Wait() {
	w.bg.Wait()
}

// Close waits for background work, closes all clients and the storage.
// The worker is redundant afterwards and passes every request to the network.
func (w *Worker) Close() error {
	w.setState(StateRedundant)
	w.bg.Wait()
	w.clients.CloseAll()
	return w.cache.Close()
}

func (w *Worker) record(operation string, start time.Time) {
	w.latency.Since(operation, start)
}
