// Package server exposes a worker over HTTP: as a forward proxy for absolute-form
// requests, and as a control surface under /_shellcache for messages, client
// broadcast streams, push intake, background sync and stats.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/always-cache/shellcache"
	"github.com/always-cache/shellcache/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
)

// PathPrefix is the path under which the control surface is mounted.
const PathPrefix = "/_shellcache"

// maxPushSize bounds inbound push payloads.
const maxPushSize = 64 << 10

// ClientHeader names the client sending a control message, when the body does not.
const ClientHeader = "X-Shellcache-Client"

type Server struct {
	worker *shellcache.Worker
	router chi.Router
	log    zerolog.Logger
	// buffer of each client broadcast stream
	clientBuffer int
}

func New(worker *shellcache.Worker, logger zerolog.Logger) *Server {
	s := &Server{
		worker:       worker,
		log:          logger,
		clientBuffer: 16,
	}
	r := chi.NewRouter()
	r.Route(PathPrefix, func(r chi.Router) {
		r.Post("/messages", s.handleMessage)
		r.Get("/clients/{id}/events", s.handleEvents)
		r.Post("/push", s.handlePush)
		r.Post("/notificationclick", s.handleNotificationClick)
		r.Post("/sync/{tag}", s.handleSync)
		r.Get("/stats", s.handleStats)
		r.Get("/stats/{op}", s.handleOperationStats)
		r.Get("/entries", s.handleEntries)
	})
	s.router = r
	return s
}

// ServeHTTP implements the http.Handler interface.
// Absolute-form requests are proxied through the worker, everything else goes to the control surface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.log.Debug().Str("host", r.Host).Msg("Refusing tunnel")
		http.Error(w, "tunnels are not supported", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.IsAbs() {
		s.proxy(w, r)
		return
	}
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg shellcache.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeError(w, errors.Wrap(err, errors.CodeInvalidInput, "malformed message"))
		return
	}
	if msg.Source == "" {
		msg.Source = r.Header.Get(ClientHeader)
	}

	reply := make(chan shellcache.Reply, 1)
	s.worker.HandleMessage(r.Context(), msg, reply)
	select {
	case res := <-reply:
		writeJSON(w, http.StatusOK, res)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPushSize))
	if err != nil {
		s.writeError(w, errors.Wrap(err, errors.CodeInvalidInput, "could not read push payload"))
		return
	}
	if err := s.worker.HandlePush(r.Context(), data); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type notificationClick struct {
	Notification shellcache.Notification `json:"notification"`
	Action       string                  `json:"action"`
}

func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var click notificationClick
	if err := json.NewDecoder(r.Body).Decode(&click); err != nil {
		s.writeError(w, errors.Wrap(err, errors.CodeInvalidInput, "malformed notification click"))
		return
	}
	if err := s.worker.HandleNotificationClick(r.Context(), click.Notification, click.Action); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.worker.HandleSync(r.Context(), chi.URLParam(r, "tag")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stats struct {
	Version string          `json:"version"`
	Store   string          `json:"store"`
	State   string          `json:"state"`
	Online  *bool           `json:"online,omitempty"`
	Clients []string        `json:"clients"`
	Latency []metrics.Stats `json:"latency"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	res := stats{
		Version: s.worker.Version(),
		Store:   s.worker.StoreName(),
		State:   string(s.worker.State()),
		Clients: s.worker.Clients().MatchAll(),
		Latency: s.worker.Stats(),
	}
	if online, known := s.worker.Online(); known {
		res.Online = &online
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleOperationStats(w http.ResponseWriter, r *http.Request) {
	res, err := s.worker.OperationStats(chi.URLParam(r, "op"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.worker.Entries()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	res := errors.ToJSON(err)
	status := httpStatus(errors.GetCode(err))
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	} else {
		s.log.Debug().Err(err).Msg("Bad request")
	}
	writeJSON(w, status, res)
}

func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.CodeInvalidInput:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeConflict:
		return http.StatusConflict
	case errors.CodeNetwork:
		return http.StatusBadGateway
	case errors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
