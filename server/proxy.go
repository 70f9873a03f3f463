package server

import (
	"io"
	"net/http"

	"github.com/always-cache/shellcache/rfc9211"
)

// hop-by-hop headers are not forwarded
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// proxy sends an absolute-form request through the worker and writes the response back.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	outReq.Close = false
	if r.ContentLength == 0 {
		outReq.Body = nil
	}
	removeHopHeaders(outReq.Header)

	res, err := s.worker.RoundTrip(outReq)
	if err != nil {
		s.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Upstream request failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer res.Body.Close()

	removeHopHeaders(res.Header)
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		s.log.Error().Err(err).Msg("Could not write response body to client")
	}
	s.logRequest(r, res)
	s.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (s *Server) logRequest(r *http.Request, res *http.Response) {
	s.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", res.StatusCode).
		Str("cacheStatus", res.Header.Get(rfc9211.HeaderName)).
		Msg("Sending response to client")
}

func removeHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
