package shellcache

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/always-cache/shellcache/rfc9211"
)

// OfflineBody is the body of the synthetic response served when nothing better is available.
const OfflineBody = "Offline - no connection"

// offline returns the fallback response for an intercepted request whose fetch failed.
// Requests accepting HTML get the cached shell document, others a synthetic 503.
func (w *Worker) offline(req *http.Request, cause error) *http.Response {
	logger := w.log.With().Str("url", req.URL.String()).AnErr("cause", cause).Logger()

	if acceptsHTML(req) {
		entry, found, err := w.match(w.keyer.GetURLKey(w.shell))
		if err != nil {
			logger.Warn().Err(err).Msg("Shell lookup failed")
		}
		if found {
			res := entry.Response(req)
			cacheStatus := rfc9211.CacheStatus{Detail: "offline-shell"}
			cacheStatus.Hit()
			cacheStatus.Apply(res)
			logger.Info().Msg("Offline, serving shell")
			return res
		}
	}

	logger.Info().Msg("Offline, serving synthetic response")
	return offlineResponse(req)
}

func acceptsHTML(req *http.Request) bool {
	for _, accept := range req.Header.Values("Accept") {
		if strings.Contains(accept, "text/html") {
			return true
		}
	}
	return false
}

func offlineResponse(req *http.Request) *http.Response {
	body := []byte(OfflineBody)
	res := &http.Response{
		Status:     strconv.Itoa(http.StatusServiceUnavailable) + " " + http.StatusText(http.StatusServiceUnavailable),
		StatusCode: http.StatusServiceUnavailable,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type":   {"text/plain; charset=utf-8"},
			"Content-Length": {strconv.Itoa(len(body))},
		},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
	cacheStatus := rfc9211.CacheStatus{Detail: "offline"}
	cacheStatus.Forward(rfc9211.FwdReasonUriMiss)
	cacheStatus.Apply(res)
	return res
}
