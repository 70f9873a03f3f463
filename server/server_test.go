package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/always-cache/shellcache"
	"github.com/always-cache/shellcache/manifest"
	"github.com/always-cache/shellcache/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Proxy-Connection") != "" {
			t.Errorf("Hop-by-hop header forwarded")
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello from " + r.URL.Path))
	}))
	t.Cleanup(origin.Close)

	worker, err := shellcache.New(shellcache.Config{
		Namespace: "app",
		Version:   "2.0.0",
		Scope:     origin.URL + "/",
		Manifest:  manifest.Manifest{{URL: "index.html"}},
		Transport: origin.Client().Transport,
	})
	require.NoError(t, err)
	_, err = worker.Run(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { worker.Close() })

	return New(worker, zerolog.Nop()), origin
}

func postJSON(t *testing.T, s *Server, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestProxyCachesThroughWorker(t *testing.T) {
	s, origin := setup(t)

	for i, want := range []string{"ShellCache; fwd=uri-miss; fwd-status=200; stored", "ShellCache; hit"} {
		req := httptest.NewRequest(http.MethodGet, origin.URL+"/page", nil)
		req.Header.Set("Proxy-Connection", "keep-alive")
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
		assert.Equal(t, "hello from /page", rec.Body.String())
		assert.Equal(t, want, rec.Header().Get("Cache-Status"))
	}
	s.worker.Wait()
}

func TestProxyRefusesConnect(t *testing.T) {
	s, _ := setup(t)
	req := httptest.NewRequest(http.MethodConnect, "https://example.com:443", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMessageCheckUpdate(t *testing.T) {
	s, _ := setup(t)

	rec := postJSON(t, s, "/_shellcache/messages", `{"type":"CHECK_UPDATE"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version":"2.0.0"}`, rec.Body.String())
}

func TestMessageClearCache(t *testing.T) {
	s, _ := setup(t)

	for i := 0; i < 2; i++ {
		rec := postJSON(t, s, "/_shellcache/messages", `{"type":"CLEAR_CACHE"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	}
}

func TestMessageWithoutReply(t *testing.T) {
	s, _ := setup(t)

	rec := postJSON(t, s, "/_shellcache/messages", `{"type":"WHATEVER"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestMalformedMessage(t *testing.T) {
	s, _ := setup(t)

	rec := postJSON(t, s, "/_shellcache/messages", `{"type":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var res map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "INVALID_INPUT", res["code"])
}

func TestPushEndpoint(t *testing.T) {
	s, _ := setup(t)

	assert.Equal(t, http.StatusNoContent, postJSON(t, s, "/_shellcache/push", `{"title":"Hi"}`).Code)
	assert.Equal(t, http.StatusNoContent, postJSON(t, s, "/_shellcache/push", ``).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(t, s, "/_shellcache/push", `not json`).Code)
}

func TestNotificationClickEndpoint(t *testing.T) {
	s, _ := setup(t)
	client := s.worker.Connect("tab-1", 4)

	rec := postJSON(t, s, "/_shellcache/notificationclick", `{"notification":{"data":{"url":"orders/1"}},"action":"open"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	msg, ok := (<-client.Messages()).(shellcache.OpenWindowMessage)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(msg.URL, "/orders/1"), msg.URL)
}

func TestSyncEndpoint(t *testing.T) {
	s, _ := setup(t)
	assert.Equal(t, http.StatusNoContent, postJSON(t, s, "/_shellcache/sync/sync-data", ``).Code)
}

func TestStatsAndEntries(t *testing.T) {
	s, origin := setup(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_shellcache/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var res stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "2.0.0", res.Version)
	assert.Equal(t, "app-2.0.0", res.Store)
	assert.Equal(t, "activated", res.State)
	assert.NotEmpty(t, res.Latency)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_shellcache/entries", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Equal(t, []string{origin.URL + "/index.html"}, entries)
}

func TestOperationStats(t *testing.T) {
	s, _ := setup(t)

	for _, op := range []string{metrics.OpWarmUp, metrics.OpEvict} {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_shellcache/stats/"+op, nil))
		require.Equal(t, http.StatusOK, rec.Code, op)
		var res metrics.Stats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, op, res.Operation)
		assert.EqualValues(t, 1, res.Count)
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_shellcache/stats/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsStreamBroadcasts(t *testing.T) {
	s, _ := setup(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/_shellcache/clients/tab-2/events", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	lines := bufio.NewReader(res.Body)
	line, err := lines.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)
	assert.Equal(t, "2.0.0", s.worker.Clients().Controller("tab-2"))

	msg, err := http.NewRequest(http.MethodPost, ts.URL+"/_shellcache/messages", strings.NewReader(`{"type":"NETWORK_STATUS","online":true}`))
	require.NoError(t, err)
	msg.Header.Set(ClientHeader, "tab-1")
	msgRes, err := http.DefaultClient.Do(msg)
	require.NoError(t, err)
	io.Copy(io.Discard, msgRes.Body)
	msgRes.Body.Close()
	require.Equal(t, http.StatusNoContent, msgRes.StatusCode)

	var data string
	for {
		line, err = lines.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
			break
		}
	}
	var status shellcache.NetworkStatusMessage
	require.NoError(t, json.Unmarshal([]byte(data), &status))
	assert.Equal(t, "NETWORK_STATUS", status.Type)
	assert.True(t, status.Online)
	assert.NotZero(t, status.Timestamp)
}
