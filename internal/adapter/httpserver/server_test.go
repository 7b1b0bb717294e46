package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/feedpulse/internal/app"
	"github.com/pscheid92/feedpulse/internal/domain"
	"github.com/pscheid92/feedpulse/internal/platform/config"
	"github.com/pscheid92/feedpulse/internal/realtime"
)

type recordingDeliverer struct {
	mu     sync.Mutex
	events []domain.Event
}

func (d *recordingDeliverer) Deliver(_ context.Context, event domain.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
}

func (d *recordingDeliverer) delivered() []domain.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Event(nil), d.events...)
}

type staticStats realtime.Stats

func (s staticStats) Stats() realtime.Stats { return realtime.Stats(s) }

type testServerOption func(*Deps)

func withHealthChecks(checks ...HealthCheck) testServerOption {
	return func(d *Deps) { d.HealthChecks = checks }
}

func withStats(stats realtime.Stats) testServerOption {
	return func(d *Deps) { d.Stats = staticStats(stats) }
}

func newTestConfig() *config.Config {
	return &config.Config{
		AppEnv:      "test",
		Port:        "0",
		AppURL:      "http://localhost:8080",
		APIRate:     1000,
		APIBurst:    1000,
		NotifyRate:  1000,
		NotifyBurst: 1000,
	}
}

// newTestServer wires a real Notifier onto a recording deliverer.
func newTestServer(t *testing.T, opts ...testServerOption) (*Server, *recordingDeliverer) {
	t.Helper()
	d := &recordingDeliverer{}
	clock := clockwork.NewFakeClock()
	deps := Deps{
		Deliverer: d,
		Stats:     staticStats{},
		Notifier:  app.NewNotifier(d, clock),
		Clock:     clock,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return NewServer(newTestConfig(), deps), d
}

func doRequest(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func doRequestWithHeader(t *testing.T, srv *Server, target, body, key, value string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(key, value)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

var _ http.Handler = (*Server)(nil)
