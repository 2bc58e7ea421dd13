package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/cadence/internal/health"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/audio/endpoint"
	"github.com/MrWong99/cadence/pkg/audio/mixer"
	"github.com/MrWong99/cadence/pkg/audio/mock"
)

type body struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func serve(t *testing.T, h *health.Handler, path string, ctx context.Context) (int, body) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var b body
	if err := json.NewDecoder(rec.Body).Decode(&b); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, b
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()
	h := health.New(health.Checker{Name: "broken", Check: func(context.Context) error {
		return errors.New("down")
	}})
	code, b := serve(t, h, "/healthz", context.Background())
	if code != http.StatusOK || b.Status != "ok" {
		t.Errorf("got %d %q, want 200 ok", code, b.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	pass := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("stopped") }

	tests := []struct {
		name       string
		checkers   []health.Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []health.Checker{{Name: "output", Check: pass}, {Name: "mixer", Check: pass}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"output": "ok", "mixer": "ok"},
		},
		{
			name:       "one fails",
			checkers:   []health.Checker{{Name: "output", Check: fail}, {Name: "mixer", Check: pass}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"output": "fail: stopped", "mixer": "ok"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, b := serve(t, health.New(tc.checkers...), "/readyz", context.Background())
			if code != tc.wantCode || b.Status != tc.wantStatus {
				t.Fatalf("got %d %q, want %d %q", code, b.Status, tc.wantCode, tc.wantStatus)
			}
			for k, want := range tc.wantChecks {
				if got := b.Checks[k]; got != want {
					t.Errorf("check %q = %q, want %q", k, got, want)
				}
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := health.New(health.Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, _ := serve(t, h, "/readyz", ctx)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
}

func TestEngineCheckers(t *testing.T) {
	t.Parallel()
	drv := &mock.Driver{}
	u := endpoint.New(drv, endpoint.Config{
		Kind:            endpoint.Kind{Direction: endpoint.Render},
		Format:          audio.Format{SampleRate: 48000, BitsPerChannel: 16, Channels: 1},
		FramesPerBuffer: 480,
	})
	t.Cleanup(func() { _ = u.Dispose() })
	m := mixer.New()

	h := health.New(health.EndpointRunning("output", u), health.MixerReady(m))

	code, b := serve(t, h, "/readyz", context.Background())
	if code != http.StatusServiceUnavailable {
		t.Fatalf("before setup: status = %d, want 503", code)
	}
	if !strings.Contains(b.Checks["output"], "not initialized") {
		t.Errorf("output check = %q", b.Checks["output"])
	}

	if err := u.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if _, b = serve(t, h, "/readyz", context.Background()); b.Checks["output"] != "fail: stopped" {
		t.Errorf("initialized but stopped: output check = %q", b.Checks["output"])
	}

	if err := u.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Setup(u, 2); err != nil {
		t.Fatalf("mixer Setup: %v", err)
	}
	code, b = serve(t, h, "/readyz", context.Background())
	if code != http.StatusOK {
		t.Fatalf("after setup: status = %d, checks = %v", code, b.Checks)
	}
}

func TestEndpointRunning_NilUnit(t *testing.T) {
	t.Parallel()
	c := health.EndpointRunning("input", nil)
	if err := c.Check(context.Background()); err == nil {
		t.Error("nil unit should fail")
	}
}
