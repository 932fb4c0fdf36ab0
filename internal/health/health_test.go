package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/aimemory/internal/resilience"
	"github.com/MrWong99/aimemory/pkg/memory/mock"
)

func get(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	rec, body := get(t, New(Checker{Name: "x", Check: func(context.Context) error { return errors.New("down") }}), "/healthz")
	if rec.Code != http.StatusOK || body.Status != "ok" {
		t.Errorf("got %d %+v, want 200 ok", rec.Code, body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	ok := func(context.Context) error { return nil }
	tests := []struct {
		name     string
		checkers []Checker
		want     int
		checks   map[string]string
	}{
		{"no checkers", nil, http.StatusOK, nil},
		{"all pass", []Checker{{"store", ok}, {"llm", ok}}, http.StatusOK, map[string]string{"store": "ok", "llm": "ok"}},
		{"one fails", []Checker{
			{"store", ok},
			{"llm", func(context.Context) error { return errors.New("down") }},
		}, http.StatusServiceUnavailable, map[string]string{"store": "ok", "llm": "fail: down"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec, body := get(t, New(tc.checkers...), "/readyz")
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
			for k, v := range tc.checks {
				if body.Checks[k] != v {
					t.Errorf("checks[%s] = %q, want %q", k, body.Checks[k], v)
				}
			}
		})
	}
}

func TestReadyz_CheckTimeoutApplied(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	}})
	if _, err := h.Check(context.Background()); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestStoreChecker(t *testing.T) {
	t.Parallel()
	s := mock.New()
	c := StoreChecker(s)
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("healthy store: %v", err)
	}
	s.SetErr("Ping", errors.New("connection refused"))
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected error from failing store")
	}
}

func TestBreakerChecker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		states  map[string]resilience.State
		wantErr bool
	}{
		{"none", nil, false},
		{"primary open, fallback closed", map[string]resilience.State{"openai": resilience.StateOpen, "ollama": resilience.StateClosed}, false},
		{"half open", map[string]resilience.State{"openai": resilience.StateHalfOpen}, false},
		{"all open", map[string]resilience.State{"openai": resilience.StateOpen, "ollama": resilience.StateOpen}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := BreakerChecker("embeddings", func() map[string]resilience.State { return tc.states })
			err := c.Check(context.Background())
			if (err != nil) != tc.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), "ollama, openai") {
				t.Errorf("err = %v, want sorted breaker names", err)
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{"a", slow}, Checker{"b", slow})

	done := make(chan error, 1)
	go func() {
		_, err := h.Check(context.Background())
		done <- err
	}()
	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("checkers did not start concurrently")
		}
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("Check: %v", err)
	}
}
