package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestWrap_SetsRequestIDHeader_WhenMissing(t *testing.T) {
	var seen string
	h := Wrap(testLogger(), "testsvc", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))

	got := rec.Header().Get("X-Request-Id")
	if got == "" {
		t.Fatalf("expected X-Request-Id response header")
	}
	if seen != got {
		t.Fatalf("context request id=%q, header=%q", seen, got)
	}
}

func TestWrap_PreservesRequestIDHeader_WhenProvided(t *testing.T) {
	h := Wrap(testLogger(), "testsvc", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set("X-Request-Id", "rid-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "rid-123" {
		t.Fatalf("X-Request-Id=%q, want rid-123", got)
	}
}

func TestWrap_ReplacesUnusableRequestID(t *testing.T) {
	h := Wrap(testLogger(), "testsvc", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set("X-Request-Id", "bad id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got == "" || got == "bad id" {
		t.Fatalf("X-Request-Id=%q, want a fresh id", got)
	}
}

func TestWrap_RecoversPanic(t *testing.T) {
	h := Wrap(testLogger(), "testsvc", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type=%q, want application/json", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["request_id"] == "" || body["request_id"] == nil {
		t.Fatalf("missing request_id in %v", body)
	}
}

func TestReadyzWithChecks(t *testing.T) {
	ok := ReadinessCheck{Name: "store", Check: func(context.Context) error { return nil }}
	bad := ReadinessCheck{Name: "archive", Check: func(context.Context) error { return errors.New("down") }}

	rec := httptest.NewRecorder()
	ReadyzWithChecks("svc", ok)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	ReadyzWithChecks("svc", ok, bad)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"not_ready"`) {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestDecodeJSON_KeepsNumbers(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"n": 12345678901234567890}`))
	var dst map[string]any
	if err := DecodeJSON(req, &dst); err != nil {
		t.Fatalf("DecodeJSON() err=%v", err)
	}
	if dst["n"] != json.Number("12345678901234567890") {
		t.Fatalf("n=%#v", dst["n"])
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, testLogger(), Config{Service: "svc", ShutdownTimeout: time.Second}, ln, Healthz("svc"))
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() err=%v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}
