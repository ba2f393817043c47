package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/neurogate/internal/journal"
	"github.com/MrWong99/neurogate/pkg/runtime"
	"github.com/MrWong99/neurogate/pkg/runtime/mock"
)

func readyz(t *testing.T, h *Handler, ctx context.Context) (int, report) {
	t.Helper()
	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)
	var body report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "broken", Check: func(context.Context) error { return errors.New("down") }})

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz_RuntimeAndJournal(t *testing.T) {
	t.Parallel()
	rt := mock.New()
	h := New(PingChecker("runtime", rt), PingChecker("journal", journal.NewMemory()))

	code, body := readyz(t, h, context.Background())
	if code != http.StatusOK || body.Status != "ok" {
		t.Fatalf("code = %d, body = %+v", code, body)
	}
	if body.Checks["runtime"].Status != "ok" || body.Checks["journal"].Status != "ok" {
		t.Errorf("checks = %+v", body.Checks)
	}
}

func TestReadyz_RuntimeDown(t *testing.T) {
	t.Parallel()
	rt := mock.New()
	rt.PingErr = runtime.ErrUnavailable
	h := New(PingChecker("runtime", rt), PingChecker("journal", journal.NewMemory()))

	code, body := readyz(t, h, context.Background())
	if code != http.StatusServiceUnavailable || body.Status != "fail" {
		t.Fatalf("code = %d, body = %+v", code, body)
	}
	if c := body.Checks["runtime"]; c.Status != "fail" || c.Error == "" {
		t.Errorf("runtime check = %+v", c)
	}
	if body.Checks["journal"].Status != "ok" {
		t.Errorf("journal check = %+v", body.Checks["journal"])
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	t.Parallel()
	code, body := readyz(t, New(), context.Background())
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("code = %d, body = %+v", code, body)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	var inFlight, peak atomic.Int32
	slow := func(context.Context) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}
	h := New(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow}, Checker{Name: "c", Check: slow})

	readyz(t, h, context.Background())
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want checks to overlap", peak.Load())
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code, body := readyz(t, h, ctx)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if body.Checks["slow"].Status != "fail" {
		t.Errorf("slow check = %+v", body.Checks["slow"])
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New(Checker{Name: "test", Check: func(context.Context) error { return nil }}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest("GET", path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}
