package debugsrv

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "routineclock/pkg/logx"
)

type fakeStatus struct {
	Routines int `json:"routines"`
}

func TestHandlerStatusAndToken(t *testing.T) {
	h := Handler(Config{Token: "s3cret"}, func() any { return fakeStatus{Routines: 2} })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token = %d", rec.Code)
	}
	var got fakeStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got.Routines != 2 {
		t.Fatalf("body = %q, err %v", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?token=s3cret", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status with query token = %d", rec.Code)
	}

	// Liveness never needs a token.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestHandlerProfilingIsOptIn(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(Config{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pprof without profiling = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	Handler(Config{Profiling: true}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pprof with profiling = %d", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:6061": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":6061":          false,
		"0.0.0.0:6061":   false,
		"10.0.0.5:6061":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func waitAddr(t *testing.T, s *Server) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); a != "" {
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("debug server did not start")
	return ""
}

func TestReconfigureStartsAndStops(t *testing.T) {
	ctx := context.Background()
	s := New(logx.Nop(), func() any { return fakeStatus{Routines: 1} })
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	t.Cleanup(func() { s.Stop(ctx) })

	addr := waitAddr(t, s)
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("healthz body = %q", body)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatal("server still reports an address after disable")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	ctx := context.Background()
	s := New(logx.Nop(), nil)
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "0.0.0.0:0"})
	t.Cleanup(func() { s.Stop(ctx) })

	time.Sleep(100 * time.Millisecond)
	if a := s.Addr(); a != "" {
		t.Fatalf("insecure bind served on %s", a)
	}
}
