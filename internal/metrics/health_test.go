package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gftdcojp/tiered-block-store/internal/config"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func startEmbeddedNATS(t *testing.T) (*server.Server, string) {
	t.Helper()
	tmpDir := t.TempDir()

	opts := &server.Options{
		Host:     "127.0.0.1",
		Port:     -1,
		NoLog:    true,
		NoSigs:   true,
		StoreDir: filepath.Join(tmpDir, "jetstream"),
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create nats-server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}

	t.Cleanup(func() { ns.Shutdown() })
	return ns, ns.ClientURL()
}

type fakePinger struct{ err error }

func (p fakePinger) Ping() error { return p.err }

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker(nil, nil, nil)
	status := checker.Liveness()
	if !status.OK {
		t.Fatal("liveness should always return OK=true")
	}
}

func TestHealthChecker_Readiness_AllOK(t *testing.T) {
	_, url := startEmbeddedNATS(t)
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	checker := NewHealthChecker(nc, fakePinger{}, []string{t.TempDir()})

	status := checker.Readiness()
	if !status.OK {
		t.Fatalf("expected readiness OK=true, got checks: %+v", status.Checks)
	}

	found := map[string]bool{}
	for _, c := range status.Checks {
		found[c.Name] = true
		if c.Name == "nats" && c.Status != "connected" {
			t.Fatalf("expected nats connected, got %s", c.Status)
		}
		if c.Name == "journal" && c.Status != "ok" {
			t.Fatalf("expected journal ok, got %s", c.Status)
		}
	}
	if !found["nats"] {
		t.Error("nats check missing")
	}
	if !found["journal"] {
		t.Error("journal check missing")
	}
	if len(status.Checks) != 3 {
		t.Errorf("expected 3 checks, got %d", len(status.Checks))
	}
}

func TestHealthChecker_Readiness_NATSDown(t *testing.T) {
	ns, url := startEmbeddedNATS(t)
	nc, err := nats.Connect(url, nats.NoReconnect())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	ns.Shutdown()
	time.Sleep(100 * time.Millisecond)

	checker := NewHealthChecker(nc, nil, nil)
	status := checker.Readiness()
	if status.OK {
		t.Fatal("expected readiness OK=false when NATS is down")
	}

	for _, c := range status.Checks {
		if c.Name == "nats" && c.Status != "disconnected" {
			t.Fatalf("expected nats disconnected, got %s", c.Status)
		}
	}
}

func TestHealthChecker_Readiness_JournalError(t *testing.T) {
	checker := NewHealthChecker(nil, fakePinger{err: errors.New("database not open")}, nil)
	status := checker.Readiness()
	if status.OK {
		t.Fatal("expected readiness OK=false when journal ping fails")
	}
	if len(status.Checks) != 1 || status.Checks[0].Status != "error" || status.Checks[0].Error == "" {
		t.Fatalf("unexpected checks %+v", status.Checks)
	}
}

func TestHealthChecker_Readiness_MissingDir(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "gone")
	checker := NewHealthChecker(nil, nil, []string{missing})
	status := checker.Readiness()
	if status.OK {
		t.Fatal("expected readiness OK=false for a missing tier dir")
	}
	if status.Checks[0].Name != "dir:"+missing {
		t.Errorf("unexpected check name %s", status.Checks[0].Name)
	}
}

func TestHealthChecker_Readiness_NilDeps(t *testing.T) {
	checker := NewHealthChecker(nil, nil, nil)
	status := checker.Readiness()
	if !status.OK {
		t.Fatal("expected readiness OK=true with nil dependencies (no checks fail)")
	}
}

func TestHealthHandler_Endpoints(t *testing.T) {
	h := Handler(config.HealthConfig{}, NewHealthChecker(nil, fakePinger{err: errors.New("closed")}, nil))

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("liveness: expected 200, got %d", w.Code)
	}
	var liveResp HealthStatus
	json.Unmarshal(w.Body.Bytes(), &liveResp)
	if !liveResp.OK {
		t.Fatal("liveness response should have OK=true")
	}

	req = httptest.NewRequest("GET", "/readyz", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readiness: expected 503, got %d", w.Code)
	}
}
