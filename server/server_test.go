package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/GoCodeAlone/relay/server/api"
)

func TestServer_StatusIsPublic(t *testing.T) {
	s := newTestServer(t, true)
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var st api.StatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Running != 1 || st.Queued != 2 || st.MaxConcurrent != 5 || st.Connections != 3 {
		t.Fatalf("status = %+v", st)
	}
}

func TestServer_AuthDisabled(t *testing.T) {
	s := newTestServer(t, false)
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/agents", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("agents = %d %s", rr.Code, rr.Body.String())
	}
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("agents = %s", rr.Body.String())
	}
	if rr := serve(s, httptest.NewRequest(http.MethodGet, "/ws", nil)); rr.Code != http.StatusOK {
		t.Fatalf("/ws = %d", rr.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t, true)
	s.metrics.SetConnections(4)
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "relay_hub_connections 4") {
		t.Fatalf("metrics body missing gauge:\n%s", rr.Body.String())
	}
}
