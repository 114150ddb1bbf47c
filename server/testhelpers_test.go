package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/relay/agent"
	"github.com/GoCodeAlone/relay/config"
	"github.com/GoCodeAlone/relay/internal/telemetry"
	"github.com/GoCodeAlone/relay/server/api"
)

const testPassword = "secret"

// staticCounts satisfies api.StatusReporter and api.ConnectionCounter.
type staticCounts struct{}

func (staticCounts) Running() int       { return 1 }
func (staticCounts) Queued() int        { return 2 }
func (staticCounts) MaxConcurrent() int { return 5 }
func (staticCounts) Count() int         { return 3 }

// echoSubject stands in for the push endpoint and reports who called it.
var echoSubject = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"subject": SubjectFromContext(r.Context())})
})

func testConfig(t *testing.T, authEnabled bool) config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := *config.DefaultConfig()
	cfg.Server.Addr = ":0"
	cfg.Auth = config.AuthConfig{
		Enabled:   authEnabled,
		AdminUser: "admin",
		AdminPass: string(hash),
		JWTSecret: "test-secret-key-1234567890",
		TokenTTL:  time.Hour,
	}
	return cfg
}

func newTestServer(t *testing.T, authEnabled bool) *Server {
	t.Helper()
	h := &api.Handlers{
		Agents:      api.NewAgentDirectory(agent.NewRoster(), nil),
		Status:      staticCounts{},
		Connections: staticCounts{},
		Version:     "test",
		StartAt:     time.Now(),
	}
	return New(testConfig(t, authEnabled), h, echoSubject, telemetry.New(), nil)
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}
