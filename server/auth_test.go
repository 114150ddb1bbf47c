package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func login(t *testing.T, s *Server, password string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"username":"admin","password":"` + password + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return serve(s, req)
}

func token(t *testing.T, s *Server) string {
	t.Helper()
	rr := login(t, s, testPassword)
	if rr.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rr.Code, rr.Body.String())
	}
	var resp loginResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" || resp.ExpiresAt.IsZero() {
		t.Fatalf("login response = %+v", resp)
	}
	return resp.Token
}

func TestSignAndVerifyToken(t *testing.T) {
	tok, err := signToken("my-test-secret", "alice", time.Hour)
	if err != nil {
		t.Fatalf("signToken: %v", err)
	}
	subject, err := verifyToken("my-test-secret", tok)
	if err != nil {
		t.Fatalf("verifyToken: %v", err)
	}
	if subject != "alice" {
		t.Errorf("expected subject 'alice', got %q", subject)
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	tok, err := signToken("my-test-secret", "alice", -time.Hour)
	if err != nil {
		t.Fatalf("signToken: %v", err)
	}
	if _, err := verifyToken("my-test-secret", tok); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerifyToken_BadSignature(t *testing.T) {
	tok, _ := signToken("correct-secret", "alice", time.Hour)
	if _, err := verifyToken("wrong-secret", tok); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestVerifyToken_RejectsNoneAlgorithm(t *testing.T) {
	// {"alg":"none"} header with a subject claim and no signature.
	tok := "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJzdWIiOiJhbGljZSJ9."
	if _, err := verifyToken("secret", tok); err == nil {
		t.Fatal("expected unsigned token to be rejected")
	}
}

func TestHandleLogin_Success(t *testing.T) {
	s := newTestServer(t, true)
	token(t, s)
}

func TestHandleLogin_WrongPassword(t *testing.T) {
	s := newTestServer(t, true)
	if rr := login(t, s, "wrong"); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	s := newTestServer(t, true)
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/agents", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	s := newTestServer(t, true)
	tok := token(t, s)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := serve(s, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"admin"`) {
		t.Errorf("me = %s", rr.Body.String())
	}
}

func TestPushEndpoint_QueryToken(t *testing.T) {
	s := newTestServer(t, true)
	tok := token(t, s)

	if rr := serve(s, httptest.NewRequest(http.MethodGet, "/ws", nil)); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /ws = %d", rr.Code)
	}
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"subject":"admin"`) {
		t.Fatalf("/ws with token = %d %s", rr.Code, rr.Body.String())
	}

	// The REST API does not accept query tokens.
	if rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/agents?token="+tok, nil)); rr.Code != http.StatusUnauthorized {
		t.Fatalf("/api with query token = %d", rr.Code)
	}
}
