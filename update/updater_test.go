package update

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func feed(t *testing.T, tag string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("GET /repos/GoCodeAlone/relay/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "relay/v1.0.0" {
			t.Errorf("User-Agent = %q", ua)
		}
		json.NewEncoder(w).Encode(releaseDoc{ //nolint:errcheck
			TagName: tag,
			Assets: []asset{
				{Name: "relayd_linux_x86_64.tar.gz", URL: srv.URL + "/dl/relayd"},
				{Name: "relay_darwin_arm64", URL: srv.URL + "/dl/darwin"},
				{Name: "relay_linux_x86_64", URL: srv.URL + "/dl/linux"},
			},
		})
	})
	mux.HandleFunc("GET /dl/linux", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("new binary")) //nolint:errcheck
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testUpdater(base string) *Updater {
	u := New("v1.0.0")
	u.APIBase = base
	u.GOOS, u.GOARCH = "linux", "amd64"
	return u
}

func TestCheck_PicksPlatformAsset(t *testing.T) {
	srv := feed(t, "v1.1.0")
	rel, err := testUpdater(srv.URL).Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rel == nil || rel.Version != "v1.1.0" || rel.URL != srv.URL+"/dl/linux" {
		t.Fatalf("release = %+v", rel)
	}
}

func TestCheck_CurrentVersion(t *testing.T) {
	srv := feed(t, "1.0.0")
	rel, err := testUpdater(srv.URL).Check(context.Background())
	if err != nil || rel != nil {
		t.Fatalf("rel = %+v, err = %v", rel, err)
	}
}

func TestCheck_NoAssetForPlatform(t *testing.T) {
	srv := feed(t, "v2.0.0")
	u := testUpdater(srv.URL)
	u.GOOS = "plan9"
	if _, err := u.Check(context.Background()); err == nil {
		t.Fatal("expected an error for a missing platform build")
	}
}

func TestApply_ReplacesTarget(t *testing.T) {
	srv := feed(t, "v1.1.0")
	target := filepath.Join(t.TempDir(), "relay")
	if err := os.WriteFile(target, []byte("old"), 0o755); err != nil {
		t.Fatal(err)
	}
	u := testUpdater(srv.URL)
	u.Target = target
	if err := u.Apply(context.Background(), &Release{Version: "v1.1.0", URL: srv.URL + "/dl/linux"}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "new binary" {
		t.Fatalf("target = %q", b)
	}
}
