// Package update replaces the relay CLI with the latest published release.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.github.com"

// Release is the newest published build for this platform.
type Release struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

type releaseDoc struct {
	TagName string  `json:"tag_name"`
	Assets  []asset `json:"assets"`
}

type asset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
}

// Updater checks the release feed of one repository.
type Updater struct {
	CurrentVersion string
	Repo           string // owner/name
	Binary         string // asset name prefix, e.g. "relay"
	APIBase        string
	GOOS, GOARCH   string
	// Target is the file to replace. Empty means the running executable.
	Target string
	HTTP   *http.Client
}

// New returns an Updater for the relay CLI.
func New(currentVersion string) *Updater {
	return &Updater{
		CurrentVersion: currentVersion,
		Repo:           "GoCodeAlone/relay",
		Binary:         "relay",
		APIBase:        defaultAPIBase,
		GOOS:           runtime.GOOS,
		GOARCH:         runtime.GOARCH,
		HTTP:           &http.Client{Timeout: 30 * time.Second},
	}
}

// Check returns the latest release, or nil when this build is current.
// Development builds never update.
func (u *Updater) Check(ctx context.Context) (*Release, error) {
	endpoint := strings.TrimRight(u.APIBase, "/") + "/repos/" + u.Repo + "/releases/latest"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", u.Binary+"/"+u.CurrentVersion)

	resp, err := u.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch latest release: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release feed returned %d", resp.StatusCode)
	}

	var doc releaseDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	if u.CurrentVersion == "dev" || strings.TrimPrefix(doc.TagName, "v") == strings.TrimPrefix(u.CurrentVersion, "v") {
		return nil, nil
	}
	dl := u.pick(doc.Assets)
	if dl == "" {
		return nil, fmt.Errorf("release %s has no %s build for %s/%s", doc.TagName, u.Binary, u.GOOS, u.GOARCH)
	}
	return &Release{Version: doc.TagName, URL: dl}, nil
}

// pick returns the asset built for this platform.
func (u *Updater) pick(assets []asset) string {
	arch := u.GOARCH
	if arch == "amd64" {
		arch = "x86_64"
	}
	for _, a := range assets {
		name := strings.ToLower(a.Name)
		rest, ok := strings.CutPrefix(name, u.Binary)
		if !ok || rest == "" || (rest[0] != '_' && rest[0] != '-') {
			continue
		}
		if strings.Contains(rest, u.GOOS) && strings.Contains(rest, arch) {
			return a.URL
		}
	}
	return ""
}

// Apply downloads rel next to the target and swaps it in.
func (u *Updater) Apply(ctx context.Context, rel *Release) error {
	target := u.Target
	if target == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		target = exe
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rel.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := u.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", rel.Version, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}

	// Same directory as the target so the final rename stays on one filesystem.
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+u.Binary+"-update-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("write download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o755); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("replace binary: %w", err)
	}
	return nil
}
