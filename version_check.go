package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/oszuidwest/zwfm-meter/internal/util"
)

const (
	githubRepo           = "oszuidwest/zwfm-meter"
	versionCheckInterval = 24 * time.Hour
	versionCheckDelay    = 30 * time.Second // Delay before first check to avoid blocking startup
	versionCheckTimeout  = 30 * time.Second // HTTP request timeout
	versionMaxRetries    = 3                // Max retries per check cycle
	versionRetryDelay    = 1 * time.Minute  // First delay between retries, doubled per attempt
	versionRetryMaxDelay = 10 * time.Minute
)

// errRetryable marks a failed check that may succeed later.
var errRetryable = errors.New("version check failed")

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`
	Latest      string `json:"latest,omitempty"`
	UpdateAvail bool   `json:"update_available"`
	Commit      string `json:"commit,omitempty"`
	BuildTime   string `json:"build_time,omitempty"`
}

// VersionChecker checks for new releases and reports update availability. It is safe for concurrent use.
type VersionChecker struct {
	apiURL string
	client *http.Client

	mu     sync.RWMutex
	latest string
	etag   string // For conditional requests (304 Not Modified)
}

// NewVersionChecker returns a VersionChecker for the project's releases.
func NewVersionChecker() *VersionChecker {
	return &VersionChecker{
		apiURL: "https://api.github.com/repos/" + githubRepo + "/releases/latest",
		client: http.DefaultClient,
	}
}

// Run checks for updates after a short delay and then daily until ctx is done.
func (vc *VersionChecker) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in version checker", "panic", r)
		}
	}()

	select {
	case <-time.After(versionCheckDelay):
		vc.checkWithRetry(ctx)
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(versionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			vc.checkWithRetry(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// checkWithRetry performs the version check with backoff on retryable failures.
func (vc *VersionChecker) checkWithRetry(ctx context.Context) {
	backoff := util.NewBackoff(versionRetryDelay, versionRetryMaxDelay)
	for attempt := range versionMaxRetries {
		err := vc.check(ctx)
		if err == nil {
			return
		}
		slog.Debug("version check failed", "attempt", attempt+1, "error", err)
		if !errors.Is(err, errRetryable) || attempt == versionMaxRetries-1 {
			return
		}
		select {
		case <-time.After(backoff.Next()):
		case <-ctx.Done():
			return
		}
	}
}

// githubRelease represents a release with version and status information.
type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// check retrieves the latest release information. Errors wrapping
// errRetryable are worth another attempt.
func (vc *VersionChecker) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeoutCause(ctx, versionCheckTimeout, errors.New("github API request timeout"))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vc.apiURL, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "zwfm-meter/"+Version)

	vc.mu.RLock()
	etag := vc.etag
	vc.mu.RUnlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := vc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errRetryable, err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // Best-effort cleanup; error doesn't affect caller
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotModified, resp.StatusCode == http.StatusNotFound:
		// Unchanged, or no releases yet
		return nil
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return fmt.Errorf("%w: %w", errRetryable, err)
	}
	if release.Draft || release.Prerelease {
		return nil
	}
	if release.TagName == "" {
		return fmt.Errorf("%w: release without tag", errRetryable)
	}

	vc.mu.Lock()
	vc.latest = normalizeVersion(release.TagName)
	if newEtag := resp.Header.Get("ETag"); newEtag != "" {
		vc.etag = newEtag
	}
	vc.mu.Unlock()

	return nil
}

// Info returns the current version info for the web view.
func (vc *VersionChecker) Info() VersionInfo {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	current := normalizeVersion(Version)
	info := VersionInfo{
		Current:   current,
		Latest:    vc.latest,
		Commit:    Commit,
		BuildTime: util.FormatHumanTime(BuildTime),
	}
	if vc.latest != "" && current != "dev" && current != "unknown" {
		info.UpdateAvail = isNewerVersion(vc.latest, current)
	}
	return info
}

// normalizeVersion returns a normalized version string.
func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// isNewerVersion reports whether latest is newer than current.
func isNewerVersion(latest, current string) bool {
	return semver.Compare("v"+normalizeVersion(latest), "v"+normalizeVersion(current)) > 0
}
