package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsNewerVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		latest, current string
		want            bool
	}{
		{"1.2.0", "1.1.9", true},
		{"v1.2.0", "1.2.0", false},
		{"1.10.0", "1.9.0", true},
		{"1.0.0", "1.0.1", false},
		{" v2.0.0 ", "1.9.9", true},
	}
	for _, tt := range tests {
		if got := isNewerVersion(tt.latest, tt.current); got != tt.want {
			t.Errorf("isNewerVersion(%q, %q) = %v, want %v", tt.latest, tt.current, got, tt.want)
		}
	}
}

func TestVersionCheck(t *testing.T) {
	t.Parallel()

	var gotETag string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotETag = r.Header.Get("If-None-Match")
		if gotETag == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		_, _ = w.Write([]byte(`{"tag_name": "v9.1.0"}`))
	}))
	t.Cleanup(srv.Close)

	vc := &VersionChecker{apiURL: srv.URL, client: srv.Client()}
	if err := vc.check(context.Background()); err != nil {
		t.Fatalf("check() error = %v", err)
	}
	if info := vc.Info(); info.Latest != "9.1.0" || info.Current != "dev" || info.UpdateAvail {
		t.Errorf("Info() = %+v", info)
	}

	if err := vc.check(context.Background()); err != nil {
		t.Fatalf("second check() error = %v", err)
	}
	if gotETag != `"abc"` {
		t.Errorf("If-None-Match = %q, want the stored ETag", gotETag)
	}
}

func TestVersionCheckRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		body      string
		retryable bool
		ok        bool
	}{
		{http.StatusTooManyRequests, "", true, false},
		{http.StatusBadGateway, "", true, false},
		{http.StatusNotFound, "", false, true},
		{http.StatusUnauthorized, "", false, false},
		{http.StatusOK, `{"tag_name": "v2.0.0-rc1", "prerelease": true}`, false, true},
		{http.StatusOK, `{not json`, true, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(tt.body))
		}))

		vc := &VersionChecker{apiURL: srv.URL, client: srv.Client()}
		err := vc.check(context.Background())
		srv.Close()

		if (err == nil) != tt.ok {
			t.Errorf("status %d: check() error = %v, want ok=%v", tt.status, err, tt.ok)
		}
		if errors.Is(err, errRetryable) != tt.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tt.status, errors.Is(err, errRetryable), tt.retryable)
		}
		if vc.Info().Latest != "" {
			t.Errorf("status %d: latest version recorded", tt.status)
		}
	}
}
