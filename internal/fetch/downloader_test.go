package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nber-i3/pvingest/internal/config"
	"github.com/nber-i3/pvingest/internal/locator"
)

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func downloadConfig(t *testing.T, attempts int) config.Config {
	t.Helper()
	return config.Config{
		Flavor:  config.FlavorGranted,
		Version: "20250317",
		DataDir: t.TempDir(),
		HTTP: config.HTTPConfig{
			TimeoutSeconds:   5,
			MaxAttempts:      attempts,
			BackoffInitialMs: 1,
			BackoffMaxMs:     2,
			UserAgent:        "test-agent",
			RetryForbidden:   true,
		},
	}
}

func descriptorFor(cfg config.Config, url string) locator.Descriptor {
	return locator.Descriptor{
		URL:   url,
		Table: "g_patent",
		Path:  cfg.ArchivePath("g_patent"),
	}
}

func TestDownloadSuccess(t *testing.T) {
	t.Parallel()

	archive := zipBytes(t, map[string]string{"g_patent.tsv": "id\tname\n1\talpha\n"})
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		require.Equal(t, "test-agent", r.UserAgent())
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	cfg := downloadConfig(t, 3)
	d := NewDownloader(cfg, zap.NewNop())
	desc := descriptorFor(cfg, server.URL+"/g_patent.tsv.zip")

	require.NoError(t, d.Download(context.Background(), desc))
	require.EqualValues(t, 1, requests.Load())

	got, err := os.ReadFile(desc.Path)
	require.NoError(t, err)
	require.Equal(t, archive, got)

	_, err = os.Stat(desc.Path + ".partial")
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestDownloadIdempotent(t *testing.T) {
	t.Parallel()

	archive := zipBytes(t, map[string]string{"g_patent.tsv": "id\n1\n"})
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	cfg := downloadConfig(t, 3)
	d := NewDownloader(cfg, zap.NewNop())
	desc := descriptorFor(cfg, server.URL+"/g_patent.tsv.zip")

	require.NoError(t, d.Download(context.Background(), desc))
	require.EqualValues(t, 1, requests.Load())

	// Second run: zero network requests, archive byte-identical.
	require.NoError(t, d.Download(context.Background(), desc))
	require.EqualValues(t, 1, requests.Load())

	got, err := os.ReadFile(desc.Path)
	require.NoError(t, err)
	require.Equal(t, archive, got)
}

func TestDownloadForceRedownloads(t *testing.T) {
	t.Parallel()

	archive := zipBytes(t, map[string]string{"g_patent.tsv": "id\n1\n"})
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	cfg := downloadConfig(t, 3)
	cfg.Download.Force = true
	d := NewDownloader(cfg, zap.NewNop())
	desc := descriptorFor(cfg, server.URL+"/g_patent.tsv.zip")

	require.NoError(t, d.Download(context.Background(), desc))
	require.NoError(t, d.Download(context.Background(), desc))
	require.EqualValues(t, 2, requests.Load())
}

func TestDownloadRetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	cfg := downloadConfig(t, 3)
	d := NewDownloader(cfg, zap.NewNop())
	desc := descriptorFor(cfg, server.URL+"/g_patent.tsv.zip")

	err := d.Download(context.Background(), desc)
	require.Error(t, err)
	require.EqualValues(t, 3, requests.Load())

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, http.StatusForbidden, fetchErr.StatusCode)
	require.Equal(t, "g_patent", fetchErr.Table)

	_, statErr := os.Stat(desc.Path)
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestDownloadSucceedsOnSecondAttempt(t *testing.T) {
	t.Parallel()

	archive := zipBytes(t, map[string]string{"g_patent.tsv": "id\n1\n"})
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	cfg := downloadConfig(t, 3)
	d := NewDownloader(cfg, zap.NewNop())
	desc := descriptorFor(cfg, server.URL+"/g_patent.tsv.zip")

	require.NoError(t, d.Download(context.Background(), desc))
	require.EqualValues(t, 2, requests.Load())
}

func TestDownloadClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cfg := downloadConfig(t, 5)
	d := NewDownloader(cfg, zap.NewNop())
	desc := descriptorFor(cfg, server.URL+"/g_patent.tsv.zip")

	err := d.Download(context.Background(), desc)
	require.Error(t, err)
	require.EqualValues(t, 1, requests.Load())
}

func TestDownloadRejectsCorruptArchive(t *testing.T) {
	t.Parallel()

	// Truncated body: looks like a download that died mid-stream.
	archive := zipBytes(t, map[string]string{"g_patent.tsv": "id\n1\n"})
	truncated := archive[:len(archive)/2]
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(truncated)
	}))
	defer server.Close()

	cfg := downloadConfig(t, 2)
	d := NewDownloader(cfg, zap.NewNop())
	desc := descriptorFor(cfg, server.URL+"/g_patent.tsv.zip")

	err := d.Download(context.Background(), desc)
	require.Error(t, err)

	// Neither a canonical nor a partial file may be left behind.
	_, statErr := os.Stat(desc.Path)
	require.True(t, errors.Is(statErr, os.ErrNotExist))
	_, statErr = os.Stat(desc.Path + ".partial")
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestDownloadDoesNotSkipInvalidExistingArchive(t *testing.T) {
	t.Parallel()

	archive := zipBytes(t, map[string]string{"g_patent.tsv": "id\n1\n"})
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	cfg := downloadConfig(t, 3)
	d := NewDownloader(cfg, zap.NewNop())
	desc := descriptorFor(cfg, server.URL+"/g_patent.tsv.zip")

	require.NoError(t, os.MkdirAll(filepath.Dir(desc.Path), 0o750))
	require.NoError(t, os.WriteFile(desc.Path, []byte("not a zip"), 0o640))

	require.NoError(t, d.Download(context.Background(), desc))
	require.EqualValues(t, 1, requests.Load())

	got, err := os.ReadFile(desc.Path)
	require.NoError(t, err)
	require.Equal(t, archive, got)
}
