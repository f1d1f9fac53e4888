// Package fetch acquires remote archives and pages over HTTP, riding out
// the transient failures the PatentsView host is known for.
package fetch

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/nber-i3/pvingest/internal/config"
	"github.com/nber-i3/pvingest/internal/locator"
	"github.com/nber-i3/pvingest/internal/metrics"
)

// browserHeaders is the header set the remote host expects from a real
// browser. Requests without it are rejected with 403.
var browserHeaders = map[string]string{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
	"Accept-Language":           "en-US,en;q=0.5",
	"DNT":                       "1",
	"Connection":                "keep-alive",
	"Upgrade-Insecure-Requests": "1",
}

// Downloader fetches raw archives to their canonical local paths.
type Downloader struct {
	client     *http.Client
	policy     *RetryPolicy
	userAgent  string
	force      bool
	forceAfter time.Duration
	logger     *zap.Logger
}

// NewDownloader builds a Downloader from the run configuration.
func NewDownloader(cfg config.Config, logger *zap.Logger) *Downloader {
	return &Downloader{
		client: &http.Client{
			Timeout: cfg.RequestTimeout(),
		},
		policy:     NewRetryPolicy(cfg.HTTP),
		userAgent:  cfg.HTTP.UserAgent,
		force:      cfg.Download.Force,
		forceAfter: cfg.Download.ForceAfter,
		logger:     logger,
	}
}

// Download produces the archive at desc.Path, or fails with *FetchError.
// A valid archive already on disk short-circuits to success without any
// network traffic unless force or the freshness window says otherwise.
func (d *Downloader) Download(ctx context.Context, desc locator.Descriptor) error {
	if d.shouldSkip(desc.Path) {
		d.logger.Info("archive already present, skipping download",
			zap.String("table", desc.Table),
			zap.String("path", desc.Path),
		)
		metrics.ObserveDownload(desc.Table, "skipped", 0)
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < d.policy.MaxAttempts(); attempt++ {
		if attempt > 0 {
			wait := d.policy.Backoff(attempt - 1)
			d.logger.Warn("retrying download",
				zap.String("table", desc.Table),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", wait),
				zap.Error(lastErr),
			)
			metrics.ObserveDownloadRetry(statusCodeOf(lastErr))
			if err := sleep(ctx, wait); err != nil {
				lastErr = err
				break
			}
		}

		written, err := d.attempt(ctx, desc)
		if err == nil {
			d.logger.Info("archive downloaded",
				zap.String("table", desc.Table),
				zap.Int64("bytes", written),
				zap.Int("attempts", attempt+1),
			)
			metrics.ObserveDownload(desc.Table, "success", written)
			return nil
		}
		lastErr = err
		if !d.policy.ShouldRetry(err, attempt) {
			break
		}
	}

	metrics.ObserveDownload(desc.Table, "failure", 0)
	return &FetchError{
		Table:      desc.Table,
		URL:        desc.URL,
		Attempts:   d.policy.MaxAttempts(),
		StatusCode: statusCodeOf(lastErr),
		Err:        lastErr,
	}
}

// attempt performs one full request cycle: fetch, stage, verify, rename.
// Partial downloads are discarded, never resumed, so a flaky connection
// can't splice two responses together.
func (d *Downloader) attempt(ctx context.Context, desc locator.Descriptor) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", desc.URL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read side

	if resp.StatusCode != http.StatusOK {
		return 0, &statusError{code: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(desc.Path), 0o750); err != nil {
		return 0, fmt.Errorf("create raw dir: %w", err)
	}

	written, err := d.stage(desc.Path, resp.Body)
	if err != nil {
		return 0, err
	}
	return written, nil
}

// stage streams body to path+".partial", verifies the container, and
// atomically renames it into place. Whatever happens, no partial archive
// is ever visible at the canonical path.
func (d *Downloader) stage(path string, body io.Reader) (int64, error) {
	tmpPath := path + ".partial"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	written, copyErr := io.Copy(tmp, body)
	if copyErr == nil {
		copyErr = tmp.Sync()
	}
	if closeErr := tmp.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil {
		copyErr = verifyArchive(tmpPath)
	}
	if copyErr != nil {
		if rmErr := os.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			d.logger.Warn("failed to remove partial download", zap.String("path", tmpPath), zap.Error(rmErr))
		}
		return 0, copyErr
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return 0, fmt.Errorf("finalize archive: %w", err)
	}
	return written, nil
}

func (d *Downloader) shouldSkip(path string) bool {
	if d.force {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if d.forceAfter > 0 && time.Since(info.ModTime()) > d.forceAfter {
		return false
	}
	return verifyArchive(path) == nil
}

// verifyArchive checks the container can be opened and enumerates at least
// one entry. It guards both the skip path and the post-download rename.
func verifyArchive(path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", path, err)
	}
	defer r.Close() //nolint:errcheck // read side
	if len(r.File) == 0 {
		return fmt.Errorf("archive %s has no entries", path)
	}
	return nil
}

func statusCodeOf(err error) int {
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.code
	}
	return 0
}
