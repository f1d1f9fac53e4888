package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/nber-i3/pvingest/internal/config"
)

// PageFetcher retrieves small HTML pages (table listings, data
// dictionaries) with the same retry policy and header discipline as the
// archive downloader. Pages are buffered in memory; archives go through
// Downloader, which streams.
type PageFetcher struct {
	base      *colly.Collector
	policy    *RetryPolicy
	userAgent string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewPageFetcher builds a PageFetcher from the run configuration.
func NewPageFetcher(cfg config.Config, logger *zap.Logger) *PageFetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true

	return &PageFetcher{
		base:      c,
		policy:    NewRetryPolicy(cfg.HTTP),
		userAgent: cfg.HTTP.UserAgent,
		timeout:   cfg.RequestTimeout(),
		logger:    logger,
	}
}

// Fetch returns the page body, retrying transient failures.
func (f *PageFetcher) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < f.policy.MaxAttempts(); attempt++ {
		if attempt > 0 {
			wait := f.policy.Backoff(attempt - 1)
			f.logger.Warn("retrying page fetch",
				zap.String("url", pageURL),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", wait),
				zap.Error(lastErr),
			)
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		body, err := f.visit(ctx, pageURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !f.policy.ShouldRetry(err, attempt) {
			break
		}
	}
	return nil, fmt.Errorf("fetch page %s: %w", pageURL, lastErr)
}

func (f *PageFetcher) visit(ctx context.Context, pageURL string) ([]byte, error) {
	collector := f.base.Clone()
	collector.UserAgent = f.userAgent
	collector.SetRequestTimeout(f.timeout)

	var (
		body     []byte
		status   int
		visitErr error
	)

	collector.OnRequest(func(r *colly.Request) {
		for k, v := range browserHeaders {
			r.Headers.Set(k, v)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		visitErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if visitErr == nil {
			visitErr = err
		}
	}

	if visitErr != nil {
		if status != 0 {
			return nil, &statusError{code: status}
		}
		return nil, visitErr
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response body")
	}
	return body, nil
}
