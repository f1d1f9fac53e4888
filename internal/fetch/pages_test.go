package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPageFetcherReturnsBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-agent", r.UserAgent())
		require.Equal(t, "1", r.Header.Get("DNT"))
		_, _ = w.Write([]byte("<html><body>listing</body></html>"))
	}))
	defer server.Close()

	f := NewPageFetcher(downloadConfig(t, 3), zap.NewNop())
	body, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	require.Contains(t, string(body), "listing")
}

func TestPageFetcherRetriesForbidden(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer server.Close()

	f := NewPageFetcher(downloadConfig(t, 5), zap.NewNop())
	body, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	require.NotEmpty(t, body)
	require.EqualValues(t, 3, requests.Load())
}

func TestPageFetcherGivesUpAfterBudget(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := NewPageFetcher(downloadConfig(t, 2), zap.NewNop())
	_, err := f.Fetch(context.Background(), server.URL)
	require.Error(t, err)
	require.EqualValues(t, 2, requests.Load())
}
