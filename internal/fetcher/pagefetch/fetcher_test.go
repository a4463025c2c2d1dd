package pagefetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

const pageBody = `{"code":200,"data":{"title":"Example","description":"An example page","links":{"About":"https://example.com/about","Docs":"https://example.com/docs"},"content":"hello"}}`

func TestFetchDecodesPageAndSendsHeaders(t *testing.T) {
	t.Parallel()

	requests := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(pageBody))
	}))
	defer srv.Close()

	f, err := New(Config{BaseURL: srv.URL + "/", Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)

	page, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:          "https://example.com/start",
		Token:        "secret",
		LinksSummary: true,
	})
	require.NoError(t, err)

	got := <-requests
	require.Equal(t, "/https://example.com/start", got.URL.Path)
	require.Equal(t, "Bearer secret", got.Header.Get("Authorization"))
	require.Equal(t, "application/json", got.Header.Get("Accept"))
	require.Equal(t, "true", got.Header.Get("X-With-Links-Summary"))

	require.Equal(t, "Example", page.Title)
	require.Equal(t, "An example page", page.Description)
	require.Equal(t, crawler.Links{
		{Text: "About", URL: "https://example.com/about"},
		{Text: "Docs", URL: "https://example.com/docs"},
	}, page.Links)
	require.JSONEq(t, pageBody, string(page.Raw))
}

func TestFetchOmitsLinksSummaryHeader(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		_, _ = w.Write([]byte(pageBody))
	}))
	defer srv.Close()

	f, err := New(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com"})
	require.NoError(t, err)
	got := <-headers
	require.Empty(t, got.Get("X-With-Links-Summary"))
	require.Empty(t, got.Get("Authorization"))
}

func TestFetchNon2xxIsFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	f, err := New(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com/missing"})
	require.Error(t, err)

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	require.Equal(t, "Failed to crawl https://example.com/missing, Not Found", err.Error())
}

func TestFetchInvalidBodyIsFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	f, err := New(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com"})
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, http.StatusOK, fetchErr.StatusCode)
}

func TestFetchTransportErrorIsFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	f, err := New(Config{BaseURL: base, Timeout: time.Second}, nil)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com"})
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Zero(t, fetchErr.StatusCode)
}

func TestFetchCanceledWaitsForRequest(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-r.Context().Done():
		case <-release:
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	f, err := New(Config{BaseURL: srv.URL, Timeout: 10 * time.Second}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	returned := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, crawler.FetchRequest{URL: "https://slow.test"})
		returned <- err
	}()

	select {
	case err := <-returned:
		var fetchErr *FetchError
		require.ErrorAs(t, err, &fetchErr)
		require.Zero(t, fetchErr.StatusCode)
		require.Contains(t, fetchErr.Reason, "canceled")
	case <-time.After(5 * time.Second):
		t.Fatal("Fetch did not return after cancellation")
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestFetchErrorMessage(t *testing.T) {
	t.Parallel()

	err := &FetchError{URL: "https://a", Reason: "Bad Gateway"}
	require.Equal(t, "Failed to crawl https://a, Bad Gateway", err.Error())
}
