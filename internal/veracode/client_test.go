package veracode

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, srv *httptest.Server, retries int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:    srv.URL,
		Timeout:    5 * time.Second,
		MaxRetries: retries,
		RetryDelay: time.Millisecond,
		PageSize:   2,
	}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

// fixtureServer serves two pages of applications and one page of findings per application.
func fixtureServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/appsec/v1/applications", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("size"))
		switch r.URL.Query().Get("page") {
		case "0":
			fmt.Fprint(w, `{"_embedded":{"applications":[{"guid":"app-1","profile":{"name":"shop"}}]},
				"_links":{"next":{"href":"/appsec/v1/applications?page=1&size=2"}}}`)
		case "1":
			fmt.Fprint(w, `{"_embedded":{"applications":[{"guid":"app-2","profile":{"name":"billing"}}]},"_links":{}}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/appsec/v2/applications/app-1/findings", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"_embedded":{"findings":[
			{"guid":"abc","scan_type":"STATIC","cwe":{"id":"79","name":"XSS"},
			 "finding_status":{"app-1":{"status":"OPEN","found_date":"2024-01-01T00:00:00.000Z"}}}]}}`)
	})
	mux.HandleFunc("/appsec/v2/applications/app-2/findings", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"_embedded":{"findings":[{"guid":"def","context_guid":"app-2","scan_type":"DYNAMIC"}]}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "not a url"}, nil, nil)
	assert.Error(t, err)

	c, err := NewClient(Config{BaseURL: "https://api.veracode.com"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 100, c.pageSize)
	assert.Equal(t, 1, c.workers)
}

func TestFetchApplications_FollowsNextLinks(t *testing.T) {
	c := newTestClient(t, fixtureServer(t), 0)

	apps, err := c.FetchApplications(context.Background(), "acct")
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "app-1", apps[0].GUID)
	assert.Equal(t, "billing", apps[1].Profile.Name)
}

func TestFetchFindings_StampsApplication(t *testing.T) {
	c := newTestClient(t, fixtureServer(t), 0)

	findings, err := c.FetchFindings(context.Background(), "acct")
	require.NoError(t, err)
	require.Len(t, findings, 2)

	assert.Equal(t, "abc", findings[0].GUID)
	assert.Equal(t, "app-1", findings[0].ContextGUID)
	assert.Equal(t, "OPEN", findings[0].FindingStatus["app-1"].Status)
	assert.Equal(t, "79", findings[0].CWE.ID)
	assert.Equal(t, "app-2", findings[1].ContextGUID)
}

func TestGet_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			fmt.Fprint(w, `{"_embedded":{"applications":[{"guid":"app-1"}]}}`)
		}
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv, 3)
	apps, err := c.FetchApplications(context.Background(), "acct")
	require.NoError(t, err)
	assert.Len(t, apps, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv, 2)
	_, err := c.FetchApplications(context.Background(), "acct")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "bad credentials")
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv, 5)
	_, err := c.FetchApplications(context.Background(), "acct")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "bad credentials", apiErr.Body)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewBackOff(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	t.Run("stops after max retries", func(t *testing.T) {
		c := newTestClient(t, srv, 2)
		b := c.newBackOff(context.Background())
		b.Reset()
		for i := 0; i < 2; i++ {
			wait := b.NextBackOff()
			assert.NotEqual(t, backoff.Stop, wait)
			assert.LessOrEqual(t, wait, 30*time.Second)
		}
		assert.Equal(t, backoff.Stop, b.NextBackOff())
	})

	t.Run("no retries", func(t *testing.T) {
		c := newTestClient(t, srv, 0)
		b := c.newBackOff(context.Background())
		b.Reset()
		assert.Equal(t, backoff.Stop, b.NextBackOff())
	})

	t.Run("cancelled context stops", func(t *testing.T) {
		c := newTestClient(t, srv, 5)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		b := c.newBackOff(ctx)
		b.Reset()
		assert.Equal(t, backoff.Stop, b.NextBackOff())
	})
}

func TestGet_HonoursCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv, 100)
	c.retryDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.FetchApplications(ctx, "acct")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"applications":[{"guid":"app-1","profile":{"name":"shop"}}],
		"findings":[{"guid":"abc","context_guid":"app-1","scan_type":"STATIC"}]}`), 0o600))

	src, err := NewFileSource(path)
	require.NoError(t, err)

	apps, err := src.FetchApplications(context.Background(), "acct")
	require.NoError(t, err)
	require.Len(t, apps, 1)

	findings, err := src.FetchFindings(context.Background(), "acct")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "STATIC", findings[0].ScanType)

	missing, err := NewFileSource(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	_, err = missing.FetchFindings(context.Background(), "acct")
	assert.Error(t, err)
}
