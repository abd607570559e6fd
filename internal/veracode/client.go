// Package veracode fetches applications and findings from the Veracode REST
// APIs, or from a JSON snapshot on disk.
package veracode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scangraph/api/schemas"
)

const (
	applicationsPath = "/appsec/v1/applications"
	findingsPathFmt  = "/appsec/v2/applications/%s/findings"

	// maxPages bounds pagination when the server keeps returning next links.
	maxPages = 10000
)

// APIError is a non-retryable response from the API.
type APIError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("veracode api %s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

// errRetryable marks failures worth another attempt.
var errRetryable = errors.New("retryable")

// Config holds the client settings.
type Config struct {
	BaseURL     string
	RateLimit   float64 // requests per second
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	PageSize    int
	Concurrency int
}

// Client implements schemas.FindingSource over HTTP. Request signing is left to
// the injected transport.
type Client struct {
	baseURL    *url.URL
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration
	pageSize   int
	workers    int
	logger     *zap.Logger
}

var _ schemas.FindingSource = (*Client)(nil)

// NewClient creates a client. A nil transport uses http.DefaultTransport.
func NewClient(cfg Config, transport http.RoundTripper, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid veracode base url %q", cfg.BaseURL)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	c := &Client{
		baseURL:    base,
		http:       &http.Client{Transport: transport, Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: max(cfg.MaxRetries, 0),
		retryDelay: cfg.RetryDelay,
		pageSize:   cfg.PageSize,
		workers:    max(cfg.Concurrency, 1),
		logger:     logger.Named("veracode"),
	}
	if c.retryDelay <= 0 {
		c.retryDelay = 200 * time.Millisecond
	}
	if c.pageSize <= 0 {
		c.pageSize = 100
	}
	return c, nil
}

type halLinks struct {
	Next *struct {
		Href string `json:"href"`
	} `json:"next,omitempty"`
}

type applicationsPage struct {
	Embedded struct {
		Applications []schemas.SourceApplication `json:"applications"`
	} `json:"_embedded"`
	Links halLinks `json:"_links"`
}

type findingsPage struct {
	Embedded struct {
		Findings []schemas.SourceFinding `json:"findings"`
	} `json:"_embedded"`
	Links halLinks `json:"_links"`
}

// FetchApplications lists every application profile.
func (c *Client) FetchApplications(ctx context.Context, accountID string) ([]schemas.SourceApplication, error) {
	var apps []schemas.SourceApplication
	err := c.paginate(ctx, applicationsPath, func(body []byte) (string, error) {
		var page applicationsPage
		if err := json.Unmarshal(body, &page); err != nil {
			return "", fmt.Errorf("failed to decode applications page: %w", err)
		}
		apps = append(apps, page.Embedded.Applications...)
		return nextHref(page.Links), nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("Fetched applications.", zap.String("account_id", accountID), zap.Int("count", len(apps)))
	return apps, nil
}

// FetchFindings lists the findings of every application. Findings are stamped
// with the guid of the application they were listed under.
func (c *Client) FetchFindings(ctx context.Context, accountID string) ([]schemas.SourceFinding, error) {
	apps, err := c.FetchApplications(ctx, accountID)
	if err != nil {
		return nil, err
	}

	perApp := make([][]schemas.SourceFinding, len(apps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, app := range apps {
		g.Go(func() error {
			findings, err := c.fetchApplicationFindings(gctx, app.GUID)
			if err != nil {
				return fmt.Errorf("application %s: %w", app.GUID, err)
			}
			perApp[i] = findings
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []schemas.SourceFinding
	for _, findings := range perApp {
		out = append(out, findings...)
	}
	c.logger.Info("Fetched findings.", zap.String("account_id", accountID), zap.Int("applications", len(apps)), zap.Int("count", len(out)))
	return out, nil
}

func (c *Client) fetchApplicationFindings(ctx context.Context, appGUID string) ([]schemas.SourceFinding, error) {
	var findings []schemas.SourceFinding
	err := c.paginate(ctx, fmt.Sprintf(findingsPathFmt, url.PathEscape(appGUID)), func(body []byte) (string, error) {
		var page findingsPage
		if err := json.Unmarshal(body, &page); err != nil {
			return "", fmt.Errorf("failed to decode findings page: %w", err)
		}
		for _, f := range page.Embedded.Findings {
			if f.ContextGUID == "" {
				f.ContextGUID = appGUID
			}
			findings = append(findings, f)
		}
		return nextHref(page.Links), nil
	})
	return findings, err
}

// paginate walks HAL pages starting at path until no next link is returned.
func (c *Client) paginate(ctx context.Context, path string, handle func([]byte) (string, error)) error {
	first := c.baseURL.ResolveReference(&url.URL{Path: path})
	q := first.Query()
	q.Set("size", strconv.Itoa(c.pageSize))
	q.Set("page", "0")
	first.RawQuery = q.Encode()

	next := first.String()
	for page := 0; next != ""; page++ {
		if page >= maxPages {
			return fmt.Errorf("pagination for %s exceeded %d pages", path, maxPages)
		}
		body, err := c.get(ctx, next)
		if err != nil {
			return err
		}
		href, err := handle(body)
		if err != nil {
			return err
		}
		if href == "" {
			return nil
		}
		ref, err := url.Parse(href)
		if err != nil {
			return fmt.Errorf("invalid next link %q: %w", href, err)
		}
		next = c.baseURL.ResolveReference(ref).String()
	}
	return nil
}

// newBackOff returns the retry schedule for one request: exponential with
// jitter, starting at the configured delay and capped at maxRetries.
func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)
}

// get performs a rate-limited GET, retrying 429, 5xx and transport errors.
func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	var (
		body     []byte
		attempts int
	)
	operation := func() error {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		b, err := c.do(ctx, target)
		if err != nil {
			if !errors.Is(err, errRetryable) {
				return backoff.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("Retrying request.",
			zap.String("url", target),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, c.newBackOff(ctx), notify); err != nil {
		if errors.Is(err, errRetryable) {
			return nil, fmt.Errorf("giving up on %s after %d attempts: %w", target, attempts, err)
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", errRetryable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", errRetryable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, &APIError{StatusCode: resp.StatusCode, URL: target, Body: truncate(string(body), 512)}
	}
	return body, nil
}

func nextHref(l halLinks) string {
	if l.Next == nil {
		return ""
	}
	return l.Next.Href
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
