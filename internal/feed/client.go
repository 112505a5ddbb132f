package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"gridmix/internal/domain"
)

// Default configuration values.
const (
	DefaultEndpoint  = "https://opendata-reunion.edf.fr/api/records/1.0/search/"
	DefaultDataset   = "prod-electricite-temps-reel"
	DefaultRows      = 400
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "gridmix/1.0"

	maxBodyBytes = 16 << 20
)

// HTTPClient implements Source against the open-data records search API.
type HTTPClient struct {
	endpoint  string
	dataset   string
	rows      int
	userAgent string
	client    *http.Client
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithRows sets the page size.
func WithRows(n int) ClientOption {
	return func(c *HTTPClient) {
		if n > 0 {
			c.rows = n
		}
	}
}

// WithDataset sets the dataset identifier.
func WithDataset(dataset string) ClientOption {
	return func(c *HTTPClient) {
		if dataset != "" {
			c.dataset = dataset
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *HTTPClient) {
		c.userAgent = ua
	}
}

// NewHTTPClient creates a feed client. An empty endpoint selects DefaultEndpoint.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &HTTPClient{
		endpoint:  endpoint,
		dataset:   DefaultDataset,
		rows:      DefaultRows,
		userAgent: DefaultUserAgent,
		client:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// requestURL builds the query: fixed page size, sorted by date (served
// newest-first), with the unused free-text filter left empty.
func (c *HTTPClient) requestURL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("dataset", c.dataset)
	q.Set("q", "")
	q.Set("rows", strconv.Itoa(c.rows))
	q.Set("sort", "date")
	q.Set("facet", "date")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FetchPage performs one GET and decodes the page. No retries: failures are
// surfaced to the caller.
func (c *HTTPClient) FetchPage(ctx context.Context) ([]domain.RawRecord, error) {
	target, err := c.requestURL()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: http request: %v", ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrFeedUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status %d: %s", ErrFeedUnavailable, resp.StatusCode, truncate(body, 256))
	}

	return DecodePage(body)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ Source = (*HTTPClient)(nil)
