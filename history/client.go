// Package history is a read-only client for the session-history REST API.
// Requests carry the bearer token of the current identity and transient
// failures are retried with backoff.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/identity"
	"github.com/c360/posturestream/metric"
	"github.com/c360/posturestream/pkg/cache"
	"github.com/c360/posturestream/pkg/retry"
	"github.com/c360/posturestream/pkg/tlsutil"
)

const maxErrorBody = 4 << 10

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRegistry exports item cache metrics.
func WithRegistry(r *metric.MetricsRegistry) Option {
	return func(c *Client) {
		c.registry = r
	}
}

// Client fetches sessions and session items.
type Client struct {
	cfg      Config
	base     *url.URL
	identity identity.Provider
	http     *http.Client
	logger   *slog.Logger
	registry *metric.MetricsRegistry

	// items caches completed session items, which never change once
	// persisted. Nil when the cache is disabled.
	items *cache.LRU[SessionItem]
}

// NewClient creates a client. The identity is read on every request so a
// refreshed token is picked up without rebuilding the client.
func NewClient(cfg Config, provider identity.Provider, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "history", "NewClient", "identity provider check")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.WrapInvalid(err, "history", "NewClient", "base_url parse")
	}

	tlsConfig, err := tlsutil.LoadClientConfig(cfg.TLS)
	if err != nil {
		return nil, errors.Wrap(err, "history", "NewClient", "tls config")
	}
	hc := &http.Client{Timeout: cfg.Timeout}
	if tlsConfig != nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = tlsConfig
		hc.Transport = tr
	}

	c := &Client{
		cfg:      cfg,
		base:     base,
		identity: provider,
		http:     hc,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.ItemCache.Size > 0 {
		c.items, err = cache.NewLRU(cfg.ItemCache.Size,
			cache.WithTTL[SessionItem](cfg.ItemCache.TTL),
			cache.WithMetrics[SessionItem](c.registry, "history_items"),
		)
		if err != nil {
			return nil, errors.Wrap(err, "history", "NewClient", "item cache")
		}
	}
	c.logger = c.logger.With("component", "history")
	return c, nil
}

// GetSessions returns one page of sessions, newest first. Pages are zero-based;
// a size outside 1..100 falls back to the configured page size.
func (c *Client) GetSessions(ctx context.Context, page, size int) ([]Session, error) {
	if page < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "history", "GetSessions", "page check")
	}
	if size < 1 || size > MaxPageSize {
		size = c.cfg.PageSize
	}
	q := url.Values{
		"skip":  {strconv.Itoa(page * size)},
		"limit": {strconv.Itoa(size)},
	}

	var sessions []Session
	if err := c.get(ctx, "GetSessions", "/sessions/", q, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSessionByID returns a session with its items. A missing session yields
// an error matching errors.ErrNotFound.
func (c *Client) GetSessionByID(ctx context.Context, id string) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "history", "GetSessionByID", "id check")
	}
	var s Session
	if err := c.get(ctx, "GetSessionByID", "/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetLatestSession returns the most recent session with its items, or nil when
// the user has none.
func (c *Client) GetLatestSession(ctx context.Context) (*Session, error) {
	var s Session
	err := c.get(ctx, "GetLatestSession", "/sessions/latest", nil, &s)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSessionItem returns one persisted item. Items are served from the item
// cache when it is enabled.
func (c *Client) GetSessionItem(ctx context.Context, id string) (*SessionItem, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "history", "GetSessionItem", "id check")
	}
	if c.items != nil {
		if item, ok := c.items.Get(id); ok {
			return &item, nil
		}
	}
	var item SessionItem
	if err := c.get(ctx, "GetSessionItem", "/sessions/items/"+url.PathEscape(id), nil, &item); err != nil {
		return nil, err
	}
	if c.items != nil {
		if _, err := c.items.Set(id, item); err != nil {
			c.logger.Debug("Item not cached", "item_id", id, "error", err)
		}
	}
	return &item, nil
}

func (c *Client) get(ctx context.Context, method, path string, query url.Values, out any) error {
	id, ok := c.identity.Identity()
	if !ok {
		return errors.WrapFatal(errors.ErrAuthExpired, "history", method, "identity check")
	}

	// path is already escaped; JoinPath keeps a trailing slash.
	u := c.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	endpoint := u.String()

	err := retry.Do(ctx, c.cfg.Retry, func() error {
		return c.do(ctx, method, endpoint, id.Token, out)
	})
	if err != nil {
		c.logger.Debug("Request failed", "method", method, "path", path, "error", err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return retry.NonRetryable(errors.WrapInvalid(err, "history", method, "request build"))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return retry.NonRetryable(errors.Wrap(ctx.Err(), "history", method, "request"))
		}
		return errors.WrapTransient(err, "history", method, "request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.NonRetryable(errors.WrapInvalid(
				errors.Join(errors.ErrParsingFailed, err), "history", method, "response decode"))
		}
		return nil
	}

	detail := readDetail(resp.Body)
	statusErr := fmt.Errorf("%s: %s", resp.Status, detail)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return retry.NonRetryable(errors.WrapFatal(
			errors.Join(errors.ErrAuthExpired, statusErr), "history", method, "request"))
	case resp.StatusCode == http.StatusNotFound:
		return retry.NonRetryable(errors.Wrap(
			errors.Join(errors.ErrNotFound, statusErr), "history", method, "request"))
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.WrapTransient(errors.Join(errors.ErrRateLimited, statusErr), "history", method, "request")
	case resp.StatusCode >= 500:
		return errors.WrapTransient(statusErr, "history", method, "request")
	default:
		return retry.NonRetryable(errors.WrapInvalid(
			errors.Join(errors.ErrInvalidData, statusErr), "history", method, "request"))
	}
}

// readDetail extracts the API's {"detail": ...} message, falling back to the
// raw body.
func readDetail(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var payload struct {
		Detail any `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Detail != nil {
		if s, ok := payload.Detail.(string); ok {
			return s
		}
		b, _ := json.Marshal(payload.Detail)
		return string(b)
	}
	return strings.TrimSpace(string(body))
}
