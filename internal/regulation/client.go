// Package regulation fetches regulation snapshots from a remote lookup
// service and caches them per jurisdiction.
package regulation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rewired-gh/fairoracle/internal/compliance"
	"github.com/rewired-gh/fairoracle/internal/logger"
	"github.com/rewired-gh/fairoracle/internal/models"
)

// ClientConfig holds HTTP transport and retry settings.
type ClientConfig struct {
	MaxRetries          int
	RetryDelayBase      time.Duration
	CacheTTL            time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// maxDocumentSize caps a snapshot response body.
const maxDocumentSize = 1 << 20

// Client serves snapshots from the lookup service at baseURL. It implements
// service.RegulationSource.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cfg        ClientConfig

	mu    sync.Mutex
	cache map[cacheKey]cached
	now   func() time.Time
}

type cacheKey struct {
	state string
	topic models.RegulationTopic
}

type cached struct {
	snap    *compliance.RegulationSnapshot
	fetched time.Time
}

// NewClient creates a new lookup client
func NewClient(baseURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 2
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.MaxIdleConns,
				MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
				IdleConnTimeout:     cfg.IdleConnTimeout,
			},
		},
		cfg:   cfg,
		cache: make(map[cacheKey]cached),
		now:   time.Now,
	}
}

// Snapshot returns the snapshot for the context's state and topic, from cache
// while it is younger than CacheTTL. The document is schema-validated before
// use, and a snapshot for another jurisdiction is rejected.
func (c *Client) Snapshot(ctx context.Context, gc models.GameplayComplianceContext) (*compliance.RegulationSnapshot, error) {
	if gc.StateCode == "" {
		return nil, fmt.Errorf("%w: state code is required for lookup", compliance.ErrNoSnapshot)
	}
	key := cacheKey{state: strings.ToUpper(gc.StateCode), topic: gc.Topic}

	c.mu.Lock()
	entry, ok := c.cache[key]
	c.mu.Unlock()
	if ok && c.cfg.CacheTTL > 0 && c.now().Sub(entry.fetched) < c.cfg.CacheTTL {
		return entry.snap, nil
	}

	snap, err := c.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if snap.StateCode() != key.state || (key.topic != "" && snap.Topic() != key.topic) {
		return nil, fmt.Errorf("%w: asked for %s/%s, got %s/%s",
			compliance.ErrSnapshotMismatch, key.state, key.topic, snap.StateCode(), snap.Topic())
	}

	c.mu.Lock()
	c.cache[key] = cached{snap: snap, fetched: c.now()}
	c.mu.Unlock()
	logger.Debug("Fetched regulation snapshot %s for %s/%s", snap.Version(), key.state, snap.Topic())
	return snap, nil
}

func (c *Client) fetch(ctx context.Context, key cacheKey) (*compliance.RegulationSnapshot, error) {
	u, err := url.Parse(c.baseURL + "/snapshots")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("state", key.state)
	if key.topic != "" {
		q.Set("topic", string(key.topic))
	}
	u.RawQuery = q.Encode()

	resp, err := c.doRequest(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch regulation snapshot: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w for %s/%s", compliance.ErrNoSnapshot, key.state, key.topic)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	snap, err := compliance.LoadSnapshot(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("invalid regulation snapshot: %w", err)
	}
	return snap, nil
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.cfg.MaxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			lastErr = err
		case resp.StatusCode >= 500:
			resp.Body.Close() //nolint:errcheck
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
		default:
			return resp, nil
		}

		if i == c.cfg.MaxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.RetryDelayBase * time.Duration(i+1)):
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
