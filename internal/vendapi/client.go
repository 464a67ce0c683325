// Package vendapi is the HTTP client for the vending backend: machine
// listing, code locks, public status, orders, payment verification and
// dispense triggers.
package vendapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"smartvend-client/config"
)

const machinesCacheKey = "machines"

// Client talks to the vending backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	adminToken string
	http       *http.Client
	limiter    *rate.Limiter
	machines   *cache.Cache
}

// New creates a client from the API configuration.
func New(cfg *config.APIConfig) *Client {
	var transport http.RoundTripper = http.DefaultTransport
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			log.Warn().Err(err).Str("proxy", cfg.HTTPProxy).Msg("invalid proxy url; connecting directly")
		} else {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		adminToken: cfg.AdminToken,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateBurst),
		machines: cache.New(cfg.MachineCacheTTL, 2*cfg.MachineCacheTTL),
	}
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	bearer string
}

// do sends the request and decodes a 2xx JSON body into out. Any other status
// is returned as *APIError.
func (c *Client) do(ctx context.Context, r request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := c.baseURL + r.path
	if len(r.query) > 0 {
		endpoint += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		payload, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("failed to marshal request payload: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	log.Debug().
		Str("method", r.method).
		Str("path", r.path).
		Int("status", resp.StatusCode).
		Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, raw)
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal response from %s: %w", r.path, err)
	}
	return nil
}

func machinePath(machineID, suffix string) string {
	return "/api/machine/" + url.PathEscape(machineID) + suffix
}
