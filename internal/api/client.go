package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// JSON endpoints exposed by the device firmware.
const (
	EndpointStatus      = "/status.json"
	EndpointEms         = "/ems.json"
	EndpointMains       = "/mains_data.json"
	EndpointParams      = "/params.json"
	EndpointSchedule    = "/schedule.json"
	EndpointOTAManifest = "/ota_manifest.json"
	EndpointConsole     = "/console.json"
)

// DefaultUsername is what the firmware ships with; only overridden when the
// installer changed it.
const DefaultUsername = "admin"

const defaultTimeout = 10 * time.Second

// Config holds the connection settings for a single device.
type Config struct {
	// Host is the device address, with or without an http:// prefix.
	Host     string
	Username string
	// Password enables HTTP basic auth when non-empty.
	Password string
	Timeout  time.Duration
}

// Client talks to one Homevolt device over its local HTTP API. It owns the
// per-endpoint response cache used as a fallback when retries are exhausted.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	cache    *responseCache
	log      zerolog.Logger
}

// NewClient builds a client for the configured device.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	host := strings.TrimRight(cfg.Host, "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	username := cfg.Username
	if username == "" {
		username = DefaultUsername
	}
	return &Client{
		baseURL:  host,
		username: username,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
		cache:    newResponseCache(cacheValidity),
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Close releases idle connections held by the shared transport.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// ClearCache drops all cached endpoint responses.
func (c *Client) ClearCache() {
	c.cache.clear()
}

// fetch performs exactly one GET against an endpoint. No retry, no caching.
func (c *Client) fetch(ctx context.Context, endpoint string) (json.RawMessage, error) {
	url := c.baseURL + endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	if c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrUnreachable, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode, url); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnreachable, url, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s returned invalid JSON", ErrProtocol, url)
	}
	return json.RawMessage(body), nil
}

func classifyStatus(code int, url string) error {
	switch {
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuth, url)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, url)
	case code < 200 || code > 299:
		return fmt.Errorf("%w: unexpected status %d from %s", ErrProtocol, code, url)
	}
	return nil
}
