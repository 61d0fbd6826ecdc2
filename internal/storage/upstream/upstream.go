package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Upstream is one allowlisted remote endpoint. Proxy operations may only
// reach hosts declared here, never caller-supplied URLs.
type Upstream struct {
	Name    string        `yaml:"name"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

type Config struct {
	Upstreams []Upstream `yaml:"upstreams"`
}

const (
	defaultTimeout = 30 * time.Second
	maxRetries     = 5
	maxBodyBytes   = 64 << 20
)

// LoadConfig reads the upstream allowlist from a YAML file. A missing path
// yields an empty allowlist, which disables proxying.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read upstream config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse upstream config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Upstreams))
	for i, u := range c.Upstreams {
		if u.Name == "" {
			return fmt.Errorf("upstream %d: name is required", i)
		}
		if seen[u.Name] {
			return fmt.Errorf("upstream %q declared twice", u.Name)
		}
		seen[u.Name] = true
		parsed, err := url.Parse(u.BaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("upstream %q: invalid base_url %q", u.Name, u.BaseURL)
		}
		if u.Retries < 0 || u.Retries > maxRetries {
			return fmt.Errorf("upstream %q: retries must be between 0 and %d", u.Name, maxRetries)
		}
	}
	return nil
}

// Response is the outcome of an upstream fetch. Any HTTP status is a valid
// response; only transport failures surface as errors.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

type Client struct {
	upstreams map[string]Upstream
	http      *http.Client
}

func NewClient(cfg Config) *Client {
	byName := make(map[string]Upstream, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		byName[u.Name] = u
	}
	return &Client{
		upstreams: byName,
		http:      &http.Client{Transport: newTransport()},
	}
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Fetch issues a request against a named upstream. The path is joined onto
// the upstream's base URL; 5xx responses are retried up to the configured
// count with a short backoff.
func (c *Client) Fetch(ctx context.Context, name, method, path string) (Response, error) {
	up, ok := c.upstreams[name]
	if !ok {
		return Response{}, fmt.Errorf("upstream %q is not configured", name)
	}
	timeout := up.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	target := strings.TrimSuffix(up.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")

	var lastErr error
	for attempt := 0; attempt <= up.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		resp, err := c.fetchOnce(ctx, method, target, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Status >= 500 && attempt < up.Retries {
			lastErr = fmt.Errorf("upstream %q returned status %d", name, resp.Status)
			continue
		}
		return resp, nil
	}
	return Response{}, fmt.Errorf("upstream %q: all attempts failed: %w", name, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, method, target string, timeout time.Duration) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}
	return Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}
