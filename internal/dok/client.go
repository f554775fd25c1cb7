// Package dok is a client for the provider's managed-container API: task
// submission, status polling, artifact download URLs and registry
// credentials.
package dok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	service    = "managed-container"
	apiVersion = "1.0"

	// The API throttles aggressively; stay well under its limits.
	defaultRPS = 5

	registriesCacheKey = "registries"
	registriesCacheTTL = 5 * time.Minute
)

// Client talks to the managed-container API for one zone, authenticating
// every request with the account's API key pair.
type Client struct {
	baseURL    string
	zone       string
	key1       string
	key2       string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *cache.Cache
}

// Option customizes a Client.
type Option func(*Client)

// WithZone addresses the API in the given provider zone.
func WithZone(zone string) Option {
	return func(c *Client) { c.zone = zone }
}

// WithBaseURL overrides the full API base URL. Mainly for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit sets the client-side request rate in requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), 1) }
}

// New creates a client authenticated with the account API key pair.
func New(key1, key2 string, opts ...Option) *Client {
	c := &Client{
		zone:       "is1a",
		key1:       key1,
		key2:       key2,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(defaultRPS), 1),
		cache:      cache.New(registriesCacheTTL, 10*time.Minute),
	}
	for _, o := range opts {
		o(c)
	}
	if c.baseURL == "" {
		c.baseURL = fmt.Sprintf("https://secure.sakura.ad.jp/cloud/zone/%s/api/%s/%s", c.zone, service, apiVersion)
	}
	return c
}

// Tasks lists the account's tasks.
func (c *Client) Tasks(ctx context.Context) (*TaskList, error) {
	var list TaskList
	if err := c.do(ctx, http.MethodGet, "/tasks/", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Task fetches one task by ID.
func (c *Client) Task(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+id+"/", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask submits a new task.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*TaskCreated, error) {
	var created TaskCreated
	if err := c.do(ctx, http.MethodPost, "/tasks/", req, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// CancelTask cancels a running task. The API models cancellation as
// deletion of the task resource.
func (c *Client) CancelTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+id+"/", nil, nil)
}

// Registries lists the registered container registry credentials. Results
// are cached briefly since submissions look registries up by hostname.
func (c *Client) Registries(ctx context.Context) ([]Registry, error) {
	if v, ok := c.cache.Get(registriesCacheKey); ok {
		return v.([]Registry), nil
	}

	var list RegistryList
	if err := c.do(ctx, http.MethodGet, "/registries/", nil, &list); err != nil {
		return nil, err
	}
	c.cache.Set(registriesCacheKey, list.Results, cache.DefaultExpiration)
	return list.Results, nil
}

// CreateRegistry registers container registry credentials with the service.
func (c *Client) CreateRegistry(ctx context.Context, hostname, username, password string) (*Registry, error) {
	body := map[string]string{
		"hostname": hostname,
		"username": username,
		"password": password,
	}
	var reg Registry
	if err := c.do(ctx, http.MethodPost, "/registries/", body, &reg); err != nil {
		return nil, err
	}
	c.cache.Delete(registriesCacheKey)
	return &reg, nil
}

// FindRegistry resolves a registered registry by hostname.
func (c *Client) FindRegistry(ctx context.Context, hostname string) (*Registry, error) {
	regs, err := c.Registries(ctx)
	if err != nil {
		return nil, err
	}
	for i := range regs {
		if regs[i].Hostname == hostname {
			return &regs[i], nil
		}
	}
	return nil, errors.Errorf("registry %q is not registered with the service", hostname)
}

// ArtifactDownloadURL fetches the pre-signed download URL for an artifact.
// The URL is not available until the provider has packaged the output, so
// callers retry this.
func (c *Client) ArtifactDownloadURL(ctx context.Context, artifactID string) (string, error) {
	var u ArtifactURL
	if err := c.do(ctx, http.MethodGet, "/artifacts/"+artifactID+"/download/", nil, &u); err != nil {
		return "", err
	}
	return u.URL, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "dok: rate limiter")
	}

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "dok: encoding request")
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return errors.Wrap(err, "dok: building request")
	}
	req.SetBasicAuth(c.key1, c.key2)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "dok: %s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("dok: %s %s: unexpected status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrapf(err, "dok: decoding %s %s response", method, path)
		}
	}
	return nil
}
