package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"branchanalytics/models"
)

// UpstreamError is a non-2xx answer from an operational service.
type UpstreamError struct {
	Service string
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %d", e.Service, e.Status)
}

// ErrCircuitOpen is returned while a service is cooling down after repeated failures.
var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openedAt  time.Time
	cooldown  time.Duration
	now       func() time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (c *circuitBreaker) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures < c.threshold {
		return true
	}
	if c.now().Sub(c.openedAt) > c.cooldown {
		// half-open: let one probe through
		c.failures = c.threshold - 1
		return true
	}
	return false
}

func (c *circuitBreaker) success() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.openedAt = time.Time{}
}

func (c *circuitBreaker) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.threshold {
		c.openedAt = c.now()
	}
}

// ServiceClient is a JSON GET client for one operational service.
type ServiceClient struct {
	name    string
	baseURL string
	hc      *http.Client
	cb      *circuitBreaker
	logger  *zap.Logger
}

// NewServiceClient returns nil when baseURL is empty so callers can treat
// the service as not configured.
func NewServiceClient(name, baseURL string, timeout time.Duration, logger *zap.Logger) *ServiceClient {
	if strings.TrimSpace(baseURL) == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ServiceClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
		cb:      newCircuitBreaker(5, time.Minute),
		logger:  logger.Named(name),
	}
}

func (c *ServiceClient) Name() string { return c.name }

// Health calls GET /health.
func (c *ServiceClient) Health(ctx context.Context) error {
	var out map[string]interface{}
	return c.GetJSON(ctx, "/health", nil, &out)
}

// GetJSON fetches path with the query and decodes the body into out.
// Non-2xx responses are logged and returned as *UpstreamError.
func (c *ServiceClient) GetJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	if !c.cb.allow() {
		return fmt.Errorf("%s: %w", c.name, ErrCircuitOpen)
	}
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.hc.Do(req)
	if err != nil {
		c.cb.fail()
		return fmt.Errorf("%s request: %w", c.name, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		if res.StatusCode >= 500 {
			c.cb.fail()
		}
		c.logger.Warn("upstream returned non-2xx",
			zap.String("path", path),
			zap.Int("status", res.StatusCode))
		return &UpstreamError{Service: c.name, Status: res.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		c.cb.fail()
		return fmt.Errorf("%s decode: %w", c.name, err)
	}
	c.cb.success()
	return nil
}

// Result is the outcome of one service call. Data is nil when Err is set.
type Result struct {
	Name string                 `json:"name"`
	Data map[string]interface{} `json:"data,omitempty"`
	Err  error                  `json:"-"`
}

// OK reports whether the call succeeded with a non-empty body.
func (r Result) OK() bool {
	return r.Err == nil && len(r.Data) > 0
}

// Services groups the order and catalog service clients. Either may be nil.
type Services struct {
	Order   *ServiceClient
	Catalog *ServiceClient
}

// Endpoint names, also used as snapshot keys.
const (
	EndpointRevenue      = "revenue"
	EndpointCustomers    = "customers"
	EndpointProducts     = "products"
	EndpointReviews      = "reviews"
	EndpointAllBranches  = "all_branches"
	EndpointInventory    = "inventory"
	EndpointMaterialCost = "material_cost"
)

var orderEndpoints = map[string]string{
	EndpointRevenue:   "/api/v1/branch-metrics/revenue",
	EndpointCustomers: "/api/v1/branch-metrics/customers",
	EndpointProducts:  "/api/v1/branch-metrics/products",
	EndpointReviews:   "/api/v1/branch-metrics/reviews",
}

var catalogEndpoints = map[string]string{
	EndpointInventory:    "/api/v1/branch-metrics/inventory",
	EndpointMaterialCost: "/api/v1/branch-metrics/material-cost",
}

func branchQuery(branchID int, day time.Time) url.Values {
	q := url.Values{}
	if branchID > 0 {
		q.Set("branch_id", strconv.Itoa(branchID))
	}
	if !day.IsZero() {
		q.Set("date", day.Format(models.DateLayout))
	}
	return q
}

func fetch(ctx context.Context, c *ServiceClient, name, path string, q url.Values) Result {
	r := Result{Name: name}
	if c == nil {
		r.Err = errors.New("service not configured")
		return r
	}
	var data map[string]interface{}
	if err := c.GetJSON(ctx, path, q, &data); err != nil {
		r.Err = err
		return r
	}
	r.Data = data
	return r
}

// BranchDay fetches every per-branch endpoint of both services for one day,
// concurrently. The returned slice always holds one Result per endpoint.
func (s Services) BranchDay(ctx context.Context, branchID int, day time.Time) []Result {
	type call struct {
		client *ServiceClient
		name   string
		path   string
	}
	var calls []call
	for _, name := range []string{EndpointRevenue, EndpointCustomers, EndpointProducts, EndpointReviews} {
		calls = append(calls, call{s.Order, name, orderEndpoints[name]})
	}
	for _, name := range []string{EndpointInventory, EndpointMaterialCost} {
		calls = append(calls, call{s.Catalog, name, catalogEndpoints[name]})
	}

	out := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		go func(i int, c call) {
			defer wg.Done()
			out[i] = fetch(ctx, c.client, c.name, c.path, branchQuery(branchID, day))
		}(i, c)
	}
	wg.Wait()
	return out
}

// AllBranches fetches the chain-wide aggregate for one day.
func (s Services) AllBranches(ctx context.Context, day time.Time) Result {
	return fetch(ctx, s.Order, EndpointAllBranches, "/api/v1/branch-metrics/all-branches", branchQuery(0, day))
}
