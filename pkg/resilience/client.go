package resilience

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"time"
)

// Client wraps http.Client for calls to external dependencies (policy
// engine, scorer) with exponential backoff, jitter, and a circuit breaker.
// Every suspension is bounded by the underlying client timeout.
type Client struct {
	http       *http.Client
	maxRetries int
	breaker    *CircuitBreaker
}

// NewClient builds a resilient HTTP client for the named dependency.
func NewClient(dependency string, timeout time.Duration, breaker *CircuitBreaker) *Client {
	if breaker == nil {
		breaker = NewCircuitBreaker(dependency, 5, 30*time.Second, 10*time.Second)
	}
	return &Client{
		http:       &http.Client{Timeout: timeout},
		maxRetries: 3,
		breaker:    breaker,
	}
}

// Breaker exposes the guarding breaker (for state inspection).
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// WithBreaker replaces the default breaker, e.g. with profile-tuned
// thresholds.
func (c *Client) WithBreaker(b *CircuitBreaker) *Client {
	if b != nil {
		c.breaker = b
	}
	return c
}

// Do executes the request under the breaker, retrying 5xx responses and
// transport errors with backoff. A fast-failing open breaker surfaces as
// an error without touching the network.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("circuit breaker open for %s", c.breaker.Name())
	}

	var resp *http.Response
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.http.Do(req)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}
		if i == c.maxRetries {
			break
		}
		if resp != nil {
			_ = resp.Body.Close()
		}

		backoff := time.Duration(math.Pow(2, float64(i))) * 100 * time.Millisecond
		jitter := time.Duration(0)
		if n, jerr := rand.Int(rand.Reader, big.NewInt(50)); jerr == nil {
			jitter = time.Duration(n.Int64()) * time.Millisecond
		}
		time.Sleep(backoff + jitter)
	}

	c.breaker.Failure()
	return resp, err
}
