// Package httpclient provides the shared outbound HTTP client: one
// pooled transport per host with idle timeout, retry with backoff, and
// a circuit breaker per host.
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// PoolConfig sizes the shared transport.
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration
	RequestTimeout      time.Duration
	MaxRetries          int
	RetryBackoff        time.Duration
}

// DefaultPoolConfig returns the production pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		RequestTimeout:      30 * time.Second,
		MaxRetries:          3,
		RetryBackoff:        100 * time.Millisecond,
	}
}

// Pool is a process-wide HTTP client with per-host circuit breakers.
// Adapters share it instead of constructing clients per request.
type Pool struct {
	client *http.Client
	config PoolConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewPool builds the pooled client.
func NewPool(config PoolConfig) *Pool {
	dialer := &net.Dialer{Timeout: config.DialTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ForceAttemptHTTP2:     true,
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: config.RequestTimeout / 2,
	}
	return &Pool{
		client:   &http.Client{Transport: transport, Timeout: config.RequestTimeout},
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (p *Pool) breakerFor(host string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	p.breakers[host] = cb
	return cb
}

// Do performs req through the pool, retrying network errors and 5xx up
// to MaxRetries with linear backoff. 4xx responses return immediately;
// an open breaker fails fast.
func (p *Pool) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	cb := p.breakerFor(req.URL.Host)
	var lastErr error

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * p.config.RetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		v, err := cb.Execute(func() (interface{}, error) {
			resp, err := p.client.Do(req.Clone(ctx))
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= 500 {
				resp.Body.Close()
				return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, req.URL.Host)
			}
			return resp, nil
		})
		if err == nil {
			return v.(*http.Response), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == gobreaker.ErrOpenState {
			return nil, err
		}
	}
	return nil, fmt.Errorf("request to %s failed after %d attempts: %w", req.URL.Host, p.config.MaxRetries+1, lastErr)
}

// Close releases idle connections.
func (p *Pool) Close() {
	p.client.CloseIdleConnections()
}
