package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/sony/gobreaker"

	"github.com/openformix/formix/formixerr"
	"github.com/openformix/formix/wire"
)

// ClientConfig bounds the retry/backoff/breaker behavior of Client.
type ClientConfig struct {
	// RequestTimeout bounds a single HTTP round trip.
	RequestTimeout time.Duration
	// BackoffBase/BackoffCap/MaxAttempts bound the retry schedule for send.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts uint64
}

// DefaultClientConfig returns conservative retry bounds: base 200ms, cap 2s, 3 attempts.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout: 5 * time.Second,
		BackoffBase:    200 * time.Millisecond,
		BackoffCap:     2 * time.Second,
		MaxAttempts:    3,
	}
}

// Client is the point-to-point send primitive: bounded retry with
// exponential backoff plus a per-target circuit breaker so a target that is
// persistently unreachable fails fast instead of being re-probed on every
// subsequent send within a broadcast window.
type Client struct {
	httpClient *http.Client
	cfg        ClientConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient creates a Client with the given configuration.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		cfg:        cfg,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breakerFor(target string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[target]
	if ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	c.breakers[target] = cb
	return cb
}

// Send POSTs env to target's /message route, retrying transient failures
// with bounded exponential backoff and short-circuiting through the
// target's circuit breaker. Returns a formixerr with KindTransient when the
// breaker is open or every retry is exhausted.
func (c *Client) Send(ctx context.Context, target string, env *wire.Envelope) error {
	cb := c.breakerFor(target)

	body, err := env.Encode()
	if err != nil {
		return fmt.Errorf("transport: encoding envelope: %w", err)
	}

	op := func() error {
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, c.doPost(ctx, target, body)
		})
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BackoffBase
	b.MaxInterval = c.cfg.BackoffCap
	bounded := backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxAttempts-1), ctx)

	if err := backoff.Retry(op, bounded); err != nil {
		return formixerr.Wrap(formixerr.KindTransient, fmt.Sprintf("sending to %s", target), err)
	}
	return nil
}

func (c *Client) doPost(ctx context.Context, target string, body []byte) error {
	url := target + "/message"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("transport: %s responded %d", target, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("transport: %s responded %d", target, resp.StatusCode))
	}
	return nil
}

// BroadcastResult is one target's outcome from Broadcast.
type BroadcastResult struct {
	Target string
	Err    error
}

// Broadcast fans out env to every target concurrently through a bounded
// worker pool, so a broadcast to thousands of targets never spawns
// thousands of goroutines. Per-target errors are returned individually, not
// collapsed into one failure, but are also merged with go-multierror so
// callers can log a single summary line.
func Broadcast(ctx context.Context, client *Client, targets []string, env *wire.Envelope, poolSize int) ([]BroadcastResult, error) {
	if poolSize <= 0 {
		poolSize = 32
	}
	pool := newBoundedPool(poolSize)
	defer pool.stop()

	results := make([]BroadcastResult, len(targets))
	var wg sync.WaitGroup
	wg.Add(len(targets))

	for i, target := range targets {
		i, target := i, target
		pool.submit(func() {
			defer wg.Done()
			results[i] = BroadcastResult{Target: target, Err: client.Send(ctx, target, env)}
		})
	}
	wg.Wait()

	var merr *multierror.Error
	for _, r := range results {
		if r.Err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", r.Target, r.Err))
		}
	}
	if merr != nil {
		return results, merr
	}
	return results, nil
}
