// Package dispatch sends outbound HTTP calls with bounded retries and batch fan-out.
// Every external call of a run (assessments, image uploads, warm-up pings) goes through it.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/gojektech/heimdall/v6/httpclient"

	"assessment-runner/internal/telemetry"
)

// Doer executes a single HTTP request. *http.Client and heimdall clients satisfy it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Limiter throttles attempts per key.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Sleeper waits between attempts. It returns early with ctx.Err() on cancellation.
type Sleeper func(ctx context.Context, d time.Duration) error

const (
	DefaultMaxRetries     = 3
	DefaultBatchSize      = 20
	DefaultBackoffInitial = 5 * time.Second
	DefaultBackoffFactor  = 1.5
)

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	doer       Doer
	limiter    Limiter
	sleep      Sleeper
	logger     *slog.Logger
	batchSize  int
	workers    int
	maxRetries int
	initial    time.Duration
	factor     float64
	ceiling    time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.maxRetries = n
		}
	}
}

// WithBackoff sets the first delay, the growth factor and an optional ceiling (0 = none).
func WithBackoff(initial time.Duration, factor float64, ceiling time.Duration) Option {
	return func(d *Dispatcher) {
		if initial > 0 {
			d.initial = initial
		}
		if factor >= 1 {
			d.factor = factor
		}
		d.ceiling = ceiling
	}
}

func WithSleeper(s Sleeper) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.sleep = s
		}
	}
}

func WithLimiter(l Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewHTTPClient returns the transport used in production: a heimdall client
// with its own retries disabled, since the dispatcher owns retry state.
func NewHTTPClient(timeout time.Duration) *httpclient.Client {
	return httpclient.NewClient(
		httpclient.WithHTTPTimeout(timeout),
		httpclient.WithRetryCount(0),
	)
}

// New builds a dispatcher on top of doer.
func New(doer Doer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		doer:       doer,
		sleep:      sleepContext,
		logger:     slog.Default(),
		batchSize:  DefaultBatchSize,
		workers:    DefaultBatchSize,
		maxRetries: DefaultMaxRetries,
		initial:    DefaultBackoffInitial,
		factor:     DefaultBackoffFactor,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// MaxRetries is the retry ceiling applied by SendBatch.
func (d *Dispatcher) MaxRetries() int {
	return d.maxRetries
}

// SendWithRetries attempts req up to maxRetries+1 times and returns the first
// 200/201 response. It returns nil once every attempt has failed or ctx is done;
// callers treat nil as "could not complete", not as an exception.
func (d *Dispatcher) SendWithRetries(ctx context.Context, req Request, maxRetries int) *Response {
	resp, _, err := d.send(ctx, req, maxRetries)
	if err != nil {
		return nil
	}
	return resp
}

// SendBatch dispatches reqs in batches of the configured size. Requests within a
// batch run concurrently and each failed request runs its full retry sequence
// before its outcome is recorded; batches run one after another. The result holds
// exactly one outcome per request, ordered by input index.
func (d *Dispatcher) SendBatch(ctx context.Context, reqs []Request) []Outcome {
	out := make([]Outcome, len(reqs))
	for start := 0; start < len(reqs); start += d.batchSize {
		end := start + d.batchSize
		if end > len(reqs) {
			end = len(reqs)
		}
		d.logger.Info("dispatch.batch.start", "from", start, "to", end, "total", len(reqs))

		workers := d.workers
		if n := end - start; n < workers {
			workers = n
		}
		wp := workerpool.New(workers)
		for i := start; i < end; i++ {
			i := i // per-iteration copy; go 1.21 loop variables are shared across iterations
			wp.Submit(func() {
				resp, attempts, err := d.send(ctx, reqs[i], d.maxRetries)
				out[i] = Outcome{Index: i, Request: reqs[i], Response: resp, Attempts: attempts, Err: err}
			})
		}
		wp.StopWait()
	}
	return out
}

// Warmup pings each URL once so cold backends spin up before the real batch.
// It returns how many pings succeeded.
func (d *Dispatcher) Warmup(ctx context.Context, urls []string) int {
	reqs := make([]Request, 0, len(urls))
	for _, u := range urls {
		if u != "" {
			reqs = append(reqs, NewRequest(u))
		}
	}
	ok := 0
	for _, o := range d.SendBatch(ctx, reqs) {
		if o.OK() {
			ok++
		}
	}
	d.logger.Info("dispatch.warmup", "targets", len(reqs), "ok", ok)
	return ok
}

// ErrExhausted marks a request that failed on every attempt.
var ErrExhausted = errors.New("dispatch: retries exhausted")

func (d *Dispatcher) send(ctx context.Context, req Request, maxRetries int) (*Response, int, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	delay := d.initial
	var (
		lastErr  error
		lastResp *Response
	)
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		resp, err := d.attempt(ctx, req)
		if err == nil && resp.OK() {
			return resp, attempt, nil
		}
		if err == nil {
			err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		lastErr = err
		lastResp = resp
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}

		if attempt > maxRetries {
			d.logger.Error("dispatch.exhausted",
				"req_id", req.ID, "url", req.URL, "attempts", attempt, "status", status, "error", err)
			telemetry.DispatchExhausted.Inc()
			break
		}
		d.logger.Warn("dispatch.attempt.failed",
			"req_id", req.ID, "url", req.URL, "attempt", attempt, "status", status,
			"retry_in_ms", delay.Milliseconds(), "error", err)
		telemetry.DispatchRetries.Inc()
		if err := d.sleep(ctx, delay); err != nil {
			return lastResp, attempt, err
		}
		delay = d.next(delay)
	}
	return lastResp, maxRetries + 1, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

func (d *Dispatcher) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * d.factor)
	if d.ceiling > 0 && delay > d.ceiling {
		delay = d.ceiling
	}
	return delay
}

func (d *Dispatcher) attempt(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, limiterKey(req.URL)); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if req.Body != nil && req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	telemetry.DispatchAttempts.Inc()
	start := time.Now()
	// heimdall returns the response together with an error on 5xx.
	httpResp, err := d.doer.Do(httpReq)
	telemetry.DispatchLatency.Observe(time.Since(start).Seconds())
	if httpResp == nil {
		if err == nil {
			err = errors.New("no response")
		}
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, rerr := io.ReadAll(httpResp.Body)
	if rerr != nil {
		return nil, fmt.Errorf("read response: %w", rerr)
	}
	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: raw}
	if !req.MuteHTTPExceptions && httpResp.StatusCode >= http.StatusBadRequest {
		return resp, fmt.Errorf("http status %d", httpResp.StatusCode)
	}
	return resp, nil
}

func limiterKey(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return "rl:dispatch:" + u.Host
	}
	return "rl:dispatch:unknown"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
