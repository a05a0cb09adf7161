package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

// scriptedServer replies with the queued statuses in order, repeating the last one.
func scriptedServer(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1))
		idx := n - 1
		if idx >= len(statuses) {
			idx = len(statuses) - 1
		}
		w.WriteHeader(statuses[idx])
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestDispatcher(rec *sleepRecorder, opts ...Option) *Dispatcher {
	base := []Option{WithSleeper(rec.sleep)}
	return New(NewHTTPClient(2*time.Second), append(base, opts...)...)
}

func TestSendWithRetriesExhausts(t *testing.T) {
	srv, calls := scriptedServer(t, http.StatusInternalServerError)
	rec := &sleepRecorder{}
	d := newTestDispatcher(rec)

	resp := d.SendWithRetries(context.Background(), NewRequest(srv.URL), 3)
	if resp != nil {
		t.Fatalf("expected nil response after exhausting retries, got %+v", resp)
	}
	if got := atomic.LoadInt32(calls); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
	want := []time.Duration{5000 * time.Millisecond, 7500 * time.Millisecond, 11250 * time.Millisecond}
	if len(rec.delays) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), rec.delays)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Fatalf("sleep %d: got %s want %s", i, rec.delays[i], want[i])
		}
	}
}

func TestExhaustedServerErrorKeepsFinalStatus(t *testing.T) {
	srv, calls := scriptedServer(t, http.StatusInternalServerError)
	var logs bytes.Buffer
	d := newTestDispatcher(&sleepRecorder{},
		WithMaxRetries(1),
		WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))

	out := d.SendBatch(context.Background(), []Request{NewRequest(srv.URL)})
	if len(out) != 1 {
		t.Fatalf("expected one outcome, got %d", len(out))
	}
	o := out[0]
	if o.OK() || !errors.Is(o.Err, ErrExhausted) {
		t.Fatalf("expected exhausted outcome, got %+v", o)
	}
	if o.Response == nil || o.Response.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected final 500 response, got %+v", o.Response)
	}
	if string(o.Response.Body) != `{"ok":true}` {
		t.Fatalf("expected body to be read, got %q", o.Response.Body)
	}
	if o.Attempts != 2 || atomic.LoadInt32(calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", o.Attempts)
	}
	if !strings.Contains(logs.String(), `"status":500`) || strings.Contains(logs.String(), `"status":0`) {
		t.Fatalf("expected attempts logged with status 500, got %s", logs.String())
	}
	if resp := d.SendWithRetries(context.Background(), NewRequest(srv.URL), 0); resp != nil {
		t.Fatalf("SendWithRetries must return nil on failure, got %+v", resp)
	}
}

func TestSendWithRetriesSucceedsOnThirdAttempt(t *testing.T) {
	srv, calls := scriptedServer(t, http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK)
	rec := &sleepRecorder{}
	d := newTestDispatcher(rec)

	resp := d.SendWithRetries(context.Background(), NewRequest(srv.URL), 3)
	if resp == nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 response, got %+v", resp)
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Fatalf("unexpected body %q", resp.Body)
	}
}

func TestCreatedCountsAsSuccess(t *testing.T) {
	srv, calls := scriptedServer(t, http.StatusCreated)
	d := newTestDispatcher(&sleepRecorder{})
	if resp := d.SendWithRetries(context.Background(), NewRequest(srv.URL), 3); !resp.OK() {
		t.Fatalf("201 must be treated as success")
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Fatalf("expected a single attempt")
	}
}

func TestBackoffCeiling(t *testing.T) {
	srv, _ := scriptedServer(t, http.StatusBadGateway)
	rec := &sleepRecorder{}
	d := newTestDispatcher(rec, WithBackoff(5*time.Second, 1.5, 6*time.Second))
	d.SendWithRetries(context.Background(), NewRequest(srv.URL), 3)
	want := []time.Duration{5 * time.Second, 6 * time.Second, 6 * time.Second}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Fatalf("sleep %d: got %s want %s", i, rec.delays[i], want[i])
		}
	}
}

func TestTransportErrorsAreRetried(t *testing.T) {
	srv, _ := scriptedServer(t, http.StatusOK)
	url := srv.URL
	srv.Close()

	rec := &sleepRecorder{}
	d := newTestDispatcher(rec)
	if resp := d.SendWithRetries(context.Background(), NewRequest(url), 2); resp != nil {
		t.Fatalf("expected nil for unreachable host")
	}
	if len(rec.delays) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(rec.delays))
	}
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	srv, calls := scriptedServer(t, http.StatusServiceUnavailable)
	ctx, cancel := context.WithCancel(context.Background())
	d := New(NewHTTPClient(2*time.Second), WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	if resp := d.SendWithRetries(ctx, NewRequest(srv.URL), 3); resp != nil {
		t.Fatalf("expected nil after cancellation")
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Fatalf("expected no attempt after cancellation, got %d", got)
	}
}

func TestUnmutedRequestReportsStatusError(t *testing.T) {
	srv, calls := scriptedServer(t, http.StatusNotFound, http.StatusOK)
	d := newTestDispatcher(&sleepRecorder{})
	resp, attempts, err := d.send(context.Background(), NewRequest(srv.URL, Unmuted()), 3)
	if err != nil || !resp.OK() {
		t.Fatalf("expected eventual success, got resp=%+v err=%v", resp, err)
	}
	if attempts != 2 || atomic.LoadInt32(calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRequestShape(t *testing.T) {
	var gotMethod, gotType, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		gotBody = buf.String()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req, err := NewJSONRequest(srv.URL, map[string]string{"hello": "world"}, WithHeader("Authorization", "Bearer k"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !req.MuteHTTPExceptions {
		t.Fatalf("requests must be muted by default")
	}
	d := newTestDispatcher(&sleepRecorder{})
	if resp := d.SendWithRetries(context.Background(), req, 0); !resp.OK() {
		t.Fatalf("expected success")
	}
	if gotMethod != http.MethodPost || gotType != "application/json" || gotAuth != "Bearer k" {
		t.Fatalf("unexpected request: method=%s type=%s auth=%s", gotMethod, gotType, gotAuth)
	}
	if gotBody != `{"hello":"world"}` {
		t.Fatalf("unexpected body %q", gotBody)
	}
	if def := NewRequest(srv.URL); def.Method != http.MethodGet || def.ContentType != "application/json" {
		t.Fatalf("unexpected defaults %+v", def)
	}
}

func TestSendBatchKeepsInputAssociation(t *testing.T) {
	var failing int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			atomic.AddInt32(&failing, 1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	paths := []string{"/a", "/bad", "/c", "/d", "/e"}
	reqs := make([]Request, len(paths))
	for i, p := range paths {
		reqs[i] = NewRequest(srv.URL + p)
	}

	d := newTestDispatcher(&sleepRecorder{}, WithBatchSize(2), WithWorkers(2))
	out := d.SendBatch(context.Background(), reqs)
	if len(out) != len(reqs) {
		t.Fatalf("expected %d outcomes, got %d", len(reqs), len(out))
	}
	for i, o := range out {
		if o.Index != i || o.Request.ID != reqs[i].ID {
			t.Fatalf("outcome %d is associated with the wrong request", i)
		}
		if paths[i] == "/bad" {
			if o.OK() || !errors.Is(o.Err, ErrExhausted) || o.Attempts != 4 {
				t.Fatalf("expected exhausted failure with 4 attempts, got %+v", o)
			}
			continue
		}
		if !o.OK() || string(o.Response.Body) != paths[i] {
			t.Fatalf("outcome %d: expected body %s, got %+v", i, paths[i], o.Response)
		}
	}
	if got := atomic.LoadInt32(&failing); got != 4 {
		t.Fatalf("a failing request must not exceed maxRetries+1 attempts, got %d", got)
	}
}

type countingLimiter struct{ keys []string }

func (c *countingLimiter) Wait(_ context.Context, key string) error {
	c.keys = append(c.keys, key)
	return nil
}

func TestLimiterIsConsultedPerAttempt(t *testing.T) {
	srv, _ := scriptedServer(t, http.StatusInternalServerError, http.StatusOK)
	lim := &countingLimiter{}
	d := newTestDispatcher(&sleepRecorder{}, WithLimiter(lim))
	d.SendWithRetries(context.Background(), NewRequest(srv.URL), 3)
	if len(lim.keys) != 2 || !strings.HasPrefix(lim.keys[0], "rl:dispatch:127.0.0.1") {
		t.Fatalf("unexpected limiter calls %v", lim.keys)
	}
}

func TestWarmupCountsSuccesses(t *testing.T) {
	ok, _ := scriptedServer(t, http.StatusOK)
	d := newTestDispatcher(&sleepRecorder{}, WithMaxRetries(0))
	if n := d.Warmup(context.Background(), []string{ok.URL, "", ok.URL + "/again"}); n != 2 {
		t.Fatalf("expected 2 successful pings, got %d", n)
	}
}
