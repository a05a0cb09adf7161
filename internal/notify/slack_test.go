package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestAlertPostsText(t *testing.T) {
	var got struct {
		Text string `json:"text"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewSlackWebhook(srv.URL, time.Second).Alert(context.Background(), "run failed"); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if got.Text != "run failed" {
		t.Fatalf("unexpected text %q", got.Text)
	}
}

func TestAlertReportsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if err := NewSlackWebhook(srv.URL, time.Second).Alert(context.Background(), "x"); err == nil {
		t.Fatalf("expected error on 403")
	}
}

func TestAlertWithoutWebhookIsNoop(t *testing.T) {
	if err := NewSlackWebhook("", time.Second).Alert(context.Background(), "x"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestAlertReportsServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	err := NewSlackWebhook(srv.URL, time.Second).Alert(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected 502 error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single post, got %d", calls)
	}
}
