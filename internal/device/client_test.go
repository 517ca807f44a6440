package device

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"thermobridge/internal/sched"
)

func TestClientOperationSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/state" {
			t.Errorf("path = %s, want /api/state", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"temp": 21.5}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	v, err := c.Operation("api/state")(context.Background())
	if err != nil {
		t.Fatalf("operation error: %v", err)
	}
	raw, ok := v.(json.RawMessage)
	if !ok {
		t.Fatalf("payload type %T, want json.RawMessage", v)
	}
	var body struct {
		Temp float64 `json:"temp"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Temp != 21.5 {
		t.Fatalf("payload = %s (err %v)", raw, err)
	}
}

func TestClientTooManyRequestsCarriesHint(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Operation("/state")(context.Background())
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	var ra sched.RetryAfterError
	if !errors.As(err, &ra) {
		t.Fatalf("err = %v, want retry-after hint", err)
	}
	if ra.RetryAfter() != 30*time.Second {
		t.Fatalf("RetryAfter = %v, want 30s", ra.RetryAfter())
	}
	if cl := (sched.TextClassifier{}).Classify(err); !cl.RateLimited {
		t.Fatal("429 error not classified as rate-limited")
	}
}

func TestClientServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Operation("/state")(context.Background())
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if cl := (sched.TextClassifier{}).Classify(err); cl.RateLimited {
		t.Fatalf("500 error misclassified as rate-limited: %v", err)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	t.Parallel()
	if _, err := NewClient("ftp://host", nil); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		v    string
		want time.Duration
		ok   bool
	}{
		{name: "seconds", v: "120", want: 2 * time.Minute, ok: true},
		{name: "zero", v: "0", want: 0, ok: true},
		{name: "negative", v: "-5", ok: false},
		{name: "http date", v: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second, ok: true},
		{name: "past date", v: now.Add(-time.Minute).Format(http.TimeFormat), want: 0, ok: true},
		{name: "empty", v: "", ok: false},
		{name: "garbage", v: "soon", ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseRetryAfter(tt.v, now)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("parseRetryAfter(%q) = %v, %v; want %v, %v", tt.v, got, ok, tt.want, tt.ok)
			}
		})
	}
}
