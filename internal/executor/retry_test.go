package executor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// recordingCore returns a core whose sleeps are captured instead of slept.
func recordingCore(sleeps *[]time.Duration) *core {
	c := newCore(Options{})
	c.sleep = func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return c
}

func getReq(ctx context.Context) func(u string) (*http.Request, error) {
	return func(u string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}
}

// TestDoWithRetrySameURLOnShortHint verifies a 429 whose hint fits the wait
// budget is retried against the same URL.
func TestDoWithRetrySameURLOnShortHint(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	var sleeps []time.Duration
	c := recordingCore(&sleeps)

	resp, u, err := c.doWithRetry(context.Background(), "test", []string{srv.URL}, getReq(context.Background()))
	if err != nil {
		t.Fatalf("doWithRetry: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("hits = %d, want 2", got)
	}
	if u != srv.URL {
		t.Fatalf("url = %q, want %q", u, srv.URL)
	}
	if len(sleeps) != 1 || sleeps[0] != 0 {
		t.Fatalf("sleeps = %v, want [0s]", sleeps)
	}
}

// TestDoWithRetryNextURLOnLongHint verifies a hint above the wait budget
// moves straight to the next fallback URL.
func TestDoWithRetryNextURLOnLongHint(t *testing.T) {
	var hitsA int32
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hitsA, 1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srvB.Close()

	var sleeps []time.Duration
	c := recordingCore(&sleeps)

	resp, u, err := c.doWithRetry(context.Background(), "test", []string{srvA.URL, srvB.URL}, getReq(context.Background()))
	if err != nil {
		t.Fatalf("doWithRetry: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || u != srvB.URL {
		t.Fatalf("got %d from %q, want 200 from %q", resp.StatusCode, u, srvB.URL)
	}
	if got := atomic.LoadInt32(&hitsA); got != 1 {
		t.Fatalf("first URL hit %d times, want 1", got)
	}
	if len(sleeps) != 0 {
		t.Fatalf("sleeps = %v, want none", sleeps)
	}
}

// TestDoWithRetryBlindRetryOn429 verifies a hint-less 429 earns exactly one
// one-second retry.
func TestDoWithRetryBlindRetryOn429(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	var sleeps []time.Duration
	c := recordingCore(&sleeps)

	resp, _, err := c.doWithRetry(context.Background(), "test", []string{srv.URL}, getReq(context.Background()))
	if err != nil {
		t.Fatalf("doWithRetry: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(sleeps) != 1 || sleeps[0] != noHintWait {
		t.Fatalf("sleeps = %v, want [%v]", sleeps, noHintWait)
	}
}

// TestDoWithRetryExhaustedReturnsLastResponse verifies the caller gets the
// final failing response, not an error, when every URL fails.
func TestDoWithRetryExhaustedReturnsLastResponse(t *testing.T) {
	var hitsA, hitsB int32
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hitsA, 1)
		http.Error(w, "boom-a", http.StatusInternalServerError)
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hitsB, 1)
		http.Error(w, "boom-b", http.StatusBadGateway)
	}))
	defer srvB.Close()

	var sleeps []time.Duration
	c := recordingCore(&sleeps)

	resp, u, err := c.doWithRetry(context.Background(), "test", []string{srvA.URL, srvB.URL}, getReq(context.Background()))
	if err != nil {
		t.Fatalf("doWithRetry: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway || u != srvB.URL {
		t.Fatalf("got %d from %q, want the last response", resp.StatusCode, u)
	}
	if atomic.LoadInt32(&hitsA) != 1 || atomic.LoadInt32(&hitsB) != 1 {
		t.Fatalf("hits = %d/%d, want one per URL", hitsA, hitsB)
	}
}

// TestDoWithRetryNetworkErrorFallsThrough verifies an unreachable endpoint
// is skipped in favour of the next URL.
func TestDoWithRetryNetworkErrorFallsThrough(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dead := "http://" + l.Addr().String()
	_ = l.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	var sleeps []time.Duration
	c := recordingCore(&sleeps)

	resp, u, err := c.doWithRetry(context.Background(), "test", []string{dead, srv.URL}, getReq(context.Background()))
	if err != nil {
		t.Fatalf("doWithRetry: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || u != srv.URL {
		t.Fatalf("got %d from %q, want 200 from the live URL", resp.StatusCode, u)
	}
}

// TestDoWithRetryTerminalStatusReturnsImmediately verifies a plain 4xx is
// never retried.
func TestDoWithRetryTerminalStatusReturnsImmediately(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	c := recordingCore(&sleeps)

	resp, _, err := c.doWithRetry(context.Background(), "test", []string{srv.URL, srv.URL}, getReq(context.Background()))
	if err != nil {
		t.Fatalf("doWithRetry: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("hits = %d, want 1", got)
	}
}

// TestRetryHint covers the three hint headers and their encodings.
func TestRetryHint(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		header map[string]string
		want   time.Duration
		ok     bool
	}{
		{"seconds", map[string]string{"Retry-After": "3"}, 3 * time.Second, true},
		{"http_date", map[string]string{"Retry-After": now.Add(10 * time.Second).Format(http.TimeFormat)}, 10 * time.Second, true},
		{"past_date_clamped", map[string]string{"Retry-After": now.Add(-time.Minute).Format(http.TimeFormat)}, 0, true},
		{"reset_after_fraction", map[string]string{"X-Ratelimit-Reset-After": "2.5"}, 2500 * time.Millisecond, true},
		{"reset_epoch_seconds", map[string]string{"X-Ratelimit-Reset": "1748779230"}, 30 * time.Second, true},
		{"reset_epoch_millis", map[string]string{"X-Ratelimit-Reset": "1748779230000"}, 30 * time.Second, true},
		{"garbage", map[string]string{"Retry-After": "soon"}, 0, false},
		{"none", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.header {
				h.Set(k, v)
			}
			got, ok := retryHint(h, now)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Fatalf("wait = %v, want %v", got, tt.want)
			}
		})
	}
}
