package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// attemptsPerURL bounds retries against a single endpoint.
	attemptsPerURL = 2
	// maxHintWait is the largest Retry-After the executor sleeps through;
	// longer waits move to the next fallback URL instead.
	maxHintWait = 5 * time.Second
	// noHintWait is the pause before the single blind retry of a 429 that
	// carried no usable hint.
	noHintWait = time.Second
)

type sleepFunc func(ctx context.Context, d time.Duration) error

// doWithRetry walks the ordered base URLs. mk builds a fresh request for a
// URL on every attempt so the body is re-sent from the start. Responses with
// terminal statuses are returned as-is for the caller to classify; only
// transport failures surface as errors.
func (c *core) doWithRetry(ctx context.Context, id string, urls []string, mk func(u string) (*http.Request, error)) (*http.Response, string, error) {
	var (
		last    *http.Response
		lastURL string
		lastErr error
	)
	keep := func(resp *http.Response, u string) {
		if last != nil {
			drainClose(last)
		}
		last, lastURL = resp, u
	}
	abort := func(err error) (*http.Response, string, error) {
		if last != nil {
			drainClose(last)
		}
		return nil, lastURL, err
	}

	for _, u := range urls {
	attempts:
		for attempt := 0; attempt < attemptsPerURL; attempt++ {
			httpReq, err := mk(u)
			if err != nil {
				return abort(err)
			}
			resp, err := c.hc.Do(httpReq)
			if err != nil {
				if ctx.Err() != nil {
					return abort(ctx.Err())
				}
				lastErr = err
				lastURL = u
				c.log.WarnContext(ctx, "upstream_network_error",
					slog.String("executor", id),
					slog.String("url", u),
					slog.String("error", err.Error()))
				break attempts
			}

			switch {
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
				wait, ok := retryHint(resp.Header, time.Now())
				retrySame := attempt+1 < attemptsPerURL &&
					((ok && wait <= maxHintWait) ||
						(!ok && resp.StatusCode == http.StatusTooManyRequests))
				keep(resp, u)
				if !retrySame {
					break attempts
				}
				if !ok {
					wait = noHintWait
				}
				c.log.InfoContext(ctx, "upstream_retry_after",
					slog.String("executor", id),
					slog.Int("status", resp.StatusCode),
					slog.Duration("wait", wait))
				if err := c.sleep(ctx, wait); err != nil {
					return abort(err)
				}

			case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
				keep(resp, u)
				break attempts

			default:
				// Success and terminal client errors go straight back.
				if last != nil {
					drainClose(last)
				}
				return resp, u, nil
			}
		}
	}

	if last != nil {
		return last, lastURL, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no base URLs configured")
	}
	return nil, lastURL, fmt.Errorf("executor: %s: %w", id, lastErr)
}

// retryHint extracts the provider's requested wait from rate-limit headers.
// Checked in order: Retry-After (seconds or HTTP-date), X-RateLimit-Reset-After
// (seconds), X-RateLimit-Reset (unix epoch, seconds or milliseconds).
func retryHint(h http.Header, now time.Time) (time.Duration, bool) {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
		if at, err := http.ParseTime(v); err == nil {
			return clampWait(at.Sub(now)), true
		}
	}
	if v := strings.TrimSpace(h.Get("X-RateLimit-Reset-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second)), true
		}
	}
	if v := strings.TrimSpace(h.Get("X-RateLimit-Reset")); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil && epoch > 0 {
			at := time.Unix(epoch, 0)
			if epoch > 1_000_000_000_000 { // milliseconds
				at = time.UnixMilli(epoch)
			}
			return clampWait(at.Sub(now)), true
		}
	}
	return 0, false
}

func clampWait(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// drainClose discards a response kept only as a fallback candidate so the
// connection can be reused.
func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
