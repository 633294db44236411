package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/modelmux/modelmux/internal/executor"
	"github.com/modelmux/modelmux/internal/pool"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/wire"
	"github.com/modelmux/modelmux/pkg/apierr"
)

// dispatch runs the credential fallback loop for one target: select a
// connection, refresh its token if near expiry, execute, and on a retryable
// failure cool the connection down and move to the next one. It returns the
// first upstream exchange whose status is 2xx.
//
// Terminal upstream statuses come back as *executor.UpstreamError with the
// captured body; exhausted pools come back as *pool.AllCoolingDownError.
// A cancelled client context aborts without marking anything failed.
func (p *Pipeline) dispatch(ctx *fasthttp.RequestCtx, machineID string, t target, body []byte, stream bool, src wire.Format) (*executor.Result, *store.Connection, error) {
	exec, ok := p.executors.For(t.prov)
	if !ok {
		return nil, nil, fmt.Errorf("no executor for provider %s", t.prov.ID)
	}

	exclude := make(map[string]bool)
	for {
		conn, err := p.pool.Select(ctx, machineID, t.prov, t.model, exclude)
		if err != nil {
			return nil, nil, err
		}
		conn = p.refresher.EnsureFresh(ctx, machineID, conn)

		attemptStart := time.Now()
		res, err := exec.Execute(ctx, &executor.Request{
			Model:  t.model,
			Body:   body,
			Stream: stream,
			Conn:   conn,
			Source: src,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			v := pool.Classify(0, err.Error())
			p.observeAttempt(t.prov.ID, reasonFor(v), time.Since(attemptStart))
			p.failover(ctx, machineID, conn, t, v)
			exclude[conn.ID] = true
			continue
		}

		status := res.Response.StatusCode
		if status >= 200 && status < 300 {
			p.observeAttempt(t.prov.ID, "success", time.Since(attemptStart))
			if err := p.pool.MarkSuccess(ctx, machineID, conn.ID); err != nil {
				p.log.WarnContext(ctx, "pool_mark_success",
					slog.String("connection_id", conn.ID),
					slog.String("error", err.Error()),
				)
			}
			return res, conn, nil
		}

		errBody := readCapped(res.Response.Body, p.maxCapture)
		drainClose(res.Response)

		v := pool.Classify(status, errBody)
		p.observeAttempt(t.prov.ID, reasonFor(v), time.Since(attemptStart))
		if !v.Retryable {
			return nil, nil, &executor.UpstreamError{Status: status, Body: errBody, URL: res.URL}
		}
		p.failover(ctx, machineID, conn, t, v)
		exclude[conn.ID] = true
	}
}

// failover cools a connection down and records the hop.
func (p *Pipeline) failover(ctx *fasthttp.RequestCtx, machineID string, conn *store.Connection, t target, v pool.Verdict) {
	reason := reasonFor(v)
	if p.metrics != nil {
		p.metrics.RecordFallbackHop(t.prov.ID, reason)
	}
	p.log.WarnContext(ctx, "upstream_failover",
		slog.String("provider", t.prov.ID),
		slog.String("connection_id", conn.ID),
		slog.String("model", t.model),
		slog.String("reason", reason),
		slog.Int("status", v.Code),
		slog.String("error", v.Message),
	)
	if err := p.pool.MarkFailed(ctx, machineID, conn.ID, t.prov, t.model, v); err != nil {
		p.log.WarnContext(ctx, "pool_mark_failed",
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
	}
}

// writeDispatchError translates the last dispatch failure into a client
// response and the matching accounting entry.
func (p *Pipeline) writeDispatchError(ctx *fasthttp.RequestCtx, lastErr error, rc responseContext, in Inbound, provider string) {
	if lastErr == nil {
		lastErr = fmt.Errorf("no providers available for model %s", rc.clientModel)
	}

	var status int
	switch e := lastErr.(type) {
	case *pool.AllCoolingDownError:
		status = fasthttp.StatusServiceUnavailable
		msg := fmt.Sprintf("all %s credentials for %s are cooling down (last error: %s); retry after %s",
			e.Provider, e.Model, e.LastError, e.RetryAt.UTC().Format(time.RFC3339))
		apierr.WriteRateLimited(ctx, e.RetryAfter(time.Now()), msg)
	case *executor.UpstreamError:
		status = e.Status
		writeUpstreamPassthrough(ctx, e)
	default:
		if errors.Is(lastErr, pool.ErrNoCredentials) {
			status = fasthttp.StatusBadRequest
			apierr.Write(ctx, status, fmt.Sprintf("no credentials configured for model %s", rc.clientModel), apierr.TypeInvalidRequest)
			break
		}
		status = fasthttp.StatusBadRequest
		apierr.Write(ctx, status, lastErr.Error(), apierr.TypeInvalidRequest)
	}

	p.failDetail(rc, in, provider, "", status, lastErr.Error())
	p.log.WarnContext(ctx, "request_failed",
		slog.String("request_id", rc.reqID),
		slog.String("machine_id", rc.machineID),
		slog.String("model", rc.clientModel),
		slog.Int("status", status),
		slog.String("error", lastErr.Error()),
	)
}

// observeAttempt feeds the upstream attempt metrics when enabled.
func (p *Pipeline) observeAttempt(provider, outcome string, d time.Duration) {
	if p.metrics != nil {
		p.metrics.ObserveUpstreamAttempt(provider, outcome, d)
	}
}

// reasonFor names a verdict class for metrics labels and logs.
func reasonFor(v pool.Verdict) string {
	switch {
	case v.RateLimit:
		return "rate_limited"
	case v.Code == 401 || v.Code == 403:
		return "auth"
	case v.Code == 402:
		return "quota"
	case v.Code >= 500:
		return "server_error"
	case v.Code == 0:
		return "network_error"
	default:
		return "client_error"
	}
}

// writeUpstreamPassthrough hands a terminal upstream failure to the client
// unmodified when the body is JSON, which every supported dialect is. Other
// payloads (HTML gateway pages) are reframed in the standard envelope.
func writeUpstreamPassthrough(ctx *fasthttp.RequestCtx, e *executor.UpstreamError) {
	status := e.Status
	if status < 400 || status > 599 {
		status = fasthttp.StatusBadGateway
	}
	if gjson.Valid(e.Body) {
		ctx.Response.Reset()
		ctx.SetStatusCode(status)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(e.Body)
		return
	}
	apierr.WriteUpstream(ctx, e.Status, e.Body)
}

// readCapped reads at most n bytes of an upstream error body.
func readCapped(r io.Reader, n int) string {
	b, _ := io.ReadAll(io.LimitReader(r, int64(n)))
	return string(b)
}
