// Package pipeline orchestrates one proxied chat request end to end:
// authentication, model resolution, combo fan-out, credential selection with
// in-request fallback, upstream dispatch and response translation back into
// the client's dialect.
//
// Key design constraints:
//   - A response that has begun streaming is committed: later upstream
//     failures terminate the stream cleanly but never retry.
//   - A cancelled request is not a failed request — no health write, no
//     fallback hop.
//   - Accounting (observability records, token metrics) is best-effort and
//     never affects the response.
package pipeline

import (
	"bufio"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/modelmux/modelmux/internal/executor"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/obs"
	"github.com/modelmux/modelmux/internal/pool"
	"github.com/modelmux/modelmux/internal/refresh"
	"github.com/modelmux/modelmux/internal/sse"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/wire"
	"github.com/modelmux/modelmux/pkg/apierr"
)

// Options holds the pipeline's dependencies. Store, Pool, Refresher and
// Executors are required; everything else is optional and nil-safe.
type Options struct {
	Store     store.Machines
	Pool      *pool.Pool
	Refresher *refresh.Refresher
	Executors *executor.Set

	// Recorder receives one request detail per finished request. A nil
	// recorder drops them.
	Recorder *obs.Recorder

	// Metrics enables Prometheus collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// Log defaults to slog.Default().
	Log *slog.Logger

	// HTTP serves the forward and embeddings passthrough paths. Defaults to
	// a client without a hard timeout.
	HTTP *http.Client

	// DefaultMachineID is the machine serving bare requests that carry no
	// machine prefix and no parseable key.
	DefaultMachineID string

	// KeySecret verifies self-describing API key checksums.
	KeySecret string

	// CharsPerToken and TokenPad tune the usage estimator for upstreams
	// that omit token counts.
	CharsPerToken int
	TokenPad      int

	// MaxCaptureKB caps upstream error bodies kept for classification and
	// accounting. Zero means 1024.
	MaxCaptureKB int
}

// Pipeline is the request orchestrator. All dependencies are injected via
// the constructor so they can be replaced with doubles in unit tests.
type Pipeline struct {
	store     store.Machines
	pool      *pool.Pool
	refresher *refresh.Refresher
	executors *executor.Set
	recorder  *obs.Recorder
	metrics   *metrics.Registry
	log       *slog.Logger
	http      *http.Client

	defaultMachineID string
	keySecret        string
	charsPerToken    int
	tokenPad         int
	maxCapture       int
}

// New builds a Pipeline. Panics when a required dependency is missing.
func New(opts Options) *Pipeline {
	if opts.Store == nil {
		panic("pipeline: store must not be nil")
	}
	if opts.Pool == nil {
		panic("pipeline: pool must not be nil")
	}
	if opts.Refresher == nil {
		panic("pipeline: refresher must not be nil")
	}
	if opts.Executors == nil {
		panic("pipeline: executors must not be nil")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	hc := opts.HTTP
	if hc == nil {
		hc = &http.Client{}
	}
	charsPerToken := opts.CharsPerToken
	if charsPerToken < 1 {
		charsPerToken = 4
	}
	tokenPad := opts.TokenPad
	if tokenPad < 0 {
		tokenPad = 0
	}
	maxCapture := opts.MaxCaptureKB
	if maxCapture <= 0 {
		maxCapture = 1024
	}
	defaultMachineID := opts.DefaultMachineID
	if defaultMachineID == "" {
		defaultMachineID = "default"
	}

	return &Pipeline{
		store:            opts.Store,
		pool:             opts.Pool,
		refresher:        opts.Refresher,
		executors:        opts.Executors,
		recorder:         opts.Recorder,
		metrics:          opts.Metrics,
		log:              log,
		http:             hc,
		defaultMachineID: defaultMachineID,
		keySecret:        opts.KeySecret,
		charsPerToken:    charsPerToken,
		tokenPad:         tokenPad,
		maxCapture:       maxCapture * 1024,
	}
}

// Inbound is what the router learned from the URL before handing the request
// to the pipeline.
type Inbound struct {
	// Source is the wire dialect the client speaks, derived from the path.
	Source wire.Format

	// MachineID is the URL prefix machine id; empty for bare routes.
	MachineID string

	// Model overrides the body model when the URL names it (Gemini
	// /v1beta/models/{model}:{action}).
	Model string

	// Stream overrides body-driven stream detection when the URL decides it
	// (Gemini :streamGenerateContent).
	Stream *bool
}

// Handle serves one chat request.
func (p *Pipeline) Handle(ctx *fasthttp.RequestCtx, in Inbound) {
	start := time.Now()
	route := string(in.Source)
	reqBytes := len(ctx.PostBody())
	servedProvider := "none"
	streaming := false
	respBytes := -1

	if p.metrics != nil {
		p.metrics.IncInFlight()
	}
	defer func() {
		if p.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream completion callback
		}
		p.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		p.metrics.ObserveHTTP(route, status, time.Since(start), reqBytes, respBytes)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Identify the caller. authenticate writes the error response itself.
	machineID, machine, ok := p.Authenticate(ctx, in.MachineID)
	if !ok {
		return
	}

	// 2. Parse the body and pick out model and stream flag.
	body := ctx.PostBody()
	if len(body) > 0 && !gjson.ValidBytes(body) {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body", apierr.TypeInvalidRequest)
		return
	}
	clientModel := in.Model
	if clientModel == "" {
		clientModel = gjson.GetBytes(body, "model").String()
	}
	if clientModel == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'model' is required", apierr.TypeInvalidRequest)
		return
	}
	stream := streamRequested(in, body)

	// 3. Resolve the model into one or more provider targets.
	targets, err := resolveTargets(machine, clientModel)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest)
		return
	}

	p.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("machine_id", machineID),
		slog.String("model", clientModel),
		slog.String("source", string(in.Source)),
		slog.Bool("stream", stream),
		slog.Int("targets", len(targets)),
	)

	// 4. Combo fan-out: first target whose response begins wins.
	var lastErr error
	for _, t := range targets {
		servedProvider = t.prov.ID
		res, conn, err := p.dispatch(ctx, machineID, t, body, stream, in.Source)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return // client gone; nothing to write, nothing to retry
			}
			continue
		}

		streaming = stream
		p.respond(ctx, res, conn, t, in, responseContext{
			reqID:       reqID,
			machineID:   machineID,
			clientModel: clientModel,
			body:        body,
			stream:      stream,
			start:       start,
			route:       route,
			reqBytes:    reqBytes,
		})
		return
	}

	p.writeDispatchError(ctx, lastErr, responseContext{
		reqID:       reqID,
		machineID:   machineID,
		clientModel: clientModel,
		stream:      stream,
		start:       start,
	}, in, servedProvider)
}

// responseContext carries the per-request values the response writers and
// completion callbacks need after the dispatch loop picked a winner.
type responseContext struct {
	reqID       string
	machineID   string
	clientModel string
	body        []byte
	stream      bool
	start       time.Time
	route       string
	reqBytes    int
}

// respond writes the winning upstream exchange back to the client, streaming
// or buffered, translating when source and target dialects differ.
func (p *Pipeline) respond(ctx *fasthttp.RequestCtx, res *executor.Result, conn *store.Connection, t target, in Inbound, rc responseContext) {
	estimator := sse.NewEstimator(wire.PromptChars(in.Source, rc.body), p.charsPerToken, p.tokenPad)

	onComplete := func(c sse.Completion) {
		effective := res.Format
		if c.Detected != "" {
			effective = c.Detected
		}
		p.record(obs.RequestDetail{
			ID:            rc.reqID,
			MachineID:     rc.machineID,
			Provider:      t.prov.ID,
			ConnectionID:  conn.ID,
			Model:         t.model,
			SourceFormat:  string(in.Source),
			TargetFormat:  string(effective),
			Status:        fasthttp.StatusOK,
			Streaming:     rc.stream,
			ContentChars:  len(c.Content),
			ThinkingChars: len(c.Thinking),
			InputTokens:   c.Usage.InputTokens,
			OutputTokens:  c.Usage.OutputTokens,
			Estimated:     c.Usage.Estimated,
			TTFTMs:        c.TTFT.Milliseconds(),
			DurationMs:    time.Since(rc.start).Milliseconds(),
		})
		if p.metrics != nil {
			p.metrics.AddTokens(t.prov.ID, t.model, c.Usage.InputTokens, c.Usage.OutputTokens)
			p.metrics.ObserveTTFT(t.prov.ID, c.TTFT)
			p.metrics.AddStreamChunks(string(effective), string(in.Source), c.Chunks)
			if rc.stream {
				// End-to-end duration is measured until stream drain.
				p.metrics.ObserveHTTP(rc.route, fasthttp.StatusOK, time.Since(rc.start), rc.reqBytes, -1)
				p.metrics.DecInFlight()
			}
		}
		p.log.DebugContext(ctx, "response_complete",
			slog.String("request_id", rc.reqID),
			slog.String("provider", t.prov.ID),
			slog.String("model", t.model),
			slog.Bool("stream", rc.stream),
			slog.Int("input_tokens", c.Usage.InputTokens),
			slog.Int("output_tokens", c.Usage.OutputTokens),
			slog.Bool("estimated", c.Usage.Estimated),
			slog.Duration("elapsed", time.Since(rc.start)),
		)
	}

	engine, err := sse.New(sse.Options{
		Source:     res.Format,
		Target:     in.Source,
		Model:      rc.clientModel,
		Estimator:  estimator,
		OnComplete: onComplete,
		StartedAt:  rc.start,
		Log:        p.log,
	})
	if err != nil {
		drainClose(res.Response)
		p.failDetail(rc, in, t.prov.ID, conn.ID, fasthttp.StatusBadGateway, err.Error())
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError)
		return
	}

	if rc.stream {
		upstream := res.Response.Body
		ctx.SetContentType("text/event-stream")
		ctx.Response.Header.Set("Cache-Control", "no-cache")
		ctx.Response.Header.Set("Connection", "keep-alive")
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
			defer upstream.Close()
			if err := engine.Run(ctx, upstream, w); err != nil {
				p.log.WarnContext(ctx, "stream_ended_early",
					slog.String("request_id", rc.reqID),
					slog.String("provider", t.prov.ID),
					slog.String("error", err.Error()),
				)
			}
		})
		return
	}

	raw, err := io.ReadAll(res.Response.Body)
	_ = res.Response.Body.Close()
	if err != nil {
		p.failDetail(rc, in, t.prov.ID, conn.ID, fasthttp.StatusBadGateway, err.Error())
		apierr.Write(ctx, fasthttp.StatusBadGateway, "reading upstream response: "+err.Error(), apierr.TypeProviderError)
		return
	}

	out, err := engine.Collect(ctx, raw)
	if err != nil {
		p.failDetail(rc, in, t.prov.ID, conn.ID, fasthttp.StatusBadGateway, err.Error())
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(out)
}

// record hands a detail to the recorder; a nil recorder drops it.
func (p *Pipeline) record(d obs.RequestDetail) {
	p.recorder.Record(d)
}

// failDetail records the accounting entry for a request that died after
// dispatch but before a client-visible response body.
func (p *Pipeline) failDetail(rc responseContext, in Inbound, provider, connID string, status int, errText string) {
	p.record(obs.RequestDetail{
		ID:           rc.reqID,
		MachineID:    rc.machineID,
		Provider:     provider,
		ConnectionID: connID,
		Model:        rc.clientModel,
		SourceFormat: string(in.Source),
		Status:       status,
		Streaming:    rc.stream,
		Error:        errText,
		DurationMs:   time.Since(rc.start).Milliseconds(),
	})
}

// streamRequested decides whether the client asked for a streaming response.
// Ollama streams by default; everyone else opts in via the body flag, and the
// Gemini URL action overrides both.
func streamRequested(in Inbound, body []byte) bool {
	if in.Stream != nil {
		return *in.Stream
	}
	v := gjson.GetBytes(body, "stream")
	if in.Source == wire.FormatOllama {
		return !v.Exists() || v.Bool()
	}
	return v.Bool()
}

// drainClose discards an upstream body so the connection can be reused.
func drainClose(resp *http.Response) {
	if resp == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
