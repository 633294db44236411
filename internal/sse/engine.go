// Package sse pumps a provider response stream to the client, translating
// between wire dialects as it goes.
//
// The engine reads SSE (or NDJSON) lines from the upstream body, feeds each
// data payload through the registered stream translator, frames the
// translator's output as SSE and guarantees exactly one `data: [DONE]`
// terminator no matter how the upstream ended. Mid-stream format
// auto-detection handles "OpenAI-compatible" endpoints that actually speak
// another dialect.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/modelmux/modelmux/internal/wire"
)

// maxLineBytes bounds a single SSE line; base64 image parts can get large.
const maxLineBytes = 10 << 20

var doneSentinel = []byte("[DONE]")

// Completion summarises one finished stream for accounting callbacks.
type Completion struct {
	Content  string
	Thinking string
	Usage    wire.Usage
	Finish   string

	// TTFT is the time from stream start to the first upstream byte;
	// zero when no byte ever arrived.
	TTFT time.Duration

	// Chunks counts the client-visible frames written, [DONE] excluded.
	Chunks int

	// Detected is set when mid-stream detection overrode the configured
	// source format.
	Detected wire.Format
}

// Options configures an Engine for a single response.
type Options struct {
	// Source is the provider's wire format, Target the client's.
	Source wire.Format
	Target wire.Format

	// Model is the client-visible model name stamped on emitted chunks.
	Model string

	// Estimator fills usage at finish time when the provider omits it.
	Estimator wire.Estimator

	// OnComplete runs once after the terminator is written. Optional.
	OnComplete func(Completion)

	// StartedAt anchors TTFT measurement. Defaults to engine start.
	StartedAt time.Time

	// Log defaults to slog.Default().
	Log *slog.Logger
}

// Engine translates one upstream response stream.
type Engine struct {
	source     wire.Format
	target     wire.Format
	model      string
	estimator  wire.Estimator
	onComplete func(Completion)
	startedAt  time.Time
	log        *slog.Logger
}

// New builds an Engine, verifying a translator exists for the pair.
func New(opts Options) (*Engine, error) {
	if _, ok := wire.LookupStream(opts.Source, opts.Target); !ok {
		return nil, fmt.Errorf("sse: no stream translator %s -> %s", opts.Source, opts.Target)
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Engine{
		source:     opts.Source,
		target:     opts.Target,
		model:      opts.Model,
		estimator:  opts.Estimator,
		onComplete: opts.OnComplete,
		startedAt:  opts.StartedAt,
		log:        opts.Log,
	}, nil
}

// Run pumps upstream to w until EOF, [DONE] or cancellation, then writes the
// terminator, flushes and fires the completion callback. The returned error
// reports why the upstream ended early; the client-side stream is already
// terminated cleanly by then.
func (e *Engine) Run(ctx context.Context, upstream io.Reader, w *bufio.Writer) error {
	if ctx == nil {
		panic("sse: context must not be nil")
	}

	start := e.startedAt
	if start.IsZero() {
		start = time.Now()
	}

	st := wire.NewStreamState(e.model)
	st.Estimate = e.estimator

	fn, _ := wire.LookupStream(e.source, e.target)
	detected := false

	fb := &firstByteReader{r: upstream}
	scanner := bufio.NewScanner(fb)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var readErr error
	var chunks int

loop:
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			readErr = ctx.Err()
			break loop
		default:
		}

		payload, ok := framePayload(scanner.Bytes())
		if !ok {
			continue
		}
		if bytes.Equal(payload, doneSentinel) {
			break
		}

		// One positive detection pins the dialect for the whole stream.
		if !detected {
			if f, found := wire.DetectChunk(payload); found {
				detected = true
				if f != e.source {
					if nf, has := wire.LookupStream(f, e.target); has {
						st.Detected = f
						fn = nf
					}
				}
			}
		}

		outs, err := fn(payload, st)
		if err != nil {
			e.log.WarnContext(ctx, "stream_chunk_failed",
				slog.String("source", string(e.source)),
				slog.String("target", string(e.target)),
				slog.String("error", err.Error()),
			)
			continue
		}
		n, err := writeFrames(w, outs)
		chunks += n
		if err != nil {
			readErr = err
			break
		}
	}
	if err := scanner.Err(); err != nil && readErr == nil {
		readErr = err
	}

	// Terminal flush: the translator closes open structures and the
	// engine always appends the [DONE] terminator.
	outs, err := fn(nil, st)
	if err != nil {
		e.log.WarnContext(ctx, "stream_flush_failed", slog.String("error", err.Error()))
	} else {
		n, _ := writeFrames(w, outs)
		chunks += n
	}
	_, _ = w.WriteString("data: [DONE]\n\n")
	_ = w.Flush()

	e.complete(st, fb.ttft(start), chunks)
	return readErr
}

// Collect runs the translator over a complete non-streaming body and returns
// the aggregated document in the client's format. Same-dialect bodies pass
// through byte-identical; accounting and the completion callback still run.
func (e *Engine) Collect(ctx context.Context, body []byte) ([]byte, error) {
	if ctx == nil {
		panic("sse: context must not be nil")
	}

	st := wire.NewStreamState(e.model)
	st.Estimate = e.estimator

	fn, _ := wire.LookupStream(e.source, e.target)
	effective := e.source
	if f, found := wire.DetectChunk(body); found && f != e.source {
		if nf, has := wire.LookupStream(f, e.target); has {
			st.Detected = f
			fn = nf
			effective = f
		}
	}

	if _, err := fn(body, st); err != nil {
		return nil, fmt.Errorf("sse: translate response: %w", err)
	}
	if _, err := fn(nil, st); err != nil {
		return nil, fmt.Errorf("sse: finalize response: %w", err)
	}

	if effective == e.target {
		e.complete(st, 0, 0)
		return body, nil
	}

	out, err := wire.BuildDocument(e.target, st)
	if err != nil {
		return nil, fmt.Errorf("sse: build %s document: %w", e.target, err)
	}
	e.complete(st, 0, 0)
	return out, nil
}

func (e *Engine) complete(st *wire.StreamState, ttft time.Duration, chunks int) {
	if e.onComplete == nil {
		return
	}
	e.onComplete(Completion{
		Content:  st.ContentString(),
		Thinking: st.ThinkingString(),
		Usage:    st.Usage,
		Finish:   st.Finish,
		TTFT:     ttft,
		Chunks:   chunks,
		Detected: st.Detected,
	})
}

// framePayload extracts the data payload of one stream line. SSE data lines
// are unprefixed ("data:X" and "data: X" both normalise to X); bare JSON
// lines cover NDJSON upstreams like Ollama. Comments, event names and blank
// lines carry no payload.
func framePayload(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return nil, false
	}
	if bytes.HasPrefix(line, []byte("data:")) {
		p := bytes.TrimLeft(line[len("data:"):], " ")
		return p, len(p) > 0
	}
	if line[0] == '{' {
		return line, true
	}
	return nil, false
}

func writeFrames(w *bufio.Writer, outs [][]byte) (int, error) {
	written := 0
	for _, out := range outs {
		if len(out) == 0 {
			continue
		}
		if _, err := w.WriteString("data: "); err != nil {
			return written, err
		}
		if _, err := w.Write(out); err != nil {
			return written, err
		}
		if _, err := w.WriteString("\n\n"); err != nil {
			return written, err
		}
		written++
	}
	return written, w.Flush()
}

// firstByteReader records when the first upstream byte arrived.
type firstByteReader struct {
	r  io.Reader
	at time.Time
}

func (f *firstByteReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if n > 0 && f.at.IsZero() {
		f.at = time.Now()
	}
	return n, err
}

func (f *firstByteReader) ttft(start time.Time) time.Duration {
	if f.at.IsZero() {
		return 0
	}
	d := f.at.Sub(start)
	if d < 0 {
		return 0
	}
	return d
}

// NewEstimator returns a character-ratio usage estimator: input tokens from
// the request's prompt characters, output tokens from streamed content and
// thinking characters, each rounded up and padded so downstream accounting
// errs on the generous side.
func NewEstimator(promptChars, charsPerToken, pad int) wire.Estimator {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	ceil := func(chars int) int {
		if chars <= 0 {
			return 0
		}
		return (chars + charsPerToken - 1) / charsPerToken
	}
	return func(contentChars, thinkingChars int) wire.Usage {
		in := ceil(promptChars) + pad
		out := ceil(contentChars) + ceil(thinkingChars) + pad
		return wire.Usage{
			InputTokens:    in,
			OutputTokens:   out,
			ThinkingTokens: ceil(thinkingChars),
			TotalTokens:    in + out,
			Estimated:      true,
		}
	}
}
