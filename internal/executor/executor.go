// Package executor dispatches translated requests to upstream providers.
// One executor per provider family builds the endpoint URL and auth headers,
// runs the request-direction wire translation, posts the payload and hands
// the raw *http.Response back to the caller. Retry-After hints and ordered
// fallback base URLs are consumed here; credential health bookkeeping stays
// with the pool.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/wire"
)

const userAgent = "modelmux/1"

// Request is one upstream dispatch.
type Request struct {
	// Model is the resolved upstream model id.
	Model string
	// Body is the raw client payload in Source format.
	Body   []byte
	Stream bool
	// Conn carries the credential to send.
	Conn *store.Connection
	// Source is the wire dialect the client spoke.
	Source wire.Format
}

// Result is a completed upstream exchange. Response is returned for every
// HTTP status; the caller classifies non-2xx bodies. The body is open and
// must be closed by the caller.
type Result struct {
	Response *http.Response
	// Format is the wire dialect the response body speaks.
	Format wire.Format
	// URL is the endpoint that produced the response.
	URL string
}

// Executor dispatches requests for one provider.
type Executor interface {
	Identifier() string
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// UpstreamError carries a failed upstream exchange once its body has been
// consumed. It implements the HTTPStatus scheme error handlers key on.
type UpstreamError struct {
	Status int
	Body   string
	URL    string
}

func (e *UpstreamError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if len(msg) > 300 {
		msg = msg[:300]
	}
	if msg == "" {
		return fmt.Sprintf("upstream status %d", e.Status)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, msg)
}

func (e *UpstreamError) HTTPStatus() int { return e.Status }

// Options configures a Set.
type Options struct {
	// HTTP is the shared transport. Defaults to a client without a hard
	// timeout; streams stay open until the request context cancels.
	HTTP *http.Client
	Log  *slog.Logger
}

// Set maps catalogue providers to their executors.
type Set struct {
	byID map[string]Executor
}

// NewSet builds executors for every catalogue provider.
func NewSet(opts Options) *Set {
	c := newCore(opts)
	s := &Set{byID: make(map[string]Executor, len(catalog.All()))}
	for _, p := range catalog.All() {
		s.byID[p.ID] = buildFor(p, c)
	}
	return s
}

// For returns the executor for a provider.
func (s *Set) For(p *catalog.Provider) (Executor, bool) {
	e, ok := s.byID[p.ID]
	return e, ok
}

func buildFor(p *catalog.Provider, c *core) Executor {
	switch p.ID {
	case "anthropic":
		return &claudeExecutor{core: c, prov: p}
	case "gemini":
		return &geminiExecutor{core: c, prov: p}
	case "gemini-cli":
		return &cloudCodeExecutor{core: c, prov: p, target: wire.FormatGemini}
	case "antigravity":
		return &antigravityExecutor{core: c, prov: p}
	case "kiro":
		return &kiroExecutor{core: c, prov: p}
	case "ollama":
		return &ollamaExecutor{core: c, prov: p}
	default:
		return &compatExecutor{core: c, prov: p}
	}
}

// core is the transport shared by all executors.
type core struct {
	hc    *http.Client
	log   *slog.Logger
	sleep sleepFunc
}

func newCore(opts Options) *core {
	hc := opts.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 0}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &core{hc: hc, log: log, sleep: sleepCtx}
}

// translated runs the request-direction translation for a target dialect.
func (r *Request) translated(target wire.Format) ([]byte, error) {
	return wire.TranslateRequest(r.Source, target, &wire.Request{
		Model:  r.Model,
		Body:   r.Body,
		Stream: r.Stream,
		Cred:   credentialOf(r.Conn),
	})
}

func credentialOf(conn *store.Connection) wire.Credential {
	return wire.Credential{
		ProfileARN: conn.ExtraString("profileArn"),
		ProjectID:  conn.ProjectID,
	}
}

// baseURLs returns the ordered endpoint roots, honouring a per-connection
// override.
func baseURLs(p *catalog.Provider, conn *store.Connection) []string {
	if v := conn.ExtraString("baseUrl"); v != "" {
		return []string{strings.TrimSuffix(v, "/")}
	}
	return p.BaseURLs
}

// setJSONHeaders applies the headers every provider exchange shares.
func setJSONHeaders(h http.Header, stream bool) {
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", userAgent)
	if stream {
		h.Set("Accept", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
	} else {
		h.Set("Accept", "application/json")
	}
}
