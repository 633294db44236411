// Package proxy is the HTTP front end: route table, middleware chain and the
// thin handlers that adapt fasthttp requests onto the pipeline. Every client
// dialect gets its native paths, each in a bare form and a machine-prefixed
// form.
package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/modelmux/modelmux/internal/pipeline"
	"github.com/modelmux/modelmux/internal/wire"
	"github.com/modelmux/modelmux/pkg/apierr"
)

// maxRequestBody bounds inbound payloads; multimodal requests carry base64
// image parts well past fasthttp's 4 MiB default.
const maxRequestBody = 100 << 20

// Options configures the HTTP front end.
type Options struct {
	Pipeline *pipeline.Pipeline

	// Log defaults to slog.Default().
	Log *slog.Logger

	// CORSOrigins is the browser allowlist; empty or ["*"] means open.
	CORSOrigins []string

	// Version is reported by /health.
	Version string

	// Metrics, when set, is served on GET /metrics.
	Metrics fasthttp.RequestHandler
}

// Server is the fasthttp front end.
type Server struct {
	pipeline *pipeline.Pipeline
	log      *slog.Logger
	version  string
	metrics  fasthttp.RequestHandler

	srv *fasthttp.Server
}

// New builds the Server and its underlying fasthttp server.
func New(opts Options) *Server {
	if opts.Pipeline == nil {
		panic("proxy: pipeline must not be nil")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		pipeline: opts.Pipeline,
		log:      log,
		version:  version,
		metrics:  opts.Metrics,
	}

	handler := applyMiddleware(s.routes().Handler,
		recovery,
		requestID,
		timing,
		corsHandler(opts.CORSOrigins),
		securityHeaders,
	)

	s.srv = &fasthttp.Server{
		Handler:            handler,
		Name:               "modelmux",
		ReadTimeout:        60 * time.Second,
		MaxRequestBodySize: maxRequestBody,
		// No WriteTimeout: streamed completions run for minutes.
	}
	return s
}

// Handler exposes the routed, middleware-wrapped handler for tests.
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.srv.Handler
}

// Start serves on addr (e.g. ":8080") until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.log.Info("server_listening", slog.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

// routes builds the route table. Every proxy route is registered twice: bare
// (machine inferred from the API key) and under a /{machineId} prefix.
func (s *Server) routes() *router.Router {
	r := router.New()

	s.both(r, fasthttp.MethodPost, "/v1/chat/completions", s.chat(wire.FormatOpenAI))
	s.both(r, fasthttp.MethodPost, "/v1/responses", s.chat(wire.FormatOpenAIResponses))
	s.both(r, fasthttp.MethodPost, "/v1/messages", s.chat(wire.FormatClaude))
	s.both(r, fasthttp.MethodPost, "/api/chat", s.chat(wire.FormatOllama))
	s.both(r, fasthttp.MethodPost, "/v1/api/chat", s.chat(wire.FormatOllama))
	s.both(r, fasthttp.MethodPost, "/v1beta/models/{modelAction}", s.geminiGenerate)

	s.both(r, fasthttp.MethodPost, "/v1/embeddings", s.embeddings)
	s.both(r, fasthttp.MethodPost, "/forward", s.forward(false))
	s.both(r, fasthttp.MethodPost, "/forward-raw", s.forward(true))

	s.both(r, fasthttp.MethodGet, "/v1/models", s.listModelsOpenAI)
	s.both(r, fasthttp.MethodGet, "/v1beta/models", s.listModelsGemini)
	s.both(r, fasthttp.MethodGet, "/api/tags", s.listTags)
	s.both(r, fasthttp.MethodGet, "/v1/verify", s.verify)

	r.GET("/health", s.health)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics)
	}

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.WriteNotFound(ctx, "unknown route: "+string(ctx.Path()))
	}
	r.MethodNotAllowed = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed", apierr.TypeInvalidRequest)
	}
	return r
}

// both registers a handler on its bare path and its machine-prefixed twin.
func (s *Server) both(r *router.Router, method, path string, h func(ctx *fasthttp.RequestCtx, machineID string)) {
	r.Handle(method, path, func(ctx *fasthttp.RequestCtx) {
		h(ctx, "")
	})
	r.Handle(method, "/{machineId}"+path, func(ctx *fasthttp.RequestCtx) {
		id, _ := ctx.UserValue("machineId").(string)
		h(ctx, id)
	})
}

// chat adapts one wire dialect onto the pipeline.
func (s *Server) chat(source wire.Format) func(ctx *fasthttp.RequestCtx, machineID string) {
	return func(ctx *fasthttp.RequestCtx, machineID string) {
		s.pipeline.Handle(ctx, pipeline.Inbound{Source: source, MachineID: machineID})
	}
}

// geminiGenerate handles /v1beta/models/{model}:{action}. The URL decides
// both the model and the streaming mode.
func (s *Server) geminiGenerate(ctx *fasthttp.RequestCtx, machineID string) {
	ma, _ := ctx.UserValue("modelAction").(string)
	model, action, ok := strings.Cut(ma, ":")
	if !ok || model == "" {
		apierr.WriteNotFound(ctx, "unknown route: "+string(ctx.Path()))
		return
	}
	var stream bool
	switch action {
	case "generateContent":
		stream = false
	case "streamGenerateContent":
		stream = true
	default:
		apierr.WriteNotFound(ctx, "unsupported action: "+action)
		return
	}
	s.pipeline.Handle(ctx, pipeline.Inbound{
		Source:    wire.FormatGemini,
		MachineID: machineID,
		Model:     model,
		Stream:    &stream,
	})
}

func (s *Server) embeddings(ctx *fasthttp.RequestCtx, machineID string) {
	s.pipeline.HandleEmbeddings(ctx, machineID)
}

func (s *Server) forward(raw bool) func(ctx *fasthttp.RequestCtx, machineID string) {
	return func(ctx *fasthttp.RequestCtx, machineID string) {
		s.pipeline.HandleForward(ctx, machineID, raw)
	}
}

// verify answers whether the presented API key is valid and which machine it
// belongs to.
func (s *Server) verify(ctx *fasthttp.RequestCtx, machineID string) {
	mid, _, ok := s.pipeline.Authenticate(ctx, machineID)
	if !ok {
		return
	}
	writeJSON(ctx, map[string]any{"valid": true, "machineId": mid})
}

func (s *Server) health(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok", "version": s.version})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
