package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// newOllamaHandler returns an http.Handler simulating a local Ollama daemon.
// Unlike the hosted providers Ollama streams newline-delimited JSON, not SSE,
// and streaming is the default when the request omits "stream".
func newOllamaHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	// POST /api/chat
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeOllamaError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeOllamaError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		var req struct {
			Model    string `json:"model"`
			Stream   *bool  `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOllamaError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		model := req.Model
		if model == "" {
			model = "llama3.2"
		}

		content := fakeSentence(cfg.StreamWords)
		inTokens := 10
		outTokens := cfg.StreamWords

		if req.Stream == nil || *req.Stream {
			serveOllamaStream(w, model, content, inTokens, outTokens)
			return
		}

		writeJSON(w, http.StatusOK, ollamaDoneFrame(model, content, inTokens, outTokens))
	})

	// GET /api/tags — installed model list
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				ollamaTag("llama3.2:latest", "llama", "3.2B", 2019393189),
				ollamaTag("qwen2.5-coder:7b", "qwen2", "7.6B", 4683087332),
				ollamaTag("nomic-embed-text:latest", "nomic-bert", "137M", 274302450),
			},
		})
	})

	// GET /api/version
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": "0.5.4"})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeOllamaError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

// writeOllamaError writes Ollama's bare {"error": "..."} envelope.
func writeOllamaError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// serveOllamaStream writes one NDJSON frame per word, then a terminal frame
// with done=true carrying done_reason and eval counts.
func serveOllamaStream(w http.ResponseWriter, model, content string, inTokens, outTokens int) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for _, word := range strings.Fields(content) {
		_ = enc.Encode(map[string]any{
			"model":      model,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
			"message": map[string]string{
				"role":    "assistant",
				"content": word + " ",
			},
			"done": false,
		})
		if flusher != nil {
			flusher.Flush()
		}
	}

	_ = enc.Encode(ollamaDoneFrame(model, "", inTokens, outTokens))
	if flusher != nil {
		flusher.Flush()
	}
}

// ollamaDoneFrame is the terminal chat frame; it doubles as the whole
// response body when streaming is off.
func ollamaDoneFrame(model, content string, inTokens, outTokens int) map[string]any {
	return map[string]any{
		"model":      model,
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		"message": map[string]string{
			"role":    "assistant",
			"content": content,
		},
		"done":              true,
		"done_reason":       "stop",
		"total_duration":    int64(250 * time.Millisecond),
		"prompt_eval_count": inTokens,
		"eval_count":        outTokens,
	}
}

func ollamaTag(name, family, params string, size int64) map[string]any {
	return map[string]any{
		"name":        name,
		"model":       name,
		"modified_at": time.Now().UTC().Format(time.RFC3339Nano),
		"size":        size,
		"digest":      fmt.Sprintf("sha256:%x", name),
		"details": map[string]any{
			"format":             "gguf",
			"family":             family,
			"parameter_size":     params,
			"quantization_level": "Q4_K_M",
		},
	}
}
