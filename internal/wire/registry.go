package wire

import (
	"fmt"
)

// Credential is the slice of a provider connection a translator may need.
// Kiro payloads embed the profile ARN; Antigravity payloads the project id.
type Credential struct {
	ProfileARN string
	ProjectID  string
}

// Request is the input of a request-direction translation.
type Request struct {
	// Model is the resolved upstream model id, already stripped of any
	// alias or provider prefix.
	Model  string
	Body   []byte
	Stream bool
	Cred   Credential
}

// RequestFunc converts a client request body into a provider payload.
type RequestFunc func(req *Request) ([]byte, error)

// StreamFunc converts one provider response chunk into zero or more client
// chunks. A nil chunk is the terminal flush call: the translator closes any
// open structures and emits its trailing chunks. The engine appends the SSE
// framing and the [DONE] terminator itself.
type StreamFunc func(chunk []byte, st *StreamState) ([][]byte, error)

type pair struct{ from, to Format }

var (
	requestTable = make(map[pair]RequestFunc)
	streamTable  = make(map[pair]StreamFunc)
)

// RegisterRequest installs a request-direction translator. Later
// registrations for the same pair win, which lets the identity pairs
// replace the generic parse/build composition.
func RegisterRequest(from, to Format, fn RequestFunc) {
	requestTable[pair{from, to}] = fn
}

// RegisterStream installs a response-direction translator.
func RegisterStream(from, to Format, fn StreamFunc) {
	streamTable[pair{from, to}] = fn
}

// LookupRequest returns the request translator for (from, to).
func LookupRequest(from, to Format) (RequestFunc, bool) {
	fn, ok := requestTable[pair{from, to}]
	return fn, ok
}

// LookupStream returns the stream translator for (from, to).
func LookupStream(from, to Format) (StreamFunc, bool) {
	fn, ok := streamTable[pair{from, to}]
	return fn, ok
}

// TranslateRequest converts body from the client format into the provider
// format in one call.
func TranslateRequest(from, to Format, req *Request) ([]byte, error) {
	fn, ok := LookupRequest(from, to)
	if !ok {
		return nil, fmt.Errorf("wire: no request translator %s -> %s", from, to)
	}
	return fn(req)
}

type (
	parseRequestFunc   func(body []byte) (*prompt, error)
	buildRequestFunc   func(p *prompt, req *Request) ([]byte, error)
	parseChunkFunc     func(chunk []byte, st *StreamState) ([]event, error)
	emitChunkFunc      func(evs []event, st *StreamState) ([][]byte, error)
	normalizeChunkFunc func(chunk []byte, evs []event, st *StreamState) []byte
	buildDocumentFunc  func(st *StreamState) ([]byte, error)
)

// requestPair composes a source parser with a target builder. The prompt
// model in between carries the union of what the formats express, so the
// composition is not lossy for any registered pair.
func requestPair(parse parseRequestFunc, build buildRequestFunc) RequestFunc {
	return func(req *Request) ([]byte, error) {
		p, err := parse(req.Body)
		if err != nil {
			return nil, err
		}
		return build(p, req)
	}
}

// streamPair composes a provider chunk parser with a client chunk emitter.
// Parsed events are folded into the state before emission so the emitter
// always observes up-to-date accounting (finish rewrite, usage).
func streamPair(parse parseChunkFunc, emit emitChunkFunc) StreamFunc {
	return func(chunk []byte, st *StreamState) ([][]byte, error) {
		if chunk == nil {
			st.finalize()
			return emit(nil, st)
		}
		evs, err := parse(chunk, st)
		if err != nil {
			return nil, err
		}
		st.apply(evs)
		if !hasSignal(evs) {
			return nil, nil
		}
		return emit(evs, st)
	}
}

// passthroughStream handles source == target: chunks keep their original
// shape, the parser still runs for accounting, and a per-format normalize
// step repairs ids, injects required fields, strips vendor extensions and
// rewrites the finish chunk with resolved usage.
func passthroughStream(format Format) StreamFunc {
	parse := chunkParsers[format]
	normalize := chunkNormalizers[format]
	return func(chunk []byte, st *StreamState) ([][]byte, error) {
		if chunk == nil {
			st.finalize()
			return nil, nil
		}
		evs, err := parse(chunk, st)
		if err != nil {
			return nil, err
		}
		st.apply(evs)
		out := normalize(chunk, evs, st)
		if out == nil {
			return nil, nil
		}
		return [][]byte{out}, nil
	}
}
