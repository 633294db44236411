package wire

import (
	"math"
	"sort"
	"sync"
	"testing"
	"time"
)

// benchChatBody is a realistic chat request: system prompt, short history,
// sampling knobs.
var benchChatBody = []byte(`{
	"model": "gpt-4o",
	"messages": [
		{"role": "system", "content": "You are a terse assistant."},
		{"role": "user", "content": "Summarize the plot of Hamlet."},
		{"role": "assistant", "content": "A prince avenges his father."},
		{"role": "user", "content": "Now in one word."}
	],
	"max_tokens": 256,
	"temperature": 0.7,
	"stream": true
}`)

// benchClaudeStream is one complete upstream response, message_start through
// message_stop.
var benchClaudeStream = [][]byte{
	[]byte(`{"type":"message_start","message":{"id":"msg_bench","usage":{"input_tokens":42,"output_tokens":0}}}`),
	[]byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
	[]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Revenge"}}`),
	[]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":", madness"}}`),
	[]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" and a"}}`),
	[]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" pile of"}}`),
	[]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" bodies."}}`),
	[]byte(`{"type":"content_block_stop","index":0}`),
	[]byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":12}}`),
	[]byte(`{"type":"message_stop"}`),
}

// BenchmarkTranslateRequest measures the request-direction cost the proxy
// adds before the upstream call.
//
// Run: go test -bench=BenchmarkTranslate -benchmem ./internal/wire/
func BenchmarkTranslateRequest(b *testing.B) {
	pairs := []struct {
		name     string
		from, to Format
		model    string
	}{
		{"openai_to_claude", FormatOpenAI, FormatClaude, "claude-sonnet-4-5"},
		{"openai_to_gemini", FormatOpenAI, FormatGemini, "gemini-2.5-pro"},
		{"openai_identity", FormatOpenAI, FormatOpenAI, "gpt-4o"},
	}
	for _, p := range pairs {
		b.Run(p.name, func(b *testing.B) {
			req := &Request{Model: p.model, Body: benchChatBody, Stream: true}
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := TranslateRequest(p.from, p.to, req); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkStreamTranslate measures one whole streamed response through the
// claude -> openai translator: state setup, every chunk, terminal flush.
func BenchmarkStreamTranslate(b *testing.B) {
	fn, ok := LookupStream(FormatClaude, FormatOpenAI)
	if !ok {
		b.Fatal("no claude -> openai stream translator")
	}

	b.Run("sequential", func(b *testing.B) {
		benchStream(b, fn, 1)
	})

	b.Run("parallel_100", func(b *testing.B) {
		benchStream(b, fn, 100)
	})
}

func benchStream(b *testing.B, fn StreamFunc, concurrency int) {
	b.Helper()

	var (
		mu        sync.Mutex
		latencies []time.Duration
	)

	b.ReportAllocs()
	b.ResetTimer()
	b.SetParallelism(concurrency)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			start := time.Now()
			if err := runBenchStream(fn); err != nil {
				b.Errorf("unexpected error: %v", err)
				return
			}
			elapsed := time.Since(start)

			mu.Lock()
			latencies = append(latencies, elapsed)
			mu.Unlock()
		}
	})
	b.StopTimer()

	if len(latencies) == 0 {
		return
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	p50 := latencies[len(latencies)*50/100]
	p99 := latencies[int(math.Min(float64(len(latencies)-1), float64(len(latencies)*99/100)))]

	b.ReportMetric(float64(p50.Microseconds()), "p50_µs")
	b.ReportMetric(float64(p99.Microseconds()), "p99_µs")
}

// runBenchStream translates one full response with a fresh state, the way
// the engine drives a live stream.
func runBenchStream(fn StreamFunc) error {
	st := NewStreamState("gpt-4o")
	for _, c := range benchClaudeStream {
		if _, err := fn(c, st); err != nil {
			return err
		}
	}
	_, err := fn(nil, st)
	return err
}

// TestStreamTranslationOverhead is a fast (~1s) version of the benchmark
// suitable for CI. It translates 1000 full responses sequentially and gates
// the median.
func TestStreamTranslationOverhead(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping translation overhead gate in short mode")
	}

	fn, ok := LookupStream(FormatClaude, FormatOpenAI)
	if !ok {
		t.Fatal("no claude -> openai stream translator")
	}

	const n = 1000
	latencies := make([]time.Duration, 0, n)

	for i := 0; i < n; i++ {
		start := time.Now()
		if err := runBenchStream(fn); err != nil {
			t.Fatalf("stream %d: %v", i, err)
		}
		latencies = append(latencies, time.Since(start))
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	p50 := latencies[n*50/100]
	p99 := latencies[n*99/100]

	t.Logf("P50=%v P99=%v (n=%d)", p50, p99, n)

	if p50 > 2*time.Millisecond {
		t.Errorf("P50=%v exceeds 2ms per-response translation budget", p50)
	}
	if p99 > 15*time.Millisecond {
		t.Errorf("P99=%v exceeds 15ms per-response translation budget", p99)
	}
}
