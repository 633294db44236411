package wire

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Usage — token usage accumulated over one response.
type Usage struct {
	InputTokens    int
	OutputTokens   int
	ThinkingTokens int
	TotalTokens    int
	// Estimated is set when the provider never reported usage and the
	// numbers were derived from character counts.
	Estimated bool
}

// Estimator fills Usage at finish time when the provider omitted it.
// Installed by the stream engine, which knows the request's prompt size.
type Estimator func(contentChars, thinkingChars int) Usage

// ToolDraft accumulates one streamed tool call until its arguments are
// complete. Drafts are keyed by a stable per-stream slot index.
type ToolDraft struct {
	Slot int
	ID   string
	Name string
	Args strings.Builder
}

// callID returns the provider id or a synthetic stable one.
func (d *ToolDraft) callID(st *StreamState) string {
	if d.ID != "" {
		return d.ID
	}
	return fmt.Sprintf("call_%s_%d", st.ID[:8], d.Slot)
}

// argsString returns the accumulated arguments, defaulting to an empty
// object for calls streamed without any.
func (d *ToolDraft) argsString() string {
	if d.Args.Len() == 0 {
		return "{}"
	}
	return d.Args.String()
}

// StreamState carries everything a stream translator needs across chunks of
// a single response: accounting, tool-call drafts, the detected format and
// per-format emitter bookkeeping. One State serves exactly one stream.
type StreamState struct {
	Model   string
	ID      string // synthetic stream id, hex without dashes
	Created int64

	// UpstreamID is the provider's own message/response id, when reported.
	UpstreamID string

	// Detected caches the format identified by mid-stream auto-detection
	// when it differs from the configured provider format.
	Detected Format

	Finish   string // normalized: stop | length | tool_calls | content_filter
	Usage    Usage
	HasUsage bool

	Estimate Estimator

	content   strings.Builder
	thinking  strings.Builder
	signature strings.Builder

	tools     map[int]*ToolDraft
	toolOrder []int
	nextSlot  int
	slotByID  map[string]int

	// claude parser: content block index -> block type / tool slot
	blockKinds map[int]string
	blockSlots map[int]int

	// emitter bookkeeping
	started       bool
	openIndex     int
	openKind      string
	openSlot      int
	openItemID    string
	itemStart     int
	emittedFinish bool
	emittedTools  map[int]bool
	outIndex      int
}

// NewStreamState prepares the state for one response stream.
func NewStreamState(model string) *StreamState {
	return &StreamState{
		Model:        model,
		ID:           strings.ReplaceAll(uuid.NewString(), "-", ""),
		Created:      time.Now().Unix(),
		tools:        make(map[int]*ToolDraft),
		slotByID:     make(map[string]int),
		blockKinds:   make(map[int]string),
		blockSlots:   make(map[int]int),
		emittedTools: make(map[int]bool),
		openIndex:    -1,
	}
}

// ContentLen returns the number of visible assistant text bytes seen so far.
func (st *StreamState) ContentLen() int { return st.content.Len() }

// ThinkingLen returns the number of reasoning text bytes seen so far.
func (st *StreamState) ThinkingLen() int { return st.thinking.Len() }

// ContentString returns the accumulated visible assistant text.
func (st *StreamState) ContentString() string { return st.content.String() }

// ThinkingString returns the accumulated reasoning text.
func (st *StreamState) ThinkingString() string { return st.thinking.String() }

// Tools returns the accumulated tool-call drafts in arrival order.
func (st *StreamState) Tools() []*ToolDraft {
	out := make([]*ToolDraft, 0, len(st.toolOrder))
	for _, slot := range st.toolOrder {
		out = append(out, st.tools[slot])
	}
	return out
}

func (st *StreamState) draft(slot int) *ToolDraft {
	d, ok := st.tools[slot]
	if !ok {
		d = &ToolDraft{Slot: slot}
		st.tools[slot] = d
		st.toolOrder = append(st.toolOrder, slot)
	}
	return d
}

// slotFor maps a provider tool-call id to a stable slot, allocating on first
// sight. Providers that stream by index instead of id bypass this.
func (st *StreamState) slotFor(id string) int {
	if id == "" {
		slot := st.nextSlot
		st.nextSlot++
		return slot
	}
	if slot, ok := st.slotByID[id]; ok {
		return slot
	}
	slot := st.nextSlot
	st.nextSlot++
	st.slotByID[id] = slot
	return slot
}

// claimSlot reserves explicit provider indexes (OpenAI tool_calls[].index).
func (st *StreamState) claimSlot(idx int) int {
	if idx >= st.nextSlot {
		st.nextSlot = idx + 1
	}
	return idx
}

// lastSlot returns the most recently opened tool slot, allocating the first
// one when an argument fragment arrives before any start event.
func (st *StreamState) lastSlot() int {
	if len(st.toolOrder) > 0 {
		return st.toolOrder[len(st.toolOrder)-1]
	}
	slot := st.nextSlot
	st.nextSlot++
	return slot
}

// finishOrDefault returns the normalized finish reason, defaulting to
// tool_calls when tool calls were streamed and stop otherwise.
func (st *StreamState) finishOrDefault() string {
	if st.Finish != "" {
		return st.Finish
	}
	if len(st.toolOrder) > 0 {
		return "tool_calls"
	}
	return "stop"
}

type eventKind int

const (
	evRole eventKind = iota // assistant turn established
	evText                  // visible text delta
	evThinking              // reasoning text delta
	evSignature             // thinking signature delta
	evToolStart             // tool id+name known
	evToolArgs              // tool argument fragment (JSON text)
	evToolStop              // tool block explicitly closed
	evFinish                // finish reason (normalized)
	evUsage                 // cumulative usage snapshot
)

// event is the format-neutral unit a chunk parser produces and an emitter
// consumes. It deliberately carries the union of what the five formats can
// express so that no pair loses information in transit.
type event struct {
	kind   eventKind
	text   string
	slot   int
	id     string
	name   string
	finish string
	usage  Usage
}

// apply folds parsed events into the shared accounting before emission.
// Usage events are folded before a finish event of the same chunk so the
// finish rewrite always sees the freshest numbers; the estimator runs only
// when the provider never reported usage at all.
func (st *StreamState) apply(evs []event) {
	for _, ev := range evs {
		switch ev.kind {
		case evText:
			st.content.WriteString(ev.text)
		case evThinking:
			st.thinking.WriteString(ev.text)
		case evSignature:
			st.signature.WriteString(ev.text)
		case evToolStart:
			d := st.draft(ev.slot)
			if ev.id != "" {
				d.ID = ev.id
			}
			if ev.name != "" {
				d.Name = ev.name
			}
		case evToolArgs:
			st.draft(ev.slot).Args.WriteString(ev.text)
		case evUsage:
			st.mergeUsage(ev.usage)
		case evFinish:
			st.Finish = ev.finish
			if !st.HasUsage && st.Estimate != nil {
				st.Usage = st.Estimate(st.content.Len(), st.thinking.Len())
				st.Usage.Estimated = true
				st.HasUsage = true
			}
		}
	}
}

// finalize resolves the finish reason and runs the estimator for upstreams
// that end the stream without ever reporting one. Called once before the
// terminal flush.
func (st *StreamState) finalize() {
	st.apply([]event{{kind: evFinish, finish: st.finishOrDefault()}})
}

// mergeUsage keeps the largest value seen per counter: providers report
// usage cumulatively, but some repeat partial snapshots.
func (st *StreamState) mergeUsage(u Usage) {
	st.HasUsage = true
	st.Usage.Estimated = false
	if u.InputTokens > st.Usage.InputTokens {
		st.Usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > st.Usage.OutputTokens {
		st.Usage.OutputTokens = u.OutputTokens
	}
	if u.ThinkingTokens > st.Usage.ThinkingTokens {
		st.Usage.ThinkingTokens = u.ThinkingTokens
	}
	if u.TotalTokens > st.Usage.TotalTokens {
		st.Usage.TotalTokens = u.TotalTokens
	}
	if st.Usage.TotalTokens < st.Usage.InputTokens+st.Usage.OutputTokens {
		st.Usage.TotalTokens = st.Usage.InputTokens + st.Usage.OutputTokens
	}
}

// hasSignal reports whether the events carry anything an emitter may act
// on. Chunks without any signal are keepalives and produce no output in
// translate mode.
func hasSignal(evs []event) bool {
	for _, ev := range evs {
		switch ev.kind {
		case evRole, evText, evThinking, evSignature,
			evToolStart, evToolArgs, evToolStop, evFinish, evUsage:
			return true
		}
	}
	return false
}
