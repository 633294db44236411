package wire

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Kiro speaks the CodeWhisperer conversation API: the whole exchange is a
// conversationState with a strictly alternating history and the trailing
// user turn as currentMessage. It is a target-only dialect; responses come
// back as decoded event-stream JSON payloads carrying assistant text and
// tool-use fragments, with no finish or usage events at all.

type kiroRequest struct {
	ProfileARN        string                `json:"profileArn,omitempty"`
	ConversationState kiroConversationState `json:"conversationState"`
}

type kiroConversationState struct {
	ChatTriggerType string        `json:"chatTriggerType"`
	ConversationID  string        `json:"conversationId"`
	CurrentMessage  kiroMessage   `json:"currentMessage"`
	History         []kiroMessage `json:"history,omitempty"`
}

type kiroMessage struct {
	UserInputMessage         *kiroUserInput    `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *kiroAssistantMsg `json:"assistantResponseMessage,omitempty"`
}

type kiroUserInput struct {
	Content string           `json:"content"`
	ModelID string           `json:"modelId,omitempty"`
	Origin  string           `json:"origin,omitempty"`
	Images  []kiroImage      `json:"images,omitempty"`
	Context *kiroUserContext `json:"userInputMessageContext,omitempty"`
}

type kiroUserContext struct {
	ToolResults []kiroToolResult `json:"toolResults,omitempty"`
	Tools       []kiroTool       `json:"tools,omitempty"`
}

type kiroToolResult struct {
	Content   []kiroResultContent `json:"content"`
	Status    string              `json:"status"`
	ToolUseID string              `json:"toolUseId"`
}

type kiroResultContent struct {
	Text string `json:"text,omitempty"`
}

type kiroTool struct {
	ToolSpecification kiroToolSpec `json:"toolSpecification"`
}

type kiroToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema kiroInputSchema `json:"inputSchema"`
}

type kiroInputSchema struct {
	JSON json.RawMessage `json:"json,omitempty"`
}

type kiroImage struct {
	Format string          `json:"format"`
	Source kiroImageSource `json:"source"`
}

type kiroImageSource struct {
	Bytes string `json:"bytes"`
}

type kiroAssistantMsg struct {
	Content  string        `json:"content"`
	ToolUses []kiroToolUse `json:"toolUses,omitempty"`
}

type kiroToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

func buildKiroRequest(p *prompt, req *Request) ([]byte, error) {
	var msgs []kiroMessage

	lastUser := func() *kiroUserInput {
		if len(msgs) == 0 {
			return nil
		}
		return msgs[len(msgs)-1].UserInputMessage
	}
	// consecutive user turns merge; assistant turns require a user before them
	pushUser := func() *kiroUserInput {
		if u := lastUser(); u != nil {
			return u
		}
		u := &kiroUserInput{}
		msgs = append(msgs, kiroMessage{UserInputMessage: u})
		return u
	}
	pushAssistant := func(a *kiroAssistantMsg) {
		if lastUser() == nil {
			msgs = append(msgs, kiroMessage{UserInputMessage: &kiroUserInput{}})
		}
		msgs = append(msgs, kiroMessage{AssistantResponseMessage: a})
	}
	appendText := func(u *kiroUserInput, text string) {
		if text == "" {
			return
		}
		if u.Content != "" {
			u.Content += "\n\n"
		}
		u.Content += text
	}

	for i := range p.Turns {
		t := &p.Turns[i]
		switch t.Role {
		case "assistant":
			a := &kiroAssistantMsg{}
			for _, b := range t.Blocks {
				switch b.Kind {
				case blockText:
					a.Content += b.Text
				case blockToolUse:
					a.ToolUses = append(a.ToolUses, kiroToolUse{
						ToolUseID: b.ToolID,
						Name:      b.ToolName,
						Input:     orEmptyObject(b.Args),
					})
				}
			}
			pushAssistant(a)
		case "tool":
			u := pushUser()
			for _, b := range t.Blocks {
				if b.Kind != blockToolResult {
					continue
				}
				if u.Context == nil {
					u.Context = &kiroUserContext{}
				}
				u.Context.ToolResults = append(u.Context.ToolResults, kiroToolResult{
					Content:   []kiroResultContent{{Text: b.Result}},
					Status:    "success",
					ToolUseID: b.ToolID,
				})
			}
		default:
			u := pushUser()
			for _, b := range t.Blocks {
				switch b.Kind {
				case blockText:
					appendText(u, b.Text)
				case blockImage:
					if b.Data == "" {
						continue
					}
					u.Images = append(u.Images, kiroImage{
						Format: kiroImageFormat(b.MIME),
						Source: kiroImageSource{Bytes: b.Data},
					})
				}
			}
		}
	}
	// the API requires a user turn to answer
	if lastUser() == nil {
		msgs = append(msgs, kiroMessage{UserInputMessage: &kiroUserInput{}})
	}

	current := msgs[len(msgs)-1].UserInputMessage
	if sys := p.systemText(); sys != "" {
		if first := msgs[0].UserInputMessage; first != nil && first.Content != "" {
			first.Content = sys + "\n\n" + first.Content
		} else if first != nil {
			first.Content = sys
		}
	}
	current.ModelID = req.Model
	current.Origin = "AI_EDITOR"
	if len(p.Tools) > 0 {
		if current.Context == nil {
			current.Context = &kiroUserContext{}
		}
		for _, tool := range p.Tools {
			current.Context.Tools = append(current.Context.Tools, kiroTool{
				ToolSpecification: kiroToolSpec{
					Name:        tool.Name,
					Description: tool.Description,
					InputSchema: kiroInputSchema{JSON: orEmptyObject(tool.Params)},
				},
			})
		}
	}

	return json.Marshal(kiroRequest{
		ProfileARN: req.Cred.ProfileARN,
		ConversationState: kiroConversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  uuid.NewString(),
			CurrentMessage:  msgs[len(msgs)-1],
			History:         msgs[:len(msgs)-1],
		},
	})
}

func kiroImageFormat(mime string) string {
	if f, ok := strings.CutPrefix(mime, "image/"); ok && f != "" {
		return f
	}
	return "png"
}

// parseKiroChunk consumes one decoded event payload. Text events carry
// "content"; tool events repeat toolUseId and name on every input fragment
// and flag the last one with "stop".
func parseKiroChunk(chunk []byte, st *StreamState) ([]event, error) {
	root := gjson.ParseBytes(chunk)
	if root.Get("followupPrompt").Exists() {
		return nil, nil
	}
	if id := root.Get("toolUseId").Str; id != "" || root.Get("name").Str != "" {
		slot := st.slotFor(id)
		var evs []event
		if _, seen := st.tools[slot]; !seen {
			evs = append(evs, event{kind: evToolStart, slot: slot, id: id, name: root.Get("name").Str})
		}
		if input := root.Get("input").Str; input != "" {
			evs = append(evs, event{kind: evToolArgs, slot: slot, text: input})
		}
		if root.Get("stop").Bool() {
			evs = append(evs, event{kind: evToolStop, slot: slot})
		}
		return evs, nil
	}
	if content := root.Get("content").Str; content != "" {
		return []event{{kind: evText, text: content}}, nil
	}
	return nil, nil
}
