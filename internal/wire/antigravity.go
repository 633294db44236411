package wire

import (
	"encoding/json"
)

// Antigravity is the v1internal Gemini surface: the generateContent body
// nests under "request" next to the project id, and response chunks are
// plain Gemini responses wrapped in {"response": ...}, which the Gemini
// chunk parser unwraps itself.

type antigravityRequest struct {
	Model   string         `json:"model"`
	Project string         `json:"project,omitempty"`
	Request *geminiRequest `json:"request"`
}

func buildAntigravityRequest(p *prompt, req *Request) ([]byte, error) {
	envelope, err := buildGeminiEnvelope(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(antigravityRequest{
		Model:   req.Model,
		Project: req.Cred.ProjectID,
		Request: envelope,
	})
}
