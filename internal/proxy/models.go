package proxy

import (
	"sort"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/store"
)

// modelEntry is one invocable name on a machine: a canonical provider/model
// ref, a user alias or a combo.
type modelEntry struct {
	id      string
	ownedBy string
}

// machineModels collects everything the machine can serve, in a stable
// order: catalogue models of connected providers, aliases, then combos.
func machineModels(m *store.MachineData) []modelEntry {
	var out []modelEntry
	for _, prov := range catalog.All() {
		if !hasActiveConnection(m, prov) {
			continue
		}
		for _, mi := range prov.Models {
			owned := mi.OwnedBy
			if owned == "" {
				owned = prov.ID
			}
			out = append(out, modelEntry{id: prov.ID + "/" + mi.ID, ownedBy: owned})
		}
	}

	aliases := make([]string, 0, len(m.ModelAliases))
	for alias := range m.ModelAliases {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		out = append(out, modelEntry{id: alias, ownedBy: "alias"})
	}

	for _, c := range m.Combos {
		out = append(out, modelEntry{id: c.Name, ownedBy: "combo"})
	}
	return out
}

func hasActiveConnection(m *store.MachineData, prov *catalog.Provider) bool {
	for _, name := range prov.Names() {
		for _, c := range m.ConnectionsFor(name) {
			if c.IsActive {
				return true
			}
		}
	}
	return false
}

// listModelsOpenAI serves GET /v1/models in the OpenAI list shape.
func (s *Server) listModelsOpenAI(ctx *fasthttp.RequestCtx, machineID string) {
	_, m, ok := s.pipeline.Authenticate(ctx, machineID)
	if !ok {
		return
	}

	type oaModel struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	created := time.Now().Unix()
	data := make([]oaModel, 0, 16)
	for _, e := range machineModels(m) {
		data = append(data, oaModel{ID: e.id, Object: "model", Created: created, OwnedBy: e.ownedBy})
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// listModelsGemini serves GET /v1beta/models in the Gemini discovery shape.
func (s *Server) listModelsGemini(ctx *fasthttp.RequestCtx, machineID string) {
	_, m, ok := s.pipeline.Authenticate(ctx, machineID)
	if !ok {
		return
	}

	type gemModel struct {
		Name             string   `json:"name"`
		DisplayName      string   `json:"displayName,omitempty"`
		SupportedMethods []string `json:"supportedGenerationMethods"`
	}
	methods := []string{"generateContent", "streamGenerateContent"}
	models := make([]gemModel, 0, 16)
	for _, e := range machineModels(m) {
		models = append(models, gemModel{Name: "models/" + e.id, SupportedMethods: methods})
	}
	writeJSON(ctx, map[string]any{"models": models})
}

// listTags serves GET /api/tags in the Ollama library shape.
func (s *Server) listTags(ctx *fasthttp.RequestCtx, machineID string) {
	_, m, ok := s.pipeline.Authenticate(ctx, machineID)
	if !ok {
		return
	}

	type tagModel struct {
		Name       string `json:"name"`
		Model      string `json:"model"`
		ModifiedAt string `json:"modified_at"`
		Size       int64  `json:"size"`
		Digest     string `json:"digest"`
	}
	modified := time.Now().UTC().Format(time.RFC3339)
	models := make([]tagModel, 0, 16)
	for _, e := range machineModels(m) {
		models = append(models, tagModel{Name: e.id, Model: e.id, ModifiedAt: modified})
	}
	writeJSON(ctx, map[string]any{"models": models})
}
