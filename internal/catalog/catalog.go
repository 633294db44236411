// Package catalog holds the static provider catalogue: canonical ids and
// aliases, wire formats, base URLs with ordered fallbacks, auth schemes,
// models-list endpoints, OAuth refresh endpoints and built-in model lists.
// Connections reference providers by canonical id; everything here is
// compile-time data.
package catalog

import (
	"strings"

	"github.com/modelmux/modelmux/internal/wire"
)

// AuthScheme says how a provider expects its credential.
type AuthScheme string

const (
	// AuthBearer — Authorization: Bearer <key>.
	AuthBearer AuthScheme = "bearer"
	// AuthAPIKeyHeader — x-api-key: <key> (Anthropic).
	AuthAPIKeyHeader AuthScheme = "x-api-key"
	// AuthQueryKey — ?key=<key> query parameter (Gemini API keys).
	AuthQueryKey AuthScheme = "query"
	// AuthPostBearer — Bearer on POST-style listing endpoints (Antigravity).
	AuthPostBearer AuthScheme = "post-bearer"
)

// RefreshStyle is the body encoding of an OAuth refresh request.
type RefreshStyle string

const (
	RefreshForm RefreshStyle = "form"
	RefreshJSON RefreshStyle = "json"
)

// RefreshEndpoint describes a provider's OAuth token refresh. ClientID and
// ClientSecret are the publicly shipped installed-app values where the
// vendor has them; providers that register a client per device (Kiro,
// Antigravity) leave them empty and the refresher falls back to the pair
// stored on the connection.
type RefreshEndpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Style        RefreshStyle
}

// ModelInfo is one entry of a provider's built-in model list.
type ModelInfo struct {
	ID      string
	OwnedBy string
}

// Provider is one catalogue entry.
type Provider struct {
	ID      string
	Aliases []string

	// Format is the wire dialect the provider speaks.
	Format wire.Format

	// BaseURLs is the ordered list of API roots; the executor walks it on
	// retryable failures.
	BaseURLs []string

	// ModelsURL lists the provider's models, empty when only the built-in
	// list applies.
	ModelsURL string

	AuthScheme AuthScheme

	// MultiBucket marks providers whose rate limits apply per model family
	// rather than per credential, enabling per-model locks.
	MultiBucket bool

	Refresh *RefreshEndpoint

	// Models is the built-in list served when the provider cannot be asked.
	Models []ModelInfo
}

// googleRefresh is shared by the Google OAuth surfaces. The client pair is
// the installed-app identity shipped with the Gemini CLI.
var googleRefresh = &RefreshEndpoint{
	TokenURL:     "https://oauth2.googleapis.com/token",
	ClientID:     "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
	ClientSecret: "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",
	Style:        RefreshForm,
}

var providers = []*Provider{

	// ─── First-party APIs ─────────────────────────────────────────────────────
	{
		ID:         "openai",
		Format:     wire.FormatOpenAI,
		BaseURLs:   []string{"https://api.openai.com/v1"},
		ModelsURL:  "https://api.openai.com/v1/models",
		AuthScheme: AuthBearer,
		Models: []ModelInfo{
			{ID: "gpt-4o", OwnedBy: "openai"},
			{ID: "gpt-4o-mini", OwnedBy: "openai"},
			{ID: "gpt-4.1", OwnedBy: "openai"},
			{ID: "gpt-4.1-mini", OwnedBy: "openai"},
			{ID: "o3", OwnedBy: "openai"},
			{ID: "o4-mini", OwnedBy: "openai"},
		},
	},
	{
		ID:         "anthropic",
		Aliases:    []string{"claude"},
		Format:     wire.FormatClaude,
		BaseURLs:   []string{"https://api.anthropic.com"},
		ModelsURL:  "https://api.anthropic.com/v1/models",
		AuthScheme: AuthAPIKeyHeader,
		Refresh: &RefreshEndpoint{
			TokenURL: "https://console.anthropic.com/v1/oauth/token",
			ClientID: "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
			Style:    RefreshJSON,
		},
		Models: []ModelInfo{
			{ID: "claude-sonnet-4-5", OwnedBy: "anthropic"},
			{ID: "claude-opus-4-6", OwnedBy: "anthropic"},
			{ID: "claude-haiku-4-5", OwnedBy: "anthropic"},
			{ID: "claude-3-7-sonnet", OwnedBy: "anthropic"},
		},
	},
	{
		ID:         "gemini",
		Aliases:    []string{"google"},
		Format:     wire.FormatGemini,
		BaseURLs:   []string{"https://generativelanguage.googleapis.com"},
		ModelsURL:  "https://generativelanguage.googleapis.com/v1beta/models",
		AuthScheme: AuthQueryKey,
		Models: []ModelInfo{
			{ID: "gemini-2.5-pro", OwnedBy: "google"},
			{ID: "gemini-2.5-flash", OwnedBy: "google"},
			{ID: "gemini-2.0-flash", OwnedBy: "google"},
		},
	},

	// ─── OAuth device surfaces ────────────────────────────────────────────────
	{
		ID:         "gemini-cli",
		Format:     wire.FormatGemini,
		BaseURLs:   []string{"https://cloudcode-pa.googleapis.com"},
		ModelsURL:  "https://generativelanguage.googleapis.com/v1beta/models",
		AuthScheme: AuthBearer,
		Refresh:    googleRefresh,
		Models: []ModelInfo{
			{ID: "gemini-2.5-pro", OwnedBy: "google"},
			{ID: "gemini-2.5-flash", OwnedBy: "google"},
		},
	},
	{
		ID:     "antigravity",
		Format: wire.FormatAntigravity,
		BaseURLs: []string{
			"https://daily-cloudcode-pa.sandbox.googleapis.com",
			"https://cloudcode-pa.googleapis.com",
		},
		ModelsURL:   "https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal:models",
		AuthScheme:  AuthPostBearer,
		MultiBucket: true,
		Refresh: &RefreshEndpoint{
			TokenURL: "https://oauth2.googleapis.com/token",
			Style:    RefreshForm,
		},
		Models: []ModelInfo{
			{ID: "gemini-3-pro", OwnedBy: "google"},
			{ID: "gemini-3-flash", OwnedBy: "google"},
			{ID: "claude-sonnet-4-5", OwnedBy: "anthropic"},
		},
	},
	{
		ID:         "qwen",
		Aliases:    []string{"qwen-code"},
		Format:     wire.FormatOpenAI,
		BaseURLs:   []string{"https://portal.qwen.ai/v1"},
		ModelsURL:  "https://portal.qwen.ai/v1/models",
		AuthScheme: AuthBearer,
		Refresh: &RefreshEndpoint{
			TokenURL: "https://chat.qwen.ai/api/v1/oauth2/token",
			ClientID: "f0304373b74a44d2b584a3fb70ca9e56",
			Style:    RefreshForm,
		},
		Models: []ModelInfo{
			{ID: "qwen3-coder-plus", OwnedBy: "qwen"},
			{ID: "qwen3-coder-flash", OwnedBy: "qwen"},
		},
	},
	{
		ID:         "kiro",
		Aliases:    []string{"codewhisperer"},
		Format:     wire.FormatKiro,
		BaseURLs:   []string{"https://codewhisperer.us-east-1.amazonaws.com"},
		AuthScheme: AuthBearer,
		Refresh: &RefreshEndpoint{
			TokenURL: "https://oidc.us-east-1.amazonaws.com/token",
			Style:    RefreshJSON,
		},
		Models: []ModelInfo{
			{ID: "CLAUDE_SONNET_4_5_20250929_V1_0", OwnedBy: "anthropic"},
			{ID: "CLAUDE_SONNET_4_20250514_V1_0", OwnedBy: "anthropic"},
			{ID: "CLAUDE_3_7_SONNET_20250219_V1_0", OwnedBy: "anthropic"},
		},
	},
	{
		ID:         "copilot",
		Aliases:    []string{"github-copilot"},
		Format:     wire.FormatOpenAI,
		BaseURLs:   []string{"https://api.githubcopilot.com"},
		ModelsURL:  "https://api.githubcopilot.com/models",
		AuthScheme: AuthBearer,
		Refresh: &RefreshEndpoint{
			TokenURL: "https://github.com/login/oauth/access_token",
			ClientID: "Iv1.b507a08c87ecfe98",
			Style:    RefreshForm,
		},
		Models: []ModelInfo{
			{ID: "gpt-4o", OwnedBy: "openai"},
			{ID: "gpt-4.1", OwnedBy: "openai"},
			{ID: "o3-mini", OwnedBy: "openai"},
			{ID: "claude-sonnet-4", OwnedBy: "anthropic"},
		},
	},

	// ─── Local ────────────────────────────────────────────────────────────────
	{
		ID:         "ollama",
		Format:     wire.FormatOllama,
		BaseURLs:   []string{"http://localhost:11434"},
		ModelsURL:  "http://localhost:11434/api/tags",
		AuthScheme: AuthBearer,
	},

	// ─── OpenAI-compatible vendors ────────────────────────────────────────────
	compat("deepseek", "https://api.deepseek.com/v1",
		ModelInfo{ID: "deepseek-chat", OwnedBy: "deepseek"},
		ModelInfo{ID: "deepseek-reasoner", OwnedBy: "deepseek"},
	),
	compat("groq", "https://api.groq.com/openai/v1",
		ModelInfo{ID: "llama-3.3-70b-versatile", OwnedBy: "groq"},
		ModelInfo{ID: "llama-3.1-8b-instant", OwnedBy: "groq"},
	),
	compat("xai", "https://api.x.ai/v1",
		ModelInfo{ID: "grok-3", OwnedBy: "xai"},
		ModelInfo{ID: "grok-3-mini", OwnedBy: "xai"},
	),
	compat("mistral", "https://api.mistral.ai/v1"),
	compat("perplexity", "https://api.perplexity.ai"),
	compat("together", "https://api.together.xyz/v1"),
	compat("fireworks", "https://api.fireworks.ai/inference/v1"),
	compat("cerebras", "https://api.cerebras.ai/v1"),
	compat("cohere", "https://api.cohere.ai/compatibility/v1"),
	compat("nebius", "https://api.studio.nebius.ai/v1"),
	compat("siliconflow", "https://api.siliconflow.cn/v1"),
	compat("hyperbolic", "https://api.hyperbolic.xyz/v1"),
	compat("chutes", "https://llm.chutes.ai/v1"),
	compat("nvidia", "https://integrate.api.nvidia.com/v1"),
	compat("openrouter", "https://openrouter.ai/api/v1"),
}

// compat builds the entry for a Bearer-authenticated OpenAI-compatible
// vendor.
func compat(id, base string, models ...ModelInfo) *Provider {
	return &Provider{
		ID:         id,
		Format:     wire.FormatOpenAI,
		BaseURLs:   []string{base},
		ModelsURL:  base + "/models",
		AuthScheme: AuthBearer,
		Models:     models,
	}
}

var byName = func() map[string]*Provider {
	m := make(map[string]*Provider, len(providers)*2)
	for _, p := range providers {
		m[p.ID] = p
		for _, a := range p.Aliases {
			m[a] = p
		}
	}
	return m
}()

// Resolve returns the provider for a canonical id or alias.
func Resolve(name string) (*Provider, bool) {
	p, ok := byName[strings.ToLower(name)]
	return p, ok
}

// All returns the catalogue in declaration order.
func All() []*Provider {
	return providers
}

// Names returns the canonical id followed by the aliases. Connection
// documents may use either form.
func (p *Provider) Names() []string {
	return append([]string{p.ID}, p.Aliases...)
}

// SplitModelRef splits an explicit "provider/model" reference. Model names
// that merely contain a slash (HuggingFace ids) do not resolve as providers
// and come back ok == false.
func SplitModelRef(ref string) (*Provider, string, bool) {
	i := strings.IndexByte(ref, '/')
	if i <= 0 || i == len(ref)-1 {
		return nil, "", false
	}
	p, ok := Resolve(ref[:i])
	if !ok {
		return nil, "", false
	}
	return p, ref[i+1:], true
}
