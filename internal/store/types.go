package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Connection health states.
const (
	StatusActive      = "active"
	StatusUnavailable = "unavailable"
)

// Credential selection strategies.
const (
	StrategyFillFirst  = "fill-first"
	StrategyRoundRobin = "round-robin"
)

// DefaultStickyLimit is how many consecutive requests stay on the same
// connection under round-robin before rotating to the least-recently used one.
const DefaultStickyLimit = 3

// MachineData is the per-operator document: issued API keys, provider
// credentials, model aliases, combos and settings. It is stored as a single
// JSON value per machine so all backends share one codec.
type MachineData struct {
	ID           string                 `json:"id"`
	APIKeys      []APIKey               `json:"apiKeys,omitempty"`
	Providers    map[string]*Connection `json:"providers,omitempty"`
	ModelAliases map[string]string      `json:"modelAliases,omitempty"`
	Combos       []Combo                `json:"combos,omitempty"`
	Settings     Settings               `json:"settings"`
	UpdatedAt    time.Time              `json:"updatedAt,omitzero"`
}

// APIKey is one issued client key. Key holds the full secret string as
// presented by clients (sk-...).
type APIKey struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Name      string    `json:"name,omitempty"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// Connection is one credential of one provider. The map key in
// MachineData.Providers is the connection id; ID mirrors it for callers that
// pass connections around detached from the document.
type Connection struct {
	ID           string         `json:"id"`
	Provider     string         `json:"provider"`
	IsActive     bool           `json:"isActive"`
	Priority     int            `json:"priority"`
	APIKey       string         `json:"apiKey,omitempty"`
	AccessToken  string         `json:"accessToken,omitempty"`
	RefreshToken string         `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time      `json:"expiresAt,omitzero"`
	ProjectID    string         `json:"projectId,omitempty"`
	Extra        map[string]any `json:"providerSpecificData,omitempty"`

	// Health triple, written by the pool on upstream failures.
	Status           string    `json:"status,omitempty"`
	LastError        string    `json:"lastError,omitempty"`
	ErrorCode        int       `json:"errorCode,omitempty"`
	LastErrorAt      time.Time `json:"lastErrorAt,omitzero"`
	RateLimitedUntil time.Time `json:"rateLimitedUntil,omitzero"`
	BackoffLevel     int       `json:"backoffLevel,omitempty"`

	// Usage recency, written by the pool on selection.
	LastUsedAt          time.Time `json:"lastUsedAt,omitzero"`
	ConsecutiveUseCount int       `json:"consecutiveUseCount,omitempty"`
}

// Combo is a named, ordered bundle of canonical provider/model refs tried in
// sequence on a single request.
type Combo struct {
	Name   string   `json:"name"`
	Models []string `json:"models"`
}

// Settings holds per-machine behaviour switches.
type Settings struct {
	FallbackStrategy      string `json:"fallbackStrategy,omitempty"`
	StickyRoundRobinLimit int    `json:"stickyRoundRobinLimit,omitempty"`
	RequireAPIKey         bool   `json:"requireApiKey"`
}

// Strategy returns the configured selection strategy, defaulting to
// fill-first for empty or unknown values.
func (s Settings) Strategy() string {
	if s.FallbackStrategy == StrategyRoundRobin {
		return StrategyRoundRobin
	}
	return StrategyFillFirst
}

// StickyLimit returns the sticky round-robin window, defaulting when unset.
func (s Settings) StickyLimit() int {
	if s.StickyRoundRobinLimit > 0 {
		return s.StickyRoundRobinLimit
	}
	return DefaultStickyLimit
}

// Connection returns the connection with the given id, or nil.
func (m *MachineData) Connection(id string) *Connection {
	if m == nil {
		return nil
	}
	return m.Providers[id]
}

// ConnectionsFor returns all connections belonging to the canonical provider
// id, in map order. Callers that need a stable order sort by id or priority.
func (m *MachineData) ConnectionsFor(provider string) []*Connection {
	if m == nil {
		return nil
	}
	var out []*Connection
	for _, c := range m.Providers {
		if c.Provider == provider {
			out = append(out, c)
		}
	}
	return out
}

// KeyByValue returns the APIKey whose secret equals raw, or nil.
func (m *MachineData) KeyByValue(raw string) *APIKey {
	if m == nil {
		return nil
	}
	for i := range m.APIKeys {
		if m.APIKeys[i].Key == raw {
			return &m.APIKeys[i]
		}
	}
	return nil
}

// KeyByID returns the APIKey with the given id, or nil.
func (m *MachineData) KeyByID(id string) *APIKey {
	if m == nil {
		return nil
	}
	for i := range m.APIKeys {
		if m.APIKeys[i].ID == id {
			return &m.APIKeys[i]
		}
	}
	return nil
}

// Combo returns the combo with the given name, or nil.
func (m *MachineData) Combo(name string) *Combo {
	if m == nil {
		return nil
	}
	for i := range m.Combos {
		if m.Combos[i].Name == name {
			return &m.Combos[i]
		}
	}
	return nil
}

// Clone returns a deep copy via the JSON codec. Backends hand out clones so
// callers can mutate results without racing the store.
func (m *MachineData) Clone() *MachineData {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("store: clone marshal: %v", err))
	}
	var out MachineData
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("store: clone unmarshal: %v", err))
	}
	out.normalize()
	return &out
}

// normalize repairs derivable fields after decode: connection IDs mirror
// their map keys and health status defaults to active.
func (m *MachineData) normalize() {
	for id, c := range m.Providers {
		if c == nil {
			delete(m.Providers, id)
			continue
		}
		c.ID = id
		if c.Status == "" {
			c.Status = StatusActive
		}
	}
}

// CoolingDown reports whether the connection is still inside a rate-limit
// cooldown window at the given instant.
func (c *Connection) CoolingDown(now time.Time) bool {
	return c.RateLimitedUntil.After(now)
}

// HasError reports whether the connection carries an error triple.
func (c *Connection) HasError() bool {
	return c.Status == StatusUnavailable || c.LastError != "" || c.ErrorCode != 0 ||
		c.BackoffLevel != 0 || !c.RateLimitedUntil.IsZero()
}

// ClearError resets the health triple after a successful request.
func (c *Connection) ClearError() {
	c.Status = StatusActive
	c.LastError = ""
	c.ErrorCode = 0
	c.LastErrorAt = time.Time{}
	c.RateLimitedUntil = time.Time{}
	c.BackoffLevel = 0
}

// Token returns the credential used for bearer auth: the OAuth access token
// when present, the static API key otherwise.
func (c *Connection) Token() string {
	if c.AccessToken != "" {
		return c.AccessToken
	}
	return c.APIKey
}

// ExtraString returns Extra[key] when it holds a string, else "".
func (c *Connection) ExtraString(key string) string {
	if c.Extra == nil {
		return ""
	}
	s, _ := c.Extra[key].(string)
	return s
}

func encodeMachine(m *MachineData) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("store: encode machine %s: %w", m.ID, err)
	}
	return data, nil
}

func decodeMachine(data []byte) (*MachineData, error) {
	var m MachineData
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("store: decode machine: %w", err)
	}
	m.normalize()
	return &m, nil
}
