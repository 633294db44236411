package pipeline

import (
	"errors"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/modelmux/modelmux/internal/keys"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/pkg/apierr"
)

// Authenticate resolves the machine serving this request and enforces its
// API key policy. It writes the error response and returns ok=false on
// failure.
//
// Resolution order:
//  1. URL prefix names the machine directly; the key only has to satisfy
//     that machine's policy.
//  2. A self-describing key (sk-{machine}-{key}-{crc}) names its machine.
//  3. A legacy key (sk-{random8}) is looked up across machines.
//  4. No key falls back to the default machine, if its policy allows.
func (p *Pipeline) Authenticate(ctx *fasthttp.RequestCtx, urlMachineID string) (string, *store.MachineData, bool) {
	raw := clientKey(ctx)

	if urlMachineID != "" {
		m, err := p.store.Get(ctx, urlMachineID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				apierr.WriteNotFound(ctx, "unknown machine: "+urlMachineID)
				return "", nil, false
			}
			apierr.Write(ctx, fasthttp.StatusInternalServerError, "loading machine: "+err.Error(), apierr.TypeServerError)
			return "", nil, false
		}
		if !p.keyAccepted(m, raw) {
			apierr.WriteUnauthorized(ctx, "missing or invalid API key")
			return "", nil, false
		}
		return urlMachineID, m, true
	}

	if raw != "" {
		if machineID, keyID, ok := keys.Parse(raw, p.keySecret); ok {
			m, err := p.store.Get(ctx, machineID)
			if err != nil {
				apierr.WriteUnauthorized(ctx, "unknown API key")
				return "", nil, false
			}
			k := m.KeyByID(keyID)
			if k == nil || !k.IsActive || k.Key != raw {
				apierr.WriteUnauthorized(ctx, "unknown API key")
				return "", nil, false
			}
			return machineID, m, true
		}
		if keys.IsLegacy(raw) {
			m, k, err := p.store.FindKey(ctx, raw)
			if err != nil || !k.IsActive {
				apierr.WriteUnauthorized(ctx, "unknown API key")
				return "", nil, false
			}
			return m.ID, m, true
		}
		apierr.WriteUnauthorized(ctx, "unknown API key")
		return "", nil, false
	}

	m, err := p.store.Get(ctx, p.defaultMachineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.WriteNotFound(ctx, "unknown machine: "+p.defaultMachineID)
			return "", nil, false
		}
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "loading machine: "+err.Error(), apierr.TypeServerError)
		return "", nil, false
	}
	if m.Settings.RequireAPIKey {
		apierr.WriteUnauthorized(ctx, "API key required")
		return "", nil, false
	}
	return p.defaultMachineID, m, true
}

// keyAccepted applies one machine's key policy to the presented value.
func (p *Pipeline) keyAccepted(m *store.MachineData, raw string) bool {
	if !m.Settings.RequireAPIKey {
		return true
	}
	if raw == "" {
		return false
	}
	k := m.KeyByValue(raw)
	return k != nil && k.IsActive
}

// clientKey pulls the API key from Authorization: Bearer or x-api-key.
func clientKey(ctx *fasthttp.RequestCtx) string {
	if auth := string(ctx.Request.Header.Peek("Authorization")); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return string(ctx.Request.Header.Peek("x-api-key"))
}
