package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/keys"
	"github.com/modelmux/modelmux/internal/store"
)

// bootstrap creates the default machine on first start. Environment
// credentials become its connections, and every built-in model of a seeded
// provider gets a bare-name alias so "gemini-2.5-pro" resolves without the
// provider prefix. An existing machine is left untouched: once the store
// holds a document it is the source of truth.
func (a *App) bootstrap(ctx context.Context) error {
	_, err := a.machines.Get(ctx, a.cfg.MachineID)
	if err == nil {
		if len(a.cfg.Seed) > 0 {
			a.log.Debug("machine exists, environment credentials not applied",
				slog.String("machine_id", a.cfg.MachineID))
		}
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("bootstrap: %w", err)
	}

	m := &store.MachineData{
		ID:           a.cfg.MachineID,
		Providers:    make(map[string]*store.Connection, len(a.cfg.Seed)),
		ModelAliases: make(map[string]string),
		Settings: store.Settings{
			RequireAPIKey:         a.cfg.RequireAPIKey,
			StickyRoundRobinLimit: a.cfg.StickyRoundRobinLimit,
		},
	}

	for _, seed := range a.cfg.Seed {
		conn := &store.Connection{
			ID:       seed.Provider + "-env",
			Provider: seed.Provider,
			IsActive: true,
			Priority: 1,
			APIKey:   seed.APIKey,
		}
		if seed.BaseURL != "" {
			conn.Extra = map[string]any{"baseUrl": seed.BaseURL}
		}
		m.Providers[conn.ID] = conn

		prov, ok := catalog.Resolve(seed.Provider)
		if !ok {
			continue
		}
		for _, mi := range prov.Models {
			if _, taken := m.ModelAliases[mi.ID]; !taken {
				m.ModelAliases[mi.ID] = prov.ID + "/" + mi.ID
			}
		}
	}

	// Mint one key so REQUIRE_API_KEY deployments are usable immediately.
	// The raw key is logged exactly once, here.
	keyID, raw := keys.Mint(m.ID, a.cfg.KeySecret)
	m.APIKeys = append(m.APIKeys, store.APIKey{
		ID:        keyID,
		Key:       raw,
		Name:      "bootstrap",
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	})

	if err := a.machines.Put(ctx, m); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	a.log.Info("machine bootstrapped",
		slog.String("machine_id", m.ID),
		slog.Int("connections", len(m.Providers)),
		slog.Int("model_aliases", len(m.ModelAliases)),
		slog.String("api_key", raw),
	)

	return nil
}
