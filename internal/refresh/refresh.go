// Package refresh keeps OAuth access tokens on provider connections fresh.
//
// EnsureFresh is best-effort: a failed refresh logs a warning and hands back
// the stale credential, letting the downstream 401 drive credential
// fallback. Concurrent refreshes of the same connection are deduplicated
// with singleflight.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/store"
)

// expiryBuffer is how close to expiry a token may get before a refresh is
// attempted ahead of dispatch.
const expiryBuffer = 5 * time.Minute

// defaultTokenTTL applies when the token endpoint omits expires_in.
const defaultTokenTTL = time.Hour

// Options configures a Refresher.
type Options struct {
	// Store persists refreshed tokens. Required.
	Store store.Machines

	// HTTP is the client used against token endpoints. Defaults to a
	// client with a 15s timeout.
	HTTP *http.Client

	// Log defaults to slog.Default().
	Log *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time

	// Observer, when set, receives the outcome of every refresh attempt.
	Observer func(provider string, ok bool)
}

// Refresher refreshes OAuth tokens against the provider catalogue's token
// endpoints.
type Refresher struct {
	store   store.Machines
	http    *http.Client
	log     *slog.Logger
	now     func() time.Time
	observe func(provider string, ok bool)
	sf      singleflight.Group
}

// New builds a Refresher. Panics if opts.Store is nil.
func New(opts Options) *Refresher {
	if opts.Store == nil {
		panic("refresh: store must not be nil")
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Refresher{store: opts.Store, http: opts.HTTP, log: opts.Log, now: opts.Now, observe: opts.Observer}
}

// EnsureFresh returns a connection whose access token is good for at least
// the expiry buffer, refreshing and persisting when needed. Connections
// without OAuth material, without a known expiry or without a catalogued
// token endpoint pass through unchanged, as does any connection whose
// refresh fails.
func (r *Refresher) EnsureFresh(ctx context.Context, machineID string, conn *store.Connection) *store.Connection {
	if ctx == nil {
		panic("refresh: context must not be nil")
	}
	if conn.AccessToken == "" || conn.RefreshToken == "" || conn.ExpiresAt.IsZero() {
		return conn
	}
	if conn.ExpiresAt.Sub(r.now()) >= expiryBuffer {
		return conn
	}

	prov, ok := catalog.Resolve(conn.Provider)
	if !ok || prov.Refresh == nil {
		return conn
	}

	v, err, _ := r.sf.Do(conn.ID, func() (any, error) {
		c, err := r.refresh(ctx, machineID, conn, prov.Refresh)
		if r.observe != nil {
			r.observe(conn.Provider, err == nil)
		}
		return c, err
	})
	if err != nil {
		r.log.WarnContext(ctx, "token_refresh_failed",
			slog.String("machine_id", machineID),
			slog.String("connection_id", conn.ID),
			slog.String("provider", conn.Provider),
			slog.String("error", err.Error()),
		)
		return conn
	}

	return v.(*store.Connection)
}

// refresh posts the grant, parses the token response and persists the new
// credential on the machine document.
func (r *Refresher) refresh(ctx context.Context, machineID string, conn *store.Connection, ep *catalog.RefreshEndpoint) (*store.Connection, error) {
	// Device-registered providers carry their token endpoint and client
	// pair on the connection rather than in the catalogue.
	tokenURL := conn.ExtraString("tokenUrl")
	if tokenURL == "" {
		tokenURL = ep.TokenURL
	}
	clientID := ep.ClientID
	if clientID == "" {
		clientID = conn.ExtraString("clientId")
	}
	clientSecret := ep.ClientSecret
	if clientSecret == "" {
		clientSecret = conn.ExtraString("clientSecret")
	}

	req, err := newTokenRequest(ctx, tokenURL, ep.Style, conn.RefreshToken, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh: post %s: %w", tokenURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("refresh: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("refresh: %s returned %d: %s", tokenURL, resp.StatusCode, truncate(string(body), 200))
	}

	token, newRefresh, expiresIn := parseTokenResponse(body)
	if token == "" {
		return nil, fmt.Errorf("refresh: %s returned no access token", tokenURL)
	}

	ttl := time.Duration(expiresIn) * time.Second
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	expiresAt := r.now().Add(ttl)

	err = r.store.Mutate(ctx, machineID, func(doc *store.MachineData) error {
		c := doc.Connection(conn.ID)
		if c == nil {
			return fmt.Errorf("refresh: connection %s no longer exists", conn.ID)
		}
		c.AccessToken = token
		if newRefresh != "" {
			c.RefreshToken = newRefresh
		}
		c.ExpiresAt = expiresAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.InfoContext(ctx, "token_refreshed",
		slog.String("machine_id", machineID),
		slog.String("connection_id", conn.ID),
		slog.String("provider", conn.Provider),
		slog.Time("expires_at", expiresAt),
	)

	updated := *conn
	updated.AccessToken = token
	if newRefresh != "" {
		updated.RefreshToken = newRefresh
	}
	updated.ExpiresAt = expiresAt
	return &updated, nil
}

// newTokenRequest builds the refresh POST in the endpoint's encoding.
func newTokenRequest(ctx context.Context, tokenURL string, style catalog.RefreshStyle, refreshToken, clientID, clientSecret string) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)

	switch style {
	case catalog.RefreshJSON:
		payload := map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
		}
		if clientID != "" {
			payload["client_id"] = clientID
		}
		if clientSecret != "" {
			payload["client_secret"] = clientSecret
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("refresh: marshal grant: %w", err)
		}
		body = strings.NewReader(string(data))
		contentType = "application/json"

	default: // form
		form := url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
		}
		if clientID != "" {
			form.Set("client_id", clientID)
		}
		if clientSecret != "" {
			form.Set("client_secret", clientSecret)
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, body)
	if err != nil {
		return nil, fmt.Errorf("refresh: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	// GitHub's token endpoint answers form-encoded unless JSON is requested.
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// parseTokenResponse accepts both snake_case OAuth responses and the
// camelCase shape the CodeWhisperer OIDC endpoint returns.
func parseTokenResponse(body []byte) (token, refreshToken string, expiresIn int64) {
	token = gjson.GetBytes(body, "access_token").String()
	if token == "" {
		token = gjson.GetBytes(body, "accessToken").String()
	}
	refreshToken = gjson.GetBytes(body, "refresh_token").String()
	if refreshToken == "" {
		refreshToken = gjson.GetBytes(body, "refreshToken").String()
	}
	expiresIn = gjson.GetBytes(body, "expires_in").Int()
	if expiresIn == 0 {
		expiresIn = gjson.GetBytes(body, "expiresIn").Int()
	}
	return token, refreshToken, expiresIn
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
