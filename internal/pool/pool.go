// Package pool selects provider credentials and tracks their health.
//
// Selection runs under a per-machine mutex so concurrent requests observe a
// serial order of recency updates. Health updates (MarkFailed, MarkSuccess)
// are last-write-wins on the machine document; backoff transitions are
// monotonic within one request's own failure sequence, which keeps the
// cooldown schedule sane under races.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/store"
)

// ErrNoCredentials is returned when the machine has no active connection for
// the provider at all.
var ErrNoCredentials = errors.New("pool: no credentials for provider")

// errNoChange aborts a Mutate without writing.
var errNoChange = errors.New("pool: no change")

// AllCoolingDownError reports that every active credential for the provider
// is inside a cooldown window or model lock. RetryAt carries the earliest
// time a credential becomes eligible again.
type AllCoolingDownError struct {
	Provider  string
	Model     string
	RetryAt   time.Time
	LastError string
	Code      int
}

func (e *AllCoolingDownError) Error() string {
	return fmt.Sprintf("pool: all %s credentials cooling down until %s: %s",
		e.Provider, e.RetryAt.UTC().Format(time.RFC3339), e.LastError)
}

// RetryAfter returns the whole seconds until RetryAt, never below one second,
// suitable for a Retry-After header.
func (e *AllCoolingDownError) RetryAfter(now time.Time) time.Duration {
	d := e.RetryAt.Sub(now)
	if d <= 0 {
		return time.Second
	}
	// Round up to whole seconds.
	secs := (d + time.Second - 1) / time.Second * time.Second
	return secs
}

// Options configures a Pool.
type Options struct {
	// Store is the machine document store. Required.
	Store store.Machines

	// Log receives selection and health events. Defaults to slog.Default().
	Log *slog.Logger

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time

	// CoolingObserver, when set, receives the number of cooling connections
	// observed for a provider on every selection scan.
	CoolingObserver func(provider string, cooling int)
}

// Pool selects credentials and records their health.
type Pool struct {
	store   store.Machines
	log     *slog.Logger
	now     func() time.Time
	cooling func(provider string, cooling int)
	locks   modelLocks

	mu       sync.Mutex
	machines map[string]*sync.Mutex
}

// New builds a Pool. Panics if opts.Store is nil.
func New(opts Options) *Pool {
	if opts.Store == nil {
		panic("pool: store must not be nil")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pool{
		store:    opts.Store,
		log:      opts.Log,
		now:      opts.Now,
		cooling:  opts.CoolingObserver,
		machines: make(map[string]*sync.Mutex),
	}
}

// machineLock returns the mutex guarding credential selection for a machine.
func (p *Pool) machineLock(machineID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.machines[machineID]
	if !ok {
		l = &sync.Mutex{}
		p.machines[machineID] = l
	}
	return l
}

// Select picks an eligible connection for the provider under the machine
// mutex and persists the recency update before returning.
//
// Eligibility: active, past any cooldown, not excluded by this request, and
// not model-locked when the provider enforces per-model buckets. When no
// connection is eligible the error is ErrNoCredentials (none configured) or
// *AllCoolingDownError (all cooling or locked).
func (p *Pool) Select(ctx context.Context, machineID string, prov *catalog.Provider, model string, exclude map[string]bool) (*store.Connection, error) {
	if ctx == nil {
		panic("pool: context must not be nil")
	}

	lock := p.machineLock(machineID)
	lock.Lock()
	defer lock.Unlock()

	m, err := p.store.Get(ctx, machineID)
	if err != nil {
		return nil, err
	}

	var conns []*store.Connection
	for _, name := range prov.Names() {
		conns = append(conns, m.ConnectionsFor(name)...)
	}
	now := p.now()

	var (
		eligible    []*store.Connection
		soonest     *store.Connection
		coolingSeen int
		modelLocked bool
	)
	for _, c := range conns {
		if !c.IsActive {
			continue
		}
		if c.CoolingDown(now) {
			coolingSeen++
			if soonest == nil || c.RateLimitedUntil.Before(soonest.RateLimitedUntil) {
				soonest = c
			}
			continue
		}
		if exclude[c.ID] {
			continue
		}
		if prov.MultiBucket && model != "" && p.locks.locked(c.ID, model, now) {
			modelLocked = true
			continue
		}
		eligible = append(eligible, c)
	}

	if p.cooling != nil {
		p.cooling(prov.ID, coolingSeen)
	}

	if len(eligible) == 0 {
		switch {
		case soonest != nil:
			return nil, &AllCoolingDownError{
				Provider:  prov.ID,
				Model:     model,
				RetryAt:   soonest.RateLimitedUntil,
				LastError: soonest.LastError,
				Code:      soonest.ErrorCode,
			}
		case modelLocked:
			return nil, &AllCoolingDownError{
				Provider:  prov.ID,
				Model:     model,
				RetryAt:   now.Add(60 * time.Second),
				LastError: "model temporarily rate limited",
				Code:      429,
			}
		default:
			return nil, ErrNoCredentials
		}
	}

	var chosen *store.Connection
	var count int

	switch m.Settings.Strategy() {
	case store.StrategyRoundRobin:
		chosen, count = pickRoundRobin(eligible, m.Settings.StickyLimit())
	default:
		chosen, count = pickFillFirst(eligible, conns)
	}

	chosen.LastUsedAt = now
	chosen.ConsecutiveUseCount = count

	// Recency write-back, awaited so concurrent selections observe it.
	// A write failure only drifts the rotation, never blocks the request.
	err = p.store.Mutate(ctx, machineID, func(doc *store.MachineData) error {
		c := doc.Connection(chosen.ID)
		if c == nil {
			return errNoChange
		}
		c.LastUsedAt = now
		c.ConsecutiveUseCount = count
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		p.log.WarnContext(ctx, "pool_recency_write_failed",
			slog.String("machine_id", machineID),
			slog.String("connection_id", chosen.ID),
			slog.String("error", err.Error()),
		)
	}

	return chosen, nil
}

// pickFillFirst chooses the eligible connection with the smallest priority,
// ties broken by id for stability. The use count continues only when the
// choice is still the provider's most recently used connection.
func pickFillFirst(eligible, all []*store.Connection) (*store.Connection, int) {
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].ID < eligible[j].ID
	})
	chosen := eligible[0]

	var recent *store.Connection
	for _, c := range all {
		if recent == nil || c.LastUsedAt.After(recent.LastUsedAt) {
			recent = c
		}
	}
	if recent != nil && recent.ID == chosen.ID {
		return chosen, chosen.ConsecutiveUseCount + 1
	}
	return chosen, 1
}

// pickRoundRobin reuses the most recently used eligible connection until it
// exhausts the sticky window, then rotates to the least recently used one.
func pickRoundRobin(eligible []*store.Connection, stickyLimit int) (*store.Connection, int) {
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].LastUsedAt.Equal(eligible[j].LastUsedAt) {
			return eligible[i].LastUsedAt.After(eligible[j].LastUsedAt)
		}
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].ID < eligible[j].ID
	})

	current := eligible[0]
	if current.ConsecutiveUseCount < stickyLimit {
		return current, current.ConsecutiveUseCount + 1
	}

	// Sticky window exhausted: least recent first, priority breaks ties.
	next := eligible[len(eligible)-1]
	for i := len(eligible) - 1; i >= 0; i-- {
		if eligible[i].LastUsedAt.Equal(next.LastUsedAt) {
			if eligible[i].Priority < next.Priority ||
				(eligible[i].Priority == next.Priority && eligible[i].ID < next.ID) {
				next = eligible[i]
			}
			continue
		}
		break
	}
	return next, 1
}

// MarkFailed records an upstream failure according to the verdict.
//
// Multi-bucket rate limits lock only the (connection, model) pair in memory;
// everything else writes the error triple and advances the backoff level on
// the machine document.
func (p *Pool) MarkFailed(ctx context.Context, machineID, connID string, prov *catalog.Provider, model string, v Verdict) error {
	now := p.now()

	if prov != nil && prov.MultiBucket && v.RateLimit && model != "" {
		p.locks.lock(connID, model, now.Add(defaultModelLockTTL))
		p.log.InfoContext(ctx, "pool_model_locked",
			slog.String("machine_id", machineID),
			slog.String("connection_id", connID),
			slog.String("model", model),
			slog.Duration("ttl", defaultModelLockTTL),
		)
		return nil
	}

	err := p.store.Mutate(ctx, machineID, func(doc *store.MachineData) error {
		c := doc.Connection(connID)
		if c == nil {
			return errNoChange
		}
		cooldown := v.CooldownFor(c.BackoffLevel)
		c.Status = store.StatusUnavailable
		c.LastError = v.Message
		c.ErrorCode = v.Code
		c.LastErrorAt = now
		c.RateLimitedUntil = now.Add(cooldown)
		c.BackoffLevel++

		p.log.WarnContext(ctx, "pool_connection_failed",
			slog.String("machine_id", machineID),
			slog.String("connection_id", connID),
			slog.Int("status", v.Code),
			slog.Duration("cooldown", cooldown),
			slog.Int("backoff_level", c.BackoffLevel),
		)
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

// MarkSuccess clears the error triple after a successful request. Clean
// connections skip the write entirely.
func (p *Pool) MarkSuccess(ctx context.Context, machineID, connID string) error {
	err := p.store.Mutate(ctx, machineID, func(doc *store.MachineData) error {
		c := doc.Connection(connID)
		if c == nil || !c.HasError() {
			return errNoChange
		}
		c.ClearError()
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

// LockModel exposes the model lock for provider executors that learn about
// per-model limits mid-stream.
func (p *Pool) LockModel(connID, model string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultModelLockTTL
	}
	p.locks.lock(connID, model, p.now().Add(ttl))
}
