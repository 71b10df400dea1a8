// Package datasource implements the tiered data providers that feed
// real-time context into the assistant's prompt. Each provider owns one
// external data domain (weather, health, training) and degrades
// gracefully: live fetch, then session cache, then long-term memory
// recall, then an explicit unavailable marker. Fetch never returns an
// error; a total miss is a labeled snapshot, not a failure.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/daa-project/daa/internal/events"
	"github.com/daa-project/daa/internal/memgate"
)

// Tier source tags carried on every snapshot.
const (
	SourceLive        = "live"
	SourceCache       = "cache"
	SourceUnavailable = "unavailable"
)

// ErrNoData signals that the remote answered but has nothing to report
// yet (e.g. before the first sync of the day). It must not be cached as
// a valid payload; the provider falls through to lower tiers.
var ErrNoData = errors.New("no data available yet")

// Snapshot is the best-effort result of one tiered fetch.
type Snapshot struct {
	// Payload is the rendered domain data, or an error marker string
	// when Unavailable is set.
	Payload string
	// Source tags the tier that produced the payload: "live", "cache",
	// "memory(<updated>)" or "unavailable".
	Source string
	// Unavailable marks the terminal tier outcome.
	Unavailable bool
}

// Fetcher produces a live payload for one domain.
type Fetcher interface {
	// Domain names the data domain ("väder", "hälsa", "träning").
	Domain() string
	// FetchLive calls the remote API. Returns ErrNoData when the remote
	// has no usable payload yet.
	FetchLive(ctx context.Context) (string, error)
}

// cacheEntry is the single live cache slot for a domain. Invalidated on
// calendar-day rollover or when age exceeds the domain TTL.
type cacheEntry struct {
	payload   string
	fetchedAt time.Time
	dateKey   string // calendar day, YYYY-MM-DD
}

// Options configures a Provider.
type Options struct {
	// TTL is the domain freshness window for cached snapshots.
	// Defaults to 15 minutes.
	TTL time.Duration
	// Timeout bounds the live fetch. Defaults to 10 seconds.
	Timeout time.Duration
	// Memory is the long-term recall/forward gateway (nil disables).
	Memory *memgate.Client
	// SubjectID keys memory operations.
	SubjectID string
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
	// Bus receives a fetch event per resolved snapshot (nil disables).
	Bus *events.Bus
}

// Provider wraps one Fetcher with the tiered fallback chain.
type Provider struct {
	fetcher   Fetcher
	ttl       time.Duration
	timeout   time.Duration
	memory    *memgate.Client
	subjectID string
	clock     func() time.Time
	bus       *events.Bus
	logger    *slog.Logger

	mu    sync.Mutex
	cache *cacheEntry
}

// NewProvider creates a tiered provider for one domain.
func NewProvider(fetcher Fetcher, opts Options, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Provider{
		fetcher:   fetcher,
		ttl:       opts.TTL,
		timeout:   opts.Timeout,
		memory:    opts.Memory,
		subjectID: opts.SubjectID,
		clock:     opts.Clock,
		bus:       opts.Bus,
		logger:    logger.With("domain", fetcher.Domain()),
	}
}

// Domain returns the wrapped fetcher's domain name.
func (p *Provider) Domain() string { return p.fetcher.Domain() }

// Fetch returns the freshest snapshot the tiers can produce. It never
// returns an error and always completes within the configured timeout
// budget plus the memory gateway's own bounded timeout.
func (p *Provider) Fetch(ctx context.Context) Snapshot {
	snap := p.resolve(ctx)
	p.bus.Publish(events.Event{
		Timestamp: p.clock(),
		Source:    events.SourceData,
		Kind:      events.KindFetch,
		Data:      map[string]any{"domain": p.fetcher.Domain(), "source": snap.Source},
	})
	return snap
}

func (p *Provider) resolve(ctx context.Context) Snapshot {
	now := p.clock()

	// Tier 1: live.
	liveCtx, cancel := context.WithTimeout(ctx, p.timeout)
	payload, err := p.fetcher.FetchLive(liveCtx)
	cancel()

	if err == nil && payload != "" {
		p.storeCache(payload, now)
		p.forwardToMemory(ctx, payload, now)
		return Snapshot{Payload: payload, Source: SourceLive}
	}

	if errors.Is(err, ErrNoData) {
		p.logger.Debug("live fetch returned no data, falling through")
	} else if err != nil {
		p.logger.Warn("live fetch failed, falling through", "error", err)
	}

	// Tier 2: session cache, same calendar day and inside the TTL.
	if cached, ok := p.freshCache(now); ok {
		return Snapshot{Payload: cached, Source: SourceCache}
	}

	// Tier 3: long-term memory recall.
	if fact, ok := p.recall(ctx); ok {
		return Snapshot{
			Payload: fact.Text,
			Source:  fmt.Sprintf("memory(%s)", fact.UpdatedAt.Format("2006-01-02 15:04")),
		}
	}

	// Tier 4: explicit unavailable marker.
	return Snapshot{
		Payload:     fmt.Sprintf("Ingen data tillgänglig för %s just nu.", p.fetcher.Domain()),
		Source:      SourceUnavailable,
		Unavailable: true,
	}
}

// storeCache replaces the cache entry. The caller observed a valid live
// payload; stale entries are simply overwritten.
func (p *Provider) storeCache(payload string, now time.Time) {
	p.mu.Lock()
	p.cache = &cacheEntry{
		payload:   payload,
		fetchedAt: now,
		dateKey:   now.Format("2006-01-02"),
	}
	p.mu.Unlock()
}

// freshCache returns the cached payload when it is from the current
// calendar day and inside the TTL window. A prior-day entry is never
// fresh, even inside its TTL.
func (p *Provider) freshCache(now time.Time) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cache == nil {
		return "", false
	}
	if p.cache.dateKey != now.Format("2006-01-02") {
		p.cache = nil
		return "", false
	}
	if now.Sub(p.cache.fetchedAt) > p.ttl {
		return "", false
	}
	return p.cache.payload, true
}

// forwardToMemory pushes a fresh snapshot to long-term memory so it can
// be recalled after cache loss. Failures are logged and swallowed.
func (p *Provider) forwardToMemory(ctx context.Context, payload string, now time.Time) {
	if !p.memory.Enabled() {
		return
	}
	fact := fmt.Sprintf("[%s %s] %s", p.fetcher.Domain(), now.Format("2006-01-02"), payload)
	if err := p.memory.Add(ctx, []string{fact}, p.subjectID); err != nil {
		p.logger.Warn("memory forward failed", "error", err)
	}
}

// recall queries long-term memory for the most recent fact in this
// domain. Best-effort: errors are logged and treated as a miss.
func (p *Provider) recall(ctx context.Context) (memgate.Fact, bool) {
	if !p.memory.Enabled() {
		return memgate.Fact{}, false
	}
	facts, err := p.memory.Search(ctx, p.fetcher.Domain(), p.subjectID, 1)
	if err != nil {
		p.logger.Warn("memory recall failed", "error", err)
		return memgate.Fact{}, false
	}
	if len(facts) == 0 {
		return memgate.Fact{}, false
	}
	return facts[0], true
}
