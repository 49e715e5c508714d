// Package poller drives the fixed-interval acquisition loop: it fetches
// every endpoint through the retrying client, merges the documents into one
// canonical snapshot and publishes it to subscribers.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"homevolt-local/internal/api"
	"homevolt-local/internal/snapshot"
)

// State is the poller's cycle state.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StatePublished
	StateDegraded
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StatePublished:
		return "published"
	case StateDegraded:
		return "degraded"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// Fetcher is the retrying-client surface the poller depends on. The bool
// result reports whether the document was served from the stale cache.
type Fetcher interface {
	Get(ctx context.Context, endpoint string) (json.RawMessage, bool, error)
}

// Health is a point-in-time view of the poll loop's condition.
type Health struct {
	State               State     `json:"state"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ReauthRequired      bool      `json:"reauth_required"`
}

// Update is one push notification to subscribers: the current snapshot and
// the loop health at the end of the cycle that produced it. Snapshot is nil
// when no cycle has ever succeeded, so consumers can mark views unavailable
// instead of presenting nothing silently.
type Update struct {
	Snapshot *snapshot.Snapshot
	Health   Health
}

type endpointDoc struct {
	doc      string
	endpoint string
	required bool
}

var endpoints = []endpointDoc{
	{doc: snapshot.DocStatus, endpoint: api.EndpointStatus, required: true},
	{doc: snapshot.DocEms, endpoint: api.EndpointEms, required: true},
	{doc: snapshot.DocParams, endpoint: api.EndpointParams, required: true},
	{doc: snapshot.DocSchedule, endpoint: api.EndpointSchedule, required: true},
	{doc: snapshot.DocMains, endpoint: api.EndpointMains, required: false},
	{doc: snapshot.DocOTAManifest, endpoint: api.EndpointOTAManifest, required: false},
}

// Poller owns the current snapshot and the poll cycle state machine.
// One instance per configured device.
type Poller struct {
	fetcher  Fetcher
	interval time.Duration
	host     string
	log      zerolog.Logger

	// onReauth fires once when a cycle hits a credential rejection and
	// again only after a cycle has since succeeded.
	onReauth func(error)

	inFlight atomic.Bool
	state    atomic.Int32
	current  atomic.Pointer[snapshot.Snapshot]

	healthMu sync.Mutex
	health   Health

	subMu sync.Mutex
	subs  map[int]chan Update
	subID int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Options configures a Poller.
type Options struct {
	Interval time.Duration
	// Host is the configured device address, used as a device-identity
	// fallback when no polled document names the device.
	Host string
	// OnReauthRequired is invoked outside the poll goroutine's locks when
	// the device rejects the configured credentials.
	OnReauthRequired func(error)
}

// New builds a Poller around the given fetcher. A zero interval defaults
// to ten seconds.
func New(fetcher Fetcher, opts Options, log zerolog.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	p := &Poller{
		fetcher:  fetcher,
		interval: opts.Interval,
		host:     opts.Host,
		log:      log.With().Str("component", "poller").Logger(),
		onReauth: opts.OnReauthRequired,
		subs:     make(map[int]chan Update),
	}
	p.state.Store(int32(StateIdle))
	return p
}

// Start launches the poll loop. The first cycle runs immediately rather
// than waiting out the first tick.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Poll(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Poll(ctx)
			}
		}
	}()
}

// Stop cancels any in-flight cycle, waits for the loop to exit and moves
// the poller to its terminal state. No ticks fire afterwards.
func (p *Poller) Stop() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.setState(StateUnloaded)

		p.subMu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.subMu.Unlock()
	})
}

// Poll runs one acquisition cycle. Ticks arriving while a cycle is still
// in flight are dropped, never queued.
func (p *Poller) Poll(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.log.Debug().Msg("cycle still in flight, tick skipped")
		return
	}
	defer p.inFlight.Store(false)

	if p.State() == StateUnloaded {
		return
	}
	p.setState(StatePolling)

	docs, anyStale, err := p.fetchAll(ctx)
	if err != nil {
		p.finishCycle(ctx, err)
		return
	}

	snap, err := snapshot.Normalize(docs)
	if err != nil {
		p.finishCycle(ctx, err)
		return
	}
	snap.FetchedAt = time.Now().UTC()
	snap.Stale = anyStale
	snap.ApplyHostIdentity(p.host)

	p.current.Store(snap)
	p.setState(StatePublished)
	p.recordSuccess()
	p.notify()
	p.setState(StateIdle)
}

// fetchAll requests every endpoint concurrently. Optional endpoints fail
// independently; a required failure aborts the cycle.
func (p *Poller) fetchAll(ctx context.Context) (map[string]json.RawMessage, bool, error) {
	type result struct {
		raw   json.RawMessage
		stale bool
		err   error
	}

	results := make([]result, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep endpointDoc) {
			defer wg.Done()
			raw, stale, err := p.fetcher.Get(ctx, ep.endpoint)
			results[i] = result{raw: raw, stale: stale, err: err}
		}(i, ep)
	}
	wg.Wait()

	docs := make(map[string]json.RawMessage, len(endpoints))
	anyStale := false
	for i, ep := range endpoints {
		res := results[i]
		if res.err != nil {
			if errors.Is(res.err, api.ErrAuth) || errors.Is(res.err, api.ErrRateLimited) {
				return nil, false, res.err
			}
			if ep.required {
				return nil, false, res.err
			}
			p.log.Debug().Err(res.err).Str("endpoint", ep.endpoint).Msg("optional endpoint unavailable")
			continue
		}
		docs[ep.doc] = res.raw
		anyStale = anyStale || res.stale
	}
	return docs, anyStale, nil
}

// finishCycle settles a failed cycle: credential rejections raise the
// re-authentication condition, everything else degrades the loop while
// retaining the last snapshot flagged stale.
func (p *Poller) finishCycle(ctx context.Context, err error) {
	if ctx.Err() != nil {
		p.setState(StateIdle)
		return
	}

	if errors.Is(err, api.ErrAuth) {
		p.log.Error().Err(err).Msg("device rejected credentials")
		fireReauth := false

		p.healthMu.Lock()
		if !p.health.ReauthRequired {
			p.health.ReauthRequired = true
			fireReauth = true
		}
		p.health.LastError = err.Error()
		p.health.ConsecutiveFailures++
		p.healthMu.Unlock()

		p.setState(StateDegraded)
		p.notify()
		if fireReauth && p.onReauth != nil {
			p.onReauth(err)
		}
		return
	}

	p.log.Warn().Err(err).Msg("poll cycle failed")
	p.healthMu.Lock()
	p.health.LastError = err.Error()
	p.health.ConsecutiveFailures++
	p.healthMu.Unlock()

	if prev := p.current.Load(); prev != nil && !prev.Stale {
		staled := *prev
		staled.Stale = true
		p.current.Store(&staled)
	}
	p.setState(StateDegraded)
	p.notify()
}

func (p *Poller) recordSuccess() {
	p.healthMu.Lock()
	p.health.LastSuccess = time.Now().UTC()
	p.health.LastError = ""
	p.health.ConsecutiveFailures = 0
	p.health.ReauthRequired = false
	p.healthMu.Unlock()
}

// notify pushes the cycle outcome to subscribers without blocking on slow
// consumers. Every cycle ends in a notification, degraded ones included.
func (p *Poller) notify() {
	update := Update{Snapshot: p.current.Load(), Health: p.Health()}

	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- update:
		default:
			// Drop the stalled value so the consumer sees the
			// latest update on its next receive.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- update:
			default:
			}
		}
	}
}

// Current returns the most recently published snapshot, or nil before the
// first successful cycle. Consumers must treat it as read-only.
func (p *Poller) Current() *snapshot.Snapshot {
	return p.current.Load()
}

// Subscribe registers a push channel for cycle updates. The returned
// cancel function unregisters it.
func (p *Poller) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 1)

	p.subMu.Lock()
	id := p.subID
	p.subID++
	p.subs[id] = ch
	p.subMu.Unlock()

	cancel := func() {
		p.subMu.Lock()
		if _, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
		p.subMu.Unlock()
	}
	return ch, cancel
}

// State returns the current cycle state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
}

// Health returns a copy of the loop's health counters.
func (p *Poller) Health() Health {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	h := p.health
	h.State = p.State()
	return h
}
