package registry

import (
	"hash/fnv"
	"net/netip"
	"sort"
	"sync"
	"time"
)

// Defaults used when a Config leaves a field zero.
const (
	DefaultShards = 64
	DefaultTTLMin = 5 * time.Second
	DefaultTTLMax = 1 * time.Hour
)

// Config controls the registry.
type Config struct {
	Shards int
	TTLMin time.Duration
	TTLMax time.Duration
}

// Removal describes a subscription dropped by SweepExpired.
type Removal struct {
	Channel  string
	Endpoint netip.AddrPort
	Expiry   time.Time
	// ChannelGone is true when this removal emptied the channel.
	ChannelGone bool
}

// Stats is a point-in-time count of registry contents.
type Stats struct {
	Channels      int `json:"channels"`
	Subscriptions int `json:"subscriptions"`
	Shards        int `json:"shards"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now. Tests use it to step through TTL boundaries.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithOnExpired installs a callback invoked (outside shard locks) for every
// subscription removed by SweepExpired.
func WithOnExpired(fn func(Removal)) Option {
	return func(r *Registry) { r.onExpired = fn }
}

type channelRecord struct {
	subs map[netip.AddrPort]time.Time // endpoint -> expiry
}

type shard struct {
	mu       sync.RWMutex
	channels map[string]*channelRecord
}

// Registry maps channel names to subscribed endpoints.
//
// State is split over a fixed number of shards chosen by FNV-1a of the
// channel name; every operation touches exactly one shard. A channel exists
// only while it has at least one subscription.
//
// It is safe for concurrent use.
type Registry struct {
	shards []*shard
	now    func() time.Time

	bmu    sync.RWMutex
	ttlMin time.Duration
	ttlMax time.Duration

	onExpired func(Removal)
}

// New creates a registry.
func New(cfg Config, opts ...Option) *Registry {
	n := cfg.Shards
	if n <= 0 {
		n = DefaultShards
	}
	r := &Registry{
		shards: make([]*shard, n),
		now:    time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{channels: map[string]*channelRecord{}}
	}
	r.SetTTLBounds(cfg.TTLMin, cfg.TTLMax)
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetTTLBounds replaces the clamp range applied by Register. Zero values fall
// back to the defaults; a max below min is raised to min.
func (r *Registry) SetTTLBounds(min, max time.Duration) {
	if min <= 0 {
		min = DefaultTTLMin
	}
	if max <= 0 {
		max = DefaultTTLMax
	}
	if max < min {
		max = min
	}
	r.bmu.Lock()
	r.ttlMin, r.ttlMax = min, max
	r.bmu.Unlock()
}

// TTLBounds returns the current clamp range.
func (r *Registry) TTLBounds() (min, max time.Duration) {
	r.bmu.RLock()
	defer r.bmu.RUnlock()
	return r.ttlMin, r.ttlMax
}

// Clamp returns ttl limited to the current bounds.
func (r *Registry) Clamp(ttl time.Duration) time.Duration {
	min, max := r.TTLBounds()
	if ttl < min {
		return min
	}
	if ttl > max {
		return max
	}
	return ttl
}

func (r *Registry) shardFor(channel string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channel))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register inserts or refreshes the subscription of ep to channel and
// returns true when it did not exist (or had already expired). The ttl is
// clamped, never rejected.
func (r *Registry) Register(channel string, ep netip.AddrPort, ttl time.Duration) bool {
	now := r.now()
	expiry := now.Add(r.Clamp(ttl))

	sh := r.shardFor(channel)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec := sh.channels[channel]
	if rec == nil {
		rec = &channelRecord{subs: map[netip.AddrPort]time.Time{}}
		sh.channels[channel] = rec
	}
	prev, existed := rec.subs[ep]
	rec.subs[ep] = expiry
	return !existed || !prev.After(now)
}

// Unregister removes the subscription of ep to channel. It returns false when
// there was nothing to remove.
func (r *Registry) Unregister(channel string, ep netip.AddrPort) bool {
	sh := r.shardFor(channel)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec := sh.channels[channel]
	if rec == nil {
		return false
	}
	if _, ok := rec.subs[ep]; !ok {
		return false
	}
	delete(rec.subs, ep)
	if len(rec.subs) == 0 {
		delete(sh.channels, channel)
	}
	return true
}

// SubscribersOf returns the live endpoints of channel. Entries whose expiry
// is at or before now are excluded even if no sweep has run yet. The result
// is a fresh slice sorted by address.
func (r *Registry) SubscribersOf(channel string) []netip.AddrPort {
	now := r.now()
	sh := r.shardFor(channel)
	sh.mu.RLock()
	rec := sh.channels[channel]
	if rec == nil {
		sh.mu.RUnlock()
		return nil
	}
	out := make([]netip.AddrPort, 0, len(rec.subs))
	for ep, exp := range rec.subs {
		if exp.After(now) {
			out = append(out, ep)
		}
	}
	sh.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// expiry returns the expiry of ep's subscription to channel, if present.
func (r *Registry) expiry(channel string, ep netip.AddrPort) (time.Time, bool) {
	sh := r.shardFor(channel)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec := sh.channels[channel]
	if rec == nil {
		return time.Time{}, false
	}
	exp, ok := rec.subs[ep]
	return exp, ok
}

// SweepExpired removes every subscription whose expiry is at or before now and
// drops channels left empty. The shard lock is taken once per channel so
// concurrent traffic on other channels is never stalled for a whole shard.
func (r *Registry) SweepExpired(now time.Time) int {
	removed := 0
	var reported []Removal
	for _, sh := range r.shards {
		sh.mu.RLock()
		names := make([]string, 0, len(sh.channels))
		for name := range sh.channels {
			names = append(names, name)
		}
		sh.mu.RUnlock()

		for _, name := range names {
			sh.mu.Lock()
			rec := sh.channels[name]
			if rec == nil {
				sh.mu.Unlock()
				continue
			}
			start := len(reported)
			for ep, exp := range rec.subs {
				if exp.After(now) {
					continue
				}
				delete(rec.subs, ep)
				removed++
				if r.onExpired != nil {
					reported = append(reported, Removal{Channel: name, Endpoint: ep, Expiry: exp})
				}
			}
			if len(rec.subs) == 0 {
				delete(sh.channels, name)
				if n := len(reported); n > start {
					reported[n-1].ChannelGone = true
				}
			}
			sh.mu.Unlock()
		}
	}

	for _, rm := range reported {
		r.onExpired(rm)
	}
	return removed
}

// Stats counts channels and subscriptions, including expired entries not yet
// swept.
func (r *Registry) Stats() Stats {
	st := Stats{Shards: len(r.shards)}
	for _, sh := range r.shards {
		sh.mu.RLock()
		st.Channels += len(sh.channels)
		for _, rec := range sh.channels {
			st.Subscriptions += len(rec.subs)
		}
		sh.mu.RUnlock()
	}
	return st
}

// Channels returns the names of all tracked channels, sorted.
func (r *Registry) Channels() []string {
	var out []string
	for _, sh := range r.shards {
		sh.mu.RLock()
		for name := range sh.channels {
			out = append(out, name)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}
