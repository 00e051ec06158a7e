package debounce

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Decision is the outcome of Admit.
type Decision uint8

const (
	Admit Decision = iota
	Suppress
)

func (d Decision) String() string {
	if d == Suppress {
		return "suppress"
	}
	return "admit"
}

const (
	DefaultWindow    = 250 * time.Millisecond
	DefaultRetention = 4
	stripes          = 64
)

// Config controls the coalescer.
type Config struct {
	// Window is the minimum spacing between two admitted nudges on a channel.
	// Zero disables debouncing.
	Window time.Duration
	// Retention multiplies Window to get the idle time after which a
	// channel's entry may be evicted.
	Retention int
}

// Stats is a point-in-time view for /statusz.
type Stats struct {
	Entries    int           `json:"entries"`
	Admitted   uint64        `json:"admitted"`
	Suppressed uint64        `json:"suppressed"`
	Evicted    uint64        `json:"evicted"`
	Window     time.Duration `json:"window"`
	Retention  int           `json:"retention"`
}

type entry struct {
	lastEmitted time.Time
	suppressed  uint64
}

// Coalescer applies a fixed-window debounce per channel.
//
// Decisions on one channel are serialized by a striped mutex; different
// channels proceed in parallel. Entries live in a ttlcache keyed by channel
// with no TTL: both admission and idleness are judged against the caller's
// clock, never the cache's. Evict is called from maintenance.
type Coalescer struct {
	locks [stripes]sync.Mutex
	cache *ttlcache.Cache[string, entry]

	mu        sync.RWMutex
	window    time.Duration
	retention int

	admitted   atomic.Uint64
	suppressed atomic.Uint64
	evicted    atomic.Uint64
}

// New creates a coalescer.
func New(cfg Config) *Coalescer {
	c := &Coalescer{
		cache: ttlcache.New[string, entry](
			ttlcache.WithTTL[string, entry](ttlcache.NoTTL),
			ttlcache.WithDisableTouchOnHit[string, entry](),
		),
	}
	c.Apply(cfg.Window, cfg.Retention)
	return c
}

// Apply swaps window and retention at runtime. Existing entries keep their
// last-emitted time; the new window applies from the next decision.
func (c *Coalescer) Apply(window time.Duration, retention int) {
	if window < 0 {
		window = 0
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	c.mu.Lock()
	c.window, c.retention = window, retention
	c.mu.Unlock()
}

func (c *Coalescer) settings() (time.Duration, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.window, c.retention
}

func (c *Coalescer) lockFor(channel string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channel))
	return &c.locks[h.Sum32()%stripes]
}

// Admit decides whether a nudge on channel arriving at now is forwarded.
//
// It admits when the channel has no entry or when now-lastEmitted >= window,
// and records now as the new lastEmitted. Otherwise it suppresses, bumps the
// channel's suppressed count and leaves lastEmitted alone.
func (c *Coalescer) Admit(channel string, now time.Time) Decision {
	window, _ := c.settings()
	if window == 0 {
		c.admitted.Add(1)
		return Admit
	}

	mu := c.lockFor(channel)
	mu.Lock()
	defer mu.Unlock()

	if it := c.cache.Get(channel); it != nil {
		e := it.Value()
		if now.Sub(e.lastEmitted) < window {
			e.suppressed++
			c.cache.Set(channel, e, ttlcache.NoTTL)
			c.suppressed.Add(1)
			return Suppress
		}
	}
	c.cache.Set(channel, entry{lastEmitted: now}, ttlcache.NoTTL)
	c.admitted.Add(1)
	return Admit
}

// SuppressedFor returns how many nudges on channel were suppressed since it
// was last admitted.
func (c *Coalescer) SuppressedFor(channel string) uint64 {
	if it := c.cache.Get(channel); it != nil {
		return it.Value().suppressed
	}
	return 0
}

// Evict drops entries whose last admission is at least window*retention
// before now and returns how many it dropped. A channel evicted this way
// is admitted on its next nudge, which is already outside its window.
func (c *Coalescer) Evict(now time.Time) int {
	window, retention := c.settings()
	idle := window * time.Duration(retention)
	removed := 0
	for _, ch := range c.cache.Keys() {
		mu := c.lockFor(ch)
		mu.Lock()
		if it := c.cache.Get(ch); it != nil && now.Sub(it.Value().lastEmitted) >= idle {
			c.cache.Delete(ch)
			removed++
		}
		mu.Unlock()
	}
	c.evicted.Add(uint64(removed))
	return removed
}

// reset drops every entry.
func (c *Coalescer) reset() { c.cache.DeleteAll() }

func (c *Coalescer) Stats() Stats {
	window, retention := c.settings()
	return Stats{
		Entries:    c.cache.Len(),
		Admitted:   c.admitted.Load(),
		Suppressed: c.suppressed.Load(),
		Evicted:    c.evicted.Load(),
		Window:     window,
		Retention:  retention,
	}
}
