package registry

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func ep(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

func newTestRegistry(clk *fakeClock, opts ...Option) *Registry {
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return New(Config{Shards: 4, TTLMin: time.Second, TTLMax: time.Hour}, opts...)
}

func TestRegisterVisibleUntilExpiry(t *testing.T) {
	clk := newFakeClock()
	r := newTestRegistry(clk)
	e1 := ep("10.0.0.1:5000")

	assert.True(t, r.Register("alerts", e1, 60*time.Second))
	assert.Equal(t, []netip.AddrPort{e1}, r.SubscribersOf("alerts"))

	clk.Advance(60*time.Second - time.Nanosecond)
	assert.Equal(t, []netip.AddrPort{e1}, r.SubscribersOf("alerts"))

	// Exactly at expiry the subscription is gone.
	clk.Advance(time.Nanosecond)
	assert.Empty(t, r.SubscribersOf("alerts"))
}

func TestRegisterRefreshExtendsExpiry(t *testing.T) {
	clk := newFakeClock()
	r := newTestRegistry(clk)
	e1 := ep("10.0.0.1:5000")

	require.True(t, r.Register("alerts", e1, 10*time.Second))
	clk.Advance(8 * time.Second)
	assert.False(t, r.Register("alerts", e1, 10*time.Second), "refresh is not a create")

	clk.Advance(8 * time.Second)
	assert.Equal(t, []netip.AddrPort{e1}, r.SubscribersOf("alerts"))
	assert.Equal(t, 1, r.Stats().Subscriptions, "at most one subscription per pair")
}

func TestRegisterAfterLapseCountsAsCreate(t *testing.T) {
	clk := newFakeClock()
	r := newTestRegistry(clk)
	e1 := ep("10.0.0.1:5000")

	require.True(t, r.Register("alerts", e1, 5*time.Second))
	clk.Advance(5 * time.Second)
	assert.True(t, r.Register("alerts", e1, 5*time.Second))
}

func TestTTLClamped(t *testing.T) {
	clk := newFakeClock()
	r := newTestRegistry(clk)
	e1 := ep("10.0.0.1:5000")
	e2 := ep("10.0.0.2:5000")

	r.Register("low", e1, 0)
	r.Register("high", e2, 48*time.Hour)

	exp, ok := r.expiry("low", e1)
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(time.Second), exp)

	exp, ok = r.expiry("high", e2)
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(time.Hour), exp)
}

func TestSetTTLBounds(t *testing.T) {
	r := New(Config{})
	min, max := r.TTLBounds()
	assert.Equal(t, DefaultTTLMin, min)
	assert.Equal(t, DefaultTTLMax, max)

	r.SetTTLBounds(10*time.Second, 5*time.Second)
	min, max = r.TTLBounds()
	assert.Equal(t, 10*time.Second, min)
	assert.Equal(t, 10*time.Second, max)
	assert.Equal(t, 10*time.Second, r.Clamp(time.Minute))
}

func TestUnregisterIdempotent(t *testing.T) {
	clk := newFakeClock()
	r := newTestRegistry(clk)
	e1 := ep("10.0.0.1:5000")

	assert.False(t, r.Unregister("alerts", e1))

	r.Register("alerts", e1, time.Minute)
	assert.True(t, r.Unregister("alerts", e1))
	assert.False(t, r.Unregister("alerts", e1))
	assert.Empty(t, r.SubscribersOf("alerts"))
	assert.Equal(t, Stats{Shards: 4}, r.Stats(), "emptied channel is pruned")
}

func TestSubscribersSortedAndIsolated(t *testing.T) {
	clk := newFakeClock()
	r := newTestRegistry(clk)
	a := ep("10.0.0.3:1")
	b := ep("10.0.0.1:1")
	c := ep("10.0.0.2:1")
	for _, e := range []netip.AddrPort{a, b, c} {
		r.Register("x", e, time.Minute)
	}
	r.Register("y", a, time.Minute)

	got := r.SubscribersOf("x")
	assert.Equal(t, []netip.AddrPort{b, c, a}, got)

	// Mutating the returned slice must not affect the registry.
	got[0] = ep("1.1.1.1:1")
	assert.Equal(t, []netip.AddrPort{b, c, a}, r.SubscribersOf("x"))
	assert.Equal(t, []netip.AddrPort{a}, r.SubscribersOf("y"))
	assert.Nil(t, r.SubscribersOf("missing"))
}

func TestSweepExpired(t *testing.T) {
	clk := newFakeClock()
	var removed []Removal
	var mu sync.Mutex
	r := newTestRegistry(clk, WithOnExpired(func(rm Removal) {
		mu.Lock()
		removed = append(removed, rm)
		mu.Unlock()
	}))
	e1 := ep("10.0.0.1:5000")
	e2 := ep("10.0.0.2:5000")

	r.Register("alerts", e1, 10*time.Second)
	r.Register("jobs", e1, 10*time.Second)
	r.Register("jobs", e2, time.Minute)

	assert.Equal(t, 0, r.SweepExpired(clk.Now()))

	clk.Advance(10 * time.Second)
	assert.Equal(t, 2, r.SweepExpired(clk.Now()))

	assert.Equal(t, []string{"jobs"}, r.Channels())
	assert.Empty(t, r.SubscribersOf("alerts"))
	assert.Equal(t, []netip.AddrPort{e2}, r.SubscribersOf("jobs"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, removed, 2)
	byChannel := map[string]Removal{}
	for _, rm := range removed {
		byChannel[rm.Channel] = rm
	}
	assert.True(t, byChannel["alerts"].ChannelGone)
	assert.False(t, byChannel["jobs"].ChannelGone)
	assert.Equal(t, e1, byChannel["jobs"].Endpoint)
}

func TestConcurrentAccess(t *testing.T) {
	r := New(Config{Shards: 8, TTLMin: time.Millisecond, TTLMax: time.Minute})
	var wg sync.WaitGroup
	var creates atomic.Int64

	for w := 0; w < 8; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ch := fmt.Sprintf("ch-%d", i%16)
				e := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, byte(w), byte(i % 4)}), 4000)
				if r.Register(ch, e, time.Minute) {
					creates.Add(1)
				}
				_ = r.SubscribersOf(ch)
				if i%7 == 0 {
					r.Unregister(ch, e)
				}
				if i%50 == 0 {
					r.SweepExpired(time.Now())
				}
			}
		}()
	}
	wg.Wait()

	st := r.Stats()
	assert.LessOrEqual(t, st.Subscriptions, 8*16*4)
	assert.Positive(t, creates.Load())
}
