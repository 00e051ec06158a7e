package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeSubscriptionCreated, Data: SubscriptionEvent{Channel: "alerts"}})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			assert.Equal(t, TypeSubscriptionCreated, e.Type)
			assert.False(t, e.Time.IsZero())
			assert.Equal(t, "alerts", e.Data.(SubscriptionEvent).Channel)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	st := b.Stats()
	assert.Equal(t, 1, st.Subscribers)
	assert.EqualValues(t, 2, st.Published)
	assert.EqualValues(t, 1, st.Dropped)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
	assert.NotPanics(t, func() { b.Publish(Event{Type: "x"}) })
	assert.Equal(t, 0, b.Stats().Subscribers)
}

func TestIsSubscription(t *testing.T) {
	assert.True(t, IsSubscription(TypeSubscriptionExpired))
	assert.True(t, IsSubscription(TypeRegisterRejected))
	assert.False(t, IsSubscription("notifier.sent"))
}
