package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"nudge/internal/eventbus"
	"nudge/internal/storage"
	logx "nudge/pkg/logx"
)

type mockStore struct{ mock.Mock }

func (m *mockStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	return m.Called(ctx, e).Error(0)
}

func (m *mockStore) RecentAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]storage.AuditEntry), args.Error(1)
}

func (m *mockStore) AppendStats(ctx context.Context, s storage.StatsSnapshot) error {
	return m.Called(ctx, s).Error(0)
}

func (m *mockStore) RecentStats(ctx context.Context, limit int) ([]storage.StatsSnapshot, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]storage.StatsSnapshot), args.Error(1)
}

func (m *mockStore) Close() error { return m.Called().Error(0) }

func TestAuditLoopWritesAndDrains(t *testing.T) {
	st := &mockStore{}
	a := &App{log: logx.Nop(), store: st, instance: "inst"}

	st.On("AppendAudit", mock.Anything, mock.MatchedBy(func(e storage.AuditEntry) bool {
		return e.Action == storage.ActionCreated && e.Channel == "alerts" && e.Instance == "inst"
	})).Return(nil).Once()
	st.On("AppendAudit", mock.Anything, mock.MatchedBy(func(e storage.AuditEntry) bool {
		return e.Action == storage.ActionExpired
	})).Return(errors.New("disk full")).Once()

	events := make(chan eventbus.Event, 4)
	now := time.Now()
	events <- eventbus.Event{Type: eventbus.TypeSubscriptionCreated, Time: now,
		Data: eventbus.SubscriptionEvent{Channel: "alerts", Endpoint: "10.0.0.1:5000", At: now}}
	events <- eventbus.Event{Type: eventbus.TypeSubscriptionExpired, Time: now,
		Data: eventbus.SubscriptionEvent{Channel: "alerts", Endpoint: "10.0.0.1:5000", At: now}}
	events <- eventbus.Event{Type: "unrelated", Time: now}

	// Canceled before the loop starts: buffered events are still written.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	unsubscribed := false
	a.auditLoop(ctx, events, func() { unsubscribed = true })

	assert.True(t, unsubscribed)
	st.AssertExpectations(t)
	st.AssertNumberOfCalls(t, "AppendAudit", 2)
}

func TestStatsSnapshotJob(t *testing.T) {
	st := &mockStore{}
	a, err := NewApp("", Options{Getenv: noEnv, Overlay: func(c *Config) { c.Logging.Level = "error" }})
	assert.NoError(t, err)
	a.store = st

	st.On("AppendStats", mock.Anything, mock.MatchedBy(func(s storage.StatsSnapshot) bool {
		_, ok := s.Counters["fanout_sent"]
		return s.Instance == a.Instance() && ok && !s.At.IsZero()
	})).Return(nil).Once()

	assert.NoError(t, a.snapshotStats(context.Background()))
	st.AssertExpectations(t)
}
