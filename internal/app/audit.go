package app

import (
	"context"
	"time"

	"nudge/internal/eventbus"
	"nudge/internal/storage"
	logx "nudge/pkg/logx"
)

const auditWriteTimeout = 2 * time.Second

var auditActions = map[string]string{
	eventbus.TypeSubscriptionCreated: storage.ActionCreated,
	eventbus.TypeSubscriptionRemoved: storage.ActionRemoved,
	eventbus.TypeSubscriptionExpired: storage.ActionExpired,
	eventbus.TypeRegisterRejected:    storage.ActionRejected,
}

// auditLoop logs bus events and, with storage enabled, appends them to the
// audit trail. Events still buffered at shutdown are written before it returns.
func (a *App) auditLoop(ctx context.Context, events <-chan eventbus.Event, unsub func()) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					a.handleEvent(e)
				default:
					return
				}
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			a.handleEvent(e)
		}
	}
}

func (a *App) handleEvent(e eventbus.Event) {
	// Keep this debug-level; registrations can be frequent.
	a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))

	if a.store == nil {
		return
	}
	entry, ok := auditEntry(e, a.instance)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()
	if err := a.store.AppendAudit(ctx, entry); err != nil {
		a.log.Warn("audit write failed", logx.String("type", e.Type), logx.Err(err))
	}
}

func auditEntry(e eventbus.Event, instance string) (storage.AuditEntry, bool) {
	action, ok := auditActions[e.Type]
	if !ok {
		return storage.AuditEntry{}, false
	}
	se, ok := e.Data.(eventbus.SubscriptionEvent)
	if !ok {
		return storage.AuditEntry{}, false
	}
	at := se.At
	if at.IsZero() {
		at = e.Time
	}
	return storage.AuditEntry{
		At:       at.UTC(),
		Instance: instance,
		Action:   action,
		Channel:  se.Channel,
		Endpoint: se.Endpoint,
		TTLMS:    se.TTL.Milliseconds(),
		Reason:   se.Reason,
	}, true
}
