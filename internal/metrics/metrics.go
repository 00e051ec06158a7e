// Package metrics holds the relay's operational counters.
package metrics

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// seq generates unique expvar prefixes so several relays can live in one
// process (tests start many).
var seq atomic.Int64

// Metrics tracks relay counters. All counters are lock-free and published to
// expvar under "nudge.<n>." for /debug/vars.
type Metrics struct {
	Received       atomic.Int64
	DecodeErrors   atomic.Int64
	InboundDropped atomic.Int64
	ReadErrors     atomic.Int64

	Registers        atomic.Int64
	RegisterRejected atomic.Int64
	Unregisters      atomic.Int64

	NudgesAdmitted   atomic.Int64
	NudgesSuppressed atomic.Int64
	NudgesInvalid    atomic.Int64
	AcksIgnored      atomic.Int64

	FanoutSent    atomic.Int64
	FanoutFailed  atomic.Int64
	FanoutDropped atomic.Int64

	AcksSent  atomic.Int64
	AckFailed atomic.Int64
	Swept     atomic.Int64

	prefix string
}

// Snapshot is a plain copy of every counter.
type Snapshot struct {
	Received         int64 `json:"received"`
	DecodeErrors     int64 `json:"decode_errors"`
	InboundDropped   int64 `json:"inbound_dropped"`
	ReadErrors       int64 `json:"read_errors"`
	Registers        int64 `json:"registers"`
	RegisterRejected int64 `json:"register_rejected"`
	Unregisters      int64 `json:"unregisters"`
	NudgesAdmitted   int64 `json:"nudges_admitted"`
	NudgesSuppressed int64 `json:"nudges_suppressed"`
	NudgesInvalid    int64 `json:"nudges_invalid"`
	AcksIgnored      int64 `json:"acks_ignored"`
	FanoutSent       int64 `json:"fanout_sent"`
	FanoutFailed     int64 `json:"fanout_failed"`
	FanoutDropped    int64 `json:"fanout_dropped"`
	AcksSent         int64 `json:"acks_sent"`
	AckFailed        int64 `json:"ack_failed"`
	Swept            int64 `json:"swept"`
}

// New creates a Metrics instance and publishes its counters to expvar.
func New() *Metrics {
	m := &Metrics{}
	m.prefix = "nudge." + strconv.FormatInt(seq.Add(1), 10) + "."
	for name, v := range m.vars() {
		expvar.Publish(m.prefix+name, atomicVar(v))
	}
	return m
}

// Prefix returns the expvar prefix used by this instance.
func (m *Metrics) Prefix() string { return m.prefix }

func (m *Metrics) vars() map[string]*atomic.Int64 {
	return map[string]*atomic.Int64{
		"received":          &m.Received,
		"decode_errors":     &m.DecodeErrors,
		"inbound_dropped":   &m.InboundDropped,
		"read_errors":       &m.ReadErrors,
		"registers":         &m.Registers,
		"register_rejected": &m.RegisterRejected,
		"unregisters":       &m.Unregisters,
		"nudges_admitted":   &m.NudgesAdmitted,
		"nudges_suppressed": &m.NudgesSuppressed,
		"nudges_invalid":    &m.NudgesInvalid,
		"acks_ignored":      &m.AcksIgnored,
		"fanout_sent":       &m.FanoutSent,
		"fanout_failed":     &m.FanoutFailed,
		"fanout_dropped":    &m.FanoutDropped,
		"acks_sent":         &m.AcksSent,
		"ack_failed":        &m.AckFailed,
		"swept":             &m.Swept,
	}
}

func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any { return v.Load() })
}

// Snapshot returns all counter values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Received:         m.Received.Load(),
		DecodeErrors:     m.DecodeErrors.Load(),
		InboundDropped:   m.InboundDropped.Load(),
		ReadErrors:       m.ReadErrors.Load(),
		Registers:        m.Registers.Load(),
		RegisterRejected: m.RegisterRejected.Load(),
		Unregisters:      m.Unregisters.Load(),
		NudgesAdmitted:   m.NudgesAdmitted.Load(),
		NudgesSuppressed: m.NudgesSuppressed.Load(),
		NudgesInvalid:    m.NudgesInvalid.Load(),
		AcksIgnored:      m.AcksIgnored.Load(),
		FanoutSent:       m.FanoutSent.Load(),
		FanoutFailed:     m.FanoutFailed.Load(),
		FanoutDropped:    m.FanoutDropped.Load(),
		AcksSent:         m.AcksSent.Load(),
		AckFailed:        m.AckFailed.Load(),
		Swept:            m.Swept.Load(),
	}
}

// Values returns the counters keyed by their expvar name (without prefix).
func (m *Metrics) Values() map[string]int64 {
	out := make(map[string]int64, 17)
	if m == nil {
		return out
	}
	for name, v := range m.vars() {
		out[name] = v.Load()
	}
	return out
}
