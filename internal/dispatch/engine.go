package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"nudge/internal/debounce"
	"nudge/internal/eventbus"
	"nudge/internal/metrics"
	rtsup "nudge/internal/runtime/supervisor"
	logx "nudge/pkg/logx"
	"nudge/pkg/wire"
)

type datagram struct {
	src   netip.AddrPort
	frame []byte
	at    time.Time
}

// Options carries the optional collaborators of an Engine.
type Options struct {
	Metrics  *metrics.Metrics
	Log      logx.Logger
	Bus      eventbus.Bus
	Recorder Recorder
	// Now overrides time.Now for arrival timestamps.
	Now func() time.Time
}

// Engine is the relay's receive → decode → route → fan-out pipeline.
//
// One goroutine reads the socket and feeds a bounded inbound queue; route
// workers drain it. Register/Unregister are answered with an Ack written
// directly by the route worker. Admitted nudges are handed to the Sender,
// one job per subscriber.
type Engine struct {
	conn   PacketConn
	subs   Subscriptions
	admit  Admitter
	sender *Sender

	m    *metrics.Metrics
	log  logx.Logger
	warn *logx.Sampled
	bus  eventbus.Bus
	rec  Recorder
	now  func() time.Time

	maxChannel atomic.Int64
	maxPayload atomic.Int64

	mu       sync.Mutex
	cfg      Config
	inbound  chan datagram
	sup      *rtsup.Supervisor
	recvDone chan struct{}
	closing  atomic.Bool
}

// New wires an engine around conn. Call Start to begin serving.
func New(conn PacketConn, subs Subscriptions, admit Admitter, cfg Config, opt Options) *Engine {
	cfg = cfg.withDefaults()
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Metrics == nil {
		opt.Metrics = metrics.New()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	e := &Engine{
		conn:  conn,
		subs:  subs,
		admit: admit,
		m:     opt.Metrics,
		log:   opt.Log,
		warn:  opt.Log.Every(5 * time.Second),
		bus:   opt.Bus,
		rec:   opt.Recorder,
		now:   opt.Now,
		cfg:   cfg,
	}
	e.maxChannel.Store(int64(cfg.MaxChannel))
	e.maxPayload.Store(int64(cfg.MaxPayload))
	e.sender = NewSender(conn, cfg, opt.Metrics, opt.Log.With(logx.String("comp", "fanout")), opt.Recorder)
	return e
}

// Apply updates the hot-reloadable limits: channel and payload bounds and
// the fan-out rate. Pool and queue sizes need a restart.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.maxChannel.Store(int64(cfg.MaxChannel))
	e.maxPayload.Store(int64(cfg.MaxPayload))
	e.sender.SetRate(cfg.RatePerSec, cfg.Burst)
}

// Sender exposes the fan-out pool.
func (e *Engine) Sender() *Sender { return e.sender }

// Supervisor returns the engine's supervisor (nil if not started).
func (e *Engine) Supervisor() *rtsup.Supervisor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sup
}

// Start launches the receive loop, route workers and sender pool. It is a
// no-op if already running.
func (e *Engine) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.inbound != nil {
		e.mu.Unlock()
		return
	}
	cfg := e.cfg
	e.inbound = make(chan datagram, cfg.QueueSize)
	e.recvDone = make(chan struct{})
	e.closing.Store(false)
	e.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(e.log),
		rtsup.WithCancelOnError(false),
	)
	sup, in, recvDone := e.sup, e.inbound, e.recvDone
	e.mu.Unlock()

	e.sender.Start(ctx)

	sup.Go("recv", func(c context.Context) error {
		defer close(recvDone)
		return e.recvLoop(c, in, cfg.ReadBuffer)
	})
	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("route.%d", i), func(c context.Context) error {
			e.routeLoop(c, in)
			if e.closing.Load() {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("route worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	e.log.Info("dispatch started",
		logx.Int("workers", cfg.Workers),
		logx.Int("queue", cfg.QueueSize),
		logx.Int("fanout_workers", cfg.FanoutWorkers),
		logx.Int("fanout_queue", cfg.FanoutQueueSize),
	)
}

// Stop interrupts reads, drains the inbound queue through the route
// workers, drains the sender until ctx expires, and only then closes the
// socket so queued acks and fan-out still go out.
func (e *Engine) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	in, sup, recvDone := e.inbound, e.sup, e.recvDone
	e.mu.Unlock()
	if in == nil {
		return nil
	}
	if !e.closing.CompareAndSwap(false, true) {
		return nil
	}

	if err := e.conn.Interrupt(); err != nil {
		e.log.Warn("socket interrupt failed; closing", logx.Err(err))
		_ = e.conn.Close()
	}

	// The receive loop is the only writer; close the queue once it is gone.
	select {
	case <-recvDone:
		close(in)
	case <-ctx.Done():
		sup.Cancel()
	}

	werr := sup.Wait(ctx)
	if errors.Is(werr, context.DeadlineExceeded) || errors.Is(werr, context.Canceled) {
		sup.Cancel()
	}
	e.sender.Stop(ctx)

	closeErr := e.conn.Close()

	e.mu.Lock()
	e.inbound = nil
	e.sup = nil
	e.mu.Unlock()

	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return fmt.Errorf("close socket: %w", closeErr)
	}
	return nil
}

// Stats returns queue depths.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	st := Stats{
		InboundCap:    e.cfg.QueueSize,
		Workers:       e.cfg.Workers,
		FanoutWorkers: e.cfg.FanoutWorkers,
		Running:       e.inbound != nil,
	}
	if e.inbound != nil {
		st.InboundQueued = len(e.inbound)
	}
	e.mu.Unlock()
	st.FanoutQueued, st.FanoutCap = e.sender.Queued()
	return st
}

const (
	readBackoffMin = 10 * time.Millisecond
	readBackoffMax = time.Second
)

func (e *Engine) recvLoop(ctx context.Context, in chan<- datagram, bufSize int) error {
	buf := make([]byte, bufSize)
	backoff := readBackoffMin
	for {
		n, src, err := e.conn.ReadFrom(buf)
		if err != nil {
			if e.closing.Load() || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			e.m.ReadErrors.Add(1)
			e.warn.Warn("socket read failed", logx.Err(err), logx.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, readBackoffMax)
			continue
		}
		backoff = readBackoffMin
		e.m.Received.Add(1)

		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case in <- datagram{src: src, frame: frame, at: e.now()}:
		default:
			e.m.InboundDropped.Add(1)
			e.warn.Warn("inbound queue full, datagram dropped", logx.String("src", src.String()))
		}
	}
}

func (e *Engine) routeLoop(ctx context.Context, in <-chan datagram) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-in:
			if !ok {
				return
			}
			e.Handle(d.src, d.frame, d.at)
		}
	}
}

// Handle routes one datagram received from src at the given time. It is
// what route workers call for each queued datagram; tests call it directly.
func (e *Engine) Handle(src netip.AddrPort, frame []byte, at time.Time) {
	msg, err := wire.Decode(frame, wire.Limits{MaxPayload: int(e.maxPayload.Load())})
	if e.rec != nil {
		e.rec.RecordInbound(at, src, frame, err)
	}
	if err != nil {
		e.m.DecodeErrors.Add(1)
		if e.log.Enabled(logx.LevelDebug) {
			e.log.Debug("datagram dropped", logx.String("src", src.String()), logx.Int("len", len(frame)), logx.Err(err))
		}
		return
	}
	if e.log.Enabled(logx.LevelDebug) {
		e.log.Debug("datagram",
			logx.String("src", src.String()),
			logx.String("channel", wire.ChannelOf(msg)),
			logx.String("msg", wire.Summary(msg)),
		)
	}

	switch m := msg.(type) {
	case wire.Register:
		e.handleRegister(src, m, at)
	case wire.Unregister:
		e.handleUnregister(src, m, at)
	case wire.Nudge:
		e.handleNudge(src, m, at)
	case wire.Ack:
		e.m.AcksIgnored.Add(1)
	}
}

// validChannel reports whether ch is non-empty and within the length bound.
func (e *Engine) validChannel(ch string) bool {
	return ch != "" && int64(len(ch)) <= e.maxChannel.Load()
}

func (e *Engine) handleRegister(src netip.AddrPort, m wire.Register, at time.Time) {
	if !e.validChannel(m.Channel) {
		e.m.RegisterRejected.Add(1)
		e.publish(eventbus.TypeRegisterRejected, m.Channel, src, 0, "invalid channel", at)
		e.reply(src, wire.StatusRejected)
		return
	}
	ttl := time.Duration(m.TTLSeconds) * time.Second
	if e.subs.Register(m.Channel, src, ttl) {
		e.publish(eventbus.TypeSubscriptionCreated, m.Channel, src, ttl, "", at)
	}
	e.m.Registers.Add(1)
	e.reply(src, wire.StatusOK)
}

func (e *Engine) handleUnregister(src netip.AddrPort, m wire.Unregister, at time.Time) {
	if e.subs.Unregister(m.Channel, src) {
		e.publish(eventbus.TypeSubscriptionRemoved, m.Channel, src, 0, "unregister", at)
	}
	e.m.Unregisters.Add(1)
	e.reply(src, wire.StatusOK)
}

func (e *Engine) handleNudge(src netip.AddrPort, m wire.Nudge, at time.Time) {
	if !e.validChannel(m.Channel) || int64(len(m.Payload)) > e.maxPayload.Load() {
		e.m.NudgesInvalid.Add(1)
		return
	}
	if e.admit != nil && e.admit.Admit(m.Channel, at) == debounce.Suppress {
		e.m.NudgesSuppressed.Add(1)
		return
	}
	e.m.NudgesAdmitted.Add(1)

	targets := e.subs.SubscribersOf(m.Channel)
	if len(targets) == 0 {
		return
	}
	// One encoding shared by every job.
	frame := wire.Encode(m)
	for _, dst := range targets {
		if dst == src {
			continue
		}
		if err := e.sender.Enqueue(dst, frame); err != nil {
			if errors.Is(err, ErrStopped) {
				return
			}
			e.warn.Warn("fan-out queue full", logx.String("channel", m.Channel), logx.String("dst", dst.String()))
		}
	}
}

func (e *Engine) reply(dst netip.AddrPort, st wire.AckStatus) {
	frame := wire.Encode(wire.Ack{Status: st})
	_, err := e.conn.WriteTo(frame, dst)
	if e.rec != nil {
		e.rec.RecordOutbound(e.now(), dst, frame, err)
	}
	if err != nil {
		e.m.AckFailed.Add(1)
		e.warn.Warn("ack send failed", logx.String("dst", dst.String()), logx.Err(err))
		return
	}
	e.m.AcksSent.Add(1)
}

func (e *Engine) publish(typ, channel string, ep netip.AddrPort, ttl time.Duration, reason string, at time.Time) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: eventbus.SubscriptionEvent{
		Channel:  channel,
		Endpoint: ep.String(),
		TTL:      ttl,
		Reason:   reason,
		At:       at,
	}})
}
