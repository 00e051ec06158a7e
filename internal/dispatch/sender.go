package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"nudge/internal/metrics"
	rtsup "nudge/internal/runtime/supervisor"
	logx "nudge/pkg/logx"

	"golang.org/x/time/rate"
)

type sendJob struct {
	dst   netip.AddrPort
	frame []byte // shared by every job of one fan-out; read-only
}

// Sender is the outbound fan-out pool: bounded queue + workers + optional
// token bucket. Enqueue never blocks; a full queue drops the job.
//
// It is safe for concurrent use.
type Sender struct {
	mu sync.Mutex

	conn    PacketConn
	log     logx.Logger
	warn    *logx.Sampled
	m       *metrics.Metrics
	rec     Recorder
	limiter *rate.Limiter // nil = unlimited

	workers   int
	queueSize int

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan sendJob
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

// NewSender creates a stopped sender.
func NewSender(conn PacketConn, cfg Config, m *metrics.Metrics, log logx.Logger, rec Recorder) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	if m == nil {
		m = metrics.New()
	}
	cfg = cfg.withDefaults()
	s := &Sender{
		conn:      conn,
		log:       log,
		warn:      log.Every(5 * time.Second),
		m:         m,
		rec:       rec,
		workers:   cfg.FanoutWorkers,
		queueSize: cfg.FanoutQueueSize,
	}
	s.SetRate(cfg.RatePerSec, cfg.Burst)
	return s
}

// SetRate swaps the token bucket. perSec <= 0 removes the limit.
func (s *Sender) SetRate(perSec float64, burst int) {
	var lim *rate.Limiter
	if perSec > 0 {
		if burst <= 0 {
			burst = max(1, int(perSec))
		}
		lim = rate.NewLimiter(rate.Limit(perSec), burst)
	}
	s.mu.Lock()
	s.limiter = lim
	s.mu.Unlock()
}

func (s *Sender) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan sendJob, s.queueSize)
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// a failed worker must not take the relay down; it restarts.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	workers := s.workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("fanout.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("fanout worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Sender) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close so workers drain and exit.
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Deadline hit: abandon what is left in the queue.
		if sup != nil {
			sup.Cancel()
		}
		<-done
	}
}

// Enqueue queues one datagram for dst.
func (s *Sender) Enqueue(dst netip.AddrPort, frame []byte) error {
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- sendJob{dst: dst, frame: frame}:
		return nil
	default:
		s.m.FanoutDropped.Add(1)
		return ErrQueueFull
	}
}

// Queued returns the current queue depth and capacity.
func (s *Sender) Queued() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return 0, s.queueSize
	}
	return len(s.queue), cap(s.queue)
}

func (s *Sender) workerLoop(ctx context.Context, q <-chan sendJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, j)
		}
	}
}

func (s *Sender) send(ctx context.Context, j sendJob) {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			// Canceled while waiting for a token: shutdown deadline.
			s.m.FanoutDropped.Add(1)
			return
		}
	}

	_, err := s.conn.WriteTo(j.frame, j.dst)
	if s.rec != nil {
		s.rec.RecordOutbound(time.Now(), j.dst, j.frame, err)
	}
	if err != nil {
		s.m.FanoutFailed.Add(1)
		s.warn.Warn("fan-out send failed", logx.String("dst", j.dst.String()), logx.Err(err))
		return
	}
	s.m.FanoutSent.Add(1)
}
