package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "nudge/pkg/logx"
)

var ErrUnknownJob = errors.New("maintenance: unknown job")

// Job is a named periodic task.
type Job struct {
	Name     string
	Schedule string
	// Timeout bounds a single run. 0 means no deadline beyond service shutdown.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// JobInfo is a point-in-time view of a registered job.
type JobInfo struct {
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	Next         time.Time     `json:"next,omitempty"`
	Prev         time.Time     `json:"prev,omitempty"`
	Runs         uint64        `json:"runs"`
	Skipped      uint64        `json:"skipped"`
	Failures     uint64        `json:"failures"`
	LastErr      string        `json:"last_err,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
}

type job struct {
	Job
	sched   Schedule
	entryID cron.EntryID

	running  atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64

	mu      sync.Mutex
	lastErr string
	lastDur time.Duration
}

// Service runs maintenance jobs on cron schedules. A job never overlaps
// itself; a trigger that fires while the previous run is in flight is skipped.
type Service struct {
	log logx.Logger

	mu   sync.Mutex
	tz   string
	loc  *time.Location
	c    *cron.Cron
	ctx  context.Context
	jobs map[string]*job
}

func New(log logx.Logger, timezone string) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, tz: strings.TrimSpace(timezone), jobs: map[string]*job{}}
}

// Add registers or replaces a job by name.
func (s *Service) Add(j Job) error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("maintenance: job name required")
	}
	if j.Run == nil {
		return fmt.Errorf("maintenance: job %s: run func required", j.Name)
	}
	sched, err := ParseSchedule(j.Schedule)
	if err != nil {
		return fmt.Errorf("maintenance: job %s: %w", j.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[j.Name]; ok {
		s.unscheduleLocked(old)
	}
	nj := &job{Job: j, sched: sched}
	s.jobs[j.Name] = nj
	if s.c != nil {
		if err := s.scheduleLocked(nj); err != nil {
			return err
		}
	}
	return nil
}

// Reschedule changes the schedule of an existing job. Run counters survive.
func (s *Service) Reschedule(name, schedule string) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("maintenance: job %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if j.sched == sched {
		return nil
	}
	s.unscheduleLocked(j)
	j.sched = sched
	j.Schedule = schedule
	if s.c != nil {
		if err := s.scheduleLocked(j); err != nil {
			return err
		}
		s.log.Info("job rescheduled", logx.String("job", name), logx.String("spec", sched.Spec()))
	}
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.unscheduleLocked(j)
	delete(s.jobs, name)
	return true
}

// SetTimezone restarts the cron loop in a new location when it changes.
func (s *Service) SetTimezone(tz string) {
	tz = strings.TrimSpace(tz)
	s.mu.Lock()
	defer s.mu.Unlock()
	if tz == s.tz {
		return
	}
	s.tz = tz
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Start begins triggering jobs. ctx bounds every run.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	for _, j := range s.jobs {
		if err := s.scheduleLocked(j); err != nil {
			s.log.Error("job register failed", logx.String("job", j.Name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop halts triggering and waits for in-flight runs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, j := range s.jobs {
		j.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop deadline reached with jobs in flight")
	}
}

// RunNow runs a job synchronously, honoring the no-overlap rule.
// It reports false when the job was already running.
func (s *Service) RunNow(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{
			Name:     j.Name,
			Spec:     j.sched.Spec(),
			Runs:     j.runs.Load(),
			Skipped:  j.skipped.Load(),
			Failures: j.failures.Load(),
		}
		if s.c != nil && j.entryID != 0 {
			e := s.c.Entry(j.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		j.mu.Lock()
		info.LastErr, info.LastDuration = j.lastErr, j.lastDur
		j.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Service) scheduleLocked(j *job) error {
	ctx := s.ctx
	id, err := s.c.AddFunc(j.sched.Spec(), func() {
		if ctx == nil || ctx.Err() != nil {
			return
		}
		_, _ = s.run(ctx, j)
	})
	if err != nil {
		return fmt.Errorf("maintenance: job %s: %w", j.Name, err)
	}
	j.entryID = id
	s.log.Debug("job registered", logx.String("job", j.Name), logx.String("spec", j.sched.Spec()))
	return nil
}

func (s *Service) unscheduleLocked(j *job) {
	if s.c != nil && j.entryID != 0 {
		s.c.Remove(j.entryID)
	}
	j.entryID = 0
}

func (s *Service) run(ctx context.Context, j *job) (bool, error) {
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.log.Debug("job still running; trigger skipped", logx.String("job", j.Name))
		return false, nil
	}
	defer j.running.Store(false)

	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := j.Run(ctx)
	took := time.Since(start)

	j.runs.Add(1)
	j.mu.Lock()
	j.lastDur = took
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	j.mu.Unlock()
	if err != nil {
		j.failures.Add(1)
		s.log.Warn("job failed", logx.String("job", j.Name), logx.Duration("took", took), logx.Err(err))
	}
	return true, err
}

func (s *Service) loadLocationLocked() *time.Location {
	if s.tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", s.tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron's logger for panic recovery.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
