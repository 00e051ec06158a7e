package logx

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Every returns a view of l that writes at most one record per interval.
// The per-datagram paths use it so a flood of bad frames can't drown the log.
func (l Logger) Every(interval time.Duration) *Sampled {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sampled{log: l, lim: rate.NewLimiter(rate.Every(interval), 1)}
}

// Sampled counts the records it drops and reports the count on the next
// record it lets through.
type Sampled struct {
	log        Logger
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

func (s *Sampled) Debug(msg string, fields ...Field) { s.emit(zerolog.DebugLevel, msg, fields) }
func (s *Sampled) Warn(msg string, fields ...Field)  { s.emit(zerolog.WarnLevel, msg, fields) }
func (s *Sampled) Error(msg string, fields ...Field) { s.emit(zerolog.ErrorLevel, msg, fields) }

func (s *Sampled) emit(level zerolog.Level, msg string, fields []Field) {
	if s == nil {
		return
	}
	if !s.lim.Allow() {
		s.suppressed.Add(1)
		return
	}
	if n := s.suppressed.Swap(0); n > 0 {
		fields = append(fields, Uint64("suppressed", n))
	}
	s.log.write(2, level, msg, fields)
}
