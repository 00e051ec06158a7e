package capture

import (
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Writer appends Events to a file. It is safe for concurrent use and
// satisfies dispatch.Recorder.
type Writer struct {
	session string

	mu      sync.Mutex
	file    *os.File
	enc     *cbor.Encoder
	closed  bool
	written atomic.Uint64
	failed  atomic.Uint64
}

// NewWriter opens path for appending. An empty session gets a fresh UUID.
func NewWriter(path, session string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if session == "" {
		session = uuid.NewString()
	}
	return &Writer{session: session, file: f, enc: newEncoder(f)}, nil
}

func (w *Writer) Session() string { return w.session }

// Counts returns events written and events that failed to encode.
func (w *Writer) Counts() (written, failed uint64) {
	return w.written.Load(), w.failed.Load()
}

func (w *Writer) RecordInbound(at time.Time, src netip.AddrPort, frame []byte, decodeErr error) {
	w.write(at, DirectionIn, src, frame, decodeErr)
}

func (w *Writer) RecordOutbound(at time.Time, dst netip.AddrPort, frame []byte, sendErr error) {
	w.write(at, DirectionOut, dst, frame, sendErr)
}

func (w *Writer) write(at time.Time, dir Direction, remote netip.AddrPort, frame []byte, err error) {
	ev := Event{
		Timestamp: at,
		Session:   w.session,
		Direction: dir,
		Frame:     frame,
	}
	if remote.IsValid() {
		ev.Remote = remote.String()
	}
	if err != nil {
		ev.Error = err.Error()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if encErr := w.enc.Encode(ev); encErr != nil {
		w.failed.Add(1)
		return
	}
	w.written.Add(1)
}

// Close is idempotent; later records are dropped.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
