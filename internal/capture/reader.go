package capture

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var errClosed = errors.New("capture: reader closed")

// Filter selects events. Zero fields match everything.
type Filter struct {
	Session   string
	Direction *Direction
	Remote    string
	Since     time.Time
	Until     time.Time
}

func (f Filter) matches(e Event) bool {
	if f.Session != "" && e.Session != f.Session {
		return false
	}
	if f.Direction != nil && e.Direction != *f.Direction {
		return false
	}
	if f.Remote != "" && e.Remote != f.Remote {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// Reader streams events from a capture file.
type Reader struct {
	file   *os.File
	dec    *cbor.Decoder
	filter Filter
}

func Open(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: f, dec: newDecoder(f), filter: filter}, nil
}

// Next returns the next matching event, or io.EOF at the end of the file.
// A record cut short by a crash mid-write also ends the stream with io.EOF.
func (r *Reader) Next() (Event, error) {
	if r.dec == nil {
		return Event{}, errClosed
	}
	for {
		var ev Event
		if err := r.dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		if r.filter.matches(ev) {
			return ev, nil
		}
	}
}

func (r *Reader) Close() error {
	r.dec = nil
	return r.file.Close()
}

// ReadAll collects every matching event in path.
func ReadAll(path string, filter Filter) ([]Event, error) {
	r, err := Open(path, filter)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}
