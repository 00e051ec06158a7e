package capture

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudge/pkg/wire"
)

var (
	producer = netip.MustParseAddrPort("10.0.0.2:6000")
	listener = netip.MustParseAddrPort("10.0.0.1:5000")
)

func TestWriteAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cap", "nudge.cbor")
	w, err := NewWriter(path, "")
	require.NoError(t, err)
	_, err = uuid.Parse(w.Session())
	require.NoError(t, err)

	at := time.Date(2026, 5, 1, 10, 0, 0, 123456789, time.UTC)
	nudge := wire.Encode(wire.Nudge{Channel: "alerts", Payload: []byte("hi")})
	w.RecordInbound(at, producer, nudge, nil)
	w.RecordOutbound(at.Add(time.Millisecond), listener, nudge, errors.New("host unreachable"))
	w.RecordInbound(at.Add(2*time.Millisecond), producer, []byte{0x09}, errors.New("bad kind"))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	w.RecordInbound(at, producer, nudge, nil) // dropped after close

	written, failed := w.Counts()
	assert.EqualValues(t, 3, written)
	assert.Zero(t, failed)

	all, err := ReadAll(path, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Timestamp.Equal(at))
	assert.Equal(t, DirectionIn, all[0].Direction)
	assert.Equal(t, producer.String(), all[0].Remote)
	assert.Equal(t, nudge, all[0].Frame)
	assert.Equal(t, `NUDGE channel="alerts" payload=2B`, all[0].Describe(wire.Limits{}))
	assert.Equal(t, "host unreachable", all[1].Error)
	assert.Contains(t, all[2].Describe(wire.Limits{}), "malformed")
}

func TestFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nudge.cbor")
	a, err := NewWriter(path, "session-a")
	require.NoError(t, err)
	at := time.Now()
	a.RecordInbound(at, producer, []byte{1}, nil)
	a.RecordOutbound(at, listener, []byte{3}, nil)
	require.NoError(t, a.Close())

	b, err := NewWriter(path, "session-b")
	require.NoError(t, err)
	b.RecordInbound(at.Add(time.Hour), producer, []byte{1}, nil)
	require.NoError(t, b.Close())

	out := DirectionOut
	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"session", Filter{Session: "session-a"}, 2},
		{"direction", Filter{Direction: &out}, 1},
		{"remote", Filter{Remote: producer.String()}, 2},
		{"since", Filter{Since: at.Add(time.Minute)}, 1},
		{"until", Filter{Until: at.Add(time.Minute)}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadAll(path, tt.filter)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nudge.cbor")
	w, err := NewWriter(path, "s")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				w.RecordOutbound(time.Now(), listener, []byte("payload"), nil)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Close())

	all, err := ReadAll(path, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 400)
}

func TestTruncatedTailEndsStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nudge.cbor")
	w, err := NewWriter(path, "s")
	require.NoError(t, err)
	w.RecordInbound(time.Now(), producer, []byte{1, 2, 3}, nil)
	w.RecordInbound(time.Now(), producer, []byte{1, 2, 3}, nil)
	require.NoError(t, w.Close())

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-3))

	all, err := ReadAll(path, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("out")
	require.NoError(t, err)
	assert.Equal(t, DirectionOut, d)
	assert.Equal(t, "IN", DirectionIn.String())
	_, err = ParseDirection("sideways")
	assert.Error(t, err)
}
