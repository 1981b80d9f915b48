//go:build linux

package sinkstat

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestProbe loads the filter or skips where BPF is unavailable.
func newTestProbe(t *testing.T) *Probe {
	t.Helper()
	p, err := NewProbe()
	if err != nil {
		for _, errno := range []unix.Errno{unix.EPERM, unix.EACCES, unix.ENOSYS} {
			if errors.Is(err, errno) {
				t.Skipf("BPF unavailable: %v", err)
			}
		}
		t.Fatalf("loading probe: %v", err)
	}
	t.Cleanup(func() { assert.NoError(t, p.Close()) })
	return p
}

func TestProbe_CountsDeliveredDatagrams(t *testing.T) {
	p := newTestProbe(t)

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })

	sa := &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}
	require.NoError(t, unix.Bind(fd, sa))
	bound, err := unix.Getsockname(fd)
	require.NoError(t, err)

	require.NoError(t, p.Attach(fd))

	payload := []byte("probe me")
	require.NoError(t, unix.Sendto(fd, payload, 0, bound))

	// The filter runs at delivery; give the datagram a moment to land.
	buf := make([]byte, 64)
	require.NoError(t, unix.SetsockoptTimeval(
		fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO,
		&unix.Timeval{Sec: 1},
	))
	n, _, err := unix.Recvfrom(fd, buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	s, err := p.Snapshot()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, s[Packets], uint64(1))
	assert.GreaterOrEqual(t, s[Bytes], uint64(len(payload)))
}

func TestStats_Since(t *testing.T) {
	old := Stats{Packets: 10, Bytes: 1000}
	now := Stats{Packets: 25, Bytes: 4000}
	diff := now.Since(old)
	assert.Equal(t, uint64(15), diff[Packets])
	assert.Equal(t, uint64(3000), diff[Bytes])
}

func TestPrint_FormatsCounters(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, Stats{Packets: 1234567, Bytes: 987654}))
	out := buf.String()
	assert.Contains(t, out, "1,234,567")
	assert.Contains(t, out, "988 kB")
}
