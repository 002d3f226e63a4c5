package media

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: port}
}

func newTestSessionMap(t *testing.T) *DtlsSessionMap {
	t.Helper()
	cert, err := GenerateCertificate()
	require.NoError(t, err)
	return NewDtlsSessionMap(cert, 10*time.Second)
}

func TestPendingBufferDrainsInArrivalOrder(t *testing.T) {
	m := newTestSessionMap(t)
	a := testAddr(5000)

	m.EnqueuePending(a, []byte{1})
	m.EnqueuePending(a, []byte{2})
	m.EnqueuePending(a, []byte{3})

	got := m.DrainPending(a)
	require.Len(t, got, 3)
	assert.Equal(t, []byte{1}, got[0])
	assert.Equal(t, []byte{2}, got[1])
	assert.Equal(t, []byte{3}, got[2])

	// Drained once; a second drain is empty.
	assert.Empty(t, m.DrainPending(a))
}

func TestPendingBufferIsBounded(t *testing.T) {
	m := newTestSessionMap(t)
	a := testAddr(5001)

	for i := 0; i < maxPendingPackets+5; i++ {
		m.EnqueuePending(a, []byte{byte(i)})
	}

	got := m.DrainPending(a)
	require.Len(t, got, maxPendingPackets)
	// Oldest entries were discarded.
	assert.Equal(t, byte(5), got[0][0])
}

func TestPendingBuffersAreIndependentPerAddress(t *testing.T) {
	m := newTestSessionMap(t)
	m.EnqueuePending(testAddr(5002), []byte{1})
	m.EnqueuePending(testAddr(5003), []byte{2})

	assert.Len(t, m.DrainPending(testAddr(5002)), 1)
	assert.Len(t, m.DrainPending(testAddr(5003)), 1)
}

func TestInjectWithoutSessionReturnsFalse(t *testing.T) {
	m := newTestSessionMap(t)
	assert.False(t, m.Inject(testAddr(5004), []byte{0x16}))
}

func TestRemoveStaleOnEmptyMap(t *testing.T) {
	m := newTestSessionMap(t)
	assert.Empty(t, m.RemoveStale())
	assert.Equal(t, 0, m.Count())
}

func TestFingerprintFormat(t *testing.T) {
	cert, err := GenerateCertificate()
	require.NoError(t, err)

	fp, err := Fingerprint(cert)
	require.NoError(t, err)
	assert.Regexp(t, `^sha-256 ([0-9A-F]{2}:){31}[0-9A-F]{2}$`, fp)
}
