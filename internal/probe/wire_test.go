package probe

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameLayout(t *testing.T) {
	assert.Equal(t, []byte{0x4f, 0x45, 0x74, 0x03, 0x00, 0x00, 0x00, 0x01}, helloFrame())
	assert.Equal(t, []byte{0x4f, 0x45, 0x74, 0x03, 0xab, 0xcd, 0x00, 0x03}, discoFrame([]byte{0xab, 0xcd}))
}

// fakeGameServer answers hello frames with a SET_PEER_ID reply and records
// whether a matching disconnect arrived.
func fakeGameServer(t *testing.T, peerID [2]byte, gotDisco chan<- []byte) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 64)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pkt := buf[:n]
			if len(pkt) == 8 && pkt[7] == packetTypeOriginal {
				// 14-byte reliable CONTROL/SET_PEER_ID reply.
				reply := make([]byte, 14)
				copy(reply, protocolID)
				reply[12], reply[13] = peerID[0], peerID[1]
				conn.WriteToUDP(reply, raddr)
			} else if len(pkt) == 7 && pkt[6] == controlTypeDisco {
				select {
				case gotDisco <- append([]byte(nil), pkt[4:6]...):
				default:
				}
			}
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

func testProber() *Prober {
	p := New(zerolog.Nop())
	p.Timeout = 500 * time.Millisecond
	p.Jitter = 0
	return p
}

func TestPingSucceeds(t *testing.T) {
	gotDisco := make(chan []byte, 8)
	addr := fakeGameServer(t, [2]byte{0xbe, 0xef}, gotDisco)

	rtt, err := testProber().Ping("127.0.0.1", addr.Port, []net.IP{addr.IP})
	require.NoError(t, err)
	assert.Greater(t, rtt, 0.0)
	assert.Less(t, rtt, 0.5)

	// The prober must close the session it opened, echoing the peer id the
	// server assigned.
	select {
	case peer := <-gotDisco:
		assert.Equal(t, []byte{0xbe, 0xef}, peer)
	case <-time.After(time.Second):
		t.Fatal("no disconnect frame received")
	}
}

func TestPingTimesOut(t *testing.T) {
	// A listener that never answers.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)

	p := testProber()
	p.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err = p.Ping("127.0.0.1", addr.Port, []net.IP{addr.IP})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "three failures must end the probe quickly")
}

func TestPingAllEndpointsMustPass(t *testing.T) {
	gotDisco := make(chan []byte, 8)
	up := fakeGameServer(t, [2]byte{0x01, 0x02}, gotDisco)

	dead, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	deadAddr := dead.LocalAddr().(*net.UDPAddr)
	dead.Close() // nothing listens here anymore

	p := testProber()
	p.Timeout = 50 * time.Millisecond

	// Two "resolved" endpoints on the same port is impossible on loopback,
	// so probe them one by one through the multi-endpoint path.
	_, err = p.Ping("host.net", up.Port, []net.IP{up.IP})
	require.NoError(t, err)

	_, err = p.Ping("host.net", deadAddr.Port, []net.IP{deadAddr.IP})
	require.Error(t, err, "a dead endpoint fails the whole announce")
	assert.Contains(t, err.Error(), "did not respond to ping")
}

func TestPingNoEndpoints(t *testing.T) {
	_, err := testProber().Ping("host.net", 30000, nil)
	require.Error(t, err)
}
