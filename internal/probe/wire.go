// Package probe implements the minimal UDP handshake used to check that an
// announced game server is actually reachable and to measure its latency.
package probe

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Handshake frame layout:
//
//	hello (8 bytes):
//	[0]  u32       protocol id
//	[4]  session_t sender peer id (0 = none assigned yet)
//	[6]  u8        channel
//	[7]  u8        type (ORIGINAL)
//
// The reply is a reliable CONTROL/SET_PEER_ID packet carrying our assigned
// peer id at offset 12. We answer with a 7-byte CONTROL/DISCO frame so the
// server drops the half-open session instead of timing it out.
var protocolID = []byte{0x4f, 0x45, 0x74, 0x03}

const (
	packetTypeOriginal = 0x01
	controlTypeDisco   = 0x03

	peerIDOffset = 12
	minReplyLen  = peerIDOffset + 2

	replyTimeout = 2 * time.Second
	maxSuccesses = 3
	maxFailures  = 3

	// Attempts are jittered to spread probe traffic out.
	maxAttemptJitter = 500 * time.Millisecond
)

func helloFrame() []byte {
	frame := make([]byte, 0, 8)
	frame = append(frame, protocolID...)
	frame = append(frame, 0x00, 0x00) // no peer id yet
	frame = append(frame, 0x00)       // channel 0
	frame = append(frame, packetTypeOriginal)
	return frame
}

func discoFrame(peerID []byte) []byte {
	frame := make([]byte, 0, 7)
	frame = append(frame, protocolID...)
	frame = append(frame, peerID...)
	frame = append(frame, 0x00) // channel 0
	frame = append(frame, controlTypeDisco)
	return frame
}

// Prober performs the two-step liveness handshake against announced servers.
type Prober struct {
	log zerolog.Logger

	// Timeout for a single reply; overridable in tests.
	Timeout time.Duration
	// Jitter before each attempt; zero disables pacing.
	Jitter time.Duration
}

func New(log zerolog.Logger) *Prober {
	return &Prober{
		log:     log.With().Str("component", "probe").Logger(),
		Timeout: replyTimeout,
		Jitter:  maxAttemptJitter,
	}
}

// Ping probes every resolved endpoint of an announced server. A hostname may
// resolve to several addresses and a client could pick any of them, so each
// endpoint must independently pass; one dead endpoint fails the announce.
// Returns the minimum observed round-trip in seconds.
func (p *Prober) Ping(address string, port int, ips []net.IP) (float64, error) {
	if len(ips) == 0 {
		return 0, fmt.Errorf("no endpoints to probe for %s", address)
	}
	best := 0.0
	for _, ip := range ips {
		rtt, err := p.pingEndpoint(&net.UDPAddr{IP: ip, Port: port})
		if err != nil {
			p.log.Warn().Str("address", address).Int("port", port).
				Stringer("endpoint", ip).Err(err).Msg("endpoint did not respond")
			return 0, fmt.Errorf("server %s port %d did not respond to ping (tried %s)", address, port, ip)
		}
		if best == 0 || rtt < best {
			best = rtt
		}
	}
	return best, nil
}

// pingEndpoint runs the handshake against one endpoint. It keeps exchanging
// until it has three successful round-trips or three failed attempts,
// whichever comes first, and reports the minimum round-trip so a single
// network blip does not skew the measurement.
func (p *Prober) pingEndpoint(addr *net.UDPAddr) (float64, error) {
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		// Socket setup failure, as opposed to a handshake timeout.
		return 0, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	var pings []float64
	attempts := 0
	for len(pings) < maxSuccesses && attempts-len(pings) < maxFailures {
		attempts++
		if p.Jitter > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(p.Jitter))))
		}

		rtt, err := p.exchange(conn)
		if err != nil {
			if isConnRefused(err) {
				// ICMP port unreachable: definitively down, retrying is pointless.
				return 0, fmt.Errorf("connection refused: %w", err)
			}
			continue
		}
		pings = append(pings, rtt)
	}

	if len(pings) == 0 {
		return 0, errors.New("handshake timed out")
	}
	best := pings[0]
	for _, v := range pings[1:] {
		if v < best {
			best = v
		}
	}
	return best, nil
}

func (p *Prober) exchange(conn *net.UDPConn) (float64, error) {
	if err := conn.SetDeadline(time.Now().Add(p.Timeout)); err != nil {
		return 0, err
	}
	if _, err := conn.Write(helloFrame()); err != nil {
		return 0, err
	}
	start := time.Now()

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start).Seconds()
	if n < minReplyLen {
		return 0, fmt.Errorf("short reply (%d bytes)", n)
	}

	// Close the session the server just opened for us.
	peerID := buf[peerIDOffset : peerIDOffset+2]
	if _, err := conn.Write(discoFrame(peerID)); err != nil {
		return 0, err
	}
	return rtt, nil
}

func isConnRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var syserr *os.SyscallError
	return errors.As(err, &syserr) && errors.Is(syserr.Err, syscall.ECONNREFUSED)
}
