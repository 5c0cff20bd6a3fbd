package servers

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProber struct {
	ping float64
	err  error
	// pings by "address:port" override the default when set
	byAddr map[string]float64
}

func (s *stubProber) Ping(address string, port int, ips []net.IP) (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	if p, ok := s.byAddr[fmt.Sprintf("%s:%d", address, port)]; ok {
		return p, nil
	}
	return s.ping, nil
}

// stalledProber blocks every ping until released, so tests can hold several
// probe jobs in flight at once.
type stalledProber struct {
	arrived chan struct{}
	release chan struct{}
}

func (s *stalledProber) Ping(address string, port int, ips []net.IP) (float64, error) {
	s.arrived <- struct{}{}
	<-s.release
	return 0.05, nil
}

type testEnv struct {
	engine  *Engine
	store   *MemoryStore
	tracker *ErrorTracker
	clk     *clock.Mock
	prober  *stubProber
	path    string
	// resolved is returned by the stub resolver for every lookup
	resolved []net.IP
}

// newTestEnv builds an engine without workers, so announces finish inline
// and tests stay deterministic.
func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		clk:      clock.NewMock(),
		store:    NewMemoryStore(),
		prober:   &stubProber{ping: 0.05},
		resolved: []net.IP{net.ParseIP("203.0.113.5")},
	}
	env.tracker = NewErrorTracker(env.clk)
	publisher, path := testPublisher(t, env.store, env.clk)
	env.path = path
	if cfg.PopularityFactor == 0 {
		cfg.PopularityFactor = 0.9
	}
	resolve := func(address string) ([]net.IP, error) {
		if ip := net.ParseIP(address); ip != nil {
			return []net.IP{ip}, nil
		}
		return env.resolved, nil
	}
	env.engine = NewEngine(env.store, env.tracker, publisher, env.prober, nil,
		NewBanList([]string{"198.51.100.66"}, []string{"banned.net/30000"}),
		resolve, env.clk, zerolog.Nop(), cfg)
	return env
}

func announceJSON(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	base := map[string]any{
		"action":      "start",
		"clients":     3,
		"clients_max": 10,
		"uptime":      0,
		"game_time":   0,
		"version":     "5.9.0",
		"proto_min":   37,
		"proto_max":   44,
		"gameid":      "minetest",
		"name":        "Test Server",
		"description": "A test server",
	}
	for k, v := range fields {
		base[k] = v
	}
	data, err := json.Marshal(base)
	require.NoError(t, err)
	return data
}

func TestAnnounceStartCreatesRecord(t *testing.T) {
	env := newTestEnv(t, Config{RejectPrivateAddresses: true})

	msg, status := env.engine.Announce(announceJSON(t, nil), "203.0.113.5")
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "Request has been filed.", msg)

	rec, ok := env.store.Find(Identity{Address: "203.0.113.5", Port: 30000})
	require.True(t, ok)
	assert.Equal(t, "203.0.113.5", rec.Address, "address defaults to the announcing IP")
	assert.Equal(t, "203.0.113.5", rec.AnnounceIP)
	assert.True(t, rec.Online)
	assert.Equal(t, 3, rec.Clients)
	assert.Equal(t, 3, rec.ClientsTop)
	assert.InDelta(t, 3.0, rec.Popularity, 1e-9, "cold start: popularity equals the announced count")
	assert.InDelta(t, 0.05, rec.Ping, 1e-9)
	assert.Equal(t, env.clk.Now(), rec.StartTime)
}

func TestAnnouncePingAffectsRankOrder(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.prober.byAddr = map[string]float64{
		"fast.net:30000": 0.05,
		"slow.net:30000": 0.6,
	}

	_, status := env.engine.Announce(announceJSON(t, map[string]any{"address": "fast.net"}), "203.0.113.5")
	require.Equal(t, http.StatusAccepted, status)
	_, status = env.engine.Announce(announceJSON(t, map[string]any{"address": "slow.net"}), "203.0.113.5")
	require.Equal(t, http.StatusAccepted, status)

	doc := readList(t, env.path)
	require.Len(t, doc.List, 2)
	assert.Equal(t, "fast.net", doc.List[0].Address, "lower ping ranks above an otherwise identical server")
}

func TestAnnounceUpdateWithoutStart(t *testing.T) {
	env := newTestEnv(t, Config{})
	msg, status := env.engine.Announce(announceJSON(t, map[string]any{"action": "update"}), "203.0.113.5")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Server to update not found.", msg)
	assert.Empty(t, env.store.Online(), "no record may be created")
}

func TestAnnounceUpdateWithoutStartLenient(t *testing.T) {
	env := newTestEnv(t, Config{AllowUpdateWithoutOld: true})
	_, status := env.engine.Announce(announceJSON(t, map[string]any{"action": "update"}), "203.0.113.5")
	assert.Equal(t, http.StatusAccepted, status)
	assert.Len(t, env.store.Online(), 1, "lenient mode treats the update as an implicit start")
}

func TestAnnounceUpdateMergesCounters(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.engine.Announce(announceJSON(t, map[string]any{"clients": 10, "mods": []string{"mesecons"}}), "203.0.113.5")

	env.clk.Add(5 * time.Minute)
	env.engine.Announce(announceJSON(t, map[string]any{"action": "update", "clients": 4}), "203.0.113.5")

	rec, ok := env.store.Find(Identity{Address: "203.0.113.5", Port: 30000})
	require.True(t, ok)
	assert.Equal(t, 4, rec.Clients)
	assert.Equal(t, 10, rec.ClientsTop, "high-water mark never decreases")
	assert.InDelta(t, 10*0.9+4*0.1, rec.Popularity, 1e-9)
	assert.Equal(t, []string{"mesecons"}, rec.Mods, "start-only fields survive updates")

	// Updates never move the session start.
	assert.Equal(t, env.clk.Now().Add(-5*time.Minute), rec.StartTime)
}

func TestAnnounceClientsTopMonotonic(t *testing.T) {
	env := newTestEnv(t, Config{})
	counts := []int{5, 2, 9, 1, 9, 3}
	env.engine.Announce(announceJSON(t, map[string]any{"clients": counts[0]}), "203.0.113.5")

	top := counts[0]
	for _, c := range counts[1:] {
		env.engine.Announce(announceJSON(t, map[string]any{"action": "update", "clients": c}), "203.0.113.5")
		rec, _ := env.store.Find(Identity{Address: "203.0.113.5", Port: 30000})
		top = max(top, c)
		assert.Equal(t, top, rec.ClientsTop)
	}
}

func TestAnnounceDelete(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.engine.Announce(announceJSON(t, nil), "203.0.113.5")
	require.Equal(t, 1, readList(t, env.path).Total.Servers)

	msg, status := env.engine.Announce(announceJSON(t, map[string]any{"action": "delete"}), "203.0.113.5")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Removed from server list.", msg)

	doc := readList(t, env.path)
	assert.Equal(t, 0, doc.Total.Servers, "total.servers decrements")
	assert.Empty(t, doc.List)

	rec, ok := env.store.Find(Identity{Address: "203.0.113.5", Port: 30000})
	require.True(t, ok, "offline record keeps its data until purged")
	assert.False(t, rec.Online)
}

func TestAnnounceDeleteUnknownServer(t *testing.T) {
	env := newTestEnv(t, Config{})
	msg, status := env.engine.Announce(announceJSON(t, map[string]any{"action": "delete"}), "203.0.113.5")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Server not found.", msg)
}

func TestAnnounceWorldUUIDMigration(t *testing.T) {
	env := newTestEnv(t, Config{})
	uuid := "b3c2d7f0-1a2b-4c3d-8e4f-5a6b7c8d9e0f"

	env.engine.Announce(announceJSON(t, map[string]any{"world_uuid": uuid, "clients": 8}), "203.0.113.5")
	env.clk.Add(time.Hour)

	// The server migrates networks and re-announces from a different IP.
	env.engine.Announce(announceJSON(t, map[string]any{"world_uuid": uuid, "clients": 2}), "198.51.100.7")

	rec, ok := env.store.Find(Identity{WorldUUID: uuid})
	require.True(t, ok)
	assert.Equal(t, "198.51.100.7", rec.AnnounceIP, "second start wins")
	assert.Equal(t, "198.51.100.7", rec.Address)
	assert.Equal(t, env.clk.Now(), rec.StartTime, "session start resets")
	assert.Equal(t, 8, rec.ClientsTop, "high-water mark does not reset")
	assert.Len(t, env.store.Online(), 1, "still one record")
}

func TestAnnounceConcurrentUpdatesKeepClientsTopMonotonic(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.engine.Announce(announceJSON(t, map[string]any{"clients": 5}), "203.0.113.5")

	sp := &stalledProber{arrived: make(chan struct{}, 2), release: make(chan struct{})}
	env.engine.prober = sp
	env.engine.Start(2)

	_, status := env.engine.Announce(announceJSON(t, map[string]any{"action": "update", "clients": 10}), "203.0.113.5")
	require.Equal(t, http.StatusAccepted, status)
	_, status = env.engine.Announce(announceJSON(t, map[string]any{"action": "update", "clients": 4}), "203.0.113.5")
	require.Equal(t, http.StatusAccepted, status)

	// Hold both jobs in their probe so neither has committed, then let them
	// race to the store.
	<-sp.arrived
	<-sp.arrived
	close(sp.release)
	env.engine.Stop()

	rec, ok := env.store.Find(Identity{Address: "203.0.113.5", Port: 30000})
	require.True(t, ok)
	assert.Equal(t, 10, rec.ClientsTop, "clients_top must be monotonically non-decreasing across updates")
	assert.Contains(t, []int{4, 10}, rec.Clients, "the later commit wins the current count")
}

func TestAnnounceQueueOverflowTracksDrop(t *testing.T) {
	env := newTestEnv(t, Config{QueueSize: 1})
	sp := &stalledProber{arrived: make(chan struct{}, 1), release: make(chan struct{})}
	env.engine.prober = sp
	env.engine.Start(1)

	_, status := env.engine.Announce(announceJSON(t, nil), "203.0.113.5")
	require.Equal(t, http.StatusAccepted, status)
	<-sp.arrived // the worker is mid-probe, the queue is empty again

	_, status = env.engine.Announce(announceJSON(t, nil), "203.0.113.5")
	require.Equal(t, http.StatusAccepted, status) // fills the queue

	_, status = env.engine.Announce(announceJSON(t, nil), "203.0.113.5")
	require.Equal(t, http.StatusAccepted, status) // overflows, dropped

	key := ErrorKey{IP: "203.0.113.5", Address: "203.0.113.5", Port: 30000}
	e, ok := env.tracker.Get(key)
	require.True(t, ok, "a dropped announce must leave a retrievable error")
	assert.Contains(t, e.Message, "too many queued announces")

	close(sp.release)
	env.engine.Stop()
}

func TestAnnounceProbeFailureLeavesOldRecord(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.engine.Announce(announceJSON(t, map[string]any{"clients": 6}), "203.0.113.5")

	env.prober.err = fmt.Errorf("handshake timed out")
	msg, status := env.engine.Announce(announceJSON(t, map[string]any{"action": "update", "clients": 1}), "203.0.113.5")
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "Request has been filed.", msg)

	rec, _ := env.store.Find(Identity{Address: "203.0.113.5", Port: 30000})
	assert.Equal(t, 6, rec.Clients, "failed probe must not touch the committed record")

	// The next announce for the same identity is told about the failure.
	msg, status = env.engine.Announce(announceJSON(t, map[string]any{"action": "update", "clients": 1}), "203.0.113.5")
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, msg, "previous request encountered the following error")
	assert.Contains(t, msg, "did not respond to ping")
}

func TestAnnounceResolutionFailureIsTracked(t *testing.T) {
	env := newTestEnv(t, Config{})
	boom := fmt.Errorf("no such host")
	env.engine.resolve = func(address string) ([]net.IP, error) { return nil, boom }

	_, status := env.engine.Announce(announceJSON(t, map[string]any{"address": "ghost.net"}), "203.0.113.5")
	require.Equal(t, http.StatusAccepted, status)

	msg, status := env.engine.Announce(announceJSON(t, map[string]any{"address": "ghost.net"}), "203.0.113.5")
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, msg, "Unable to get address info for ghost.net")
}

func TestAnnounceEmptyResolutionIsTracked(t *testing.T) {
	env := newTestEnv(t, Config{})
	// A resolver returning no addresses and no error is treated the same as
	// a failed lookup.
	env.engine.resolve = func(address string) ([]net.IP, error) { return nil, nil }

	_, status := env.engine.Announce(announceJSON(t, map[string]any{"address": "ghost.net"}), "203.0.113.5")
	require.Equal(t, http.StatusAccepted, status)
	assert.Empty(t, env.store.Online(), "nothing may be committed")

	msg, status := env.engine.Announce(announceJSON(t, map[string]any{"address": "ghost.net"}), "203.0.113.5")
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, msg, "Unable to get address info for ghost.net")
}

func TestAnnounceDomainMismatchIsStickyWarning(t *testing.T) {
	env := newTestEnv(t, Config{})
	// play.other.net resolves to an address that is not the announcer.
	env.resolved = []net.IP{net.ParseIP("192.0.2.44")}

	_, status := env.engine.Announce(announceJSON(t, map[string]any{"address": "play.other.net"}), "203.0.113.5")
	require.Equal(t, http.StatusAccepted, status)

	rec, ok := env.store.Find(Identity{Address: "play.other.net", Port: 30000})
	require.True(t, ok, "domain mismatch is accepted with a warning")
	assert.True(t, rec.AddrVerifyRequired, "warning flag is sticky on the record")

	msg, status := env.engine.Announce(announceJSON(t, map[string]any{"action": "update", "address": "play.other.net"}), "203.0.113.5")
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, msg, "the previous one was successful, but take note:")
	assert.Contains(t, msg, "does not match host play.other.net")
}

func TestAnnounceIPLiteralMismatchIsRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	msg, status := env.engine.Announce(announceJSON(t, map[string]any{"address": "192.0.2.99"}), "203.0.113.5")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, msg, "does not match server address")
	assert.Empty(t, env.store.Online())
}

func TestAnnouncePrivateAddressRejected(t *testing.T) {
	env := newTestEnv(t, Config{RejectPrivateAddresses: true})
	// Rejected outright regardless of requester IP.
	msg, status := env.engine.Announce(announceJSON(t, map[string]any{"address": "127.0.0.1"}), "127.0.0.1")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, msg, "private or local")
}

func TestAnnounceInvalidProtoRangeNeverReachesStore(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, status := env.engine.Announce(announceJSON(t, map[string]any{"proto_min": 44, "proto_max": 37}), "203.0.113.5")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Empty(t, env.store.Online())
}

func TestAnnounceBans(t *testing.T) {
	env := newTestEnv(t, Config{})

	msg, status := env.engine.Announce(announceJSON(t, nil), "198.51.100.66")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Banned (IP).", msg)

	msg, status = env.engine.Announce(announceJSON(t, map[string]any{"address": "banned.net"}), "203.0.113.5")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Banned (Server).", msg)
}

func TestAnnounceMalformedJSON(t *testing.T) {
	env := newTestEnv(t, Config{})

	msg, status := env.engine.Announce([]byte("{nope"), "203.0.113.5")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Unable to process JSON data.", msg)

	msg, status = env.engine.Announce([]byte(`{"action":"reboot"}`), "203.0.113.5")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid action field.", msg)
}

func TestAnnounceIdenticalUpdateKeepsRank(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.engine.Announce(announceJSON(t, map[string]any{"address": "a.net", "clients": 5}), "203.0.113.5")
	env.engine.Announce(announceJSON(t, map[string]any{"address": "b.net", "clients": 3}), "203.0.113.5")

	order := func() []string {
		doc := readList(t, env.path)
		out := make([]string, len(doc.List))
		for i, r := range doc.List {
			out[i] = r.Address
		}
		return out
	}
	first := order()

	env.engine.Announce(announceJSON(t, map[string]any{"action": "update", "address": "b.net", "clients": 3}), "203.0.113.5")
	env.engine.Announce(announceJSON(t, map[string]any{"action": "update", "address": "b.net", "clients": 3}), "203.0.113.5")
	assert.Equal(t, first, order(), "re-sending identical data does not move the rank")
}
