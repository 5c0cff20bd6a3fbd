package servers

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"serverlist/internal/announce"
)

// Prober confirms a server is reachable and measures its latency. Every
// resolved endpoint must pass; the returned value is the round-trip time in
// seconds.
type Prober interface {
	Ping(address string, port int, ips []net.IP) (float64, error)
}

// GeoResolver maps an IP to a continent code, "" when unknown.
type GeoResolver interface {
	Continent(ip net.IP) string
}

// Config holds the engine policy knobs.
type Config struct {
	// Smoothing factor for the popularity running average: how strongly past
	// client counts are weighted over the current one.
	PopularityFactor float64
	// Treat an update for an unknown server as an implicit start. Off by
	// default: it backfills records but loses the start-only fields until
	// the next real start.
	AllowUpdateWithoutOld bool
	// Reject private/loopback addresses and reserved TLDs outright.
	RejectPrivateAddresses bool
	// Cap on queued probe jobs before announces are dropped.
	QueueSize int
}

// Engine reconciles inbound announces against the record store. The fast
// validation path runs on the caller's goroutine and answers immediately;
// address resolution, the UDP probe and the final commit run on a bounded
// worker pool since a probe can take seconds under packet loss.
type Engine struct {
	store     Store
	tracker   *ErrorTracker
	publisher *Publisher
	prober    Prober
	geo       GeoResolver
	bans      *BanList
	resolve   announce.Resolver
	clk       clock.Clock
	log       zerolog.Logger
	cfg       Config

	jobs chan probeJob
	wg   sync.WaitGroup
}

type probeJob struct {
	payload announce.Payload
	action  string
	id      Identity
	key     ErrorKey
}

func NewEngine(store Store, tracker *ErrorTracker, publisher *Publisher, prober Prober,
	geo GeoResolver, bans *BanList, resolve announce.Resolver, clk clock.Clock,
	log zerolog.Logger, cfg Config) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Engine{
		store:     store,
		tracker:   tracker,
		publisher: publisher,
		prober:    prober,
		geo:       geo,
		bans:      bans,
		resolve:   resolve,
		clk:       clk,
		log:       log.With().Str("component", "engine").Logger(),
		cfg:       cfg,
	}
}

// Start spins up n workers consuming probe jobs. Without Start, jobs run
// inline on the announcing goroutine (used by tests and one-shot tooling).
func (e *Engine) Start(n int) {
	if n <= 0 {
		n = 4
	}
	e.jobs = make(chan probeJob, e.cfg.QueueSize)
	for i := 0; i < n; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for j := range e.jobs {
				e.finish(j)
			}
		}()
	}
}

// Stop drains the job queue and waits for in-flight probes.
func (e *Engine) Stop() {
	if e.jobs != nil {
		close(e.jobs)
		e.wg.Wait()
	}
}

// Lookup returns a single record by announced address and port.
func (e *Engine) Lookup(address string, port int) (Record, bool) {
	return e.store.Find(Identity{Address: address, Port: port})
}

// Announce processes one announce payload from announceIP and returns the
// response text and HTTP status. State only changes on the delete path and,
// asynchronously, after a successful probe.
func (e *Engine) Announce(data []byte, announceIP string) (string, int) {
	if e.bans.IPBanned(announceIP) {
		return "Banned (IP).", http.StatusForbidden
	}

	p, err := announce.Decode(data)
	if err != nil {
		announcesTotal.WithLabelValues("invalid", "rejected").Inc()
		return "Unable to process JSON data.", http.StatusBadRequest
	}

	action := p.Str("action")
	if action != "start" && action != "update" && action != "delete" {
		announcesTotal.WithLabelValues("invalid", "rejected").Inc()
		return "Invalid action field.", http.StatusBadRequest
	}

	p["ip"] = announceIP
	if err := announce.NormalizePort(p); err != nil {
		announcesTotal.WithLabelValues(action, "rejected").Inc()
		return "Invalid JSON data: " + err.Error() + ".", http.StatusBadRequest
	}
	if p.Str("address") == "" {
		p["address"] = announceIP
	}
	address, port := p.Str("address"), p.Int("port")

	if e.bans.ServerBanned(announceIP, address, port) {
		announcesTotal.WithLabelValues(action, "banned").Inc()
		return "Banned (Server).", http.StatusForbidden
	}

	id := Identity{WorldUUID: p.Str("world_uuid"), Address: address, Port: port}
	old, found := e.store.Find(id)

	if action == "delete" {
		if !found {
			return "Server not found.", http.StatusOK
		}
		e.store.MarkOffline(id, e.clk.Now())
		if err := e.publisher.Publish(); err != nil {
			e.log.Error().Err(err).Msg("publish after delete failed")
		}
		announcesTotal.WithLabelValues(action, "accepted").Inc()
		return "Removed from server list.", http.StatusOK
	}

	if err := announce.Validate(p); err != nil {
		announcesTotal.WithLabelValues(action, "rejected").Inc()
		return "Invalid JSON data: " + err.Error() + ".", http.StatusBadRequest
	}

	if action == "update" && !found {
		if !e.cfg.AllowUpdateWithoutOld {
			announcesTotal.WithLabelValues(action, "rejected").Inc()
			return "Server to update not found.", http.StatusNotFound
		}
		action = "start"
	}

	// The address only needs checking when it is new to us; it is not the
	// primary key, so it can change between announces.
	if action == "start" || !found || old.Address != address {
		if err := announce.ScreenAddress(address, e.cfg.RejectPrivateAddresses); err != nil {
			announcesTotal.WithLabelValues(action, "rejected").Inc()
			return err.Error(), http.StatusBadRequest
		}
		// An IP-literal mismatch needs no DNS, so it is rejected here and
		// now. Domains are resolved and matched on the worker.
		if lit := net.ParseIP(address); lit != nil && address != announceIP {
			if announce.VerifyResolved([]net.IP{lit}, announceIP) == announce.Mismatch {
				announcesTotal.WithLabelValues(action, "rejected").Inc()
				return fmt.Sprintf("Requester IP %s does not match server address %s.",
					announceIP, address), http.StatusBadRequest
			}
		}
	}

	key := ErrorKey{IP: announceIP, Address: address, Port: port}
	prev, hadPrev := e.tracker.Get(key)

	e.enqueue(probeJob{payload: p, action: action, id: id, key: key})
	announcesTotal.WithLabelValues(action, "accepted").Inc()

	if hadPrev {
		if prev.Warning {
			return "Request has been filed and the previous one was successful, but take note:\n" +
				prev.Message, http.StatusConflict
		}
		return "Request has been filed, but the previous request encountered the following error:\n" +
			prev.Message, http.StatusConflict
	}
	return "Request has been filed.", http.StatusAccepted
}

func (e *Engine) enqueue(j probeJob) {
	if e.jobs == nil {
		e.finish(j)
		return
	}
	select {
	case e.jobs <- j:
	default:
		// Backpressure: under an announce flood dropping the probe is safer
		// than unbounded goroutine growth. The server re-announces shortly.
		// The tracker entry replaces any already-replayed prior error so the
		// next announce learns this one went nowhere.
		e.log.Warn().Str("address", j.id.Address).Int("port", j.id.Port).
			Msg("probe queue full, dropping announce")
		e.tracker.Put(j.key, false, fmt.Sprintf(
			"Request for server %s port %d was dropped: too many queued announces", j.id.Address, j.id.Port))
	}
}

// finish is the asynchronous half of an announce: resolve, verify, probe,
// then merge and commit. Failures are recorded in the error tracker so the
// next announce for the same identity learns about them.
func (e *Engine) finish(j probeJob) {
	defer func() {
		// A panicking probe must never take down the worker pool; treat it
		// as a failed probe scoped to this one identity.
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("address", j.id.Address).
				Msg("unexpected failure while finishing announce")
			probesTotal.WithLabelValues("error").Inc()
		}
	}()

	e.tracker.Remove(j.key)

	p := j.payload
	address, port := p.Str("address"), p.Int("port")
	announceIP := p.Str("ip")

	ips, err := e.resolve(address)
	if err != nil || len(ips) == 0 {
		msg := fmt.Sprintf("Unable to get address info for %s", address)
		e.log.Warn().Str("address", address).Err(err).Msg("resolution failed")
		e.tracker.Put(j.key, false, msg)
		probesTotal.WithLabelValues("resolve_failed").Inc()
		return
	}

	verifyFlagged := false
	if address != announceIP {
		switch announce.VerifyResolved(ips, announceIP) {
		case announce.Verified, announce.Tolerated:
			// Tolerated: the name resolves only to the other address family,
			// the check is structurally impossible to satisfy.
		case announce.Mismatch:
			msg := fmt.Sprintf("Requester IP %s does not match host %s", announceIP, address)
			if announce.IsDomain(address) {
				msg += fmt.Sprintf(" (valid: %s)", joinIPs(ips))
				// Domains fail transiently all the time, so mismatches are
				// downgraded to a sticky warning. Raw IPs get no leniency.
				e.log.Warn().Str("address", address).Str("ip", announceIP).Msg("address verification failed")
				e.tracker.Put(j.key, true, msg+"\nYou may have to set bind_address.")
				verifyFlagged = true
			} else {
				e.log.Warn().Str("address", address).Str("ip", announceIP).Msg("address verification failed")
				e.tracker.Put(j.key, false, msg)
				return
			}
		}
	}

	geo := ""
	if e.geo != nil {
		geo = e.geo.Continent(ips[len(ips)-1])
	}

	ping, err := e.prober.Ping(address, port, ips)
	if err != nil {
		msg := fmt.Sprintf("Server %s port %d did not respond to ping", address, port)
		if announce.IsDomain(address) {
			msg += fmt.Sprintf(" (tried %s)", joinIPs(ips))
		}
		e.log.Warn().Str("address", address).Int("port", port).Err(err).Msg("probe failed")
		e.tracker.Put(j.key, false, msg)
		probesTotal.WithLabelValues("down").Inc()
		return
	}
	probesTotal.WithLabelValues("up").Inc()

	// Merge under the store's lock: the record may have changed while the
	// job was queued, and two queued jobs for the same identity must not
	// interleave their read-modify-write.
	now := e.clk.Now()
	e.store.Update(j.id, func(old Record, found bool) Record {
		rec := mergeRecord(old, found, p, j.action, now, e.cfg.PopularityFactor)
		rec.Ping = ping
		if geo != "" {
			rec.GeoContinent = geo
		}
		if verifyFlagged {
			rec.AddrVerifyRequired = true
		}
		return rec
	})
	if err := e.publisher.Publish(); err != nil {
		e.log.Error().Err(err).Msg("publish failed")
	}
}

// mergeRecord builds the record to commit from the previous state and the
// validated payload.
func mergeRecord(old Record, found bool, p announce.Payload, action string, now time.Time, alpha float64) Record {
	numClients := p.Int("clients")

	rec := Record{}
	if found {
		rec = old
	}

	if !found {
		rec.WorldUUID = p.Str("world_uuid")
		rec.FirstSeen = now
		rec.ClientsTop = numClients
		// Cold start: no smoothing, popularity is the announced count.
		rec.Popularity = float64(numClients)
	} else {
		rec.ClientsTop = max(rec.ClientsTop, numClients)
		rec.Popularity = rec.Popularity*alpha + float64(numClients)*(1-alpha)
	}

	if action == "start" || !found {
		// Start-only fields; a plain update keeps the values from the last
		// real start.
		rec.StartTime = now
		rec.Mods = p.StrList("mods")
		rec.Mapgen = p.Str("mapgen")
		rec.DefaultPrivs = p.Str("privs")
		rec.Dedicated = p.Bool("dedicated")
		rec.Rollback = p.Bool("rollback")
		rec.CanSeeFarNames = p.Bool("can_see_far_names")
	}

	rec.Online = true
	rec.Address = p.Str("address")
	rec.Port = p.Int("port")
	rec.AnnounceIP = p.Str("ip")
	rec.ServerID = p.Str("server_id")
	rec.ClientsList = p.StrList("clients_list")
	rec.Clients = numClients
	rec.ClientsMax = p.Int("clients_max")
	rec.GameTime = int64(p.Int("game_time"))
	rec.Lag = p.Float("lag")
	rec.Version = p.Str("version")
	rec.ProtoMin = p.Int("proto_min")
	rec.ProtoMax = p.Int("proto_max")
	rec.GameID = p.Str("gameid")
	rec.URL = p.Str("url")
	rec.Name = p.Str("name")
	rec.Description = p.Str("description")
	rec.Creative = p.Bool("creative")
	rec.Damage = p.Bool("damage")
	rec.PVP = p.Bool("pvp")
	rec.PasswordRequired = p.Bool("password")
	rec.LastUpdate = now

	return rec
}

func joinIPs(ips []net.IP) string {
	s := ""
	for i, ip := range ips {
		if i > 0 {
			s += " "
		}
		s += ip.String()
	}
	return s
}
