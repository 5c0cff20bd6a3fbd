// Package httpapi exposes the announce, list and geoip endpoints. Routing is
// deliberately thin: everything interesting happens in the servers engine.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"serverlist/internal/geoip"
	"serverlist/internal/servers"
)

// Announce payloads above this size are rejected before JSON decoding.
const maxAnnounceBytes = 8192

// API wires the HTTP endpoints to the engine and its collaborators.
type API struct {
	engine   *servers.Engine
	geo      *geoip.Resolver
	listPath string
	limiters *limiterTable
	log      zerolog.Logger
}

func New(engine *servers.Engine, geo *geoip.Resolver, listPath string, log zerolog.Logger) *API {
	t := newLimiterTable(rate.Limit(1), 3) // 1/s per IP, burst 3
	go t.cleanupLoop()
	return &API{
		engine:   engine,
		geo:      geo,
		listPath: listPath,
		limiters: t,
		log:      log.With().Str("component", "httpapi").Logger(),
	}
}

// Register installs all routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/announce", WithCORS(a.HandleAnnounce))
	mux.HandleFunc("/list", WithCORS(a.HandleList))
	mux.HandleFunc("/server/", WithCORS(a.HandleServer))
	mux.HandleFunc("/geoip", WithCORS(a.HandleGeoIP))
	mux.Handle("/metrics", promhttp.Handler())
}

// WithCORS allows browser-based list viewers to call the API.
func WithCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// remoteIP extracts the client IP, stripping any IPv4-mapped IPv6 prefix so
// bans and verification compare like with like.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return strings.TrimPrefix(host, "::ffff:")
}

// HandleAnnounce accepts a server announcement in the form/query field
// "json". Successful announces are answered before the probe runs.
func (a *API) HandleAnnounce(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !a.limiters.allow(ip) {
		http.Error(w, "Too many requests.", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAnnounceBytes*2)
	data := r.FormValue("json")
	if data == "" {
		http.Error(w, "Missing json field.", http.StatusBadRequest)
		return
	}
	if len(data) > maxAnnounceBytes {
		http.Error(w, "JSON data is too big.", http.StatusRequestEntityTooLarge)
		return
	}

	msg, status := a.engine.Announce([]byte(data), ip)
	w.WriteHeader(status)
	fmt.Fprintln(w, msg)
}

// HandleList serves the published list snapshot. The list mutates constantly
// so the cache lifetime is kept short.
func (a *API) HandleList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "max-age=20")
	w.Header().Set("Content-Type", "application/json")
	http.ServeFile(w, r, a.listPath)
}

// HandleServer serves a single record as /server/<address>/<port>.
func (a *API) HandleServer(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/server/"), "/"), "/")
	if len(parts) != 2 {
		http.Error(w, "Expected /server/<address>/<port>.", http.StatusBadRequest)
		return
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		http.Error(w, "Invalid port.", http.StatusBadRequest)
		return
	}
	rec, ok := a.engine.Lookup(parts[0], port)
	if !ok {
		http.Error(w, "Server not found.", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec.Public(time.Now()))
}

// HandleGeoIP answers with the requester's continent, null when unknown.
// Cacheable per client for a week; continents rarely move.
func (a *API) HandleGeoIP(w http.ResponseWriter, r *http.Request) {
	var continent *string
	if code := a.geo.ContinentForRemote(remoteIP(r)); code != "" {
		continent = &code
	}
	w.Header().Set("Cache-Control", "private, max-age=604800")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]*string{"continent": continent})
}
