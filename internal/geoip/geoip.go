// Package geoip looks up the continent an IP address belongs to using a
// DB-IP/MaxMind .mmdb country database.
package geoip

import (
	"net"
	"strings"

	"github.com/oschwald/maxminddb-golang"
	"github.com/rs/zerolog"
)

type record struct {
	Continent struct {
		Code string `maxminddb:"code"`
	} `maxminddb:"continent"`
}

// Resolver answers continent lookups. A nil database is allowed and makes
// every lookup return ""; the registry works fine without GeoIP data.
type Resolver struct {
	db  *maxminddb.Reader
	log zerolog.Logger
}

// Open loads the database at path. An empty path yields a disabled resolver.
func Open(path string, log zerolog.Logger) (*Resolver, error) {
	r := &Resolver{log: log.With().Str("component", "geoip").Logger()}
	if path == "" {
		r.log.Warn().Msg("no GeoIP database configured; download one from " +
			"https://db-ip.com/db/download/ip-to-country-lite for working continent lookups")
		return r, nil
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	r.db = db
	return r, nil
}

// Continent returns the two-letter continent code for ip, or "" when the
// database is missing or has no answer.
func (r *Resolver) Continent(ip net.IP) string {
	if r == nil || r.db == nil || ip == nil {
		return ""
	}
	var rec record
	if err := r.db.Lookup(ip, &rec); err != nil {
		r.log.Warn().Stringer("ip", ip).Err(err).Msg("GeoIP lookup failed")
		return ""
	}
	if rec.Continent.Code == "" {
		r.log.Warn().Stringer("ip", ip).Msg("no GeoIP continent data")
	}
	return rec.Continent.Code
}

// ContinentForRemote looks up a remote address string as received from an
// HTTP request, stripping any IPv4-mapped prefix.
func (r *Resolver) ContinentForRemote(remote string) string {
	remote = strings.TrimPrefix(remote, "::ffff:")
	return r.Continent(net.ParseIP(remote))
}

// Close releases the database.
func (r *Resolver) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
