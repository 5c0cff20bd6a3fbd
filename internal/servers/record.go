// Package servers holds the tracked server records, the reconciliation
// engine that merges announcements into them, the ranking that orders the
// published list, and the sweeper that expires stale entries.
package servers

import (
	"fmt"
	"time"
)

// Identity is the key distinguishing one tracked server from another. The
// world UUID wins when present since it cannot be spoofed by claiming someone
// else's address; (address, port) is the legacy fallback.
type Identity struct {
	WorldUUID string
	Address   string
	Port      int
}

func (id Identity) addrKey() string {
	return fmt.Sprintf("%s:%d", id.Address, id.Port)
}

// Record is the full tracked state for one announced server.
type Record struct {
	WorldUUID string
	Online    bool

	// Connection address the server announced, and the IP the announce
	// request actually arrived from.
	Address    string
	Port       int
	AnnounceIP string

	// Name of the server software, e.g. "minetest".
	ServerID string

	ClientsList []string
	Clients     int
	ClientsTop  int // high-water mark for this record
	ClientsMax  int

	FirstSeen  time.Time
	StartTime  time.Time // most recent "start" announce
	LastUpdate time.Time

	// Accumulated online time across sessions, and the most recent time the
	// server went down. Both feed the fresh-restart ranking penalty.
	TotalUptime time.Duration
	DownTime    time.Time

	GameTime int64
	Lag      float64
	Ping     float64 // seconds, measured by the prober

	Mods    []string
	Version string

	ProtoMin int
	ProtoMax int

	GameID       string
	Mapgen       string
	URL          string
	DefaultPrivs string
	Name         string
	Description  string

	// Smoothed running average of the client count. Only ever written by the
	// reconciliation engine's smoothing update.
	Popularity float64

	GeoContinent string

	Creative         bool
	Dedicated        bool
	Damage           bool
	PVP              bool
	PasswordRequired bool
	Rollback         bool
	CanSeeFarNames   bool

	// Sticky: once an announce was only soft-accepted after a failed address
	// verification, later updates keep re-warning instead of silently
	// trusting the address.
	AddrVerifyRequired bool
}

// Identity returns the record's lookup key.
func (r *Record) Identity() Identity {
	return Identity{WorldUUID: r.WorldUUID, Address: r.Address, Port: r.Port}
}

// SetOffline transitions the record to offline, folding the finished session
// into the cumulative uptime. The record keeps its last known data until it
// is purged.
func (r *Record) SetOffline(now time.Time) {
	r.Online = false
	r.TotalUptime += now.Sub(r.StartTime)
	r.DownTime = now
}

// PublicRecord is the projection of a Record served in the published list.
// Field names are the wire format game clients parse.
type PublicRecord struct {
	Address        string   `json:"address"`
	CanSeeFarNames bool     `json:"can_see_far_names"`
	Clients        int      `json:"clients"`
	ClientsList    []string `json:"clients_list"`
	ClientsMax     int      `json:"clients_max"`
	ClientsTop     int      `json:"clients_top"`
	Creative       bool     `json:"creative"`
	Damage         bool     `json:"damage"`
	Dedicated      bool     `json:"dedicated"`
	Description    string   `json:"description"`
	GameTime       int64    `json:"game_time"`
	GameID         string   `json:"gameid"`
	Name           string   `json:"name"`
	Password       bool     `json:"password"`
	Ping           float64  `json:"ping"`
	Popularity     float64  `json:"pop_v"`
	Port           int      `json:"port"`
	ProtoMax       int      `json:"proto_max"`
	ProtoMin       int      `json:"proto_min"`
	PVP            bool     `json:"pvp"`
	Rollback       bool     `json:"rollback"`
	Uptime         int64    `json:"uptime"`
	Version        string   `json:"version"`

	GeoContinent string   `json:"geo_continent,omitempty"`
	Lag          float64  `json:"lag,omitempty"`
	Mapgen       string   `json:"mapgen,omitempty"`
	Mods         []string `json:"mods,omitempty"`
	DefaultPrivs string   `json:"privs,omitempty"`
	ServerID     string   `json:"server_id,omitempty"`
	URL          string   `json:"url,omitempty"`
}

// FromPublic rebuilds a Record from a published projection, for seeding the
// store from an existing snapshot. Session timestamps are reconstructed from
// the published uptime; the announce IP is unknown until the server next
// announces, so the address stands in.
func FromPublic(p PublicRecord, now time.Time) Record {
	return Record{
		Online:           true,
		Address:          p.Address,
		Port:             p.Port,
		AnnounceIP:       p.Address,
		ServerID:         p.ServerID,
		ClientsList:      p.ClientsList,
		Clients:          p.Clients,
		ClientsTop:       p.ClientsTop,
		ClientsMax:       p.ClientsMax,
		FirstSeen:        now.Add(-time.Duration(p.Uptime) * time.Second),
		StartTime:        now.Add(-time.Duration(p.Uptime) * time.Second),
		LastUpdate:       now,
		GameTime:         p.GameTime,
		Lag:              p.Lag,
		Ping:             p.Ping,
		Mods:             p.Mods,
		Version:          p.Version,
		ProtoMin:         p.ProtoMin,
		ProtoMax:         p.ProtoMax,
		GameID:           p.GameID,
		Mapgen:           p.Mapgen,
		URL:              p.URL,
		DefaultPrivs:     p.DefaultPrivs,
		Name:             p.Name,
		Description:      p.Description,
		Popularity:       p.Popularity,
		GeoContinent:     p.GeoContinent,
		Creative:         p.Creative,
		Dedicated:        p.Dedicated,
		Damage:           p.Damage,
		PVP:              p.PVP,
		PasswordRequired: p.Password,
		Rollback:         p.Rollback,
		CanSeeFarNames:   p.CanSeeFarNames,
	}
}

// Public builds the published projection. Uptime is derived from the current
// session start so it stays accurate between announces.
func (r *Record) Public(now time.Time) PublicRecord {
	clients := r.ClientsList
	if clients == nil {
		clients = []string{}
	}
	return PublicRecord{
		Address:        r.Address,
		CanSeeFarNames: r.CanSeeFarNames,
		Clients:        r.Clients,
		ClientsList:    clients,
		ClientsMax:     r.ClientsMax,
		ClientsTop:     r.ClientsTop,
		Creative:       r.Creative,
		Damage:         r.Damage,
		Dedicated:      r.Dedicated,
		Description:    r.Description,
		GameTime:       r.GameTime,
		GameID:         r.GameID,
		Name:           r.Name,
		Password:       r.PasswordRequired,
		Ping:           r.Ping,
		Popularity:     r.Popularity,
		Port:           r.Port,
		ProtoMax:       r.ProtoMax,
		ProtoMin:       r.ProtoMin,
		PVP:            r.PVP,
		Rollback:       r.Rollback,
		Uptime:         int64(now.Sub(r.StartTime).Seconds()),
		Version:        r.Version,
		GeoContinent:   r.GeoContinent,
		Lag:            r.Lag,
		Mapgen:         r.Mapgen,
		Mods:           r.Mods,
		DefaultPrivs:   r.DefaultPrivs,
		ServerID:       r.ServerID,
		URL:            r.URL,
	}
}
