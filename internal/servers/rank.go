package servers

import (
	"regexp"
	"time"
)

// Ranking tuning surface. These constants are the policy knobs; every term in
// Points refers to them rather than inlining numbers.
const (
	// Clients whose name matches guestNamePattern count at this weight, so
	// placeholder bots cannot game the ranking.
	guestClientWeight = 1.0 / 8

	// Above this fraction of advertised capacity, each additional client
	// subtracts points to spread players across the fleet.
	loadPenaltyFraction = 0.80

	// One point per month of world age, capped.
	ageBonusCap     = 8.0
	secondsPerMonth = 60 * 60 * 24 * 30

	// Half a point per average client, capped.
	popularityBonusCap = 4.0

	// Advertising more than this many slots is assumed to be a
	// misconfiguration or a list-gaming attempt.
	unrealisticClientsMax     = 200
	unrealisticClientsPenalty = 8.0

	// Ping over the threshold costs points proportionally.
	pingPenaltyThreshold = 0.4 // seconds
	pingPenaltyPerSecond = 8.0

	// Servers with under an hour of session uptime are penalized on a
	// linearly decaying scale, but only if they had also been down for more
	// than an hour before restarting.
	restartPenaltyWindow = time.Hour
	restartPenaltyMax    = 8.0

	// A protocol range spanning both legacy and current major versions
	// signals a compat proxy rather than a vanilla server.
	legacyProtoCeiling  = 32
	currentProtoFloor   = 36
	protoSpanMultiplier = 0.4
)

// Default-style client names like "Guest735" or "Player1234".
var guestNamePattern = regexp.MustCompile(`^[A-Z][a-z]{3,}[1-9][0-9]{2,3}$`)

// Points computes the rank score for a record. It is a pure function of the
// record's fields and now, so re-announcing identical data yields an
// identical rank.
func Points(r *Record, now time.Time) float64 {
	points := 0.0

	// One point per client, fractional for guest-like names. If the server
	// did not send a client list, the raw count stands in.
	if len(r.ClientsList) > 0 {
		for _, name := range r.ClientsList {
			if guestNamePattern.MatchString(name) {
				points += guestClientWeight
			} else {
				points++
			}
		}
	} else {
		points += float64(r.Clients)
	}

	// Load penalty. Note this can reduce points below the base term when
	// guests are present; that is intended.
	loadCap := int(float64(r.ClientsMax) * loadPenaltyFraction)
	if r.Clients > loadCap {
		points -= float64(r.Clients - loadCap)
	}

	points += min(ageBonusCap, float64(r.GameTime)/secondsPerMonth)

	points += min(popularityBonusCap, r.Popularity/2)

	if r.ClientsMax > unrealisticClientsMax {
		points -= unrealisticClientsPenalty
	}

	if r.Ping > pingPenaltyThreshold {
		points -= (r.Ping - pingPenaltyThreshold) * pingPenaltyPerSecond
	}

	// Fresh-restart penalty. A server bouncing quickly (down less than an
	// hour) is not double-penalized.
	uptime := now.Sub(r.StartTime)
	if uptime < restartPenaltyWindow {
		downTooLong := true
		if !r.DownTime.IsZero() {
			downTooLong = r.StartTime.Sub(r.DownTime) > restartPenaltyWindow
		}
		if downTooLong {
			points -= float64(restartPenaltyWindow-uptime) / float64(restartPenaltyWindow) * restartPenaltyMax
		}
	}

	if r.ProtoMin <= legacyProtoCeiling && r.ProtoMax > currentProtoFloor {
		points *= protoSpanMultiplier
	}

	return points
}
