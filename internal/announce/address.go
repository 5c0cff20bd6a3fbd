package announce

import (
	"context"
	"net"
	"strings"
	"time"
)

// AddrErrorCode classifies a rejected claimed address.
type AddrErrorCode int

const (
	AddrIsPrivate AddrErrorCode = iota + 1
	AddrIsInvalid
	AddrIsInvalidPort
	AddrIsUnicode
	AddrIsExample
)

// AddrError is a hard rejection of a claimed server address. The message is
// shown verbatim to the server operator, so it explains how to fix the setup.
type AddrError struct {
	Code AddrErrorCode
}

func (e *AddrError) Error() string {
	switch e.Code {
	case AddrIsPrivate:
		return "The server_address you provided is private or local. " +
			"It is only reachable in your local network.\n" +
			"If you meant to host a public server, adjust the setting and make sure your " +
			"firewall is permitting connections (e.g. port forwarding)."
	case AddrIsInvalidPort:
		return "The server_address you provided is invalid.\n" +
			"Note that the value must not include a port number."
	case AddrIsUnicode:
		return "The server_address you provided includes Unicode characters.\n" +
			"For domain names you have to use the punycode notation."
	case AddrIsExample:
		return "The server_address you provided is an example value."
	}
	return "The server_address you provided is invalid.\n" +
		"If you don't have a domain name, try removing the setting from your configuration."
}

const maxAddressLen = 255

var exampleTLDs = []string{".example.com", ".example.net", ".example.org"}
var reservedTLDs = []string{".localhost", ".local", ".internal"}

// Private prefixes cover the vast majority of misconfigured announces; a
// full RFC 1918/4193 parse is intentionally not attempted here.
var privateNets = []string{"10.", "192.168.", "127.", "0."}

// ScreenAddress performs the format checks on a claimed address that need no
// network access. It returns nil or an *AddrError suitable for a 400 reply.
func ScreenAddress(address string, rejectPrivate bool) error {
	name := strings.ToLower(address)

	// Placeholder values copied straight out of example configs.
	if name == "game.minetest.net" {
		return &AddrError{AddrIsExample}
	}
	for _, tld := range exampleTLDs {
		if strings.HasSuffix(name, tld) {
			return &AddrError{AddrIsExample}
		}
	}

	if len(name) > maxAddressLen {
		return &AddrError{AddrIsInvalid}
	}
	// Characters invalid in DNS names and IPs.
	if strings.ContainsAny(name, " @#/*\"'\t\v\r\n\x00") || strings.HasPrefix(name, "-") {
		return &AddrError{AddrIsInvalid}
	}
	// Private screening runs before the plausibility check so "localhost"
	// gets the private-address help text rather than the generic one.
	if rejectPrivate {
		for _, prefix := range privateNets {
			if strings.HasPrefix(name, prefix) {
				return &AddrError{AddrIsPrivate}
			}
		}
		if name == "localhost" {
			return &AddrError{AddrIsPrivate}
		}
		for _, tld := range reservedTLDs {
			if strings.HasSuffix(name, tld) {
				return &AddrError{AddrIsPrivate}
			}
		}
	}

	// If not IPv6 there must be at least one dot (two components). Bare TLDs
	// and integer-form IPs are both unwanted.
	if !strings.Contains(name, ":") && !strings.Contains(name, ".") {
		return &AddrError{AddrIsInvalid}
	}

	// IPv4/domain with a port, or IPv6 bracket notation: ports must not be
	// embedded in the address.
	if (strings.Contains(name, ".") && strings.Contains(name, ":")) ||
		(strings.Contains(name, ":") && strings.Contains(name, "[")) {
		return &AddrError{AddrIsInvalidPort}
	}

	// The game client cannot resolve Unicode hostnames.
	for _, c := range name {
		if c > 127 {
			return &AddrError{AddrIsUnicode}
		}
	}

	return nil
}

// IsDomain reports whether s looks like a domain name rather than an IP
// literal (approximate: has a dot and the TLD starts with a letter).
func IsDomain(s string) bool {
	i := strings.LastIndexByte(s, '.')
	if i < 0 || i+1 >= len(s) {
		return false
	}
	c := s[i+1]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// VerifyResult is the outcome of matching a claimed address against the IP
// an announce physically arrived from.
type VerifyResult int

const (
	// Verified means the announce IP is among the resolved addresses.
	Verified VerifyResult = iota
	// Tolerated means the check could not possibly succeed because the name
	// only resolves to the other address family; accepted with a warning.
	Tolerated
	// Mismatch means the announce IP does not belong to the claimed address.
	Mismatch
)

// VerifyResolved decides whether announceIP plausibly belongs to the host
// that resolved to ips. The caller handles the trivial address==announceIP
// case before resolving.
func VerifyResolved(ips []net.IP, announceIP string) VerifyResult {
	reqIP := net.ParseIP(announceIP)
	haveV4, haveV6 := false, false
	for _, ip := range ips {
		if ip.Equal(reqIP) {
			return Verified
		}
		if ip.To4() != nil {
			haveV4 = true
		} else {
			haveV6 = true
		}
	}
	// An IPv6 announcer against a v4-only name (or the inverse) can never
	// match; this happens accidentally all the time, so tolerate it.
	reqV6 := reqIP != nil && reqIP.To4() == nil
	if (reqV6 && !haveV6) || (!reqV6 && !haveV4) {
		return Tolerated
	}
	return Mismatch
}

const resolveTimeout = 3 * time.Second

// Resolver resolves a hostname to candidate UDP endpoints, the equivalent of
// getaddrinfo for a datagram socket. Injectable so tests avoid real DNS.
type Resolver func(address string) ([]net.IP, error)

// ResolveUDP is the production Resolver. IP literals short-circuit DNS.
func ResolveUDP(address string) ([]net.IP, error) {
	if ip := net.ParseIP(address); ip != nil {
		return []net.IP{ip}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, address)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}
