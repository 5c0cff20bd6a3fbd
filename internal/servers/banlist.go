package servers

import (
	"fmt"
	"strings"
)

// BanList answers whether an announcing IP or an announced server is banned.
// Server bans are configured as "host/port" pairs or bare lowercase hosts.
type BanList struct {
	ips     map[string]struct{}
	servers map[string]struct{}
}

func NewBanList(ips, servers []string) *BanList {
	b := &BanList{
		ips:     make(map[string]struct{}, len(ips)),
		servers: make(map[string]struct{}, len(servers)),
	}
	for _, ip := range ips {
		b.ips[ip] = struct{}{}
	}
	for _, s := range servers {
		b.servers[strings.ToLower(s)] = struct{}{}
	}
	return b
}

// IPBanned reports whether the announcing IP itself is banned.
func (b *BanList) IPBanned(ip string) bool {
	_, ok := b.ips[ip]
	return ok
}

// ServerBanned reports whether the announced server is banned, checked by
// announce IP/port and by the claimed address with and without port.
func (b *BanList) ServerBanned(announceIP, address string, port int) bool {
	if _, ok := b.servers[fmt.Sprintf("%s/%d", announceIP, port)]; ok {
		return true
	}
	if address != announceIP {
		// Normalize the address for ban checks.
		address = strings.TrimRight(strings.ToLower(address), ".")
		if _, ok := b.servers[fmt.Sprintf("%s/%d", address, port)]; ok {
			return true
		}
		if _, ok := b.servers[address]; ok {
			return true
		}
	}
	return false
}
