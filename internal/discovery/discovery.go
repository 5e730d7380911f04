// Package discovery implements A7: mDNS/DNS-SD announce and browse for
// trx-rs servers on the local network. Grounded on rjboer-GoSDR's
// internal/mdns/mdns.go (zeroconf.NewResolver + Browse consumer loop) for the
// client side, and on the teacher's clients/go/instance_discovery.go for the
// ServiceEntry shape a client should expect; the announce side uses
// zeroconf.Register, the library's standard counterpart to Browse.
package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/grandcat/zeroconf"
)

const serviceType = "_trx-rs._tcp"

// Announce registers this server on the local network under instance at
// port, returning a stop func that un-registers it. txt carries free-form
// metadata (e.g. "callsign=N0CALL", "rigs=2").
func Announce(instance string, port int, txt []string) (stop func(), err error) {
	server, err := zeroconf.Register(instance, serviceType, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}
	return server.Shutdown, nil
}

// Peer is one discovered trx-rs server.
type Peer struct {
	Instance  string
	Hostname  string
	Addresses []net.IP
	Port      int
	Info      []string
}

// Discover browses for trx-rs servers for the given timeout and returns
// whatever was found, deduplicated by host:port.
func Discover(timeout time.Duration) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	seen := make(map[string]Peer)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)
				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				seen[key] = Peer{
					Instance:  e.Instance,
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
					Info:      append([]string{}, e.Text...),
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, serviceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	<-done

	out := make([]Peer, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	return out, nil
}
