package presence

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Resolver answers .local address queries.
type Resolver interface {
	Lookup(ctx context.Context, host string) (netip.Addr, error)
	Close() error
}

// ResolverFactory opens a resolver for one adapter session.
type ResolverFactory func() (Resolver, error)

// MDNSResolver resolves names with multicast DNS.
type MDNSResolver struct {
	conn *mdns.Conn
}

// OpenMDNS joins the mDNS multicast groups. localNames are answered for
// other hosts on the network; IPv6 is skipped when it is unavailable.
func OpenMDNS(localNames ...string) (*MDNSResolver, error) {
	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, fmt.Errorf("resolving mdns ipv4 address: %w", err)
	}
	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		return nil, fmt.Errorf("listening on mdns ipv4: %w", err)
	}

	var pc6 *ipv6.PacketConn
	if addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6); err == nil {
		if l6, err := net.ListenUDP("udp6", addr6); err == nil {
			pc6 = ipv6.NewPacketConn(l6)
		}
	}

	conn, err := mdns.Server(ipv4.NewPacketConn(l4), pc6, &mdns.Config{LocalNames: localNames})
	if err != nil {
		l4.Close() //nolint:errcheck // Best effort cleanup on error path
		if pc6 != nil {
			pc6.Close() //nolint:errcheck // Best effort cleanup on error path
		}
		return nil, fmt.Errorf("starting mdns: %w", err)
	}
	return &MDNSResolver{conn: conn}, nil
}

// Lookup returns the first address announced for host.
func (r *MDNSResolver) Lookup(ctx context.Context, host string) (netip.Addr, error) {
	_, addr, err := r.conn.QueryAddr(ctx, host)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr, nil
}

// Close leaves the multicast groups.
func (r *MDNSResolver) Close() error {
	return r.conn.Close()
}
