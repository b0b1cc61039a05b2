// Package resolver resolves probe hosts, optionally through a fixed set of DNS
// servers instead of the system configuration.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

const dnsDialTimeout = 2 * time.Second

type Resolver struct {
	resolver *net.Resolver
	servers  []string
	next     uint32
	dialer   net.Dialer
}

// New returns a resolver using servers round-robin. With no servers it falls
// back to the system resolver.
func New(servers []string) *Resolver {
	r := &Resolver{dialer: net.Dialer{KeepAlive: 30 * time.Second}}
	for _, server := range servers {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		r.servers = append(r.servers, server)
	}
	if len(r.servers) == 0 {
		r.resolver = net.DefaultResolver
		return r
	}
	r.resolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			idx := atomic.AddUint32(&r.next, 1)
			server := r.servers[int(idx)%len(r.servers)]
			d := net.Dialer{Timeout: dnsDialTimeout}
			return d.DialContext(ctx, "udp", server)
		},
	}
	return r
}

// Servers returns the normalized server list.
func (r *Resolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

func (r *Resolver) Custom() bool {
	return len(r.servers) > 0
}

func (r *Resolver) ResolveHost(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if r.resolver == nil {
		return nil, fmt.Errorf("resolver not initialized")
	}
	addrs, err := r.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if addr.IP != nil {
			ips = append(ips, addr.IP)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPs resolved for %s", host)
	}
	return ips, nil
}

// DialContext resolves the host part of address and dials the resolved
// addresses in order until one connects. It fits http.Transport.DialContext.
func (r *Resolver) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !r.Custom() {
		return r.dialer.DialContext(ctx, network, address)
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ips, err := r.ResolveHost(ctx, host)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, ip := range ips {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("dial %s: %w", address, errors.Join(errs...))
}
