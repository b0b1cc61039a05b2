package resolver

import (
	"context"
	"net"
	"testing"
)

func TestNewNormalizesServers(t *testing.T) {
	r := New([]string{" 1.1.1.1 ", "", "9.9.9.9:5353"})
	servers := r.Servers()
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", servers)
	}
	if servers[0] != "1.1.1.1:53" || servers[1] != "9.9.9.9:5353" {
		t.Fatalf("unexpected servers %v", servers)
	}
	if !r.Custom() {
		t.Fatalf("expected custom resolver")
	}
}

func TestResolveHostLiteralIP(t *testing.T) {
	r := New(nil)
	ips, err := r.ResolveHost(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(ips) != 1 || !ips[0].Equal(net.ParseIP("127.0.0.1")) {
		t.Fatalf("unexpected ips %v", ips)
	}
}

func TestDialContextLiteralIP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	// a custom server list forces the resolving path; literal IPs skip DNS
	r := New([]string{"192.0.2.1"})
	conn, err := r.DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
}
