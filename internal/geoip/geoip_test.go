package geoip

import (
	"net"
	"path/filepath"
	"testing"
)

func TestOpenWithoutDatabases(t *testing.T) {
	l, err := Open("", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	if l.Enabled() {
		t.Fatalf("expected disabled lookup")
	}
	info, err := l.Lookup(net.ParseIP("8.8.8.8"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if info != (Info{}) {
		t.Fatalf("expected empty info, got %+v", info)
	}
}

func TestOpenMissingDatabase(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing.mmdb"), ""); err == nil {
		t.Fatalf("expected error for missing database")
	}
}

func TestNilLookup(t *testing.T) {
	var l *Lookup
	if l.Enabled() {
		t.Fatalf("nil lookup should be disabled")
	}
	if _, err := l.Lookup(net.ParseIP("1.1.1.1")); err != nil {
		t.Fatalf("Lookup on nil: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close on nil: %v", err)
	}
}
