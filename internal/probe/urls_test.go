package probe

import (
	"net/url"
	"testing"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/endpoint"
)

func fixedNow() time.Time {
	return time.UnixMilli(1700000000000)
}

func TestURLsDirect(t *testing.T) {
	ep, err := endpoint.Parse("https://cloud.example.com")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	u := URLs{Now: fixedNow}
	got := u.Download(ep, 1, 3)
	want := "https://cloud.example.com/connection-probe/download.ashx?bytes=1&t=1700000000000-3"
	if got != want {
		t.Fatalf("download url = %s, want %s", got, want)
	}
	got = u.Upload(ep, 0)
	want = "https://cloud.example.com/connection-probe/upload.ashx?t=1700000000000-0"
	if got != want {
		t.Fatalf("upload url = %s, want %s", got, want)
	}
}

func TestURLsRelay(t *testing.T) {
	ep, err := endpoint.Parse("http://10.0.0.5:8080")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	u := URLs{Relay: "https://api.example.com/relay/", Now: fixedNow}
	raw := u.Download(ep, 8<<20, 0)
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if parsed.Host != "api.example.com" || parsed.Path != "/relay/connection-probe/download.ashx" {
		t.Fatalf("unexpected relay url %s", raw)
	}
	q := parsed.Query()
	if q.Get("cloud") != "http://10.0.0.5:8080" || q.Get("bytes") != "8388608" {
		t.Fatalf("unexpected relay query %v", q)
	}
}
