package probe

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/endpoint"
)

const (
	DownloadPath = "/connection-probe/download.ashx"
	UploadPath   = "/connection-probe/upload.ashx"
)

// URLs builds probe URLs for an endpoint, either directly or through a relay.
type URLs struct {
	// Relay is the relay base, e.g. https://api.example.com/relay. Empty means
	// the endpoint is probed directly.
	Relay string
	// Now is used for cache busters; defaults to time.Now.
	Now func() time.Time
}

func (u URLs) Download(ep endpoint.Endpoint, bytes int64, seq int) string {
	q := url.Values{}
	q.Set("bytes", strconv.FormatInt(bytes, 10))
	q.Set("t", u.cacheBuster(seq))
	return u.build(ep, DownloadPath, q)
}

func (u URLs) Upload(ep endpoint.Endpoint, seq int) string {
	q := url.Values{}
	q.Set("t", u.cacheBuster(seq))
	return u.build(ep, UploadPath, q)
}

func (u URLs) build(ep endpoint.Endpoint, path string, q url.Values) string {
	if u.Relay == "" {
		return ep.URL(path, q)
	}
	q.Set("cloud", ep.String())
	return strings.TrimRight(u.Relay, "/") + path + "?" + q.Encode()
}

func (u URLs) cacheBuster(seq int) string {
	now := time.Now
	if u.Now != nil {
		now = u.Now
	}
	return fmt.Sprintf("%d-%d", now().UnixMilli(), seq)
}
