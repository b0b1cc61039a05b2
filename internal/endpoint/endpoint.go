// Package endpoint normalizes user supplied cloud URLs into origins.
package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Endpoint is a normalized origin: scheme, host and optional port.
type Endpoint struct {
	Scheme string
	Host   string
}

// ValidationError reports input that cannot be turned into an http(s) origin.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid endpoint %q: %s", e.Input, e.Reason)
}

func (e Endpoint) String() string {
	if e.IsZero() {
		return ""
	}
	return e.Scheme + "://" + e.Host
}

func (e Endpoint) IsZero() bool {
	return e.Scheme == "" && e.Host == ""
}

// URL joins path onto the origin. path must start with "/".
func (e Endpoint) URL(path string, query url.Values) string {
	u := url.URL{Scheme: e.Scheme, Host: e.Host, Path: path}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Normalize parses raw and returns its origin. A non-empty warning means the
// input carried a path, query, fragment or credentials that were dropped.
func Normalize(raw string) (Endpoint, string, error) {
	input := strings.TrimSpace(raw)
	if input == "" {
		return Endpoint{}, "", &ValidationError{Input: raw, Reason: "endpoint is empty"}
	}
	u, err := url.Parse(input)
	if err != nil {
		return Endpoint{}, "", &ValidationError{Input: raw, Reason: "not a valid URL"}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Endpoint{}, "", &ValidationError{Input: raw, Reason: "URL must start with http or https"}
	}
	if u.Opaque != "" || u.Hostname() == "" {
		return Endpoint{}, "", &ValidationError{Input: raw, Reason: "URL has no host"}
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == defaultPort(scheme) {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	ep := Endpoint{Scheme: scheme, Host: host}

	warning := ""
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" || u.User != nil {
		warning = fmt.Sprintf("path, query and fragment are ignored; using origin %s", ep)
	}
	return ep, warning, nil
}

// Parse is Normalize without the warning.
func Parse(raw string) (Endpoint, error) {
	ep, _, err := Normalize(raw)
	return ep, err
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}
