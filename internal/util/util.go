package util

import (
	"net"
	"strconv"
)

func NetJoin(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// BoolValue resolves an optional YAML toggle.
func BoolValue(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}
