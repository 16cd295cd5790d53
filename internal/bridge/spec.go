// Package bridge relays radio sessions onto local TCP connections so the
// daemon can talk to a remote peer as if it were reachable over IP.
package bridge

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConnectSpec is returned when a connect spec has no addr token
var ErrInvalidConnectSpec = errors.New("bridge: connect spec has no addr")

// ParseConnectSpec extracts the peer address from a connect spec such as
// "addr=00:11:22:33:44:55,port=7". A leading transport prefix ("bt:") is
// ignored, as is every key other than addr.
func ParseConnectSpec(spec string) (string, error) {
	s := strings.TrimSpace(spec)
	if colon, eq := strings.IndexByte(s, ':'), strings.IndexByte(s, '='); colon >= 0 && colon < eq {
		s = s[colon+1:]
	}

	for _, token := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(token, "=")
		if !ok || strings.TrimSpace(key) != "addr" {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			return value, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidConnectSpec, spec)
}

// FormatConnectSpec builds the spec the daemon uses to reach addr
func FormatConnectSpec(addr, port string) string {
	return "addr=" + addr + ",port=" + port
}
