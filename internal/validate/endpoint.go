// Package validate checks the network-facing values the configuration and
// the replication handshake accept from the outside world.
package validate

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// dnsLabelRe matches one DNS label: 1-63 alphanumeric characters or
// hyphens, starting and ending with an alphanumeric.
var dnsLabelRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// HostOrIP checks that s is an IP literal or a plausible DNS name, the
// forms accepted for external_server_address and follower callback hosts.
func HostOrIP(s string) error {
	if s == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidHost)
	}
	if net.ParseIP(s) != nil {
		return nil
	}
	if len(s) > 253 {
		return fmt.Errorf("%w: %q exceeds 253 characters", ErrInvalidHost, s)
	}
	for _, label := range strings.Split(s, ".") {
		if !dnsLabelRe.MatchString(label) {
			return fmt.Errorf("%w: %q is neither an IP literal nor a DNS name", ErrInvalidHost, s)
		}
	}
	return nil
}

// Port checks that n is a usable TCP port number.
func Port(n int) error {
	if n <= 0 || n > 65535 {
		return fmt.Errorf("%w: %d out of range 1-65535", ErrInvalidPort, n)
	}
	return nil
}
