package sys

import (
	"net"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// ServerHost returns the host of a dbcache server address, which may be a
// full URL ("http://cache:8080/") or a bare "host:port".
func ServerHost(server string) (string, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return "", errors.New("empty server address")
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", errors.Wrapf(err, "parse server address %q", server)
	}
	if u.Hostname() == "" {
		return "", errors.Newf("server address %q has no host", server)
	}
	return u.Hostname(), nil
}

// IsLocalhost reports whether server points at this machine: localhost, a
// loopback address, or the unspecified address a local server listens on.
func IsLocalhost(server string) bool {
	host, err := ServerHost(server)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	return false
}

// IsPlainHTTPRemote reports whether requests to server would leave this
// machine unencrypted.
func IsPlainHTTPRemote(server string) bool {
	s := strings.ToLower(strings.TrimSpace(server))
	plain := strings.HasPrefix(s, "http://") || !strings.Contains(s, "://")
	return plain && !IsLocalhost(server)
}
