package proxy

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/matst80/notary/internal/apperr"
)

// DefaultPort is used when the target names no port.
const DefaultPort = "443"

// ParseTarget turns "host" or "host:port" into a dialable "host:port".
// IPv6 literals must be bracketed when a port is given.
func ParseTarget(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperr.ErrInvalidTarget.WithDetails("empty target")
	}
	if strings.ContainsAny(token, "/?#@ ") {
		return "", apperr.ErrInvalidTarget.WithDetails("%q", token)
	}
	host, port := token, DefaultPort
	if strings.HasPrefix(token, "[") {
		end := strings.IndexByte(token, ']')
		if end == -1 {
			return "", apperr.ErrInvalidTarget.WithDetails("%q", token)
		}
		host = token[1:end]
		rest := token[end+1:]
		switch {
		case rest == "":
		case strings.HasPrefix(rest, ":"):
			port = rest[1:]
		default:
			return "", apperr.ErrInvalidTarget.WithDetails("%q", token)
		}
	} else if strings.Count(token, ":") == 1 {
		host, port, _ = strings.Cut(token, ":")
	} else if strings.Count(token, ":") > 1 {
		// bare IPv6 literal
		if net.ParseIP(token) == nil {
			return "", apperr.ErrInvalidTarget.WithDetails("%q", token)
		}
	}
	if host == "" {
		return "", apperr.ErrInvalidTarget.WithDetails("missing host in %q", token)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", apperr.ErrInvalidTarget.WithDetails("bad port in %q", token)
	}
	return net.JoinHostPort(host, port), nil
}

// TargetFromQuery reads the target from ?token= or, failing that, ?host=.
func TargetFromQuery(q url.Values) (string, error) {
	t := q.Get("token")
	if t == "" {
		t = q.Get("host")
	}
	return ParseTarget(t)
}
