package domain

import (
	"net"
	"net/url"
	"strings"
	"unicode"

	"github.com/cockroachdb/errors"
)

// NormalizeDomain reduces user input such as "HTTPS://Example.com./path?q"
// to a bare lowercase hostname.
func NormalizeDomain(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.Wrap(ErrInvalidInput, "empty domain")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidInput, "parse domain %q", raw)
	}
	host := u.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", errors.Wrapf(ErrInvalidInput, "no host in %q", raw)
	}
	if !ValidHost(host) {
		return "", errors.Wrapf(ErrInvalidInput, "invalid host in %q", raw)
	}
	return host, nil
}

// ValidHost reports whether host is an IP address or a hostname made of
// non-empty labels of letters, digits, '-' and '_'.
func ValidHost(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
				return false
			}
		}
	}
	return true
}

// StripWWW removes a leading "www." label.
func StripWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}
