package ledger

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"enforcer/internal/services"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// NormalizeURL returns the dedup key for rawURL and the registrable domain of
// its host. The key lower-cases scheme and host, drops default ports and
// fragments, and trims a trailing slash from the path.
func NormalizeURL(rawURL string) (key, domain string, err error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", "", fmt.Errorf("%w: empty url", services.ErrValidation)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", "", fmt.Errorf("%w: parse url %q: %v", services.ErrValidation, trimmed, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("%w: url %q must be absolute", services.ErrValidation, trimmed)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	port := u.Port()
	if port != "" && defaultPorts[scheme] == port {
		port = ""
	}
	hostPort := host
	if port != "" {
		hostPort = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		hostPort = "[" + host + "]"
	}

	key = scheme + "://" + hostPort + strings.TrimRight(u.EscapedPath(), "/")
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}

	domain, err = publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		domain = host
	}
	return key, domain, nil
}
