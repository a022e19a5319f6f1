// Package origin normalizes browser Origin headers and applies the
// allow-list used by the HTTP surfaces.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port]) and the host[:port]
// portion for same-host comparisons. The special value "null" is returned
// as-is with an empty host.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may call a server reached
// at requestHost. A non-empty allow-list is matched exactly ("*" matches
// everything); otherwise only same-host requests pass. Scheme is not
// compared so TLS-terminating proxies keep working.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	var scheme string
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		return false
	}

	reqHost, ok := normalizeHost(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// normalizeHost lower-cases host[:port] and drops the scheme's default port.
func normalizeHost(raw, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(strings.TrimSpace(raw)))
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port], accepting bracketed IPv6 literals. Unlike
// net.SplitHostPort it allows a missing port.
func splitHostPort(hostport string) (host, port string, ok bool) {
	if hostport == "" {
		return "", "", false
	}
	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return "", "", false
		}
		host = hostport[1:end]
		rest := hostport[end+1:]
		switch {
		case rest == "":
			return host, "", true
		case strings.HasPrefix(rest, ":") && len(rest) > 1:
			return host, rest[1:], true
		default:
			return "", "", false
		}
	}
	if strings.Count(hostport, ":") > 1 {
		return "", "", false
	}
	if i := strings.IndexByte(hostport, ':'); i >= 0 {
		if i == len(hostport)-1 {
			return "", "", false
		}
		return hostport[:i], hostport[i+1:], true
	}
	return hostport, "", true
}
