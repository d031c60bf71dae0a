package lib

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/gosimple/slug"
)

// schemeOnlyRegex matches inputs such as "https://" that name a scheme and nothing else.
var schemeOnlyRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:/*$`)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// NormalizeOrigin turns a raw target into scheme://host[:port]. Inputs without an
// http(s) scheme are assumed to be https. The second return value is false when
// the input cannot be parsed or has no host.
func NormalizeOrigin(raw string) (string, bool) {
	candidate := strings.TrimSpace(raw)
	if schemeOnlyRegex.MatchString(candidate) {
		return "", false
	}
	candidate = strings.TrimRight(candidate, "/")
	if candidate == "" {
		return "", false
	}
	lower := strings.ToLower(candidate)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		candidate = "https://" + candidate
	}

	u, err := url.Parse(candidate)
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "" || strings.ContainsAny(host, " \t") {
		return "", false
	}

	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if port != "" && port != defaultPorts[scheme] {
		host = net.JoinHostPort(strings.Trim(host, "[]"), port)
	}
	return scheme + "://" + host, true
}

// NormalizeTargets normalizes every raw input, dropping invalid ones and keeping
// the first occurrence of each origin.
func NormalizeTargets(raw []string) []string {
	origins := make([]string, 0, len(raw))
	for _, item := range raw {
		if origin, ok := NormalizeOrigin(item); ok {
			origins = append(origins, origin)
		}
	}
	return GetUniqueItems(origins)
}

// JoinURLPath appends path to an origin, making sure exactly one slash separates them.
func JoinURLPath(origin, path string) string {
	return strings.TrimRight(origin, "/") + "/" + strings.TrimLeft(path, "/")
}

// OriginSlug turns an origin into a name usable as a directory, e.g.
// https://Example.com:8443 becomes example-com-8443.
func OriginSlug(origin string) string {
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}
	return slug.Make(strings.NewReplacer(".", "-", ":", "-").Replace(host))
}
