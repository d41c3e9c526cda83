package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// DomainScope decides whether a URL belongs to the configured target domain.
// Patterns may be exact hosts ("example.com"), suffix wildcards
// ("*.example.com" or ".example.com"), or URL prefixes
// ("https://example.com/docs") that also pin the scheme and path.
type DomainScope struct {
	exact    map[string]struct{}
	suffixes []string
	prefixes []*url.URL
}

// NewDomainScope builds a scope from patterns. At least one non-empty pattern
// is required.
func NewDomainScope(patterns []string) (*DomainScope, error) {
	scope := &DomainScope{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if strings.Contains(value, "://") {
			prefix, err := url.Parse(value)
			if err != nil || prefix.Host == "" {
				return nil, fmt.Errorf("invalid domain prefix %q", value)
			}
			prefix.Scheme = strings.ToLower(prefix.Scheme)
			prefix.Host = strings.ToLower(prefix.Host)
			scope.prefixes = append(scope.prefixes, prefix)
			continue
		}
		value = strings.ToLower(value)
		switch {
		case strings.HasPrefix(value, "*."):
			scope.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			scope.addSuffix(strings.TrimPrefix(value, "."))
		default:
			scope.exact[value] = struct{}{}
		}
	}
	if len(scope.exact) == 0 && len(scope.suffixes) == 0 && len(scope.prefixes) == 0 {
		return nil, fmt.Errorf("domain scope requires at least one pattern")
	}
	return scope, nil
}

func (s *DomainScope) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range s.suffixes {
		if existing == suffix {
			return
		}
	}
	s.suffixes = append(s.suffixes, suffix)
}

// Contains reports whether rawURL is an http(s) URL inside the scope.
func (s *DomainScope) Contains(rawURL string) bool {
	if s == nil {
		return false
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if _, ok := s.exact[host]; ok {
		return true
	}
	for _, suffix := range s.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	for _, prefix := range s.prefixes {
		if scheme == prefix.Scheme && strings.EqualFold(u.Host, prefix.Host) &&
			strings.HasPrefix(u.EscapedPath(), prefix.EscapedPath()) {
			return true
		}
	}
	return false
}
