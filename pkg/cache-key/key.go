package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

// CacheKeyer derives cache keys for one origin.
// A key is the absolute request URL without fragment,
// so only GET requests have keys.
type CacheKeyer struct {
	// Origin of the controller, scheme and host only.
	Origin *url.URL
}

// NewCacheKeyer creates a keyer for the origin of the given URL.
// Path, query and fragment of the URL are ignored.
func NewCacheKeyer(u *url.URL) CacheKeyer {
	return CacheKeyer{
		Origin: &url.URL{Scheme: strings.ToLower(u.Scheme), Host: strings.ToLower(u.Host)},
	}
}

// OriginString returns the serialized origin, e.g. `https://kam.example`.
func (c CacheKeyer) OriginString() string {
	return c.Origin.String()
}

// Absolute resolves a possibly relative URL against the origin.
func (c CacheKeyer) Absolute(u *url.URL) *url.URL {
	abs := c.Origin.ResolveReference(u)
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs
}

// SameOrigin reports whether the URL has the same scheme and host as the origin.
// Relative URLs are same-origin.
func (c CacheKeyer) SameOrigin(u *url.URL) bool {
	if !u.IsAbs() {
		return true
	}
	return strings.EqualFold(u.Scheme, c.Origin.Scheme) && strings.EqualFold(u.Host, c.Origin.Host)
}

// GetKey returns the cache key for a request.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet && r.Method != "" {
		return "", ErrorMethodNotSupported
	}
	return c.Absolute(r.URL).String(), nil
}

// GetPathKey returns the cache key for a path on the origin.
func (c CacheKeyer) GetPathKey(path string) (string, error) {
	u, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("Malformed path %q: %w", path, err)
	}
	return c.Absolute(u).String(), nil
}

// GetRequestFromKey generates a GET request that results in the provided key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	u, err := url.Parse(key)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	return http.NewRequest(http.MethodGet, key, nil)
}
