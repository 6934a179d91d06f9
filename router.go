package kamoffline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/kam-wiki/kam-offline/cache"
	cachekey "github.com/kam-wiki/kam-offline/pkg/cache-key"
	serializer "github.com/kam-wiki/kam-offline/pkg/response-serializer"
	"github.com/kam-wiki/kam-offline/rfc9111"

	"github.com/rs/zerolog"
)

// ErrPartialResponse is returned when storing a 206 response, which caches do not accept.
var ErrPartialResponse = errors.New("kamoffline: partial responses cannot be cached")

// Class is the request classification that selects the retrieval strategy.
type Class int

const (
	// ClassNavigation is a page load; served network-first with the index document as fallback.
	ClassNavigation Class = iota + 1
	// ClassSameOrigin is a static asset of the controller origin; served cache-first.
	ClassSameOrigin
	// ClassCrossOrigin is anything else; served from the network and never stored.
	ClassCrossOrigin
)

func (c Class) String() string {
	switch c {
	case ClassNavigation:
		return "navigation"
	case ClassSameOrigin:
		return "same-origin"
	case ClassCrossOrigin:
		return "cross-origin"
	}
	return "unknown"
}

// Source tells where the response of an intercepted request came from.
type Source int

const (
	SourceNetwork Source = iota + 1
	SourceCache
	// SourceOffline is a synthesized 503 response.
	SourceOffline
)

func (s Source) String() string {
	switch s {
	case SourceNetwork:
		return "network"
	case SourceCache:
		return "cache"
	case SourceOffline:
		return "offline"
	}
	return "unknown"
}

// Result is the answer to an intercepted request.
type Result struct {
	Response *http.Response
	Class    Class
	Source   Source
	// Stored is set if a copy of the network response is being written to the runtime cache.
	Stored bool
	// NetworkErr is the network failure that led to a fallback response, if any.
	NetworkErr error
}

// Classify decides the strategy for a request, checking in order:
// navigation (navigate fetch mode, or an Accept header asking for HTML),
// same origin, cross origin.
func Classify(r *http.Request, origin *url.URL) Class {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" ||
		strings.Contains(strings.Join(r.Header.Values("Accept"), ", "), "text/html") {
		return ClassNavigation
	}
	if cachekey.NewCacheKeyer(origin).SameOrigin(r.URL) {
		return ClassSameOrigin
	}
	return ClassCrossOrigin
}

// OnFetch handles an intercepted fetch.
// It returns nil for requests that are not intercepted (everything but GET),
// those go to the network untouched. For GET requests it always returns a response:
// live, cached, or a synthesized 503.
func (c *Controller) OnFetch(ctx context.Context, r *http.Request) *Result {
	if r.Method != http.MethodGet && r.Method != "" {
		return nil
	}
	if !r.URL.IsAbs() {
		r = r.Clone(ctx)
		r.URL = c.keyer.Absolute(r.URL)
	}
	class := Classify(r, c.keyer.Origin)
	log := c.log.With().
		Str("url", r.URL.String()).
		Str("class", class.String()).
		Logger()
	log.Trace().Msg("Intercepted fetch")

	var result *Result
	switch class {
	case ClassNavigation:
		result = c.networkFirstShell(ctx, r, log)
	case ClassSameOrigin:
		result = c.cacheFirst(ctx, r, log)
	default:
		result = c.networkOnly(ctx, r, log)
	}
	result.Class = class
	return result
}

// networkFirstShell serves navigations from the network,
// keeping the latest response as the offline shell under the index key.
func (c *Controller) networkFirstShell(ctx context.Context, r *http.Request, log zerolog.Logger) *Result {
	res, body, err := c.fetch(ctx, r)
	if err == nil {
		c.store(ctx, log, c.indexKey, serializer.Clone(res, body))
		return &Result{Response: res, Source: SourceNetwork, Stored: true}
	}
	log.Debug().Err(err).Msg("Network failed, serving offline shell")
	if cached, ok := c.match(ctx, c.indexKey, r, log); ok {
		return &Result{Response: cached, Source: SourceCache, NetworkErr: err}
	}
	return &Result{Response: offlinePage(r), Source: SourceOffline, NetworkErr: err}
}

// cacheFirst serves same-origin assets from the caches, refilling the runtime cache on a miss.
func (c *Controller) cacheFirst(ctx context.Context, r *http.Request, log zerolog.Logger) *Result {
	key, err := c.keyer.GetKey(r)
	if err != nil {
		return &Result{Response: unavailable(r), Source: SourceOffline}
	}
	if cached, ok := c.match(ctx, key, r, log); ok {
		return &Result{Response: cached, Source: SourceCache}
	}

	res, body, err := c.fetch(ctx, r)
	if err == nil {
		c.store(ctx, log, key, serializer.Clone(res, body))
		return &Result{Response: res, Source: SourceNetwork, Stored: true}
	}
	log.Debug().Err(err).Msg("Network failed, checking caches again")
	// another fetch may have stored the response in the meantime
	if cached, ok := c.match(ctx, key, r, log); ok {
		return &Result{Response: cached, Source: SourceCache, NetworkErr: err}
	}
	return &Result{Response: unavailable(r), Source: SourceOffline, NetworkErr: err}
}

// networkOnly serves cross-origin requests from the network without storing them.
// The cache lookup on failure only finds entries stored by other means.
func (c *Controller) networkOnly(ctx context.Context, r *http.Request, log zerolog.Logger) *Result {
	res, err := c.fetcher.Fetch(ctx, r)
	if err == nil {
		return &Result{Response: res, Source: SourceNetwork}
	}
	log.Debug().Err(err).Msg("Network failed for cross-origin request")
	if key, kerr := c.keyer.GetKey(r); kerr == nil {
		if cached, ok := c.match(ctx, key, r, log); ok {
			return &Result{Response: cached, Source: SourceCache, NetworkErr: err}
		}
	}
	return &Result{Response: unavailable(r), Source: SourceOffline, NetworkErr: err}
}

// fetch gets the response from the network and buffers its body,
// so that it can be both returned and stored.
// A body that cannot be read completely counts as a network failure.
func (c *Controller) fetch(ctx context.Context, r *http.Request) (*http.Response, []byte, error) {
	res, err := c.fetcher.Fetch(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	if res.Request == nil {
		res.Request = r
	}
	body, err := serializer.Buffer(res)
	if err != nil {
		return nil, nil, err
	}
	return res, body, nil
}

// match looks the key up in the owned caches of the current generation, precache first.
// Lookup errors are logged and treated as misses.
func (c *Controller) match(ctx context.Context, key string, r *http.Request, log zerolog.Logger) (*http.Response, bool) {
	for _, name := range []string{c.precacheName, c.runtimeName} {
		if ok, err := c.storage.Has(ctx, name); err != nil {
			log.Warn().Err(err).Str("cache", name).Msg("Could not look up cache")
			continue
		} else if !ok {
			continue
		}
		owned, err := c.storage.Open(ctx, name)
		if err != nil {
			log.Warn().Err(err).Str("cache", name).Msg("Could not open cache")
			continue
		}
		entry, ok, err := owned.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("cache", name).Msg("Could not retrieve from cache")
			continue
		}
		if !ok {
			continue
		}
		snap, err := serializer.BytesToSnapshot(entry.Bytes, r)
		if err != nil {
			log.Warn().Err(err).Str("cache", name).Msg("Could not read stored response")
			continue
		}
		if !snap.StoredAt.IsZero() {
			rfc9111.SetAge(snap.Response, snap.StoredAt, c.clock())
		}
		log.Trace().Str("cache", name).Str("key", key).Time("storedAt", snap.StoredAt).Msg("Cache match")
		return snap.Response, true
	}
	return nil, false
}

// store writes the response to the runtime cache in the background.
// The caller does not wait for it, failures are only logged.
func (c *Controller) store(ctx context.Context, log zerolog.Logger, key string, res *http.Response) {
	c.spawn(ctx, log, "write to runtime cache", func(ctx context.Context) error {
		entry, err := c.snapshot(key, res)
		if err != nil {
			return err
		}
		runtime, err := c.storage.Open(ctx, c.runtimeName)
		if err != nil {
			return fmt.Errorf("open runtime cache %s: %w", c.runtimeName, err)
		}
		if err := runtime.Put(ctx, entry); err != nil {
			return err
		}
		log.Trace().Str("key", key).Msg("Cache write")
		return nil
	})
}

// snapshot converts a response into a cache entry for the given key.
func (c *Controller) snapshot(key string, res *http.Response) (cache.Entry, error) {
	if res.StatusCode == http.StatusPartialContent {
		return cache.Entry{}, ErrPartialResponse
	}
	stored := *res
	stored.Header = rfc9111.StorableHeader(res.Header)
	storedAt := c.clock()
	bts, err := serializer.SnapshotToBytes(serializer.Snapshot{Response: &stored, StoredAt: storedAt})
	if err != nil {
		return cache.Entry{}, fmt.Errorf("snapshot %s: %w", key, err)
	}
	return cache.Entry{Key: key, StoredAt: storedAt, Bytes: bts}, nil
}

// unavailable is the bodyless 503 for requests that can be answered neither by network nor cache.
func unavailable(r *http.Request) *http.Response {
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       r,
	}
}
