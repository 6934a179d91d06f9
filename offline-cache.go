package kamoffline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kam-wiki/kam-offline/cache"
	cachekey "github.com/kam-wiki/kam-offline/pkg/cache-key"

	"github.com/rs/zerolog"
)

const (
	// DefaultVersion is the generation tag used when none is configured.
	DefaultVersion = "v2"
	// IndexDocument is the document every navigation falls back to when offline.
	IndexDocument = "index.html"

	rolePrecache = "precache"
	roleRuntime  = "runtime"
)

// DefaultPrecache is the precache manifest, relative to the base path:
// entry page, index document, icon and primary stylesheet.
var DefaultPrecache = []string{
	"",
	IndexDocument,
	"favicon.ico",
	"src/assets/main.css",
}

var (
	ErrMissingStorage   = errors.New("kamoffline: storage is required")
	ErrInvalidScriptURL = errors.New("kamoffline: script URL must be absolute")
)

type Config struct {
	// Storage for the precache and runtime caches.
	Storage cache.Storage
	// Network access. An HTTP fetcher over a redirect-preserving client is used if nil.
	Fetcher Fetcher
	// Host the controller runs in. A no-op host is used if nil.
	// Registration.Install replaces it with the registration.
	Host Host
	// Absolute URL the controller was deployed at, e.g. `https://kam.example/repo/sw.js`.
	// The origin and base path are derived from it.
	ScriptURL string
	// Generation tag baked into the cache names.
	Version string
	// Prefix of all cache names owned by controllers of this deployment.
	// Empty means every cache in the storage is owned.
	Namespace string
	// Precache manifest, relative to the base path. DefaultPrecache if nil.
	Precache []string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Clock for cache entry timestamps. time.Now if nil.
	Clock func() time.Time
}

// Controller is the offline cache controller of one deployment.
// It reacts to lifecycle events (install, activate), intercepts fetches
// and receives control messages. A Controller is safe for concurrent use.
type Controller struct {
	storage      cache.Storage
	fetcher      Fetcher
	hostMu       sync.RWMutex
	host         Host
	keyer        cachekey.CacheKeyer
	basePath     string
	version      string
	namespace    string
	precacheName string
	runtimeName  string
	precacheURLs []string
	indexKey     string
	log          zerolog.Logger
	clock        func() time.Time
	tasks        tasks
}

// tasks counts detached work. Unlike a WaitGroup, adding while
// another goroutine waits on an empty counter is allowed.
type tasks struct {
	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

func (t *tasks) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == 0 {
		t.idle = make(chan struct{})
	}
	t.pending++
}

func (t *tasks) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending--
	if t.pending == 0 {
		close(t.idle)
	}
}

// wait returns a channel closed once no work is pending.
func (t *tasks) wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == 0 {
		idle := make(chan struct{})
		close(idle)
		return idle
	}
	return t.idle
}

// New creates a controller from the given config.
func New(config Config) (*Controller, error) {
	if config.Storage == nil {
		return nil, ErrMissingStorage
	}
	scriptURL, err := url.Parse(config.ScriptURL)
	if err != nil || !scriptURL.IsAbs() || scriptURL.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScriptURL, config.ScriptURL)
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	version := config.Version
	if version == "" {
		version = DefaultVersion
	}

	c := &Controller{
		storage:      config.Storage,
		fetcher:      config.Fetcher,
		host:         config.Host,
		keyer:        cachekey.NewCacheKeyer(scriptURL),
		basePath:     BasePath(scriptURL),
		version:      version,
		namespace:    config.Namespace,
		precacheName: CacheName(config.Namespace, rolePrecache, version),
		runtimeName:  CacheName(config.Namespace, roleRuntime, version),
		clock:        config.Clock,
	}
	if c.fetcher == nil {
		c.fetcher = NewHTTPFetcher(nil)
	}
	if c.host == nil {
		c.host = noopHost{}
	}
	if c.clock == nil {
		c.clock = time.Now
	}

	// create a child logger and add defaults
	c.log = logger.With().
		Str("origin", c.keyer.OriginString()).
		Str("version", version).
		Logger()

	manifest := config.Precache
	if manifest == nil {
		manifest = DefaultPrecache
	}
	for _, entry := range manifest {
		key, err := c.keyer.GetPathKey(c.basePath + strings.TrimPrefix(entry, "/"))
		if err != nil {
			return nil, fmt.Errorf("precache entry: %w", err)
		}
		c.precacheURLs = append(c.precacheURLs, key)
	}
	if c.indexKey, err = c.keyer.GetPathKey(c.basePath + IndexDocument); err != nil {
		return nil, fmt.Errorf("index document: %w", err)
	}

	return c, nil
}

// BasePath returns the directory the script is served from, e.g. `/repo/` for
// `https://kam.example/repo/sw.js`. It is `/` for scripts at the origin root.
func BasePath(scriptURL *url.URL) string {
	base := scriptURL.ResolveReference(&url.URL{Path: "."})
	if base.Path == "" {
		return "/"
	}
	return base.Path
}

// CacheName derives a cache name from the namespace, the role tag and the generation tag.
func CacheName(namespace, role, version string) string {
	return namespace + role + "-" + version
}

func (c *Controller) Version() string {
	return c.version
}

func (c *Controller) BasePath() string {
	return c.basePath
}

// Origin returns the serialized origin the controller serves.
func (c *Controller) Origin() string {
	return c.keyer.OriginString()
}

// CacheNames returns the names of the current precache and runtime caches.
func (c *Controller) CacheNames() (precache, runtime string) {
	return c.precacheName, c.runtimeName
}

// PrecacheURLs returns the absolute URLs of the precache manifest.
func (c *Controller) PrecacheURLs() []string {
	return append([]string(nil), c.precacheURLs...)
}

// IndexKey returns the cache key every navigation falls back to.
func (c *Controller) IndexKey() string {
	return c.indexKey
}

func (c *Controller) currentHost() Host {
	c.hostMu.RLock()
	defer c.hostMu.RUnlock()
	return c.host
}

func (c *Controller) bindHost(host Host) {
	c.hostMu.Lock()
	defer c.hostMu.Unlock()
	c.host = host
}

// owns reports whether the cache belongs to this deployment's namespace.
func (c *Controller) owns(name string) bool {
	return strings.HasPrefix(name, c.namespace)
}

// isCurrent reports whether the cache belongs to this controller's generation.
func (c *Controller) isCurrent(name string) bool {
	return name == c.precacheName || name == c.runtimeName
}

// spawn runs fn detached from the caller.
// The outcome is only logged; Drain waits for all spawned work.
func (c *Controller) spawn(ctx context.Context, log zerolog.Logger, what string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	c.tasks.add()
	go func() {
		defer c.tasks.done()
		if err := fn(ctx); err != nil {
			log.Warn().Err(err).Msgf("Could not %s", what)
		}
	}()
}

// Drain waits until all detached cache writes have finished,
// or the context is done.
func (c *Controller) Drain(ctx context.Context) error {
	select {
	case <-c.tasks.wait():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
