package kamoffline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kam-wiki/kam-offline/cache"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testOrigin    = "https://kam.example"
	testScriptURL = testOrigin + "/repo/sw.js"
)

var (
	errOffline = errors.New("dial tcp: network is unreachable")
	errStorage = errors.New("storage unavailable")
)

type fakeResponse struct {
	status      int
	contentType string
	body        string
}

// fakeOrigin is a network that serves canned responses by absolute URL.
// Unknown URLs get a 404.
type fakeOrigin struct {
	mu        sync.Mutex
	offline   bool
	responses map[string]fakeResponse
	broken    map[string]bool
	hits      map[string]int
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		responses: make(map[string]fakeResponse),
		broken:    make(map[string]bool),
		hits:      make(map[string]int),
	}
}

// withAssets serves the default manifest under /repo/.
func (o *fakeOrigin) withAssets() *fakeOrigin {
	o.set("/repo/", http.StatusOK, "text/html", "<html>entry</html>")
	o.set("/repo/index.html", http.StatusOK, "text/html", "<html>shell</html>")
	o.set("/repo/favicon.ico", http.StatusOK, "image/x-icon", "icon")
	o.set("/repo/src/assets/main.css", http.StatusOK, "text/css", "body{}")
	return o
}

func (o *fakeOrigin) set(path string, status int, contentType, body string) {
	o.setURL(testOrigin+path, status, contentType, body)
}

func (o *fakeOrigin) setURL(u string, status int, contentType, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responses[u] = fakeResponse{status: status, contentType: contentType, body: body}
}

func (o *fakeOrigin) setOffline(offline bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offline = offline
}

// breakURL makes fetches of the URL fail at the network layer.
func (o *fakeOrigin) breakURL(u string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.broken[u] = true
}

func (o *fakeOrigin) hitCount(u string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[u]
}

func (o *fakeOrigin) totalHits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0
	for _, n := range o.hits {
		total += n
	}
	return total
}

func (o *fakeOrigin) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	u := r.URL.String()
	o.hits[u]++
	if o.offline || o.broken[u] {
		return nil, fmt.Errorf("fetch %s: %w", u, errOffline)
	}
	fr, ok := o.responses[u]
	if !ok {
		fr = fakeResponse{status: http.StatusNotFound, contentType: "text/plain", body: "not found"}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", fr.status, http.StatusText(fr.status)),
		StatusCode:    fr.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {fr.contentType}},
		Body:          io.NopCloser(strings.NewReader(fr.body)),
		ContentLength: int64(len(fr.body)),
		Request:       r,
	}, nil
}

// recordingHost counts the host calls of a controller.
type recordingHost struct {
	mu          sync.Mutex
	skipWaiting int
	claims      int
	claimErr    error
}

func (h *recordingHost) SkipWaiting(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.skipWaiting++
	return nil
}

func (h *recordingHost) Claim(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.claims++
	return h.claimErr
}

// faultyStorage fails selected operations of the wrapped storage.
type faultyStorage struct {
	cache.Storage
	failOpen   map[string]bool
	failDelete map[string]bool
	failNames  bool
	// blockOpen holds Open of a cache until the channel is closed.
	blockOpen map[string]chan struct{}
}

func (s faultyStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	if s.failOpen[name] {
		return nil, errStorage
	}
	if release, ok := s.blockOpen[name]; ok {
		<-release
	}
	return s.Storage.Open(ctx, name)
}

func (s faultyStorage) Delete(ctx context.Context, name string) (bool, error) {
	if s.failDelete[name] {
		return false, errStorage
	}
	return s.Storage.Delete(ctx, name)
}

func (s faultyStorage) Names(ctx context.Context) ([]string, error) {
	if s.failNames {
		return nil, errStorage
	}
	return s.Storage.Names(ctx)
}

// syncBuffer is a log sink safe for the concurrent writes of detached tasks.
type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func nopLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

func newBufferLogger(w io.Writer) *zerolog.Logger {
	logger := zerolog.New(w)
	return &logger
}

func newTestController(t *testing.T, config Config) *Controller {
	t.Helper()
	if config.ScriptURL == "" {
		config.ScriptURL = testScriptURL
	}
	if config.Logger == nil {
		config.Logger = nopLogger()
	}
	c, err := New(config)
	require.NoError(t, err)
	return c
}

func drain(t *testing.T, c *Controller) {
	t.Helper()
	require.NoError(t, c.Drain(context.Background()))
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	require.NotNil(t, res)
	if res.Body == nil {
		return ""
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func cacheKeys(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	c, err := storage.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := c.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

func newGet(u string, headers ...string) *http.Request {
	r, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		panic(err)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Add(headers[i], headers[i+1])
	}
	return r
}

func newNavigation(u string) *http.Request {
	return newGet(u, "Sec-Fetch-Mode", "navigate", "Accept", "text/html,application/xhtml+xml")
}

func fixedClock() func() time.Time {
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}
