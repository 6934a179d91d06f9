package kamoffline

import (
	"context"
	"net/http"
	"time"
)

// Fetcher performs network requests on behalf of the controller.
// A returned error means the network failed; any HTTP status is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

// HTTPFetcher fetches over an http.Client.
type HTTPFetcher struct {
	client *http.Client
	// Host header to send, the URL host if empty.
	host string
}

// NewHTTPFetcher returns a fetcher using the given client.
// If client is nil, a client that does not follow redirects is used,
// so redirects reach the requester unchanged.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPFetcher{client: client}
}

// WithHost returns a copy of the fetcher sending the given Host header.
// Use it if e.g. the origin URL is just an IP address.
func (f *HTTPFetcher) WithHost(host string) *HTTPFetcher {
	return &HTTPFetcher{client: f.client, host: host}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	req := r.Clone(ctx)
	// client requests must not carry server-side fields
	req.RequestURI = ""
	req.Host = f.host
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	if req.ContentLength == 0 {
		req.Body = nil
	}
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")

	res, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	// as per https://www.rfc-editor.org/rfc/rfc9110#section-6.6.1-8
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return res, nil
}
