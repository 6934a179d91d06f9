package kamoffline

import (
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	tee "github.com/kam-wiki/kam-offline/pkg/response-writer-tee"
	"github.com/kam-wiki/kam-offline/rfc9211"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const (
	// CacheStatusName identifies the controller in Cache-Status headers.
	CacheStatusName = "KamOffline"
	// ControlPrefix is the path prefix of the control endpoints.
	ControlPrefix = "/.kam-offline"
)

type HandlerConfig struct {
	// Registration whose active controller intercepts requests.
	Registration *Registration
	// URL of the origin server. Requests that are not intercepted are proxied there.
	OriginURL url.URL
	// Hostname to use for proxied requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Transport for proxied requests. http.DefaultTransport if nil.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type handler struct {
	registration *Registration
	origin       url.URL
	reverseproxy httputil.ReverseProxy
	log          zerolog.Logger
}

// NewHandler returns the HTTP front of a registration:
// the control endpoints plus the intercepting catch-all.
func NewHandler(config HandlerConfig) http.Handler {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	h := &handler{
		registration: config.Registration,
		origin:       config.OriginURL,
		log:          logger.With().Str("origin", config.OriginURL.String()).Logger(),
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := config.Transport
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		if transport == nil {
			transport = &http.Transport{
				TLSClientConfig: &tls.Config{
					ServerName: config.OriginHost,
				},
			}
		}
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	h.reverseproxy = httputil.ReverseProxy{
		Director:  createDirector(config.OriginURL.Scheme, host, hostHeader),
		Transport: transport,
	}

	r := chi.NewRouter()
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Post("/message", h.postMessage)
		r.Get("/status", h.status)
	})
	r.HandleFunc("/*", h.intercept)
	return r
}

func (h *handler) postMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}
	if err := h.registration.PostMessage(r.Context(), &msg); err != nil {
		h.log.Error().Err(err).Str("type", msg.Type).Msg("Could not deliver message")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.registration.Status()); err != nil {
		h.log.Error().Err(err).Msg("Could not write status")
	}
}

func (h *handler) intercept(w http.ResponseWriter, r *http.Request) {
	req := r
	if !r.URL.IsAbs() {
		// origin-form request, address it to the origin
		req = r.Clone(r.Context())
		absolute := h.origin
		absolute.Path = r.URL.Path
		absolute.RawPath = r.URL.RawPath
		absolute.RawQuery = r.URL.RawQuery
		req.URL = &absolute
	}

	result := h.registration.OnFetch(r.Context(), req)
	if result == nil {
		h.proxy(w, r)
		return
	}

	cs := rfc9211.CacheStatus{}
	switch result.Source {
	case SourceCache:
		cs.Hit()
	case SourceNetwork:
		if result.Class == ClassCrossOrigin {
			cs.Forward(rfc9211.FwdReasonBypass)
		} else {
			cs.Forward(rfc9211.FwdReasonUriMiss)
		}
		cs.FwdStatus = result.Response.StatusCode
		cs.Stored = result.Stored
	case SourceOffline:
		cs.Forward(rfc9211.FwdReasonMiss)
		cs.Detail = "offline"
	}
	h.send(w, r, result, cs)
}

// send writes an intercepted result to the client.
func (h *handler) send(w http.ResponseWriter, r *http.Request, result *Result, cs rfc9211.CacheStatus) {
	res := result.Response
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Add(rfc9211.HeaderName, cs.String(CacheStatusName))
	w.WriteHeader(res.StatusCode)
	var bytesWritten int64
	if res.Body != nil {
		var err error
		if bytesWritten, err = io.Copy(w, res.Body); err != nil {
			h.log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
	h.logRequest(r, res.StatusCode, result.Class.String(), cs)
	h.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// proxy sends a request that is not intercepted to the origin.
func (h *handler) proxy(w http.ResponseWriter, r *http.Request) {
	h.log.Trace().Msgf("proxying %s", r.URL.String())
	cs := rfc9211.CacheStatus{}
	if h.registration.Active() == nil {
		cs.Forward(rfc9211.FwdReasonBypass)
	} else {
		cs.Forward(rfc9211.FwdReasonMethod)
	}
	w.Header().Add(rfc9211.HeaderName, cs.String(CacheStatusName))

	rec := tee.NewResponseRecorder(w)
	h.reverseproxy.ServeHTTP(rec, r)
	h.logRequest(r, rec.StatusCode(), "", cs)
	h.log.Trace().Dur("elapsed", rec.Elapsed()).Msgf("Proxied body (%d bytes)", rec.BytesWritten())
}

// createDirector rewrites origin-form requests to the origin.
// Absolute-form (forward proxy) requests keep their target.
func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		if req.URL.IsAbs() {
			return
		}
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func (h *handler) logRequest(r *http.Request, status int, class string, cs rfc9211.CacheStatus) {
	isHit := 0
	if cs.Status == rfc9211.StatusHit {
		isHit = 1
	}
	h.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("code", status).
		Str("class", class).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// remove forwarding headers set by an upstream proxy
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
