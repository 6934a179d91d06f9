// Package rfc9211 implements the Cache-Status HTTP response header field.
// See https://www.rfc-editor.org/rfc/rfc9211
package rfc9211

import (
	"fmt"
	"strings"
)

// HeaderName is the name of the response header field.
const HeaderName = "Cache-Status"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request (to be used when an implementation cannot
	// distinguish between uri-miss and vary-miss).
	FwdReasonMiss FwdReason = "miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics (e.g., Cache-Control request
	// directives) did not allow its use.
	FwdReasonRequest FwdReason = "request"
)

// CacheStatus is a single Cache-Status list member.
// The zero value is not valid, call Hit or Forward before String.
type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// FwdStatus is the status the forwarded request got, 0 if unknown.
	FwdStatus int
	// Stored is set if the forwarded response was stored in the cache.
	Stored bool
	// Detail is free-form implementation information.
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// String serializes the member for the given cache identifier.
func (cs CacheStatus) String(cacheName string) string {
	params := []string{cacheName}
	switch cs.Status {
	case StatusHit:
		params = append(params, "hit")
	case StatusFwd:
		reason := cs.FwdReason
		if reason == "" {
			reason = FwdReasonMiss
		}
		params = append(params, fmt.Sprintf("fwd=%s", reason))
		if cs.FwdStatus != 0 {
			params = append(params, fmt.Sprintf("fwd-status=%d", cs.FwdStatus))
		}
		if cs.Stored {
			params = append(params, "stored")
		}
	}
	if cs.Detail != "" {
		params = append(params, fmt.Sprintf("detail=%q", cs.Detail))
	}
	return strings.Join(params, "; ")
}
