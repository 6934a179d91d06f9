package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Kam-Offline-Stored-At"

// Snapshot is a response as it was stored in a cache.
type Snapshot struct {
	Response *http.Response
	// The value of the clock at the time the response was stored.
	StoredAt time.Time
}

// BytesToSnapshot reads a snapshot written by SnapshotToBytes.
// The request is attached to the returned response and may be nil.
func BytesToSnapshot(b []byte, req *http.Request) (Snapshot, error) {
	snap := Snapshot{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return snap, fmt.Errorf("read stored response: %w", err)
	}
	snap.Response = res
	if raw := res.Header.Get(storedAtHeaderName); raw != "" {
		storedAt, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return snap, fmt.Errorf("read stored response time: %w", err)
		}
		snap.StoredAt = time.UnixMilli(storedAt)
	}
	res.Header.Del(storedAtHeaderName)
	return snap, nil
}

// SnapshotToBytes returns the HTTP/1.1 representation of the snapshot.
// The response body is consumed and replaced, so the response stays readable.
func SnapshotToBytes(snap Snapshot) ([]byte, error) {
	res := snap.Response
	body, err := Buffer(res)
	if err != nil {
		return nil, err
	}

	// write a copy, so that the caller's response keeps its headers and framing
	stored := *res
	stored.Header = res.Header.Clone()
	if stored.Header == nil {
		stored.Header = make(http.Header)
	}
	stored.Header.Set(storedAtHeaderName, strconv.FormatInt(snap.StoredAt.UnixMilli(), 10))
	stored.ProtoMajor, stored.ProtoMinor = 1, 1
	stored.TransferEncoding = nil
	stored.Trailer = nil
	stored.ContentLength = int64(len(body))
	stored.Body = io.NopCloser(bytes.NewReader(body))

	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// Buffer reads the whole response body into memory and replaces it with an in-memory reader.
// It returns the body bytes.
func Buffer(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		res.ContentLength = 0
		return nil, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	return body, nil
}

// Clone returns an independent copy of a response whose body was buffered with Buffer.
// The clone shares no readers or header maps with the original.
func Clone(res *http.Response, body []byte) *http.Response {
	clone := *res
	clone.Header = res.Header.Clone()
	clone.Trailer = res.Trailer.Clone()
	clone.ContentLength = int64(len(body))
	if body == nil {
		clone.Body = http.NoBody
	} else {
		clone.Body = io.NopCloser(bytes.NewReader(body))
	}
	return &clone
}
