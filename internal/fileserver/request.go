package fileserver

import (
	"context"
	"net/http"
	"strings"
)

// Request is one decoded exchange handed over by the transport. Path is the
// URI-decoded path component of the request target.
type Request struct {
	Method  string
	Path    string
	Header  http.Header
	Decoded bool

	// Informational, used for access logging only.
	RequestURI string
	Proto      string
	RemoteAddr string
}

// Disposition says what happens to the connection once a response is flushed.
type Disposition int

const (
	// Close closes the connection after the final chunk is flushed.
	Close Disposition = iota
	// KeepAlive leaves the connection open for the next exchange.
	KeepAlive
)

func (d Disposition) String() string {
	if d == KeepAlive {
		return "keep-alive"
	}
	return "close"
}

// WantsKeepAlive reports whether the request's Connection header carries the
// keep-alive token. Persistence is opt-in: a request without it is closed.
func (r *Request) WantsKeepAlive() bool {
	if r == nil || r.Header == nil {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "keep-alive") {
				return true
			}
		}
	}
	return false
}

// ResponseWriter is the transport's outbound side of one exchange.
type ResponseWriter interface {
	// WriteHeader sends the status line and headers. It may be called once.
	WriteHeader(status int, header http.Header) error
	// WriteChunk sends a piece of the body.
	WriteChunk(p []byte) error
	// End completes the response; the transport closes the connection after
	// flushing when d is Close.
	End(d Disposition) error
	// Context is cancelled when the connection goes away.
	Context() context.Context
	// Broken reports that a previous write failed and the connection is unusable.
	Broken() bool
}
