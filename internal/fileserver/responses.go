package fileserver

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Response is a complete in-memory response.
type Response struct {
	Status      int
	Header      http.Header
	Body        []byte
	Disposition Disposition
}

func newResponse(status int, contentType string, body []byte) *Response {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Connection", "close")
	return &Response{Status: status, Header: h, Body: body, Disposition: Close}
}

// ErrorResponse is a one-line plaintext body naming the status. Error
// responses always close the connection.
func ErrorResponse(status int) *Response {
	text := http.StatusText(status)
	if text == "" {
		text = "Error"
	}
	body := []byte(fmt.Sprintf("Failure: %d %s\r\n", status, text))
	resp := newResponse(status, "text/plain; charset=UTF-8", body)
	if status == http.StatusMethodNotAllowed {
		resp.Header.Set("Allow", http.MethodGet)
	}
	return resp
}

// RedirectResponse sends the client to the canonical form of a directory
// path, i.e. the decoded path with a trailing slash.
func RedirectResponse(decodedPath string) *Response {
	resp := newResponse(http.StatusFound, "", nil)
	resp.Header.Set("Location", (&url.URL{Path: decodedPath + "/"}).EscapedPath())
	return resp
}

// ListingResponse wraps a rendered directory listing.
func ListingResponse(body []byte) *Response {
	return newResponse(http.StatusOK, "text/html; charset=UTF-8", body)
}

// WriteTo sends the response and ends the exchange. It returns the number of
// body bytes written.
func (r *Response) WriteTo(w ResponseWriter) (int64, error) {
	if err := w.WriteHeader(r.Status, r.Header); err != nil {
		return 0, err
	}
	if len(r.Body) > 0 {
		if err := w.WriteChunk(r.Body); err != nil {
			return 0, err
		}
	}
	return int64(len(r.Body)), w.End(r.Disposition)
}
