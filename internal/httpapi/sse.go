package httpapi

import (
	"fmt"
	"net/http"
)

// sseConn wraps a ResponseWriter committed to a Server-Sent-Events stream.
// Both the event feed and the deliberation stream write through it.
type sseConn struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEConn reports whether w can stream. Nothing is written yet, so a
// caller can still answer with a plain error response.
func newSSEConn(w http.ResponseWriter) (*sseConn, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseConn{w: w, flusher: flusher}, true
}

// start commits the stream: headers go out and the response head is
// flushed so proxies stop buffering.
func (c *sseConn) start() {
	h := c.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.w.WriteHeader(http.StatusOK)
	c.flusher.Flush()
}

// emit writes one frame and reports whether the client is still reachable.
// An empty name sends a bare data frame.
func (c *sseConn) emit(name, data string) bool {
	var err error
	if name == "" {
		_, err = fmt.Fprintf(c.w, "data: %s\n\n", data)
	} else {
		_, err = fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", name, data)
	}
	if err != nil {
		return false
	}
	c.flusher.Flush()
	return true
}
