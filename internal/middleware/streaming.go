package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

// StreamingResponseWriter wraps http.ResponseWriter for middleware that
// needs the status code and byte count after the handler runs. Unlike a
// plain wrapper it keeps Flush and Hijack reachable, which SSE relaying
// depends on.
type StreamingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
	bytes      int64
}

func NewStreamingResponseWriter(w http.ResponseWriter) *StreamingResponseWriter {
	return &StreamingResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader records the status code. Later calls are dropped, matching
// net/http's superfluous-WriteHeader behavior without the log spam.
func (w *StreamingResponseWriter) WriteHeader(code int) {
	if w.written {
		return
	}
	w.statusCode = code
	w.written = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *StreamingResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Flush forwards to the underlying writer so streamed chunks reach the
// client without buffering.
func (w *StreamingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *StreamingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

func (w *StreamingResponseWriter) StatusCode() int {
	return w.statusCode
}

func (w *StreamingResponseWriter) Written() bool {
	return w.written
}

func (w *StreamingResponseWriter) BytesWritten() int64 {
	return w.bytes
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *StreamingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
