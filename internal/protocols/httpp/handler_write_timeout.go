// Package httpp contains HTTP helpers.
package httpp

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

type writeTimeoutWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
}

func (w *writeTimeoutWriter) Header() http.Header {
	return w.w.Header()
}

func (w *writeTimeoutWriter) Write(p []byte) (int, error) {
	w.rc.SetWriteDeadline(time.Now().Add(w.timeout)) //nolint:errcheck
	return w.w.Write(p)
}

func (w *writeTimeoutWriter) WriteHeader(statusCode int) {
	w.rc.SetWriteDeadline(time.Now().Add(w.timeout)) //nolint:errcheck
	w.w.WriteHeader(statusCode)
}

// Hijack implements http.Hijacker for websocket upgrades.
func (w *writeTimeoutWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.w.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support Hijack")
}

// HandlerWriteTimeout applies a write deadline before every Write()
// call. This allows to write long responses, splitted in chunks,
// without causing timeouts. Websocket upgrades bypass the deadline
// since their connection stays open indefinitely.
type HandlerWriteTimeout struct {
	Handler http.Handler
	Timeout time.Duration
}

func (h *HandlerWriteTimeout) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		h.Handler.ServeHTTP(w, r)
		return
	}

	ww := &writeTimeoutWriter{
		w:       w,
		rc:      http.NewResponseController(w),
		timeout: h.Timeout,
	}

	h.Handler.ServeHTTP(ww, r)
}
