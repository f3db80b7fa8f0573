package gateway

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/pkg/models"
)

// ownerHeader names the caller. Authentication is handled upstream; the
// gateway trusts the header and scopes every query to it.
const ownerHeader = "X-Owner-ID"

// instrument wraps the mux with request logging and HTTP metrics. The
// path label uses the matched route pattern, not the raw URL, so metric
// cardinality stays bounded.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(rec.status), elapsed.Seconds())
		}
		s.logger.Debug(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed_ms", elapsed.Milliseconds(),
		)
	})
}

// statusRecorder captures the response code for metrics. Flush and Hijack
// pass through so the SSE and WebSocket paths keep working underneath it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// ownerID extracts the caller identity from the request header.
func ownerID(r *http.Request) (int64, error) {
	raw := r.Header.Get(ownerHeader)
	if raw == "" {
		return 0, fault.Errorf(models.KindInvalidInput, "gateway.owner", "%s header is required", ownerHeader)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fault.Errorf(models.KindInvalidInput, "gateway.owner", "%s must be a positive integer", ownerHeader)
	}
	return id, nil
}
