package middlewares

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/deye-bridge/deye-bridge/internal/pkg/logging"
)

type responseWriterEx struct {
	http.ResponseWriter

	statusCode int
	size       int
}

func (rw *responseWriterEx) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriterEx) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

type LoggingMw struct {
	next http.Handler
}

// Called once
func NewLoggingMw() mux.MiddlewareFunc {
	// Called each request
	return func(next http.Handler) http.Handler {
		return NewLogging(next)
	}
}

func NewLogging(next http.Handler) *LoggingMw {
	return &LoggingMw{next: next}
}

func (mw *LoggingMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	txnID := uuid.New().String()
	startTime := time.Now()

	// Set the output header now before something writes any response body
	rw.Header().Set("X-Txn-ID", txnID)

	// Save the transaction ID to the request context for use in the logger
	r = r.WithContext(logging.WithTxnID(r.Context(), txnID))

	// wrap the request writer so we can capture the status code and size
	rwex := responseWriterEx{ResponseWriter: rw, statusCode: http.StatusOK}
	mw.next.ServeHTTP(&rwex, r)

	logrus.WithFields(
		logrus.Fields{
			"entrytype": "audit",
			"status":    rwex.statusCode,
			"method":    r.Method,
			"proto":     r.Proto,
			"host":      r.Host,
			"remote":    r.RemoteAddr,
			"start":     startTime.Format(time.RFC3339Nano),
			"duration":  time.Since(startTime),
			"path":      r.URL.String(),
			"txnid":     txnID,
			"size":      rwex.size,
		},
	).Info(http.StatusText(rwex.statusCode))
}
