package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiwari-pos/till/internal/logger"
	"github.com/sirupsen/logrus"
)

// RequestLogger logs one structured line per request.
func RequestLogger(next http.Handler) http.Handler {
	log := logger.For("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		entry := log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  chimw.GetReqID(r.Context()),
		})
		if c := ClaimsFromContext(r.Context()); c != nil {
			entry = entry.WithField("user_id", c.UserID.String())
		}
		switch {
		case ww.Status() >= 500:
			entry.Error("request failed")
		case ww.Status() >= 400:
			entry.Warn("request rejected")
		default:
			entry.Info("request served")
		}
	})
}
