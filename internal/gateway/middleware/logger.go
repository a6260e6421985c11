package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger logs each request reaching the gateway's HTTP
// surface, tagged with the client IP resolved by the metadata
// middleware. For /ws this is the last log line before the upgrade
// hands the connection to the transport.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var ip string
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				ip = reqMeta.IP
			}
			logger.Info("HTTP request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("ip", ip),
			)
			next.ServeHTTP(w, r)
		})
	}
}
