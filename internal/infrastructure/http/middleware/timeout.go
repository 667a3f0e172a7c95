package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout bounds the request context. Submit and cancel run the authority
// retry loop inline and need more time than reads; a record left unfinished
// when the deadline passes keeps its retry schedule.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
