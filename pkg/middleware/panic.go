// Package middleware holds small HTTP middleware wrappers used by the admin
// HTTP surface and pkg/server.
package middleware

import (
	"net/http"

	"github.com/bitechdev/filtergateway/pkg/logger"
	"github.com/bitechdev/filtergateway/pkg/metrics"
)

const panicMiddlewareMethodName = "http.PanicRecovery"

// PanicRecovery recovers panics raised by next, logs them, records a panic
// metric, and responds with 500 instead of letting the process crash.
func PanicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rcv := recover(); rcv != nil {
				metrics.GetProvider().RecordPanic(panicMiddlewareMethodName)
				err := logger.HandlePanic(panicMiddlewareMethodName, rcv)
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
