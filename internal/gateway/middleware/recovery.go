package middleware

import (
	"net/http"
	"runtime/debug"

	"deckhand/internal/gateway/handlers"
	"deckhand/pkg/logger"
)

// Recovery turns a handler panic into a 500 error envelope. The message
// names the request id so a client report can be matched to the log line.
// http.ErrAbortHandler is re-raised for net/http to handle.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			reqID := RequestID(r.Context())
			if reqID == "" {
				reqID = w.Header().Get(RequestIDHeader)
			}
			logger.Error().
				Interface("panic", rec).
				Str("request_id", reqID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")

			msg := "internal server error"
			if reqID != "" {
				msg += " (request " + reqID + ")"
			}
			handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, msg)
		}()

		next.ServeHTTP(w, r)
	})
}
