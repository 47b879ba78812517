package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"paysync/internal/types"
)

// responseCapture wraps an http.ResponseWriter to capture the status code
// written by downstream handlers, for logging middleware that observes the
// response after the handler chain completes.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

// Write ensures the status code is captured even when WriteHeader is not
// called explicitly (the default is 200 per the net/http spec).
func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter, enabling
// http.ResponseController and other standard library helpers.
func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

// Recoverer catches panics in the handler chain, logs the stack trace
// internally, and writes a standardized 500 response. This middleware MUST be
// the outermost handler in the chain.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("panic", fmt.Sprintf("%v", rvr)),
						slog.String("stack", string(debug.Stack())),
					)

					Error(w, r, types.NewAppError(
						types.ErrCodeInternalUnexpected,
						"an unexpected error occurred",
						nil,
					))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// RequestID generates a correlation ID for every request (or propagates an
// incoming X-Request-ID) and stores it in the context for log enrichment and
// error responses.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}

		ctx := types.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// defaultRedactedHeaders lists header names whose values are masked in
// request logs to prevent accidental leakage of credentials or signatures.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Provider-Signature",
	"Cookie",
}

// RequestLogger logs request metadata (method, path, status, duration) with
// sensitive headers redacted.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	redacted := make(map[string]bool, len(defaultRedactedHeaders))
	for _, h := range defaultRedactedHeaders {
		redacted[strings.ToLower(h)] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rc := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rc, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rc.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", types.GetRequestID(r.Context()),
			}
			if ua := r.Header.Get("User-Agent"); ua != "" && !redacted["user-agent"] {
				attrs = append(attrs, "user_agent", ua)
			}

			if rc.statusCode >= http.StatusInternalServerError {
				logger.ErrorContext(r.Context(), "request completed", attrs...)
			} else {
				logger.InfoContext(r.Context(), "request completed", attrs...)
			}
		})
	}
}

// APIKeyAuthenticator resolves a presented API key to an Actor.
// Implementations live in the auth package; the interface is declared here so
// the middleware does not depend on a concrete service.
type APIKeyAuthenticator interface {
	Authenticate(r *http.Request, key string) (types.Actor, error)
}

// APIKeyAuth enforces API-key authentication on the internal billing routes.
// The key arrives as "Authorization: Bearer <key>". Webhook and confirmation
// routes are mounted outside this middleware.
func APIKeyAuth(authn APIKeyAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				Error(w, r, types.NewAppError(
					types.ErrCodeAuthAPIKeyMissing,
					"missing Authorization header",
					nil,
				))
				return
			}

			key, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || key == "" {
				Error(w, r, types.NewAppError(
					types.ErrCodeAuthAPIKeyInvalid,
					"Authorization header must be of the form 'Bearer <key>'",
					nil,
				))
				return
			}

			actor, err := authn.Authenticate(r, key)
			if err != nil {
				Error(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(types.WithActor(r.Context(), actor)))
		})
	}
}
