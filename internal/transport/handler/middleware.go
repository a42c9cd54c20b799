package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/chaos-zhu/easyimg/internal/apperrors"
	"github.com/chaos-zhu/easyimg/internal/auth"
)

// optionalIdentity verifies the request credential if there is one. A
// missing credential is not an error; a bad one is.
func (h *Handler) optionalIdentity(r *http.Request) (auth.Identity, bool, error) {
	token := auth.ExtractToken(r)
	if token == "" {
		if r.Header.Get("Authorization") != "" {
			return auth.Identity{}, false, apperrors.ErrUnauthorized
		}
		return auth.Identity{}, false, nil
	}
	id, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		return auth.Identity{}, false, err
	}
	return id, true, nil
}

// RequireAuth rejects requests without a valid credential.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok, err := h.optionalIdentity(r)
		if err == nil && !ok {
			err = apperrors.ErrUnauthorized
		}
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// OptionalAuth attaches the caller's identity when a valid credential is
// present and rejects invalid ones.
func (h *Handler) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok, err := h.optionalIdentity(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if ok {
			r = r.WithContext(auth.WithIdentity(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger writes one access log line per request.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "access"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info("request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_ip", clientIP(r)),
			)
		})
	}
}
