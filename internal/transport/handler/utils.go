package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"

	"github.com/chaos-zhu/easyimg/internal/apperrors"
)

func writeMultipartError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	msg := strings.ToLower(err.Error())

	switch {
	case errors.As(err, &tooLarge), strings.Contains(msg, "too large"):
		writeJSONError(w, "uploaded file exceeds maximum allowed size", http.StatusRequestEntityTooLarge)

	case errors.Is(err, http.ErrNotMultipart), strings.Contains(msg, "content-type isn't multipart/form-data"):
		writeJSONError(w, "invalid content type, expected multipart/form-data", http.StatusBadRequest)

	default:
		writeJSONError(w, "malformed multipart body", http.StatusBadRequest)
	}
}

// parseBool returns nil for an empty value.
func parseBool(s string) (*bool, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func validationErrorsToMap(err error) map[string]string {
	errs := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			field := strings.ToLower(e.Field())
			switch e.Tag() {
			case "required":
				errs[field] = "is required"
			case "oneof":
				errs[field] = "must be one of: " + e.Param()
			case "gte", "lte":
				errs[field] = "out of allowed range"
			default:
				errs[field] = "invalid value"
			}
		}
	} else {
		errs["error"] = err.Error()
	}
	return errs
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, APIError{Error: message, Code: code})
}

func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindUnauthorized:
		return http.StatusUnauthorized
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindUnsupportedImage:
		return http.StatusUnsupportedMediaType
	case apperrors.KindInvalidInput:
		return http.StatusBadRequest
	case apperrors.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// writeError is the only place where error kinds become status codes.
// Internal errors are logged and reported with full detail; the caller only
// sees a generic message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperrors.KindOf(err)
	code := statusFor(kind)

	if kind == apperrors.KindInternal {
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		} else {
			sentry.CaptureException(err)
		}
	} else {
		h.logger.Debug("request rejected",
			slog.String("path", r.URL.Path),
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()),
		)
	}

	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSONError(w, apperrors.PublicMessage(err), code)
}

var allowedMIMEs = map[string]struct{}{
	"image/png":              {},
	"image/vnd.mozilla.apng": {},
	"image/jpeg":             {},
	"image/gif":              {},
	"image/webp":             {},
	"image/bmp":              {},
	"image/tiff":             {},
	"image/svg+xml":          {},
	"image/x-icon":           {},
	"image/avif":             {},
}

func validateMimeType(mimeType string) error {
	mimeType, _, _ = strings.Cut(mimeType, ";")
	if _, ok := allowedMIMEs[mimeType]; !ok {
		return apperrors.New(apperrors.KindUnsupportedImage, "unsupported file type: "+mimeType)
	}
	return nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
