package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lockedin-study/lockedin-sync/internal/apperrors"
	"github.com/lockedin-study/lockedin-sync/models"
	"github.com/rs/zerolog"
)

func WriteResponse(w http.ResponseWriter, statusCode int, response interface{}) {

	w.Header().Set("Content-Type", "application/json")

	// Session state changes every second, never cache it
	w.Header().Set("Cache-Control", "max-age=0")

	w.WriteHeader(statusCode)

	if response != nil {
		if err := json.NewEncoder(w).Encode(response); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			return
		}
	}
}

func writeData(w http.ResponseWriter, statusCode int, data interface{}) {
	WriteResponse(w, statusCode, models.Response{Success: 1, Data: data})
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindAuthRejected:
		return http.StatusForbidden
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindAlreadyExists:
		return http.StatusConflict
	case apperrors.KindConnectivity:
		return http.StatusServiceUnavailable
	case apperrors.KindConfigMissing:
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	logger := zerolog.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("request rejected")
	}

	code := string(apperrors.KindOf(err))
	if code == "" {
		code = "internal"
	}
	WriteResponse(w, status, models.Response{
		Success:      0,
		ErrorCode:    code,
		ErrorDetails: err.Error(),
	})
}

var errEmptyBody = errors.New("request body is required")

// decodeBody decodes a JSON request body into v. Unknown fields are
// rejected.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return apperrors.E(apperrors.KindValidation, "decode", errEmptyBody)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.E(apperrors.KindValidation, "decode", err)
	}
	return nil
}
