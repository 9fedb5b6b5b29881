package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dmitrijs2005/texcouncil/internal/common"
	"github.com/dmitrijs2005/texcouncil/internal/logging"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

type duplicateDetails struct {
	Hash       string `json:"hash"`
	ExistingID string `json:"existing_id,omitempty"`
}

// classify maps a service error to its HTTP status and API error. Storage
// and git host failures get a generic message; the cause is only logged.
func classify(err error) (int, APIError) {
	var dup *common.DuplicateContentError
	switch {
	case errors.As(err, &dup):
		return http.StatusConflict, APIError{
			Message: err.Error(),
			Code:    "duplicate_content",
			Details: duplicateDetails{Hash: dup.Hash, ExistingID: dup.ExistingID},
		}
	case errors.Is(err, common.ErrDuplicateContent):
		return http.StatusConflict, APIError{Message: err.Error(), Code: "duplicate_content"}
	case errors.Is(err, common.ErrInvalidTransition):
		return http.StatusConflict, APIError{Message: err.Error(), Code: "invalid_transition"}
	case errors.Is(err, common.ErrForbidden):
		return http.StatusForbidden, APIError{Message: "forbidden", Code: "forbidden"}
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound, APIError{Message: err.Error(), Code: "not_found"}
	case errors.Is(err, common.ErrValidation):
		return http.StatusBadRequest, APIError{Message: err.Error(), Code: "validation"}
	case errors.Is(err, common.ErrTokenExpired):
		return http.StatusUnauthorized, APIError{Message: "token expired", Code: "token_expired"}
	case errors.Is(err, common.ErrorUnauthorized), errors.Is(err, common.ErrInvalidToken):
		return http.StatusUnauthorized, APIError{Message: "missing or invalid token", Code: "unauthorized"}
	case errors.Is(err, common.ErrExternalSync):
		return http.StatusBadGateway, APIError{Message: "git host unavailable, try again later", Code: "external_sync"}
	case errors.Is(err, common.ErrStorage):
		return http.StatusServiceUnavailable, APIError{Message: "storage unavailable, try again later", Code: "storage_unavailable"}
	default:
		return http.StatusInternalServerError, APIError{Message: "internal error", Code: "internal"}
	}
}

// RespondError writes the envelope for err. Server-side failures are logged
// with their cause.
func RespondError(c *gin.Context, log logging.Logger, err error) {
	status, apiErr := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error(c.Request.Context(), "request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{Error: apiErr})
}

// RespondBadRequest rejects a malformed request body or query.
func RespondBadRequest(c *gin.Context, code string, err error) {
	msg := "bad request"
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorEnvelope{Error: APIError{Message: msg, Code: code}})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
