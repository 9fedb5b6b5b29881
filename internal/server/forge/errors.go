package forge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError represents a non-2xx response from the git host API.
type APIError struct {
	StatusCode int
	Message    string
}

func (err *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == http.StatusNotFound
}

// IsRetryable reports whether a failed call may succeed when repeated:
// transport errors, server errors and rate limiting.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrForkAbsent) || errors.Is(err, ErrTreeTruncated) || errors.Is(err, ErrForkOwner) {
		return false
	}
	var apiError *APIError
	if !errors.As(err, &apiError) {
		return true
	}
	switch {
	case apiError.StatusCode >= 500, apiError.StatusCode == http.StatusTooManyRequests:
		return true
	case apiError.StatusCode == http.StatusForbidden:
		return isRateLimitMessage(apiError.Message)
	}
	return false
}

func isRateLimitMessage(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "abuse detection")
}

func parseAPIError(statusCode int, body []byte) *APIError {
	apiError := &APIError{StatusCode: statusCode}

	var wire struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Message != "" {
		apiError.Message = wire.Message
	} else {
		apiError.Message = string(body)
	}
	return apiError
}
