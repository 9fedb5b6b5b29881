// Package common defines the sentinel errors shared by the repositories,
// services and transport layers of the review service. Callers should use
// errors.Is / errors.As to match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Authorization errors.
	ErrorUnauthorized = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")

	// Lifecycle errors.
	ErrDuplicateContent  = errors.New("duplicate content")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrValidation        = errors.New("validation error")

	// Infrastructure errors. These are surfaced to users as generic failures.
	ErrStorage      = errors.New("storage error")
	ErrExternalSync = errors.New("external sync error")

	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// DuplicateContentError is returned when an active contribution with the same
// content hash already exists.
type DuplicateContentError struct {
	Hash       string
	ExistingID string
}

func (e *DuplicateContentError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("duplicate content %s", e.Hash)
	}
	return fmt.Sprintf("duplicate content %s (contribution %s)", e.Hash, e.ExistingID)
}

// Is makes errors.Is(err, ErrDuplicateContent) hold for every DuplicateContentError.
func (e *DuplicateContentError) Is(target error) bool {
	return target == ErrDuplicateContent
}
