package respond

import (
	"errors"
	"net/http"

	"github.com/good-yellow-bee/sentinel/internal/condition"
	"github.com/good-yellow-bee/sentinel/internal/models"
	"github.com/good-yellow-bee/sentinel/internal/storage"
)

// Error is the body of every non-2xx API response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string {
	return e.Message
}

// Error codes.
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeUnavailable      = "UNAVAILABLE"
)

var (
	ErrNotFound       = &Error{Code: ErrCodeNotFound, Message: "Resource not found", Status: http.StatusNotFound}
	ErrInternalServer = &Error{Code: ErrCodeInternalError, Message: "Internal server error", Status: http.StatusInternalServerError}
	ErrInvalidBody    = &Error{Code: ErrCodeBadRequest, Message: "Invalid request body", Status: http.StatusBadRequest}
)

func NewBadRequest(message string) *Error {
	return &Error{Code: ErrCodeBadRequest, Message: message, Status: http.StatusBadRequest}
}

func NewValidationError(message string) *Error {
	return &Error{Code: ErrCodeValidationFailed, Message: message, Status: http.StatusBadRequest}
}

func NewConflict(message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message, Status: http.StatusConflict}
}

func NewNotFound(message string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: message, Status: http.StatusNotFound}
}

// domainErrors maps sentinel errors to the response they produce. The
// original error text is used as the message.
var domainErrors = []struct {
	target error
	build  func(string) *Error
}{
	{storage.ErrNotFound, NewNotFound},
	{storage.ErrDependencyNotFound, NewNotFound},
	{storage.ErrSelfDependency, NewValidationError},
	{storage.ErrDuplicateDependency, NewConflict},
	{storage.ErrDuplicateName, NewConflict},
	{storage.ErrDuplicateOpenTicket, NewConflict},
	{models.ErrInvalidDefinition, NewValidationError},
	{condition.ErrInvalidCondition, NewValidationError},
}

// FromError maps an error to an API error. Unknown errors become a generic
// 500 so internal details never reach the client; callers log the original.
func FromError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	for _, de := range domainErrors {
		if errors.Is(err, de.target) {
			return de.build(err.Error())
		}
	}
	return ErrInternalServer
}
