package auth

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidCredentials    = errors.New("auth: invalid credentials")
	ErrInactiveUser          = errors.New("auth: inactive user")
	ErrInvalidToken          = errors.New("auth: invalid token")
	ErrPermissionDenied      = errors.New("auth: permission denied")
	ErrResourceNotFound      = errors.New("auth: resource not found")
	ErrResourceAlreadyExists = errors.New("auth: resource already exists")
	ErrDependencyUnavailable = errors.New("auth: dependency unavailable")
	ErrInvalidInput          = errors.New("auth: invalid input")

	// ErrSessionNotFound is returned by SessionStore.Get for absent or expired
	// sessions. The resolver turns it into ErrInvalidToken.
	ErrSessionNotFound = errors.New("auth: session not found")
)

// Unavailable wraps an infrastructure error so that callers only need to test
// for ErrDependencyUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDependencyUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrDependencyUnavailable, op, err)
}

// Failure is the uniform envelope the request layer renders for a core error.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

// Describe maps err onto a fixed, non-technical failure. Unknown errors are
// reported as internal failures without leaking their text.
func Describe(err error) Failure {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return Failure{Code: "INVALID_CREDENTIALS", Message: "Invalid username or password.", Status: http.StatusUnauthorized}
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrSessionNotFound):
		return Failure{Code: "INVALID_TOKEN", Message: "Your session is invalid. Please log in again.", Status: http.StatusUnauthorized}
	case errors.Is(err, ErrInactiveUser):
		return Failure{Code: "INACTIVE_USER", Message: "Your account is inactive. Please contact support.", Status: http.StatusForbidden}
	case errors.Is(err, ErrPermissionDenied):
		return Failure{Code: "PERMISSION_DENIED", Message: "You don't have permission to perform this action.", Status: http.StatusForbidden}
	case errors.Is(err, ErrResourceNotFound):
		return Failure{Code: "RESOURCE_NOT_FOUND", Message: "The requested resource doesn't exist.", Status: http.StatusNotFound}
	case errors.Is(err, ErrResourceAlreadyExists):
		return Failure{Code: "RESOURCE_ALREADY_EXISTS", Message: "A resource with this information already exists.", Status: http.StatusConflict}
	case errors.Is(err, ErrInvalidInput):
		return Failure{Code: "VALIDATION_ERROR", Message: "The information provided is invalid.", Status: http.StatusUnprocessableEntity}
	case errors.Is(err, ErrDependencyUnavailable):
		return Failure{Code: "SERVICE_UNAVAILABLE", Message: "We're experiencing technical difficulties. Please try again later.", Status: http.StatusServiceUnavailable}
	default:
		return Failure{Code: "INTERNAL_ERROR", Message: "An unexpected error occurred.", Status: http.StatusInternalServerError}
	}
}
