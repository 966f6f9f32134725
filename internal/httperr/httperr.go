// Package httperr defines the proxy's error taxonomy and its mapping to
// HTTP status codes.
package httperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the request pipeline.
var (
	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrPaymentRequired indicates no balance, no free tier, and no valid micropayment.
	ErrPaymentRequired = errors.New("payment required")
	// ErrUnknownModel indicates the requested model is not in the pricing catalog.
	ErrUnknownModel = errors.New("unknown model")
	// ErrUsageParse indicates a provider response could not be parsed into usage.
	ErrUsageParse = errors.New("usage parse failed")
	// ErrFacilitatorsExhausted indicates every settlement backend failed.
	ErrFacilitatorsExhausted = errors.New("all facilitators exhausted")
)

// HTTPError carries an upstream or vendor status code through to the client.
type HTTPError struct {
	Status  int
	Message string
}

// NewHTTPError constructs an HTTPError with the given status and message.
func NewHTTPError(status int, message string) *HTTPError {
	return &HTTPError{Status: status, Message: message}
}

func (e *HTTPError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d", e.Status)
}

// StatusCode returns the HTTP status the error maps to.
func (e *HTTPError) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.Status
}

// StatusFor maps an error to the HTTP status code it should surface as.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPaymentRequired), errors.Is(err, ErrFacilitatorsExhausted):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrUnknownModel):
		return http.StatusUnprocessableEntity
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Status > 0 {
		return httpErr.Status
	}
	return http.StatusInternalServerError
}
