package fleetapi

import (
	"errors"
	"net/http"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// Temporary returns true if the Error might be the result of a transient condition, in which
	// case the caller may retry later. It does not mean the caller should retry immediately.
	Temporary() bool
}

var (
	// ErrNotAuthenticated indicates the client has no credential at all. The user must import a
	// token pair before any request can be made.
	ErrNotAuthenticated = NewError("not authenticated: no Fleet API tokens available", false)
	// ErrAuthExpired indicates that refreshing the access token failed or that the Fleet API
	// rejected a freshly refreshed token. The credential store has been cleared and the user must
	// re-authorize.
	ErrAuthExpired = NewError("authorization expired: re-authorization required", false)
	// ErrRateLimited indicates the Fleet API returned HTTP 429. The client never retries these;
	// backing off is the caller's responsibility.
	ErrRateLimited = NewError("rate limited by Fleet API", true)
	// ErrVehicleUnreachable indicates the vehicle was asleep or offline and did not come online
	// within the wake budget. It's safe to retry later, but not immediately.
	ErrVehicleUnreachable = NewError("vehicle unavailable: vehicle is offline or asleep", true)
)

// ClientError is an error with a known retry classification.
type ClientError struct {
	Err               error
	PossibleTemporary bool
}

// NewError returns an [Error] with the provided message.
func NewError(message string, temporary bool) error {
	return &ClientError{Err: errors.New(message), PossibleTemporary: temporary}
}

func (e *ClientError) Error() string {
	return e.Err.Error()
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

func (e *ClientError) Temporary() bool {
	return e.PossibleTemporary
}

// HttpError is returned for non-2xx responses that don't map to a more specific error.
type HttpError struct {
	Code    int
	Message string
}

func (e *HttpError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Code)
	}
	return e.Message
}

func (e *HttpError) Temporary() bool {
	return e.Code == http.StatusServiceUnavailable ||
		e.Code == http.StatusGatewayTimeout ||
		e.Code == http.StatusBadGateway ||
		e.Code == http.StatusInternalServerError ||
		e.Code == http.StatusMisdirectedRequest
}

// Temporary returns true if err indicates a failure that may resolve without user action.
func Temporary(err error) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Temporary()
	}
	return false
}

// IsAuthError returns true if the user must (re-)authorize before further requests can succeed.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrAuthExpired)
}

// StatusCode returns the HTTP status code associated with err, or zero if there is none.
func StatusCode(err error) int {
	var httpErr *HttpError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrVehicleUnreachable):
		return http.StatusRequestTimeout
	case IsAuthError(err):
		return http.StatusUnauthorized
	}
	return 0
}
