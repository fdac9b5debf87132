package session

import "errors"

// Stable error codes, translated 1:1 into the conversational-agent
// envelope's errorCode field.
const (
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeSessionExpired   = "SESSION_EXPIRED"
	CodeOTPInvalid       = "OTP_INVALID"
	CodeOTPExhausted     = "OTP_EXHAUSTED"
	CodeOTPExpired       = "OTP_EXPIRED"
	CodeIdentityNotFound = "IDENTITY_NOT_FOUND"
	CodeLimitReached     = "LIMIT_REACHED"
	CodeNoProperties     = "NO_PROPERTIES_FOUND"
	CodePropertyNotFound = "PROPERTY_NOT_FOUND"
	CodeUpstreamError    = "UPSTREAM_ERROR"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInternalError    = "INTERNAL_ERROR"
)

// Error is a caller-visible failure with a stable code. Public session
// operations never panic past their boundary; they return one of these or
// a wrapped internal error.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf extracts the stable code from err, or INTERNAL_ERROR.
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternalError
}

var (
	// ErrNotFound is the store-level absence signal; the manager maps it
	// to SESSION_NOT_FOUND.
	ErrNotFound = errors.New("session record not found")

	errSessionNotFound = NewError(CodeSessionNotFound, "No authenticated session found. Please validate your identity first.")
	errSessionExpired  = NewError(CodeSessionExpired, "Your session expired. Please restart the authentication process.")
	errOTPExhausted    = NewError(CodeOTPExhausted, "You have no OTP attempts left. Please restart the process.")
	errLimitReached    = NewError(CodeLimitReached, "You already selected the maximum number of properties.")
)
