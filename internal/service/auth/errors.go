package auth

import "errors"

// ValidationError is a client-fixable, field-scoped rejection. Message is
// the exact text the boundary shows next to the field.
type ValidationError struct {
	Field   string
	Reason  string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

var (
	// ErrEmailInvalid rejects a malformed email address.
	ErrEmailInvalid = &ValidationError{Field: "email", Reason: "invalid", Message: "email is invalid"}
	// ErrPasswordTooShort rejects passwords under the minimum length.
	ErrPasswordTooShort = &ValidationError{Field: "password", Reason: "too_short", Message: "password should be at least 8 characters"}

	// ErrSignupClosed means the one account this service allows already
	// exists. The boundary surfaces it as 404, never as a descriptive
	// error, so closed signup is indistinguishable from no signup at all.
	ErrSignupClosed = errors.New("auth: signup closed")

	// ErrNoSuchUser means no account matches the email.
	ErrNoSuchUser = errors.New("auth: no user with that email")
	// ErrInvalidPassword means the email matched but the password did not.
	ErrInvalidPassword = errors.New("auth: invalid password")
)
