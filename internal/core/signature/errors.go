package signature

import "errors"

var (
	// ErrInvalidKeyMaterial marks malformed or mismatched key/certificate material.
	// It is a configuration error and must not be retried.
	ErrInvalidKeyMaterial = errors.New("invalid signing key material")

	// ErrCredentialExpired marks a compliance identifier or certificate past its validity.
	ErrCredentialExpired = errors.New("signing credential expired")

	// ErrSigningFailed marks any other failure while producing a signature.
	ErrSigningFailed = errors.New("signing failed")
)

// Error carries the failure category together with detail and the underlying cause.
type Error struct {
	Kind    error
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// IsConfigurationError reports whether err requires operator intervention
// (bad or expired credentials) rather than a later retry.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidKeyMaterial) || errors.Is(err, ErrCredentialExpired)
}

func keyMaterialError(msg string, cause error) error {
	return &Error{Kind: ErrInvalidKeyMaterial, Message: msg, Cause: cause}
}

func signingError(msg string, cause error) error {
	return &Error{Kind: ErrSigningFailed, Message: msg, Cause: cause}
}
