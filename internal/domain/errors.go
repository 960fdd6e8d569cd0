package domain

import (
	"errors"
	"fmt"
)

var (
	ErrKeyGeneration       = errors.New("key generation failed")
	ErrNoPrivateKey        = errors.New("no private key for owner")
	ErrIssuance            = errors.New("certificate issuance failed")
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrAlreadyRevoked      = errors.New("certificate already revoked")
	ErrSignatureNotFound   = errors.New("signature not found")
	ErrWorkflowNotFound    = errors.New("workflow not found")
	ErrAlreadySigned       = errors.New("signer already acted on workflow")
	ErrWorkflowClosed      = errors.New("workflow no longer accepts entries")
	ErrUnknownSigner       = errors.New("signer is not part of workflow")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrUnsupportedFormat   = errors.New("unsupported export format")
)

// ValidationFailure reports a rejected input with a human-readable reason.
type ValidationFailure struct {
	Reason string
}

func (e *ValidationFailure) Error() string {
	return "validation failure: " + e.Reason
}

// Invalidf builds a ValidationFailure from a format string.
func Invalidf(format string, args ...any) error {
	return &ValidationFailure{Reason: fmt.Sprintf(format, args...)}
}

// IsValidationFailure reports whether err wraps a ValidationFailure.
func IsValidationFailure(err error) bool {
	var vf *ValidationFailure
	return errors.As(err, &vf)
}
