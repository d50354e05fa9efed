// Package rpcerr defines the closed set of stable error codes that
// cross the RPC boundary, replacing raw Go error strings with a
// machine-checkable identifier plus a human message.
package rpcerr

// Code is a stable, machine-checkable error identifier.
type Code string

// Validation kind.
const (
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeLowEntropy     Code = "LOW_ENTROPY"
)

// State kind.
const (
	CodeAlreadyEnrolled Code = "ALREADY_ENROLLED"
	CodeNotEnrolled     Code = "NOT_ENROLLED"
	CodeNotSetup        Code = "NOT_SETUP"
	CodeLeaseExpired    Code = "LEASE_EXPIRED"
	CodeLeaseNotFound   Code = "LEASE_NOT_FOUND"
)

// Authentication kind.
const (
	CodeIncorrectPassphrase      Code = "INCORRECT_PASSPHRASE"
	CodeIncorrectPasskey         Code = "INCORRECT_PASSKEY"
	CodeIncorrectCredential      Code = "INCORRECT_CREDENTIAL"
	CodePasskeyPRFNotSupported   Code = "PASSKEY_PRF_NOT_SUPPORTED"
	CodePasskeyNotAvailable      Code = "PASSKEY_NOT_AVAILABLE"
)

// Authorization kind.
const (
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeQuotaExceeded         Code = "QUOTA_EXCEEDED"
	CodeOriginRejected        Code = "ORIGIN_REJECTED"
	CodeEndpointNotAuthorized Code = "ENDPOINT_NOT_AUTHORIZED"
)

// Integrity kind.
const (
	CodeKeyNotFound      Code = "KEY_NOT_FOUND"
	CodeIntegrityFailure Code = "INTEGRITY_FAILURE"
	CodeAuditChainBroken Code = "AUDIT_CHAIN_BROKEN"
)

// Crypto / internal kind.
const (
	CodeCryptoFailure Code = "CRYPTO_FAILURE"
	CodeInternal      Code = "INTERNAL"
)

// Error is the structured error value returned in an RPC response's
// error field.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error with the given code from an underlying Go
// error's message, used at the orchestrator boundary where an internal
// package error needs to become a stable code before crossing the wire.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Message: err.Error()}
}
