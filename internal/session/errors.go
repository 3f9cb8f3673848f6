package session

import "errors"

var (
	// ErrStartFailed wraps a backend rejection of attempt creation. Nothing
	// has been persisted when it is returned.
	ErrStartFailed = errors.New("start attempt failed")
	// ErrSubmitFailed wraps the last error of an exhausted awaited
	// submission. The answers are still queued for redelivery and the
	// submission may be retried.
	ErrSubmitFailed = errors.New("submission did not complete")

	ErrAlreadySubmitted    = errors.New("attempt already submitted")
	ErrFinalizing          = errors.New("submission already in progress")
	ErrNotActive           = errors.New("session is not active")
	ErrAlreadyBootstrapped = errors.New("session already bootstrapped")
	ErrBootstrapping       = errors.New("bootstrap already in progress")
	ErrExpired             = errors.New("time is up")
	ErrUnknownQuestion     = errors.New("unknown question")
	ErrInvalidOption       = errors.New("option out of range")
	ErrInvalidIndex        = errors.New("question index out of range")
)
