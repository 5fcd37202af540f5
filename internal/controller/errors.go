package controller

import "errors"

var (
	// ErrInvalidParams is returned for malformed drafts at intake
	ErrInvalidParams = errors.New("invalid transaction parameters")
	// ErrUnauthorizedSender is returned when a wallet-internal request names
	// a sender other than the selected account
	ErrUnauthorizedSender = errors.New("sender does not match selected account")
	// ErrUnauthorizedOrigin is returned when an external origin has no
	// permission for the sender address
	ErrUnauthorizedOrigin = errors.New("origin not permitted for sender")
	// ErrDefaultsNotFilled is returned when approving a record whose gas
	// defaulting step failed and was not retried
	ErrDefaultsNotFilled = errors.New("gas defaults not filled")
	// ErrNonceMissing is returned when a cancel/speed-up record lacks the
	// nonce it is supposed to reuse
	ErrNonceMissing = errors.New("replacement record has no nonce to reuse")
	// ErrNotReplaceable is returned when cancel/speed-up targets a record
	// that is not awaiting on-chain resolution
	ErrNotReplaceable = errors.New("transaction is not pending, nothing to replace")
)
