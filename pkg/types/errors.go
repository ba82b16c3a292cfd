package types

import "errors"

// Domain error kinds. Store failures are reported separately by
// wrapping the underlying store error; everything here is a local,
// non-corrupting condition (failed calls never mutate applied state).
var (
	// ErrValidation marks a malformed operation: bad signature, bad
	// structure, or a per-author sequence number that is reused or
	// out of order. Such operations are discarded, never applied.
	ErrValidation = errors.New("invalid operation")

	// ErrPermissionDenied marks an operation whose author lacked the
	// required access level at apply time. The operation is retained
	// in the operation store for audit and ordering, but not applied.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrCrypto marks key-agreement or decryption failure: an invalid
	// or expired pre-key bundle, secret derivation failure, or a
	// ciphertext whose epoch key is not held. Not retryable without
	// new key material.
	ErrCrypto = errors.New("crypto failure")

	// ErrKeyExhausted signals that an actor's published one-time
	// pre-key material is used up and must be replenished. Non-fatal.
	ErrKeyExhausted = errors.New("one-time pre-keys exhausted")

	// ErrUnknownSpace is returned for operations against a space the
	// local replica has no view of.
	ErrUnknownSpace = errors.New("unknown space")

	// ErrSpaceExists is returned by CreateSpace when the ID is taken.
	ErrSpaceExists = errors.New("space already exists")
)
