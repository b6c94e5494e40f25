// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotIdentified indicates the connection has not completed the handshake.
	ErrNotIdentified = errors.New("not identified")

	// ErrAlreadyIdentified indicates the connection is already bound to a client.
	ErrAlreadyIdentified = errors.New("already identified")

	// ErrAttemptUsed indicates the single registration or authentication attempt
	// for this connection has already been consumed.
	ErrAttemptUsed = errors.New("attempt already used")

	// ErrNoPendingRegistration indicates register was called without generateId.
	ErrNoPendingRegistration = errors.New("no pending registration")

	// ErrNoPendingAuth indicates authPhase2 was called before authPhase1.
	ErrNoPendingAuth = errors.New("no pending authentication")

	// ErrUnknownClient indicates the client id has no record.
	ErrUnknownClient = errors.New("unknown client")

	// ErrNoVerifier indicates the client record has no verifier/salt material.
	ErrNoVerifier = errors.New("no verifier on record")

	// ErrProofMismatch indicates the handshake proof did not verify.
	ErrProofMismatch = errors.New("proof mismatch")

	// ErrConflict indicates a conditional state transition lost a race.
	ErrConflict = errors.New("state conflict")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")
)
