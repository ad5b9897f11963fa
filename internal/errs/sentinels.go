// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across transport/rest/service layers.
var (
	// ErrNoCredential indicates that no bearer credential is available; connect is not retried.
	ErrNoCredential = errors.New("no credential")

	// ErrNotConnected indicates the operation requires an established hub connection.
	ErrNotConnected = errors.New("not connected")

	// ErrUnauthorized indicates the server rejected the credential (401/403).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates the local role check rejected a member-management action.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidArgument indicates caller input failed validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConnectTimeout indicates waiting for an in-flight connect attempt timed out.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrClosed indicates the hub channel is closed.
	ErrClosed = errors.New("channel closed")

	// ErrHandshake indicates the hub rejected the protocol handshake.
	ErrHandshake = errors.New("handshake failed")
)
