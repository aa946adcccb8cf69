package sessions

import "errors"

// Errors returned by the manager. The HTTP layer maps each to a status.
var (
	// ErrClientStart means the connection provider could not start a client.
	ErrClientStart = errors.New("client task failure")
	// ErrBrokerUnavailable means the broker could not be reached.
	ErrBrokerUnavailable = errors.New("connection to the broker failed")
	// ErrBadCredentials means the broker rejected the login.
	ErrBadCredentials = errors.New("bad credentials")
	// ErrSessionLimit means the user already holds the maximum number of
	// sessions.
	ErrSessionLimit = errors.New("maximum number of sessions for the user exceeded")
	// ErrClosed is returned once the manager has shut down.
	ErrClosed = errors.New("session manager closed")
)
