package client

import "errors"

var (
	// ErrClosed means the remote connection is gone; pending calls and
	// live queries fail with it.
	ErrClosed = errors.New("client: connection closed")

	// ErrSubscribed means a live query is already active on this engine
	// or connection.
	ErrSubscribed = errors.New("client: already subscribed")

	// ErrNotSignedIn means the operation needs an authenticated session.
	ErrNotSignedIn = errors.New("client: not signed in")
)

// AuthError is a sign-in or sign-up failure. It is the only error class
// meant to be shown to the user directly; everything else degrades
// quietly.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth: " + e.Reason
}
