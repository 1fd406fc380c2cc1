package client

import "errors"

// Error taxonomy for the chat client. Callers match with errors.Is; the
// concrete cause is carried by wrapping.
var (
	// ErrInvalidSession is returned when a connection or REST call is
	// attempted without a valid session. It is fatal for that call and is
	// never retried automatically.
	ErrInvalidSession = errors.New("client: invalid session")

	// ErrNotConnected is returned by Emit when the live channel is down.
	// The event is not queued; the caller decides whether to retry.
	ErrNotConnected = errors.New("client: live channel not connected")

	// ErrConnection indicates a handshake or transport failure. It is
	// recoverable: the connection manager retries with backoff.
	ErrConnection = errors.New("client: connection failed")

	// ErrHistoryFetch indicates a REST failure loading message history.
	// Recoverable by a user-triggered retry; the view stays usable.
	ErrHistoryFetch = errors.New("client: history fetch failed")

	// ErrMessageSend indicates a REST failure sending a message. The
	// message was not persisted and must not be shown as sent.
	ErrMessageSend = errors.New("client: message send failed")
)
