package domain

import "errors"

var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument indicates a caller supplied an unusable argument
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConnection indicates a connection failure
	ErrConnection = errors.New("connection failed")

	// ErrTimeout indicates a socket operation exceeded its deadline
	ErrTimeout = errors.New("timeout")

	// ErrHung indicates the connection stalled and is no longer usable
	ErrHung = errors.New("connection hung")

	// ErrInvalidFormat indicates a token did not parse as the expected type
	ErrInvalidFormat = errors.New("invalid format")

	// ErrOutOfRange indicates a parsed value does not fit the target width
	ErrOutOfRange = errors.New("value out of range")

	// ErrUnexpectedResponse indicates the backend answered with something the
	// request does not allow
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrProtocolRejected indicates the backend refused the protocol handshake
	ErrProtocolRejected = errors.New("protocol version rejected")

	// ErrChainSetupFailed indicates the live-TV chain never became ready
	ErrChainSetupFailed = errors.New("live tv chain setup failed")

	// ErrRecorderUnavailable indicates the backend rejected a spawn/tune request
	ErrRecorderUnavailable = errors.New("recorder unavailable")

	// ErrReconnectExhausted indicates the reconnect attempt limit is reached
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrNoLiveSession indicates a live-TV operation without an active chain
	ErrNoLiveSession = errors.New("no live tv session")
)
