package astercord

import "errors"

// Errors reported by the bridge's public API.
var (
	// ErrInvalidCredentials indicates the configured token was
	// rejected or the voice credentials never arrived.
	ErrInvalidCredentials = errors.New("invalid or rejected credentials")

	// ErrAlreadyInChannel indicates a call was placed into a guild
	// that already has an active call. One voice connection per guild
	// is a protocol limit.
	ErrAlreadyInChannel = errors.New("already connected to a channel in this guild")

	// ErrEncode indicates outbound audio could not be opus-encoded.
	ErrEncode = errors.New("audio encoding failed")

	// ErrMissingToken indicates the configuration carries no bot
	// token.
	ErrMissingToken = errors.New("no bot token configured")

	// ErrBadDestination indicates a dial string that is not of the
	// form "guild/channel" with two decimal ids.
	ErrBadDestination = errors.New("malformed destination")

	// ErrCallGone indicates an operation on a call that has ended.
	ErrCallGone = errors.New("call has ended")
)
