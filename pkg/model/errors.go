package model

import "github.com/m-mizutani/goerr/v2"

// Error categories surfaced by a turn, an upload or a store. Wrapped errors keep both the
// category and the original cause in their chain, so errors.Is matches either.
var (
	ErrHistoryLoadFailed      = goerr.New("history load failed")
	ErrModelResponseMalformed = goerr.New("model response malformed")
	ErrModelCallFailed        = goerr.New("model call failed")
	ErrIndexCallFailed        = goerr.New("index call failed")
	ErrTurnTimeout            = goerr.New("turn timeout")
	ErrChunkingConfig         = goerr.New("invalid chunking config")

	ErrNotFound       = goerr.New("not found")
	ErrInvalidInput   = goerr.New("invalid input")
	ErrPolicyRejected = goerr.New("rejected by policy")
)
