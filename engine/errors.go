package engine

import "errors"

// Engine lifecycle errors. Consensus outcomes use the types package errors.
var (
	ErrInvalidConfig  = errors.New("invalid engine config")
	ErrAlreadyStarted = errors.New("consensus already started")
	ErrNotStarted     = errors.New("consensus not started")
	ErrStopped        = errors.New("consensus stopped")
)
