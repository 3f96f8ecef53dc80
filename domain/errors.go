package domain

import "errors"

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrContainerNotFound = errors.New("container not found")
	ErrSessionLimit      = errors.New("user session limit reached")
	ErrNotOwned          = errors.New("container is not a challenge container")
	ErrImageUnavailable  = errors.New("challenge image not available")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidArgument   = errors.New("invalid argument")
)
