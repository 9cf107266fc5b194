package registry

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrTokenLocked     = errors.New("token locked")
	ErrTokenNotFound   = errors.New("token not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// LockedError carries the unlock time of a token rejected by the timelock.
// It matches ErrTokenLocked under errors.Is.
type LockedError struct {
	TokenID   uint64
	UnlocksAt time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s: token %d unlocks at %s", ErrTokenLocked, e.TokenID, e.UnlocksAt.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool {
	return target == ErrTokenLocked
}
