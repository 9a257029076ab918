package notification

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrAlreadyConsumed = errors.New("signal already consumed")
	ErrInvalidAudience = errors.New("audience must select exactly one of all users, rosters, groups or teams")
	ErrSnapshotMissing = errors.New("content snapshot missing")
	ErrIllegalStatus   = errors.New("illegal status transition")
)
