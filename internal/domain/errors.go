package domain

import "errors"

// Transition errors. Callers map these to client errors. A transition that
// returns one of them has not modified the record.
var (
	ErrInvalidVersionID     = errors.New("invalid version id")
	ErrDuplicateVersion     = errors.New("version id already exists")
	ErrVersionNotFound      = errors.New("version not found")
	ErrVersionFinalized     = errors.New("version already finalized")
	ErrVersionNotSelectable = errors.New("version is not completed")
	ErrVersionsExist        = errors.New("record already has versions")
	ErrAlreadyGenerated     = errors.New("record already generated")
	ErrNotGenerated         = errors.New("record has no generated image yet")
	ErrEditInProgress       = errors.New("another edit is in progress")
	ErrEmptyImageURL        = errors.New("image url is empty")
	ErrNoNavigableVersion   = errors.New("no completed version to navigate to")
	ErrInvalidDirection     = errors.New("direction must be next or previous")
	ErrInvalidRecord        = errors.New("record violates version invariants")
)
