package enrollment

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownRole        = errors.New("unknown role")
	ErrInvalidState       = errors.New("invalid enrollment state")
	ErrWrongStep          = errors.New("payload does not belong to the current step")
	ErrAtInitialStep      = errors.New("already at the first step")
	ErrRecaptureRequired  = errors.New("step requires a fresh capture")
	ErrNoPayload          = errors.New("no payload recorded for the current step")
	ErrCommitted          = errors.New("enrollment already committed")
	ErrCommitInProgress   = errors.New("enrollment commit in progress")
	ErrNotReadyToCommit   = errors.New("enrollment is not ready to commit")
	ErrCandidatesRequired = errors.New("duplicate candidates can only be set during review")
	ErrPersist            = errors.New("failed to persist enrollment state")
)

// Commit stages reported by CommitError.
const (
	StagePhotoUpload        = "photo_upload"
	StageIdentityActivation = "identity_activation"
	StageCommit             = "commit"
)

// CommitError is a failed terminal commit. The session stays at the step
// that triggered the commit and can be retried: StepReview when the commit
// followed a review or an auto-advanced review, StepFace when face
// recognition was skipped and the review step never ran.
type CommitError struct {
	Stage string
	Err   error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("enrollment commit failed at %s: %v", e.Stage, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// ValidationError rejects a step payload.
type ValidationError struct {
	Step   Step
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s payload: %s", e.Step, e.Reason)
	}
	return fmt.Sprintf("invalid %s payload: %s %s", e.Step, e.Field, e.Reason)
}
