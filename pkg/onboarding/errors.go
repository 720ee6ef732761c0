package onboarding

import (
	"errors"

	"github.com/MrCodeEU/faceenroll/pkg/camera"
	"github.com/MrCodeEU/faceenroll/pkg/enrollment"
	"github.com/MrCodeEU/faceenroll/pkg/extraction"
	"github.com/MrCodeEU/faceenroll/pkg/invitation"
	"github.com/MrCodeEU/faceenroll/pkg/models"
)

var (
	// ErrRecognitionUnavailable is returned when a face embedding is needed
	// but the recognition model is not loaded.
	ErrRecognitionUnavailable = errors.New("face recognition is unavailable")
	// ErrNoAcceptableFace is returned when auto capture ends without enough
	// good samples.
	ErrNoAcceptableFace = errors.New("no face of sufficient quality captured")
	// ErrPhotoMissing is returned when the photo bytes are no longer held
	// by the session.
	ErrPhotoMissing = errors.New("photo data is no longer available")
	// ErrPhotoTooLarge is returned for photos above the configured limit.
	ErrPhotoTooLarge = errors.New("photo exceeds the maximum size")
	// ErrUnsupportedPhoto is returned for non-image uploads.
	ErrUnsupportedPhoto = errors.New("photo must be a JPEG or PNG image")
	// ErrNoInvitations is returned when a token is presented but no
	// invitation secret is configured.
	ErrNoInvitations = errors.New("invitations are not configured")
	// ErrSessionClosed is returned by operations on an abandoned session.
	ErrSessionClosed = errors.New("session was abandoned")
)

// ErrorCode classifies an error for presentation.
type ErrorCode string

const (
	ErrCodeInvalidInvitation ErrorCode = "INVALID_INVITATION"
	ErrCodeInvitationExpired ErrorCode = "INVITATION_EXPIRED"
	ErrCodeModels            ErrorCode = "MODELS_UNAVAILABLE"
	ErrCodeCamera            ErrorCode = "CAMERA_ERROR"
	ErrCodeNoFace            ErrorCode = "NO_FACE"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeRecapture         ErrorCode = "RECAPTURE_REQUIRED"
	ErrCodeCommit            ErrorCode = "COMMIT_FAILED"
	ErrCodeCompleted         ErrorCode = "ALREADY_COMPLETED"
	ErrCodeUnknown           ErrorCode = "UNKNOWN"
)

// User-friendly error messages
var errorMessages = map[ErrorCode]string{
	ErrCodeInvalidInvitation: "This invitation link is not valid",
	ErrCodeInvitationExpired: "This invitation has expired. Please ask for a new one",
	ErrCodeModels:            "Face recognition is not available right now",
	ErrCodeCamera:            "Camera error. Please check your camera connection and permissions",
	ErrCodeNoFace:            "Please position your face in front of the camera",
	ErrCodeTimeout:           "Face detection timed out. Please try again",
	ErrCodeInvalidInput:      "Please check the highlighted information",
	ErrCodeRecapture:         "Please capture this step again",
	ErrCodeCommit:            "Your enrollment could not be saved. Please retry",
	ErrCodeCompleted:         "This enrollment is already complete",
	ErrCodeUnknown:           "Something went wrong",
}

// Classify maps err to the code shown to the user.
func Classify(err error) ErrorCode {
	var (
		commitErr *enrollment.CommitError
		validErr  *enrollment.ValidationError
		loadErr   *models.LoadError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, invitation.ErrExpired):
		return ErrCodeInvitationExpired
	case errors.Is(err, invitation.ErrInvalid), errors.Is(err, ErrNoInvitations):
		return ErrCodeInvalidInvitation
	case errors.As(err, &loadErr), errors.Is(err, extraction.ErrNotReady), errors.Is(err, ErrRecognitionUnavailable):
		return ErrCodeModels
	case errors.Is(err, camera.ErrDeviceAccess), errors.Is(err, camera.ErrDeviceBusy):
		return ErrCodeCamera
	case errors.Is(err, extraction.ErrDetectionTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ErrNoAcceptableFace):
		return ErrCodeNoFace
	case errors.As(err, &commitErr):
		return ErrCodeCommit
	case errors.Is(err, enrollment.ErrCommitted):
		return ErrCodeCompleted
	case errors.Is(err, enrollment.ErrRecaptureRequired), errors.Is(err, ErrPhotoMissing):
		return ErrCodeRecapture
	case errors.As(err, &validErr), errors.Is(err, ErrPhotoTooLarge), errors.Is(err, ErrUnsupportedPhoto):
		return ErrCodeInvalidInput
	}
	return ErrCodeUnknown
}

// UserMessage returns a user-friendly message for err.
func UserMessage(err error) string {
	code := Classify(err)
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return ""
}
