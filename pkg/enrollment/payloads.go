package enrollment

import (
	"net/mail"
	"strings"

	"github.com/MrCodeEU/faceenroll/pkg/embedding"
	"github.com/MrCodeEU/faceenroll/pkg/matcher"
	"golang.org/x/crypto/bcrypt"
)

// DefaultMinPasswordLength is used when no minimum is configured.
const DefaultMinPasswordLength = 8

var bcryptCost = bcrypt.DefaultCost

// ProfileInput is what the user types on the profile step. The plain
// password never leaves this struct.
type ProfileInput struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Password  string
}

// ProfilePayload completes the profile step.
type ProfilePayload struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Email        string `json:"email"`
	Phone        string `json:"phone,omitempty"`
	PasswordHash string `json:"password_hash"`
}

// NewProfilePayload validates in and hashes the password with bcrypt.
func NewProfilePayload(in ProfileInput, minPasswordLength int) (ProfilePayload, error) {
	if minPasswordLength <= 0 {
		minPasswordLength = DefaultMinPasswordLength
	}
	p := ProfilePayload{
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Email:     strings.TrimSpace(in.Email),
		Phone:     strings.TrimSpace(in.Phone),
	}
	if len(in.Password) < minPasswordLength {
		return ProfilePayload{}, &ValidationError{Step: StepProfile, Field: "password", Reason: "is too short"}
	}
	if len(in.Password) > 72 {
		return ProfilePayload{}, &ValidationError{Step: StepProfile, Field: "password", Reason: "is longer than 72 bytes"}
	}
	if err := p.validateFields(); err != nil {
		return ProfilePayload{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcryptCost)
	if err != nil {
		return ProfilePayload{}, err
	}
	p.PasswordHash = string(hash)
	return p, nil
}

func (p ProfilePayload) validateFields() error {
	if p.FirstName == "" {
		return &ValidationError{Step: StepProfile, Field: "first_name", Reason: "is required"}
	}
	if p.LastName == "" {
		return &ValidationError{Step: StepProfile, Field: "last_name", Reason: "is required"}
	}
	if _, err := mail.ParseAddress(p.Email); err != nil {
		return &ValidationError{Step: StepProfile, Field: "email", Reason: "is not a valid address"}
	}
	return nil
}

func (p ProfilePayload) validate() error {
	if err := p.validateFields(); err != nil {
		return err
	}
	if _, err := bcrypt.Cost([]byte(p.PasswordHash)); err != nil {
		return &ValidationError{Step: StepProfile, Field: "password_hash", Reason: "is not a bcrypt hash"}
	}
	return nil
}

// DisplayName joins first and last name.
func (p ProfilePayload) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// CheckPassword compares password against the stored hash.
func (p ProfilePayload) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)) == nil
}

// PhotoPayload records the enrollment photo. The image bytes stay with the
// in-process session and are never persisted.
type PhotoPayload struct {
	Skipped     bool   `json:"skipped,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int    `json:"size,omitempty"`
	Digest      string `json:"digest,omitempty"`
}

func (p PhotoPayload) validate() error {
	if p.Skipped {
		return nil
	}
	if p.Size <= 0 {
		return &ValidationError{Step: StepPhoto, Field: "size", Reason: "must be positive"}
	}
	if p.ContentType == "" {
		return &ValidationError{Step: StepPhoto, Field: "content_type", Reason: "is required"}
	}
	if p.Digest == "" {
		return &ValidationError{Step: StepPhoto, Field: "digest", Reason: "is required"}
	}
	return nil
}

// FacePayload completes the face step, either with a detected face or as an
// explicit skip.
type FacePayload struct {
	Detected               bool                 `json:"detected"`
	Confidence             float64              `json:"confidence,omitempty"`
	QualityScore           float64              `json:"quality_score,omitempty"`
	LandmarkCount          int                  `json:"landmark_count,omitempty"`
	Samples                int                  `json:"samples,omitempty"`
	Embedding              *embedding.Embedding `json:"embedding,omitempty"`
	FaceRecognitionSkipped bool                 `json:"face_recognition_skipped,omitempty"`
}

func (p FacePayload) validate(minQuality float64) error {
	if p.FaceRecognitionSkipped {
		return nil
	}
	if !p.Detected {
		return &ValidationError{Step: StepFace, Field: "detected", Reason: "must be true"}
	}
	if p.Embedding == nil {
		return &ValidationError{Step: StepFace, Field: "embedding", Reason: "is required"}
	}
	if !p.Embedding.Finite() {
		return &ValidationError{Step: StepFace, Field: "embedding", Reason: "must be finite"}
	}
	if p.QualityScore < minQuality {
		return &ValidationError{Step: StepFace, Field: "quality_score", Reason: "is below the minimum"}
	}
	return nil
}

// Decision is the user's answer to duplicate candidates.
type Decision string

const (
	// DecisionConfirmNew asserts the person is not any of the candidates.
	DecisionConfirmNew Decision = "confirm_new"
	// DecisionFlag proceeds but marks the identity as a possible duplicate.
	DecisionFlag Decision = "flag_duplicate"
)

// ParseDecision parses a decision name.
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DecisionConfirmNew, DecisionFlag:
		return d, nil
	}
	return "", &ValidationError{Step: StepReview, Field: "decision", Reason: "must be confirm_new or flag_duplicate"}
}

// ReviewPayload completes the duplicate review step.
type ReviewPayload struct {
	Decision     Decision              `json:"decision,omitempty"`
	Matches      []matcher.MatchResult `json:"matches,omitempty"`
	AutoAdvanced bool                  `json:"auto_advanced,omitempty"`
}

func (p ReviewPayload) validate(candidates int) error {
	if candidates == 0 {
		return nil
	}
	if p.Decision == "" {
		return &ValidationError{Step: StepReview, Field: "decision", Reason: "is required when candidates exist"}
	}
	_, err := ParseDecision(string(p.Decision))
	return err
}
