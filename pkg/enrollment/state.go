// Package enrollment sequences the onboarding steps, branches by role and
// performs the terminal commit exactly once.
package enrollment

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MrCodeEU/faceenroll/pkg/matcher"
	"github.com/google/uuid"
)

// Step is one stage of the onboarding flow.
type Step string

const (
	StepProfile  Step = "profile_and_credential"
	StepPhoto    Step = "photo_capture"
	StepFace     Step = "face_capture"
	StepReview   Step = "duplicate_review"
	StepComplete Step = "complete"
)

// allSteps is the global step order every template is a subsequence of.
var allSteps = []Step{StepProfile, StepPhoto, StepFace, StepReview, StepComplete}

var stepTitles = map[Step]string{
	StepProfile:  "Profile",
	StepPhoto:    "Photo",
	StepFace:     "Face",
	StepReview:   "Review",
	StepComplete: "Complete",
}

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	_, ok := stepTitles[s]
	return ok
}

// RequiresCapture reports whether completing s needs a live capture, which
// can never be reused from an earlier visit.
func (s Step) RequiresCapture() bool {
	return s == StepPhoto || s == StepFace
}

// Title is the short human-readable step name.
func (s Step) Title() string {
	return stepTitles[s]
}

// Role selects the step template.
type Role string

const (
	// RoleMember goes through every step.
	RoleMember Role = "member"
	// RoleWorker has no profile step; its account exists already.
	RoleWorker Role = "worker"
)

// ParseRole parses a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := templates[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

var templates = map[Role][]Step{
	RoleMember: allSteps,
	RoleWorker: {StepPhoto, StepFace, StepReview, StepComplete},
}

// Template is the ordered subsequence of steps a role walks through.
type Template struct {
	role  Role
	steps []Step
}

// TemplateFor returns the template of role.
func TemplateFor(role Role) (Template, error) {
	steps, ok := templates[role]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return Template{role: role, steps: steps}, nil
}

func (t Template) Role() Role { return t.role }

// Steps returns a copy of the ordered steps.
func (t Template) Steps() []Step {
	return append([]Step(nil), t.steps...)
}

// Count is the number of steps shown to the user.
func (t Template) Count() int { return len(t.steps) }

// Initial is the first step.
func (t Template) Initial() Step { return t.steps[0] }

// Position returns the 1-based position of step, or 0 if the role does not
// have it.
func (t Template) Position(step Step) int {
	for i, s := range t.steps {
		if s == step {
			return i + 1
		}
	}
	return 0
}

// Contains reports whether the role has step.
func (t Template) Contains(step Step) bool {
	return t.Position(step) > 0
}

// Next returns the step after step.
func (t Template) Next(step Step) (Step, bool) {
	p := t.Position(step)
	if p == 0 || p >= len(t.steps) {
		return "", false
	}
	return t.steps[p], true
}

// Prev returns the step before step.
func (t Template) Prev(step Step) (Step, bool) {
	p := t.Position(step)
	if p <= 1 {
		return "", false
	}
	return t.steps[p-2], true
}

// Label renders e.g. "Step 1 of 4: Photo".
func (t Template) Label(step Step) string {
	return fmt.Sprintf("Step %d of %d: %s", t.Position(step), t.Count(), step.Title())
}

// Status tracks the terminal commit.
type Status string

const (
	StatusActive     Status = "active"
	StatusCommitting Status = "committing"
	StatusCommitted  Status = "committed"
	StatusError      Status = "error"
)

// State is the full resumable session. It never holds raw image data.
type State struct {
	SessionID   string                   `json:"session_id"`
	SessionKey  string                   `json:"session_key"`
	IdentityID  string                   `json:"identity_id,omitempty"`
	Role        Role                     `json:"role"`
	CurrentStep Step                     `json:"current_step"`
	StepData    map[Step]json.RawMessage `json:"step_data"`
	Candidates  []matcher.MatchResult    `json:"candidates,omitempty"`
	Status      Status                   `json:"status"`
	LastError   string                   `json:"last_error,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	LastSavedAt time.Time                `json:"last_saved_at"`
}

// NewState starts a session for role at the role's initial step.
func NewState(sessionKey, identityID string, role Role, now time.Time) (State, error) {
	t, err := TemplateFor(role)
	if err != nil {
		return State{}, err
	}
	return State{
		SessionID:   uuid.NewString(),
		SessionKey:  sessionKey,
		IdentityID:  identityID,
		Role:        role,
		CurrentStep: t.Initial(),
		StepData:    make(map[Step]json.RawMessage),
		Status:      StatusActive,
		CreatedAt:   now,
	}, nil
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := s
	c.StepData = make(map[Step]json.RawMessage, len(s.StepData))
	for k, v := range s.StepData {
		c.StepData[k] = append(json.RawMessage(nil), v...)
	}
	c.Candidates = append([]matcher.MatchResult(nil), s.Candidates...)
	return c
}

// Has reports whether a payload is stored for step.
func (s State) Has(step Step) bool {
	_, ok := s.StepData[step]
	return ok
}

// Validate checks the state is structurally sound: the current step belongs to
// the role, or is Complete for a committed state, and payloads exist only
// for steps the role has, never for Complete.
func (s State) Validate() error {
	t, err := TemplateFor(s.Role)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if s.SessionKey == "" {
		return fmt.Errorf("%w: missing session key", ErrInvalidState)
	}
	if !t.Contains(s.CurrentStep) && (s.CurrentStep != StepComplete || s.Status != StatusCommitted) {
		return fmt.Errorf("%w: step %q is not valid for role %s", ErrInvalidState, s.CurrentStep, s.Role)
	}
	for step := range s.StepData {
		if step == StepComplete || !t.Contains(step) {
			return fmt.Errorf("%w: unexpected payload for %q", ErrInvalidState, step)
		}
	}
	switch s.Status {
	case StatusActive, StatusCommitting, StatusCommitted, StatusError:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidState, s.Status)
	}
	return nil
}

// Payload decodes the payload stored for step. ok is false when the step
// has no payload.
func Payload[T any](s State, step Step) (payload T, ok bool, err error) {
	raw, found := s.StepData[step]
	if !found {
		return payload, false, nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, true, fmt.Errorf("failed to decode %s payload: %w", step, err)
	}
	return payload, true, nil
}
