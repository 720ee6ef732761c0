package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrCodeEU/faceenroll/pkg/logging"
	"github.com/MrCodeEU/faceenroll/pkg/matcher"
	"github.com/sirupsen/logrus"
)

// Persister stores the state after every transition. Save must complete
// before the transition is acknowledged; Clear runs once the commit has
// succeeded.
type Persister interface {
	Save(ctx context.Context, state State) error
	Clear(ctx context.Context, state State) error
}

// Committer performs the terminal side effect for a completed session.
type Committer interface {
	Commit(ctx context.Context, state State) error
}

// CommitFunc adapts a function to Committer.
type CommitFunc func(ctx context.Context, state State) error

func (f CommitFunc) Commit(ctx context.Context, state State) error {
	return f(ctx, state)
}

// Options configures a Machine.
type Options struct {
	Persister Persister
	Committer Committer
	// MinQuality is the lowest face quality score accepted on the face step.
	MinQuality float64
	Now        func() time.Time
}

// Progress describes where the session is for display.
type Progress struct {
	Step     Step   `json:"step"`
	Position int    `json:"position"`
	Count    int    `json:"count"`
	Label    string `json:"label"`
	Status   Status `json:"status"`
}

// Machine drives one enrollment session. It is safe for concurrent use;
// mutations are serialized and the terminal commit runs at most once at a
// time.
type Machine struct {
	opts Options
	tmpl Template
	log  *logrus.Entry

	mu    sync.Mutex
	state State
}

// NewMachine resumes state. A state persisted mid-commit is treated as a
// failed commit so it can be retried. A committed state stays committed and
// accepts no further submissions or commits.
func NewMachine(state State, opts Options) (*Machine, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}
	tmpl, err := TemplateFor(state.Role)
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	state = state.Clone()
	if state.Status == StatusCommitting {
		state.Status = StatusError
		state.LastError = "previous commit was interrupted"
	}

	return &Machine{
		opts:  opts,
		tmpl:  tmpl,
		state: state,
		log: logging.Component("enrollment").WithFields(logrus.Fields{
			"session": state.SessionID,
			"role":    state.Role,
		}),
	}, nil
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Template returns the role's step template.
func (m *Machine) Template() Template {
	return m.tmpl
}

// Progress reports the current step position.
func (m *Machine) Progress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Progress{
		Step:     m.state.CurrentStep,
		Position: m.tmpl.Position(m.state.CurrentStep),
		Count:    m.tmpl.Count(),
		Label:    m.tmpl.Label(m.state.CurrentStep),
		Status:   m.state.Status,
	}
}

// Submit completes step with payload, which must be the step's payload
// type. A FacePayload submitted here is treated as having no duplicate
// candidates; use SubmitFace to supply them.
func (m *Machine) Submit(ctx context.Context, step Step, payload any) error {
	switch p := payload.(type) {
	case ProfilePayload:
		if step != StepProfile {
			break
		}
		return m.SubmitProfile(ctx, p)
	case PhotoPayload:
		if step != StepPhoto {
			break
		}
		return m.SubmitPhoto(ctx, p)
	case FacePayload:
		if step != StepFace {
			break
		}
		return m.SubmitFace(ctx, p, nil)
	case ReviewPayload:
		if step != StepReview {
			break
		}
		return m.SubmitReview(ctx, p)
	}
	return fmt.Errorf("%w: %T for %s", ErrWrongStep, payload, step)
}

// SubmitProfile completes the profile step.
func (m *Machine) SubmitProfile(ctx context.Context, p ProfilePayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.expect(StepProfile); err != nil {
		return err
	}
	return m.submitProfile(ctx, p)
}

func (m *Machine) submitProfile(ctx context.Context, p ProfilePayload) error {
	if err := p.validate(); err != nil {
		return err
	}
	next, err := m.withPayload(StepProfile, p)
	if err != nil {
		return err
	}
	return m.advance(ctx, next, StepProfile)
}

// SubmitPhoto completes the photo step. A payload with Skipped set records
// that no photo was taken.
func (m *Machine) SubmitPhoto(ctx context.Context, p PhotoPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.expect(StepPhoto); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	next, err := m.withPayload(StepPhoto, p)
	if err != nil {
		return err
	}
	return m.advance(ctx, next, StepPhoto)
}

// SubmitFace completes the face step. A skipped face goes straight to the
// commit with no review payload. Otherwise the candidates found by the
// duplicate check decide the next step: none commits immediately with an
// auto-advanced review, any moves to review for a decision.
func (m *Machine) SubmitFace(ctx context.Context, p FacePayload, candidates []matcher.MatchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.expect(StepFace); err != nil {
		return err
	}
	if err := p.validate(m.opts.MinQuality); err != nil {
		return err
	}

	if p.FaceRecognitionSkipped {
		p = FacePayload{FaceRecognitionSkipped: true}
	}
	next, err := m.withPayload(StepFace, p)
	if err != nil {
		return err
	}
	delete(next.StepData, StepReview)
	next.Candidates = nil

	if p.FaceRecognitionSkipped {
		m.log.Info("Face recognition skipped, bypassing duplicate review")
		return m.commit(ctx, next)
	}

	next.CurrentStep = StepReview
	next.Candidates = append([]matcher.MatchResult(nil), candidates...)
	return m.review(ctx, next)
}

// SkipFace skips face recognition for this session.
func (m *Machine) SkipFace(ctx context.Context) error {
	return m.SubmitFace(ctx, FacePayload{FaceRecognitionSkipped: true}, nil)
}

// SetCandidates replaces the duplicate candidates while in review, e.g.
// after re-running the check on a resumed session. Any earlier decision is
// dropped. An empty set auto-advances to the commit.
func (m *Machine) SetCandidates(ctx context.Context, candidates []matcher.MatchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutable(); err != nil {
		return err
	}
	if m.state.CurrentStep != StepReview {
		return ErrCandidatesRequired
	}
	next := m.state.Clone()
	delete(next.StepData, StepReview)
	next.Candidates = append([]matcher.MatchResult(nil), candidates...)
	return m.review(ctx, next)
}

// review enters the review step with next.Candidates, committing at once
// when there are none.
func (m *Machine) review(ctx context.Context, next State) error {
	if len(next.Candidates) > 0 {
		m.log.WithField("candidates", len(next.Candidates)).Info("Possible duplicates found, review required")
		return m.apply(ctx, next)
	}
	raw, err := encode(StepReview, ReviewPayload{AutoAdvanced: true})
	if err != nil {
		return err
	}
	next.StepData[StepReview] = raw
	m.log.Debug("No duplicate candidates, review auto-advanced")
	return m.commit(ctx, next)
}

// SubmitReview completes the duplicate review and commits.
func (m *Machine) SubmitReview(ctx context.Context, p ReviewPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.expect(StepReview); err != nil {
		return err
	}
	return m.submitReview(ctx, p)
}

func (m *Machine) submitReview(ctx context.Context, p ReviewPayload) error {
	if err := p.validate(len(m.state.Candidates)); err != nil {
		return err
	}
	p.Matches = append([]matcher.MatchResult(nil), m.state.Candidates...)
	if len(p.Matches) == 0 && p.Decision == "" {
		p.AutoAdvanced = true
	}
	next, err := m.withPayload(StepReview, p)
	if err != nil {
		return err
	}
	return m.commit(ctx, next)
}

// Back moves to the previous step. Payloads of later steps are kept.
func (m *Machine) Back(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.tmpl.Prev(m.state.CurrentStep)
	if !ok {
		return ErrAtInitialStep
	}
	return m.rewind(ctx, prev)
}

// RewindTo moves back to step, which must not be ahead of the current step.
func (m *Machine) RewindTo(ctx context.Context, step Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := m.tmpl.Position(step)
	if pos == 0 || pos > m.tmpl.Position(m.state.CurrentStep) {
		return fmt.Errorf("%w: cannot rewind from %s to %s", ErrWrongStep, m.state.CurrentStep, step)
	}
	if step == m.state.CurrentStep {
		return nil
	}
	return m.rewind(ctx, step)
}

func (m *Machine) rewind(ctx context.Context, step Step) error {
	if err := m.mutable(); err != nil {
		return err
	}
	next := m.state.Clone()
	next.CurrentStep = step
	next.Status = StatusActive
	next.LastError = ""
	if err := m.apply(ctx, next); err != nil {
		return err
	}
	m.log.WithField("step", step).Debug("Moved back")
	return nil
}

// Forward re-completes the current step with the payload recorded on an
// earlier visit. Capture steps always need a fresh capture.
func (m *Machine) Forward(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutable(); err != nil {
		return err
	}
	step := m.state.CurrentStep
	if step.RequiresCapture() {
		return ErrRecaptureRequired
	}
	switch step {
	case StepProfile:
		p, ok, err := Payload[ProfilePayload](m.state, step)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoPayload
		}
		return m.submitProfile(ctx, p)
	case StepReview:
		p, ok, err := Payload[ReviewPayload](m.state, step)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoPayload
		}
		return m.submitReview(ctx, p)
	}
	return ErrNoPayload
}

// Commit retries a failed terminal commit. It is a no-op once the session
// is committed.
func (m *Machine) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state.Status {
	case StatusCommitted:
		m.log.Debug("Commit already done, ignoring")
		return nil
	case StatusCommitting:
		return ErrCommitInProgress
	case StatusError:
		return m.commit(ctx, m.state.Clone())
	}
	return ErrNotReadyToCommit
}

// commit persists next as committing, runs the committer and records the
// outcome. next.CurrentStep is the step that triggered the commit and is
// kept on failure. On success the persisted entry is cleared, or
// overwritten with the committed state when the clear fails.
func (m *Machine) commit(ctx context.Context, next State) error {
	next.Status = StatusCommitting
	next.LastError = ""
	if err := m.apply(ctx, next); err != nil {
		return err
	}

	if m.opts.Committer != nil {
		if err := m.opts.Committer.Commit(ctx, m.state.Clone()); err != nil {
			var ce *CommitError
			if !errors.As(err, &ce) {
				ce = &CommitError{Stage: StageCommit, Err: err}
			}
			failed := m.state.Clone()
			failed.Status = StatusError
			failed.LastError = ce.Error()
			if perr := m.save(ctx, &failed); perr != nil {
				m.log.Warnf("Failed to persist commit error: %v", perr)
			}
			m.state = failed
			m.log.WithField("stage", ce.Stage).Errorf("Commit failed: %v", ce.Err)
			return ce
		}
	}

	done := m.state.Clone()
	done.Status = StatusCommitted
	done.CurrentStep = StepComplete
	m.state = done
	if m.opts.Persister != nil {
		if err := m.opts.Persister.Clear(ctx, done); err != nil {
			m.log.Warnf("Failed to clear persisted state: %v", err)
			// a resume must find committed, never committing
			if perr := m.save(ctx, &done); perr != nil {
				m.log.Errorf("Failed to persist committed state: %v", perr)
			}
			m.state = done
		}
	}
	m.log.WithField("identity", done.IdentityID).Info("Enrollment committed")
	return nil
}

// advance moves past from, committing when the next step is Complete.
func (m *Machine) advance(ctx context.Context, next State, from Step) error {
	to, ok := m.tmpl.Next(from)
	if !ok {
		return fmt.Errorf("%w: no step after %s", ErrInvalidState, from)
	}
	if to == StepComplete {
		return m.commit(ctx, next)
	}
	next.CurrentStep = to
	if err := m.apply(ctx, next); err != nil {
		return err
	}
	m.log.WithField("step", to).Debug("Advanced")
	return nil
}

// apply persists next and makes it current. A failed persist leaves the
// machine unchanged.
func (m *Machine) apply(ctx context.Context, next State) error {
	if err := m.save(ctx, &next); err != nil {
		return err
	}
	m.state = next
	return nil
}

func (m *Machine) save(ctx context.Context, s *State) error {
	s.LastSavedAt = m.opts.Now()
	if m.opts.Persister == nil {
		return nil
	}
	if err := m.opts.Persister.Save(ctx, *s); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

func (m *Machine) mutable() error {
	switch m.state.Status {
	case StatusCommitted:
		return ErrCommitted
	case StatusCommitting:
		return ErrCommitInProgress
	}
	return nil
}

func (m *Machine) expect(step Step) error {
	if err := m.mutable(); err != nil {
		return err
	}
	if m.state.CurrentStep != step {
		return fmt.Errorf("%w: got %s, current step is %s", ErrWrongStep, step, m.state.CurrentStep)
	}
	return nil
}

func (m *Machine) withPayload(step Step, payload any) (State, error) {
	raw, err := encode(step, payload)
	if err != nil {
		return State{}, err
	}
	next := m.state.Clone()
	next.StepData[step] = raw
	return next, nil
}

func encode(step Step, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", step, err)
	}
	return raw, nil
}
