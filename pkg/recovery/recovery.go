// Package recovery persists enrollment sessions so they can be resumed
// after the process exits, and decides at session start whether a stored
// session may be restored.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrCodeEU/faceenroll/pkg/enrollment"
	"github.com/MrCodeEU/faceenroll/pkg/kvstore"
	"github.com/MrCodeEU/faceenroll/pkg/logging"
	"github.com/sirupsen/logrus"
)

// DefaultStaleness is how long a persisted session stays resumable.
const DefaultStaleness = 24 * time.Hour

const (
	keyPrefix       = "enrollment"
	envelopeVersion = 1
)

// ErrSessionStale marks a persisted session older than the staleness
// window. It is logged, never returned: the session simply starts fresh.
var ErrSessionStale = errors.New("persisted session is stale")

// Outcome says what Restore did with the persisted entry.
type Outcome string

const (
	OutcomeFresh             Outcome = "fresh"
	OutcomeRestored          Outcome = "restored"
	OutcomeAlreadyCommitted  Outcome = "already_committed"
	OutcomeDiscardedStale    Outcome = "discarded_stale"
	OutcomeDiscardedMismatch Outcome = "discarded_mismatch"
	OutcomeDiscardedInvalid  Outcome = "discarded_invalid"
)

type envelope struct {
	Version    int              `json:"version"`
	SessionKey string           `json:"session_key"`
	State      enrollment.State `json:"state"`
}

// Manager saves and restores enrollment state in a key/value store.
type Manager struct {
	store     kvstore.Store
	staleness time.Duration
	now       func() time.Time
	log       *logrus.Entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager stores sessions under the "enrollment/" scope of store.
// A non-positive staleness uses DefaultStaleness.
func NewManager(store kvstore.Store, staleness time.Duration, opts ...Option) *Manager {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	m := &Manager{
		store:     kvstore.Scoped(store, keyPrefix),
		staleness: staleness,
		now:       time.Now,
		log:       logging.Component("recovery"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Save writes state under its session key. LastSavedAt is stamped when the
// caller left it unset.
func (m *Manager) Save(ctx context.Context, state enrollment.State) error {
	if state.SessionKey == "" {
		return kvstore.ErrEmptyKey
	}
	if state.LastSavedAt.IsZero() {
		state.LastSavedAt = m.now()
	}
	data, err := json.Marshal(envelope{
		Version:    envelopeVersion,
		SessionKey: state.SessionKey,
		State:      state,
	})
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := m.store.Set(ctx, state.SessionKey, data); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Restore returns the persisted state for sessionKey if it is fresh enough
// and belongs to the same session, role and identity. A committed state is
// returned as is and removed from the store. Anything else is removed and a
// fresh state at the role's initial step is returned.
func (m *Manager) Restore(ctx context.Context, sessionKey string, role enrollment.Role, identityID string) (enrollment.State, Outcome, error) {
	if sessionKey == "" {
		return enrollment.State{}, "", kvstore.ErrEmptyKey
	}
	log := m.log.WithField("session_key", sessionKey)

	data, found, err := m.store.Get(ctx, sessionKey)
	if err != nil {
		return enrollment.State{}, "", fmt.Errorf("failed to read session: %w", err)
	}
	if !found {
		return m.fresh(sessionKey, identityID, role, OutcomeFresh)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warnf("Discarding unreadable session: %v", err)
		return m.discard(ctx, sessionKey, identityID, role, OutcomeDiscardedInvalid)
	}
	if env.Version != envelopeVersion {
		log.Warnf("Discarding session with unsupported version %d", env.Version)
		return m.discard(ctx, sessionKey, identityID, role, OutcomeDiscardedInvalid)
	}
	state := env.State
	if env.SessionKey != sessionKey || state.SessionKey != sessionKey {
		log.Warn("Discarding session persisted for a different session key")
		return m.discard(ctx, sessionKey, identityID, role, OutcomeDiscardedMismatch)
	}
	if state.Role != role || (identityID != "" && state.IdentityID != identityID) {
		log.WithFields(logrus.Fields{"stored_role": state.Role, "role": role}).
			Warn("Discarding session persisted for a different role or identity")
		return m.discard(ctx, sessionKey, identityID, role, OutcomeDiscardedMismatch)
	}
	if err := state.Validate(); err != nil {
		log.Warnf("Discarding invalid session: %v", err)
		return m.discard(ctx, sessionKey, identityID, role, OutcomeDiscardedInvalid)
	}
	if state.Status == enrollment.StatusCommitted {
		log.Info("Persisted session is already committed")
		if err := m.store.Remove(ctx, sessionKey); err != nil {
			log.Warnf("Failed to remove committed session: %v", err)
		}
		return state, OutcomeAlreadyCommitted, nil
	}
	if age := m.now().Sub(state.LastSavedAt); age > m.staleness {
		log.WithField("age", age.Round(time.Second)).Info(ErrSessionStale)
		return m.discard(ctx, sessionKey, identityID, role, OutcomeDiscardedStale)
	}

	log.WithField("step", state.CurrentStep).Info("Restored enrollment session")
	return state, OutcomeRestored, nil
}

// Clear removes the persisted session.
func (m *Manager) Clear(ctx context.Context, sessionKey string) error {
	if err := m.store.Remove(ctx, sessionKey); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Persister adapts the manager to the state machine's persistence hook.
func (m *Manager) Persister() enrollment.Persister {
	return persister{m}
}

type persister struct {
	m *Manager
}

func (p persister) Save(ctx context.Context, state enrollment.State) error {
	return p.m.Save(ctx, state)
}

func (p persister) Clear(ctx context.Context, state enrollment.State) error {
	return p.m.Clear(ctx, state.SessionKey)
}

func (m *Manager) discard(ctx context.Context, sessionKey, identityID string, role enrollment.Role, outcome Outcome) (enrollment.State, Outcome, error) {
	if err := m.store.Remove(ctx, sessionKey); err != nil {
		m.log.WithField("session_key", sessionKey).Warnf("Failed to remove discarded session: %v", err)
	}
	return m.fresh(sessionKey, identityID, role, outcome)
}

func (m *Manager) fresh(sessionKey, identityID string, role enrollment.Role, outcome Outcome) (enrollment.State, Outcome, error) {
	state, err := enrollment.NewState(sessionKey, identityID, role, m.now())
	if err != nil {
		return enrollment.State{}, "", err
	}
	return state, outcome, nil
}
