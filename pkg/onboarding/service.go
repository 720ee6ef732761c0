// Package onboarding runs enrollment sessions end to end: it resumes
// persisted progress, drives the camera and extractor, checks for duplicate
// identities and performs the final commit to the record and blob stores.
package onboarding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrCodeEU/faceenroll/pkg/blob"
	"github.com/MrCodeEU/faceenroll/pkg/camera"
	"github.com/MrCodeEU/faceenroll/pkg/config"
	"github.com/MrCodeEU/faceenroll/pkg/enrollment"
	"github.com/MrCodeEU/faceenroll/pkg/extraction"
	"github.com/MrCodeEU/faceenroll/pkg/invitation"
	"github.com/MrCodeEU/faceenroll/pkg/logging"
	"github.com/MrCodeEU/faceenroll/pkg/matcher"
	"github.com/MrCodeEU/faceenroll/pkg/models"
	"github.com/MrCodeEU/faceenroll/pkg/records"
	"github.com/MrCodeEU/faceenroll/pkg/recovery"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ModelLoader loads the recognition models and reports readiness.
type ModelLoader interface {
	extraction.EngineProvider
	Initialize(ctx context.Context, onProgress func(percent int)) (models.Status, error)
}

// Dependencies are the collaborators a Service drives.
type Dependencies struct {
	Loader      ModelLoader
	Records     records.Store
	Blobs       blob.Store
	Recovery    *recovery.Manager
	Device      *camera.Exclusive
	Invitations *invitation.Issuer // optional; required for token sessions
	Overlay     extraction.Overlay // optional
}

// BeginRequest starts or resumes a session, either from an invitation
// token or directly for a role and identity.
type BeginRequest struct {
	Token      string
	Role       enrollment.Role
	IdentityID string
}

// Service creates and tracks enrollment sessions. Sessions for different
// keys are independent.
type Service struct {
	cfg       *config.Config
	deps      Dependencies
	extractor *extraction.Extractor
	matcher   *matcher.Matcher
	now       func() time.Time
	log       *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewService wires a Service.
func NewService(cfg *config.Config, deps Dependencies) (*Service, error) {
	switch {
	case deps.Loader == nil:
		return nil, fmt.Errorf("onboarding: model loader is required")
	case deps.Records == nil:
		return nil, fmt.Errorf("onboarding: record store is required")
	case deps.Blobs == nil:
		return nil, fmt.Errorf("onboarding: blob store is required")
	case deps.Recovery == nil:
		return nil, fmt.Errorf("onboarding: recovery manager is required")
	case deps.Device == nil:
		return nil, fmt.Errorf("onboarding: capture device is required")
	}
	return &Service{
		cfg:       cfg,
		deps:      deps,
		extractor: extraction.NewExtractor(deps.Loader, deps.Overlay, cfg.Extraction.MinQuality),
		matcher:   matcher.New(matcher.OptionsFromConfig(cfg.Matching)),
		now:       time.Now,
		log:       logging.Component("onboarding"),
		sessions:  make(map[string]*Session),
	}, nil
}

// Extractor returns the shared descriptor extractor.
func (s *Service) Extractor() *extraction.Extractor {
	return s.extractor
}

// Matcher returns the shared similarity matcher.
func (s *Service) Matcher() *matcher.Matcher {
	return s.matcher
}

// Begin starts or resumes the session identified by req. A second Begin
// for a session still open in this process returns the same session.
func (s *Service) Begin(ctx context.Context, req BeginRequest) (*Session, error) {
	key, role, identityID, err := s.resolve(req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return sess, nil
	}

	state, outcome, err := s.deps.Recovery.Restore(ctx, key, role, identityID)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		svc:     s,
		key:     key,
		outcome: outcome,
		log:     s.log.WithFields(logrus.Fields{"session": state.SessionID, "identity": identityID}),
	}
	machine, err := enrollment.NewMachine(state, enrollment.Options{
		Persister:  s.deps.Recovery.Persister(),
		Committer:  enrollment.CommitFunc(sess.commit),
		MinQuality: s.extractor.MinQuality(),
		Now:        s.now,
	})
	if err != nil {
		return nil, err
	}
	sess.machine = machine

	if err := sess.rewindForMissingPhoto(ctx); err != nil {
		return nil, err
	}

	s.sessions[key] = sess
	sess.log.WithFields(logrus.Fields{
		"outcome": outcome,
		"step":    machine.State().CurrentStep,
	}).Info("Enrollment session started")
	return sess, nil
}

func (s *Service) resolve(req BeginRequest) (key string, role enrollment.Role, identityID string, err error) {
	if req.Token != "" {
		if s.deps.Invitations == nil {
			return "", "", "", ErrNoInvitations
		}
		tok, err := s.deps.Invitations.Parse(req.Token, s.now())
		if err != nil {
			return "", "", "", err
		}
		role, err := enrollment.ParseRole(tok.Role)
		if err != nil {
			return "", "", "", err
		}
		return invitation.SessionKey(req.Token), role, tok.IdentityID, nil
	}

	if _, err := enrollment.TemplateFor(req.Role); err != nil {
		return "", "", "", err
	}
	identityID = req.IdentityID
	if identityID == "" {
		identityID = uuid.NewString()
	}
	return invitation.SessionKey("direct:" + identityID), req.Role, identityID, nil
}

func (s *Service) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
}

// Lookup captures one frame from src and returns who it might be, using
// the lookup threshold.
func (s *Service) Lookup(ctx context.Context, src camera.FrameReader) (extraction.CaptureResult, []matcher.MatchResult, error) {
	if !s.deps.Loader.FullRecognitionReady() {
		return extraction.CaptureResult{}, nil, ErrRecognitionUnavailable
	}
	result, err := s.extractor.Extract(ctx, src, extraction.Options{
		IncludeEmbedding: true,
		Timeout:          s.cfg.Extraction.Timeout,
	})
	if err != nil {
		return result, nil, err
	}
	if !result.Detected || result.Embedding == nil {
		return result, nil, ErrNoAcceptableFace
	}
	matches, err := s.matcher.Lookup(ctx, s.deps.Records, result.Embedding)
	return result, matches, err
}
