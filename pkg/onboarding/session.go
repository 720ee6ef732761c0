package onboarding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/MrCodeEU/faceenroll/pkg/camera"
	"github.com/MrCodeEU/faceenroll/pkg/embedding"
	"github.com/MrCodeEU/faceenroll/pkg/enrollment"
	"github.com/MrCodeEU/faceenroll/pkg/extraction"
	"github.com/MrCodeEU/faceenroll/pkg/matcher"
	"github.com/MrCodeEU/faceenroll/pkg/recognition"
	"github.com/MrCodeEU/faceenroll/pkg/recovery"
	"github.com/sirupsen/logrus"
)

// Session is one enrollment in progress. Photo bytes live only here and are
// never persisted.
type Session struct {
	svc     *Service
	key     string
	outcome recovery.Outcome
	machine *enrollment.Machine
	log     *logrus.Entry

	mu     sync.Mutex
	photo  []byte
	poller *extraction.Poller
	closed bool
}

// Key is the session key the state is persisted under.
func (s *Session) Key() string { return s.key }

// Outcome says whether the session was resumed.
func (s *Session) Outcome() recovery.Outcome { return s.outcome }

// State returns a copy of the enrollment state.
func (s *Session) State() enrollment.State { return s.machine.State() }

// Progress reports the current step for display.
func (s *Session) Progress() enrollment.Progress { return s.machine.Progress() }

// Template returns the role's step template.
func (s *Session) Template() enrollment.Template { return s.machine.Template() }

// rewindForMissingPhoto sends a resumed session back to the photo step when
// a photo was taken in an earlier process: the bytes were never persisted
// and cannot be uploaded at commit.
func (s *Session) rewindForMissingPhoto(ctx context.Context) error {
	state := s.machine.State()
	if state.Status == enrollment.StatusCommitted {
		return nil
	}
	tmpl := s.machine.Template()
	if tmpl.Position(state.CurrentStep) <= tmpl.Position(enrollment.StepPhoto) {
		return nil
	}
	photo, ok, err := enrollment.Payload[enrollment.PhotoPayload](state, enrollment.StepPhoto)
	if err != nil || !ok || photo.Skipped {
		return err
	}
	s.log.WithField("step", state.CurrentStep).Info("Photo must be retaken after resume")
	return s.machine.RewindTo(ctx, enrollment.StepPhoto)
}

func (s *Session) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// SubmitProfile validates the profile and hashes the password.
func (s *Session) SubmitProfile(ctx context.Context, in enrollment.ProfileInput) error {
	if err := s.check(); err != nil {
		return err
	}
	p, err := enrollment.NewProfilePayload(in, s.svc.cfg.Enrollment.MinPasswordLength)
	if err != nil {
		return err
	}
	return s.machine.SubmitProfile(ctx, p)
}

// CapturePhoto takes a single frame from the camera as the enrollment
// photo. The device is released before returning.
func (s *Session) CapturePhoto(ctx context.Context, facing camera.Facing) error {
	if err := s.check(); err != nil {
		return err
	}
	s.stopPoller()

	lease, err := s.svc.deps.Device.Acquire(ctx, facing)
	if err != nil {
		return err
	}
	frame, err := lease.Frame(ctx)
	if rerr := lease.Release(); rerr != nil {
		s.log.Warnf("Failed to release camera: %v", rerr)
	}
	if err != nil {
		return err
	}
	return s.SubmitPhoto(ctx, frame.Data, "")
}

// SubmitPhoto records data as the enrollment photo. An empty contentType is
// sniffed from the data.
func (s *Session) SubmitPhoto(ctx context.Context, data []byte, contentType string) error {
	if err := s.check(); err != nil {
		return err
	}
	if limit := s.svc.cfg.Enrollment.MaxPhotoBytes; limit > 0 && len(data) > limit {
		return fmt.Errorf("%w: %d bytes", ErrPhotoTooLarge, len(data))
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if contentType != "image/jpeg" && contentType != "image/png" {
		return fmt.Errorf("%w: got %s", ErrUnsupportedPhoto, contentType)
	}

	sum := sha256.Sum256(data)
	payload := enrollment.PhotoPayload{
		ContentType: contentType,
		Size:        len(data),
		Digest:      hex.EncodeToString(sum[:]),
	}
	if err := s.machine.SubmitPhoto(ctx, payload); err != nil {
		return err
	}

	s.mu.Lock()
	s.photo = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

// SkipPhoto completes the photo step without a photo.
func (s *Session) SkipPhoto(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.machine.SubmitPhoto(ctx, enrollment.PhotoPayload{Skipped: true}); err != nil {
		return err
	}
	s.mu.Lock()
	s.photo = nil
	s.mu.Unlock()
	return nil
}

// StartFaceCapture starts polling the camera and reports every result to
// onResult until StopFaceCapture. Results computed after a stop are
// dropped.
func (s *Session) StartFaceCapture(ctx context.Context, facing camera.Facing, onResult extraction.ResultFunc) error {
	if err := s.check(); err != nil {
		return err
	}
	if step := s.machine.State().CurrentStep; step != enrollment.StepFace {
		return fmt.Errorf("%w: face capture during %s", enrollment.ErrWrongStep, step)
	}
	if !s.svc.deps.Loader.BasicDetectionReady() {
		return extraction.ErrNotReady
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poller == nil {
		s.poller = extraction.NewPoller(s.svc.extractor, s.svc.deps.Device, s.svc.cfg.Extraction.PollInterval)
	}
	return s.poller.Start(ctx, facing, s.captureOptions(), onResult)
}

// SwitchCamera restarts face capture on the other facing. The current
// device is released before the new one is opened.
func (s *Session) SwitchCamera(ctx context.Context, facing camera.Facing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poller == nil || !s.poller.Running() {
		return nil
	}
	return s.poller.Restart(ctx, facing)
}

// StopFaceCapture stops polling and releases the camera.
func (s *Session) StopFaceCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poller == nil {
		return nil
	}
	return s.poller.Stop()
}

func (s *Session) stopPoller() {
	if err := s.StopFaceCapture(); err != nil {
		s.log.Warnf("Failed to stop face capture: %v", err)
	}
}

func (s *Session) captureOptions() extraction.Options {
	return extraction.Options{
		IncludeEmbedding: true,
		IncludeAuxiliary: s.svc.cfg.Extraction.IncludeAuxiliary,
		Timeout:          s.svc.cfg.Extraction.Timeout,
	}
}

// AutoCaptureFace polls the camera until enough acceptable samples are
// collected, averages their embeddings and submits the face. It gives up
// when ctx is done.
func (s *Session) AutoCaptureFace(ctx context.Context, facing camera.Facing) (extraction.CaptureResult, error) {
	if !s.svc.deps.Loader.FullRecognitionReady() {
		return extraction.CaptureResult{}, ErrRecognitionUnavailable
	}
	want := s.svc.cfg.Extraction.Samples
	if want <= 0 {
		want = 1
	}

	results := make(chan extraction.CaptureResult, want)
	var deviceErr error
	var errOnce sync.Once
	failed := make(chan struct{})
	err := s.StartFaceCapture(ctx, facing, func(r extraction.CaptureResult, err error) {
		if err != nil {
			if isFatal(err) {
				errOnce.Do(func() {
					deviceErr = err
					close(failed)
				})
			}
			return
		}
		if !s.svc.extractor.Acceptable(r) || r.Embedding == nil {
			return
		}
		select {
		case results <- r:
		default:
		}
	})
	if err != nil {
		return extraction.CaptureResult{}, err
	}
	defer s.stopPoller()

	var samples []extraction.CaptureResult
	for len(samples) < want {
		select {
		case r := <-results:
			samples = append(samples, r)
			s.log.WithField("quality", r.QualityScore).Debugf("Accepted face sample %d/%d", len(samples), want)
		case <-failed:
			return extraction.CaptureResult{}, deviceErr
		case <-ctx.Done():
			return extraction.CaptureResult{}, fmt.Errorf("%w: %d of %d samples", ErrNoAcceptableFace, len(samples), want)
		}
	}
	s.stopPoller()

	best := combine(samples)
	if err := s.SubmitFace(ctx, best); err != nil {
		return best, err
	}
	return best, nil
}

// combine keeps the best sample's scores and replaces its embedding with
// the average over all samples.
func combine(samples []extraction.CaptureResult) extraction.CaptureResult {
	best := samples[0]
	embs := make([]embedding.Embedding, 0, len(samples))
	for _, r := range samples {
		if r.QualityScore > best.QualityScore {
			best = r
		}
		embs = append(embs, *r.Embedding)
	}
	if avg, ok := recognition.AverageEmbedding(embs); ok {
		best.Embedding = &avg
	}
	return best
}

// isFatal reports errors that no later tick can recover from. Timeouts
// and undecodable frames are retried.
func isFatal(err error) bool {
	return errors.Is(err, camera.ErrDeviceAccess) ||
		errors.Is(err, camera.ErrReleased) ||
		errors.Is(err, extraction.ErrNotReady)
}

// SubmitFace runs the duplicate check for r and completes the face step.
// With no candidates the session commits immediately.
func (s *Session) SubmitFace(ctx context.Context, r extraction.CaptureResult) error {
	if err := s.check(); err != nil {
		return err
	}
	s.stopPoller()

	payload := enrollment.FacePayload{
		Detected:      r.Detected,
		Confidence:    r.Confidence,
		QualityScore:  r.QualityScore,
		LandmarkCount: r.LandmarkCount,
		Embedding:     r.Embedding,
	}
	var candidates []matcher.MatchResult
	if r.Detected && r.Embedding != nil {
		var err error
		candidates, err = s.svc.matcher.CheckDuplicates(ctx, s.svc.deps.Records, r.Embedding, s.machine.State().IdentityID)
		if err != nil {
			return err
		}
	}
	return s.machine.SubmitFace(ctx, payload, candidates)
}

// SkipFace completes the enrollment without face recognition.
func (s *Session) SkipFace(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	s.stopPoller()
	return s.machine.SkipFace(ctx)
}

// RefreshCandidates re-runs the duplicate check for the recorded face while
// in review, e.g. after resuming.
func (s *Session) RefreshCandidates(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	state := s.machine.State()
	face, ok, err := enrollment.Payload[enrollment.FacePayload](state, enrollment.StepFace)
	if err != nil {
		return err
	}
	if !ok || face.Embedding == nil {
		return enrollment.ErrNoPayload
	}
	candidates, err := s.svc.matcher.CheckDuplicates(ctx, s.svc.deps.Records, face.Embedding, state.IdentityID)
	if err != nil {
		return err
	}
	return s.machine.SetCandidates(ctx, candidates)
}

// Resolve answers the duplicate review and commits.
func (s *Session) Resolve(ctx context.Context, decision enrollment.Decision) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.machine.SubmitReview(ctx, enrollment.ReviewPayload{Decision: decision})
}

// Back returns to the previous step, stopping any capture in progress.
func (s *Session) Back(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	s.stopPoller()
	return s.machine.Back(ctx)
}

// Forward re-advances over a step completed on an earlier visit.
func (s *Session) Forward(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.machine.Forward(ctx)
}

// Retry repeats a failed commit.
func (s *Session) Retry(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.machine.Commit(ctx)
}

// Abandon stops capture, releases the camera and closes the session. The
// persisted state is kept so the enrollment can be resumed later.
func (s *Session) Abandon(ctx context.Context) error {
	s.stopPoller()

	s.mu.Lock()
	s.closed = true
	s.photo = nil
	s.mu.Unlock()

	s.svc.forget(s.key)
	s.log.WithField("step", s.machine.State().CurrentStep).Info("Enrollment abandoned, progress kept")
	return nil
}

// Close releases the session after completion.
func (s *Session) Close() {
	s.stopPoller()
	s.mu.Lock()
	s.closed = true
	s.photo = nil
	s.mu.Unlock()
	s.svc.forget(s.key)
}
