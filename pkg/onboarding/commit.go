package onboarding

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrCodeEU/faceenroll/pkg/blob"
	"github.com/MrCodeEU/faceenroll/pkg/enrollment"
	"github.com/MrCodeEU/faceenroll/pkg/records"
)

// commit uploads the photo and activates the identity. The state machine
// clears the persisted session afterwards. Both writes replace earlier
// attempts, so a retry after a partial failure is safe.
func (s *Session) commit(ctx context.Context, state enrollment.State) error {
	act := records.Activation{
		IdentityID:  state.IdentityID,
		Role:        string(state.Role),
		Attributes:  map[string]string{"session_id": state.SessionID},
		ActivatedAt: s.svc.now(),
	}

	profile, ok, err := enrollment.Payload[enrollment.ProfilePayload](state, enrollment.StepProfile)
	if err != nil {
		return &enrollment.CommitError{Stage: enrollment.StageCommit, Err: err}
	}
	if ok {
		act.DisplayName = profile.DisplayName()
		act.PasswordHash = profile.PasswordHash
		act.Attributes["email"] = profile.Email
		if profile.Phone != "" {
			act.Attributes["phone"] = profile.Phone
		}
	}

	photo, ok, err := enrollment.Payload[enrollment.PhotoPayload](state, enrollment.StepPhoto)
	if err != nil {
		return &enrollment.CommitError{Stage: enrollment.StagePhotoUpload, Err: err}
	}
	if ok && !photo.Skipped {
		url, err := s.uploadPhoto(ctx, state.IdentityID, photo)
		if err != nil {
			return &enrollment.CommitError{Stage: enrollment.StagePhotoUpload, Err: err}
		}
		act.PhotoURL = url
	}

	face, ok, err := enrollment.Payload[enrollment.FacePayload](state, enrollment.StepFace)
	if err != nil {
		return &enrollment.CommitError{Stage: enrollment.StageCommit, Err: err}
	}
	if ok && !face.FaceRecognitionSkipped {
		act.Embedding = face.Embedding
		act.Attributes["face_quality"] = strconv.FormatFloat(face.QualityScore, 'f', 1, 64)
	} else {
		act.Attributes["face_recognition_skipped"] = "true"
	}

	review, ok, err := enrollment.Payload[enrollment.ReviewPayload](state, enrollment.StepReview)
	if err != nil {
		return &enrollment.CommitError{Stage: enrollment.StageCommit, Err: err}
	}
	if ok && review.Decision == enrollment.DecisionFlag {
		ids := make([]string, 0, len(review.Matches))
		for _, m := range review.Matches {
			ids = append(ids, m.IdentityID)
		}
		act.Attributes["possible_duplicate_of"] = strings.Join(ids, ",")
	}

	if err := s.svc.deps.Records.ActivateIdentity(ctx, act); err != nil {
		return &enrollment.CommitError{Stage: enrollment.StageIdentityActivation, Err: err}
	}
	s.log.WithField("photo", act.PhotoURL != "").Info("Identity activated")
	return nil
}

func (s *Session) uploadPhoto(ctx context.Context, identityID string, photo enrollment.PhotoPayload) (string, error) {
	s.mu.Lock()
	data := s.photo
	s.mu.Unlock()
	if len(data) == 0 {
		return "", ErrPhotoMissing
	}

	digest := photo.Digest
	if len(digest) > 16 {
		digest = digest[:16]
	}
	key := fmt.Sprintf("photos/%s/%s%s", identityID, digest, blob.ExtensionFor(photo.ContentType))
	return s.svc.deps.Blobs.Put(ctx, key, data, photo.ContentType)
}
