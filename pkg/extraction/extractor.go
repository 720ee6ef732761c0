// Package extraction runs face detection and descriptor extraction over
// frames from a capture device and produces capture results with
// confidence and quality scores.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrCodeEU/faceenroll/pkg/camera"
	"github.com/MrCodeEU/faceenroll/pkg/embedding"
	"github.com/MrCodeEU/faceenroll/pkg/logging"
	"github.com/MrCodeEU/faceenroll/pkg/recognition"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds one extraction when Options.Timeout is zero.
const DefaultTimeout = 3 * time.Second

// DefaultMinQuality is the quality a capture needs to be accepted.
const DefaultMinQuality = 70

// ErrDetectionTimeout is returned when detection exceeds its time budget.
var ErrDetectionTimeout = errors.New("face detection timed out")

// ErrNotReady is returned when face detection models are not loaded.
var ErrNotReady = errors.New("face detection models not ready")

// CaptureResult is the outcome of one extraction. Scores are in [0,100].
// Embedding is set only when a face was detected and the recognition model
// is loaded.
type CaptureResult struct {
	Detected      bool                   `json:"detected"`
	Confidence    float64                `json:"confidence"`
	QualityScore  float64                `json:"quality_score"`
	LandmarkCount int                    `json:"landmark_count"`
	FaceCount     int                    `json:"face_count"`
	Embedding     *embedding.Embedding   `json:"embedding,omitempty"`
	Attributes    map[string]float64     `json:"attributes,omitempty"`
	TimedOut      bool                   `json:"timed_out,omitempty"`
	Box           *recognition.Rectangle `json:"-"`
}

// Options controls a single extraction.
type Options struct {
	IncludeEmbedding bool
	IncludeAuxiliary bool
	Timeout          time.Duration
}

// EngineProvider exposes the loaded engine and readiness tiers.
// *models.Loader implements it.
type EngineProvider interface {
	Engine() (recognition.Engine, error)
	BasicDetectionReady() bool
	FullRecognitionReady() bool
	AuxiliaryReady() bool
}

// Extractor turns frames into capture results.
type Extractor struct {
	provider EngineProvider
	overlay  Overlay
	log      *logrus.Entry

	mu         sync.RWMutex
	minQuality float64
}

// NewExtractor creates an extractor. A nil overlay draws nothing and a
// non-positive minQuality uses DefaultMinQuality.
func NewExtractor(provider EngineProvider, overlay Overlay, minQuality float64) *Extractor {
	if overlay == nil {
		overlay = NopOverlay{}
	}
	if minQuality <= 0 {
		minQuality = DefaultMinQuality
	}
	return &Extractor{
		provider:   provider,
		overlay:    overlay,
		log:        logging.Component("extraction"),
		minQuality: minQuality,
	}
}

// SetMinQuality changes the quality gate used by Acceptable.
func (e *Extractor) SetMinQuality(q float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.minQuality = clip(q)
}

// MinQuality returns the quality gate.
func (e *Extractor) MinQuality() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.minQuality
}

// Acceptable reports whether r may be used to complete face capture.
func (e *Extractor) Acceptable(r CaptureResult) bool {
	return r.Detected && r.QualityScore >= e.MinQuality()
}

type detection struct {
	faces []recognition.Face
	err   error
}

// Extract reads one frame from src and runs detection on it, racing the
// detection against the timeout. On timeout it returns a result with
// TimedOut set and ErrDetectionTimeout.
func (e *Extractor) Extract(ctx context.Context, src camera.FrameReader, opts Options) (CaptureResult, error) {
	if !e.provider.BasicDetectionReady() {
		e.overlay.Clear()
		return CaptureResult{}, ErrNotReady
	}
	engine, err := e.provider.Engine()
	if err != nil {
		e.overlay.Clear()
		return CaptureResult{}, fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	withDescriptor := opts.IncludeEmbedding && e.provider.FullRecognitionReady()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	frame, err := src.Frame(runCtx)
	if err != nil {
		e.overlay.Clear()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return CaptureResult{TimedOut: true}, ErrDetectionTimeout
		}
		return CaptureResult{}, err
	}

	ch := make(chan detection, 1)
	go func() {
		faces, err := engine.Detect(frame.Data, withDescriptor)
		ch <- detection{faces: faces, err: err}
	}()

	select {
	case <-ctx.Done():
		return CaptureResult{}, ctx.Err()
	case <-runCtx.Done():
		e.overlay.Clear()
		e.log.Debugf("Detection exceeded %s", timeout)
		return CaptureResult{TimedOut: true}, ErrDetectionTimeout
	case d := <-ch:
		if d.err != nil {
			e.overlay.Clear()
			return CaptureResult{}, d.err
		}
		result := e.summarize(d.faces, withDescriptor, opts.IncludeAuxiliary && e.provider.AuxiliaryReady())
		if result.Detected {
			e.overlay.Draw(result)
		} else {
			e.overlay.Clear()
		}
		return result, nil
	}
}

func (e *Extractor) summarize(faces []recognition.Face, withDescriptor, withAux bool) CaptureResult {
	result := CaptureResult{FaceCount: len(faces)}
	if len(faces) == 0 {
		return result
	}

	best := faces[0]
	for _, f := range faces[1:] {
		if f.Score > best.Score || (f.Score == best.Score && area(f.BoundingBox) > area(best.BoundingBox)) {
			best = f
		}
	}

	box := best.BoundingBox
	result.Detected = true
	result.Box = &box
	result.LandmarkCount = len(best.Landmarks)
	result.Confidence = clip(best.Score * 100)
	result.QualityScore = quality(best, len(faces))

	if withDescriptor && best.Descriptor != nil {
		d := *best.Descriptor
		if d.Finite() {
			result.Embedding = &d
		} else {
			e.log.Warn("Discarding non-finite descriptor")
		}
	}
	if withAux && len(best.Attributes) > 0 {
		result.Attributes = make(map[string]float64, len(best.Attributes))
		for k, v := range best.Attributes {
			result.Attributes[k] = v
		}
	}
	return result
}

// quality starts from the detector score and is reduced for off-center
// faces and for frames showing more than one face.
func quality(f recognition.Face, faceCount int) float64 {
	q := f.Score * 100
	if c, ok := f.Attributes["centering"]; ok {
		q *= 0.5 + 0.5*c
	}
	if faceCount > 1 {
		q *= 0.5
	}
	return clip(q)
}

func area(r recognition.Rectangle) int {
	return r.Width * r.Height
}

func clip(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
