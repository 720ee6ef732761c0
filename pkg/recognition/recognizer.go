// Package recognition provides face detection and descriptor extraction.
// It uses dlib/go-face for face detection, landmark extraction, and embedding generation.
package recognition

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/MrCodeEU/faceenroll/pkg/embedding"
	"github.com/MrCodeEU/faceenroll/pkg/logging"
)

// Model files go-face loads from its model directory.
const (
	DetectorModelFile    = "mmod_human_face_detector.dat"
	LandmarkModelFile    = "shape_predictor_5_face_landmarks.dat"
	RecognitionModelFile = "dlib_face_recognition_resnet_model_v1.dat"
)

// landmarkPoints is the number of points the 5-point shape predictor yields.
const landmarkPoints = 5

// minFaceRatio is the face width, relative to the frame, that earns full
// size adequacy.
const minFaceRatio = 0.25

// Face represents a detected face in an image.
type Face struct {
	BoundingBox Rectangle
	Landmarks   []Point
	// Score is the detector's confidence in [0,1].
	Score      float64
	Descriptor *embedding.Embedding
	Attributes map[string]float64
}

// Rectangle represents a bounding box.
type Rectangle struct {
	X, Y          int
	Width, Height int
}

// Point represents a 2D point.
type Point struct {
	X, Y int
}

// Engine detects faces in an encoded image.
type Engine interface {
	// Detect returns every face found. Descriptor is set only when
	// withDescriptor is true.
	Detect(img []byte, withDescriptor bool) ([]Face, error)
	Close() error
}

// FaceEngine is the part of *face.Recognizer used by DlibEngine.
type FaceEngine interface {
	Recognize(data []byte) ([]face.Face, error)
	RecognizeCNN(data []byte) ([]face.Face, error)
	Close()
}

// ErrModelNotLoaded is returned when models are not loaded.
var ErrModelNotLoaded = errors.New("recognition models not loaded")

// ErrInvalidImage is returned when the frame cannot be decoded.
var ErrInvalidImage = errors.New("invalid image data")

// DlibEngine implements Engine using dlib via go-face.
type DlibEngine struct {
	rec     FaceEngine
	useCNN  bool
	factory func(path string) (FaceEngine, error)
	mu      sync.RWMutex
}

// NewDlibEngine creates an engine that is not yet loaded. detector is
// "hog" or "cnn".
func NewDlibEngine(detector string) *DlibEngine {
	return &DlibEngine{
		useCNN: detector == "cnn",
		factory: func(path string) (FaceEngine, error) {
			return face.NewRecognizer(path)
		},
	}
}

// LoadModels loads the dlib models from modelPath. The directory must contain
// DetectorModelFile, LandmarkModelFile and RecognitionModelFile.
func (e *DlibEngine) LoadModels(modelPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec != nil {
		return nil
	}

	logging.Infof("Loading face recognition models from: %s", modelPath)

	rec, err := e.factory(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}
	e.rec = rec

	logging.Infof("Face recognition models loaded (cnn=%t)", e.useCNN)
	return nil
}

// IsLoaded returns true if models are loaded.
func (e *DlibEngine) IsLoaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec != nil
}

// Close releases the recognizer resources.
func (e *DlibEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec != nil {
		e.rec.Close()
		e.rec = nil
	}
	return nil
}

// Detect implements Engine. An image without faces returns an empty slice.
func (e *DlibEngine) Detect(img []byte, withDescriptor bool) ([]Face, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.rec == nil {
		return nil, ErrModelNotLoaded
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	var faces []face.Face
	if e.useCNN {
		faces, err = e.rec.RecognizeCNN(img)
	} else {
		faces, err = e.rec.Recognize(img)
	}
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	result := make([]Face, len(faces))
	for i, f := range faces {
		result[i] = convertFace(f, cfg.Width, cfg.Height, withDescriptor)
	}

	logging.Debugf("Detected %d face(s) in image", len(result))
	return result, nil
}

func convertFace(f face.Face, frameW, frameH int, withDescriptor bool) Face {
	rect := f.Rectangle
	out := Face{
		BoundingBox: Rectangle{
			X:      rect.Min.X,
			Y:      rect.Min.Y,
			Width:  rect.Dx(),
			Height: rect.Dy(),
		},
		Landmarks: make([]Point, len(f.Shapes)),
	}
	for i, p := range f.Shapes {
		out.Landmarks[i] = Point{X: p.X, Y: p.Y}
	}

	relSize := relativeSize(out.BoundingBox, frameW)
	centering := centering(out.BoundingBox, frameW, frameH)
	out.Score = landmarkCompleteness(len(f.Shapes)) * math.Min(1, relSize/minFaceRatio)
	out.Attributes = map[string]float64{
		"relative_size": relSize,
		"centering":     centering,
	}

	if withDescriptor {
		d := embedding.Embedding(f.Descriptor)
		out.Descriptor = &d
	}
	return out
}

// Score heuristics. dlib exposes no detector confidence, so the score is
// derived from landmark completeness and how large the face is in the frame.

func landmarkCompleteness(n int) float64 {
	return math.Min(1, float64(n)/landmarkPoints)
}

func relativeSize(box Rectangle, frameW int) float64 {
	if frameW <= 0 {
		return 0
	}
	return math.Min(1, float64(box.Width)/float64(frameW))
}

// centering is 1 for a face centered in the frame and falls to 0 at a corner.
func centering(box Rectangle, frameW, frameH int) float64 {
	if frameW <= 0 || frameH <= 0 {
		return 0
	}
	cx := float64(box.X) + float64(box.Width)/2
	cy := float64(box.Y) + float64(box.Height)/2
	dx := (cx - float64(frameW)/2) / (float64(frameW) / 2)
	dy := (cy - float64(frameH)/2) / (float64(frameH) / 2)
	return math.Max(0, 1-math.Hypot(dx, dy)/math.Sqrt2)
}

// DlibFactory opens DlibEngines for the model loader.
type DlibFactory struct {
	Detector string
	factory  func(path string) (FaceEngine, error)
}

// Requires lists the model files Open needs. dlib loads the detector,
// landmark and recognition models together, so there is no engine with
// detection only.
func (f *DlibFactory) Requires() []string {
	return []string{DetectorModelFile, LandmarkModelFile, RecognitionModelFile}
}

// Open loads an engine from dir.
func (f *DlibFactory) Open(dir string) (Engine, error) {
	e := NewDlibEngine(f.Detector)
	if f.factory != nil {
		e.factory = f.factory
	}
	if err := e.LoadModels(dir); err != nil {
		return nil, err
	}
	return e, nil
}

// AverageEmbedding computes the component-wise mean of several embeddings
// of the same face. It returns false for an empty input.
func AverageEmbedding(embeddings []embedding.Embedding) (embedding.Embedding, bool) {
	var avg embedding.Embedding
	if len(embeddings) == 0 {
		return avg, false
	}
	if len(embeddings) == 1 {
		return embeddings[0], true
	}

	for _, emb := range embeddings {
		for i, v := range emb {
			avg[i] += v
		}
	}

	count := float32(len(embeddings))
	for i := range avg {
		avg[i] /= count
	}
	return avg, true
}
