// Package models makes the face detection and recognition models available
// with progress reporting, offline cache awareness and partial-capability
// reporting.
package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/MrCodeEU/faceenroll/pkg/config"
	"github.com/MrCodeEU/faceenroll/pkg/logging"
	"github.com/MrCodeEU/faceenroll/pkg/recognition"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Stage names a step of the load sequence.
type Stage string

const (
	StageDetector    Stage = "detector"
	StageLandmarks   Stage = "landmarks"
	StageRecognition Stage = "recognition"
	StageAuxiliary   Stage = "auxiliary"
	StageEngine      Stage = "engine"
)

// Model is one file the loader must make available.
type Model struct {
	Stage     Stage
	Name      string
	File      string
	URL       string
	Essential bool
}

// Manifest returns the models in load order: detector, landmarks,
// recognition, then auxiliary models sorted by file name.
func Manifest(cfg config.ModelsConfig) []Model {
	url := func(file string) string {
		return fmt.Sprintf("%s/%s.bz2", cfg.BaseURL, file)
	}
	models := []Model{
		{Stage: StageDetector, Name: "face detector", File: recognition.DetectorModelFile, URL: url(recognition.DetectorModelFile), Essential: true},
		{Stage: StageLandmarks, Name: "landmark model", File: recognition.LandmarkModelFile, URL: url(recognition.LandmarkModelFile), Essential: true},
		{Stage: StageRecognition, Name: "recognition model", File: recognition.RecognitionModelFile, URL: url(recognition.RecognitionModelFile), Essential: true},
	}

	aux := make([]string, 0, len(cfg.Auxiliary))
	for file := range cfg.Auxiliary {
		aux = append(aux, file)
	}
	sort.Strings(aux)
	for _, file := range aux {
		models = append(models, Model{Stage: StageAuxiliary, Name: file, File: file, URL: cfg.Auxiliary[file]})
	}
	return models
}

// Fetcher downloads model files.
type Fetcher interface {
	// Online reports whether model downloads are currently possible.
	Online(ctx context.Context) bool
	// Fetch downloads url into dest, replacing it atomically.
	Fetch(ctx context.Context, url, dest string) error
}

// EngineFactory opens a recognition engine over a directory holding the
// model files it requires.
type EngineFactory interface {
	// Requires lists the model files Open needs. The loader does not call
	// Open unless all of them are available.
	Requires() []string
	Open(dir string) (recognition.Engine, error)
}

// ErrOffline is returned for a stage whose file is not cached while the
// network is unavailable.
var ErrOffline = errors.New("model not cached and network unavailable")

// ErrClosed is returned by Engine after Close.
var ErrClosed = errors.New("model loader closed")

// LoadError reports an essential model that failed to load.
type LoadError struct {
	Stage Stage
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s model: %v", e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// StageStatus describes one model of the manifest after a load attempt.
type StageStatus struct {
	Stage  Stage
	File   string
	Loaded bool
	Cached bool
	Err    string `json:",omitempty"`
}

// Status is the loader's view of model availability.
type Status struct {
	Percent  int
	Message  string
	Offline  bool
	Degraded bool
	Stages   []StageStatus
	Warnings []string

	BasicDetection  bool
	FullRecognition bool
}

// Cached reports whether every loaded stage was served from the cache.
func (s Status) Cached() bool {
	found := false
	for _, st := range s.Stages {
		if st.Loaded {
			if !st.Cached {
				return false
			}
			found = true
		}
	}
	return found
}

func (s Status) clone() Status {
	s.Stages = append([]StageStatus(nil), s.Stages...)
	s.Warnings = append([]string(nil), s.Warnings...)
	return s
}

// Loader loads models once and reports readiness tiers. Create one with
// NewLoader; there is no package-level instance.
type Loader struct {
	dir           string
	manifest      []Model
	allowDegraded bool
	fetcher       Fetcher
	factory       EngineFactory
	log           *logrus.Entry

	group singleflight.Group

	mu        sync.Mutex
	status    Status
	engine    recognition.Engine
	loaded    bool
	closed    bool
	listeners map[int]func(percent int)
	nextID    int
}

// NewLoader creates a loader. fetcher may be nil, in which case only cached
// models are used.
func NewLoader(cfg config.ModelsConfig, fetcher Fetcher, factory EngineFactory) *Loader {
	return &Loader{
		dir:           cfg.CacheDir,
		manifest:      Manifest(cfg),
		allowDegraded: cfg.AllowDegraded,
		fetcher:       fetcher,
		factory:       factory,
		log:           logging.Component("models"),
		listeners:     make(map[int]func(int)),
	}
}

// Initialize loads all models. It is idempotent: concurrent callers share
// one in-flight load and all of them receive progress updates, and once a
// load succeeded later calls return the cached status immediately. A failed
// load can be retried.
func (l *Loader) Initialize(ctx context.Context, onProgress func(percent int)) (Status, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Status{}, ErrClosed
	}
	if l.loaded {
		st := l.status.clone()
		l.mu.Unlock()
		if onProgress != nil {
			onProgress(st.Percent)
		}
		return st, nil
	}
	id := l.nextID
	l.nextID++
	if onProgress != nil {
		l.listeners[id] = onProgress
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}()

	// one caller giving up must not abort the shared load
	loadCtx := context.WithoutCancel(ctx)
	ch := l.group.DoChan("load", func() (interface{}, error) {
		return l.load(loadCtx)
	})

	select {
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case res := <-ch:
		st, _ := res.Val.(Status)
		return st, res.Err
	}
}

func (l *Loader) load(ctx context.Context) (Status, error) {
	l.mu.Lock()
	if l.loaded {
		// a previous flight finished after this caller checked
		st := l.status.clone()
		l.mu.Unlock()
		l.report(&st, st.Percent, st.Message)
		return st, nil
	}
	l.status = Status{}
	l.mu.Unlock()

	online := l.fetcher != nil && l.fetcher.Online(ctx)
	st := Status{Offline: !online}
	if !online {
		l.log.Info("Network unavailable, using cached models only")
	}

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return l.fail(st, &LoadError{Stage: StageDetector, Err: fmt.Errorf("failed to create model cache: %w", err)})
	}

	total := len(l.manifest) + 1
	loaded := make(map[Stage]bool)
	available := make(map[string]bool)

	for i, m := range l.manifest {
		l.report(&st, percentOf(i, total), "loading "+m.Name)

		cached, err := l.ensure(ctx, m, online)
		ss := StageStatus{Stage: m.Stage, File: m.File, Loaded: err == nil, Cached: cached}
		if err != nil {
			ss.Err = err.Error()
			st.Stages = append(st.Stages, ss)
			if !m.Essential {
				l.log.WithField("model", m.File).Warnf("Auxiliary model unavailable: %v", err)
				st.Warnings = append(st.Warnings, fmt.Sprintf("%s: %v", m.File, err))
				continue
			}
			if !l.allowDegraded {
				return l.fail(st, &LoadError{Stage: m.Stage, Err: err})
			}
			l.log.WithField("stage", m.Stage).Warnf("Essential model unavailable, continuing degraded: %v", err)
			st.Degraded = true
			st.Warnings = append(st.Warnings, fmt.Sprintf("%s: %v", m.Stage, err))
			continue
		}
		st.Stages = append(st.Stages, ss)
		available[m.File] = true
		if m.Essential {
			loaded[m.Stage] = true
		}
		l.log.WithFields(logrus.Fields{"stage": m.Stage, "cached": cached}).Debugf("Model %s available", m.File)
	}

	l.report(&st, percentOf(len(l.manifest), total), "opening recognition engine")

	var engine recognition.Engine
	missing := missingFiles(l.factory.Requires(), available)
	switch {
	case !loaded[StageDetector] || !loaded[StageLandmarks]:
		// no detection without both
	case len(missing) > 0:
		err := fmt.Errorf("engine requires %s", strings.Join(missing, ", "))
		if !l.allowDegraded {
			return l.fail(st, &LoadError{Stage: StageEngine, Err: err})
		}
		st.Degraded = true
		st.Warnings = append(st.Warnings, fmt.Sprintf("%s: %v", StageEngine, err))
		l.log.Warnf("Recognition engine not opened, face detection unavailable: %v", err)
	default:
		eng, err := l.factory.Open(l.dir)
		switch {
		case err == nil:
			engine = eng
		case l.allowDegraded:
			st.Degraded = true
			st.Warnings = append(st.Warnings, fmt.Sprintf("%s: %v", StageEngine, err))
			l.log.Warnf("Recognition engine unavailable, continuing degraded: %v", err)
		default:
			return l.fail(st, &LoadError{Stage: StageEngine, Err: err})
		}
	}

	st.BasicDetection = engine != nil
	st.FullRecognition = engine != nil && loaded[StageRecognition]
	l.report(&st, 100, "ready")

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		if engine != nil {
			_ = engine.Close()
		}
		return Status{}, ErrClosed
	}
	l.engine = engine
	l.loaded = true
	l.mu.Unlock()

	l.log.WithFields(logrus.Fields{
		"offline":  st.Offline,
		"degraded": st.Degraded,
		"basic":    st.BasicDetection,
		"full":     st.FullRecognition,
	}).Info("Models ready")
	return st.clone(), nil
}

func missingFiles(required []string, available map[string]bool) []string {
	var missing []string
	for _, f := range required {
		if !available[f] {
			missing = append(missing, f)
		}
	}
	return missing
}

func (l *Loader) fail(st Status, err error) (Status, error) {
	st.Message = "failed"
	l.mu.Lock()
	l.status = st.clone()
	l.mu.Unlock()
	l.log.WithError(err).Error("Model loading failed")
	return st, err
}

// ensure makes m available in the cache directory and reports whether the
// cached copy was used.
func (l *Loader) ensure(ctx context.Context, m Model, online bool) (bool, error) {
	path := filepath.Join(l.dir, m.File)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return true, nil
	}
	if !online {
		return false, ErrOffline
	}
	if m.URL == "" {
		return false, fmt.Errorf("no download URL for %s", m.File)
	}
	l.log.Infof("Downloading %s...", m.File)
	if err := l.fetcher.Fetch(ctx, m.URL, path); err != nil {
		return false, err
	}
	return false, nil
}

func percentOf(done, total int) int {
	if total == 0 {
		return 100
	}
	return done * 100 / total
}

// report publishes progress to every waiting caller. Percent never moves
// backwards within a load.
func (l *Loader) report(st *Status, percent int, message string) {
	l.mu.Lock()
	if percent < l.status.Percent {
		percent = l.status.Percent
	}
	st.Percent = percent
	st.Message = message
	l.status = st.clone()
	listeners := make([]func(int), 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.mu.Unlock()

	l.log.Debugf("%3d%% %s", percent, message)
	for _, fn := range listeners {
		fn(percent)
	}
}

// Status returns the current status, including progress of a running load.
func (l *Loader) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status.clone()
}

// BasicDetectionReady reports whether faces can be detected and scored.
func (l *Loader) BasicDetectionReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded && l.status.BasicDetection
}

// FullRecognitionReady reports whether comparable embeddings can be produced.
func (l *Loader) FullRecognitionReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded && l.status.FullRecognition
}

// Engine returns the loaded engine, or an error if none is available.
func (l *Loader) Engine() (recognition.Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.engine == nil {
		return nil, recognition.ErrModelNotLoaded
	}
	return l.engine, nil
}

// Close releases the engine. The loader cannot be used afterwards.
func (l *Loader) Close() error {
	l.mu.Lock()
	engine := l.engine
	l.engine = nil
	l.loaded = false
	l.closed = true
	l.mu.Unlock()

	if engine != nil {
		return engine.Close()
	}
	return nil
}

// AuxiliaryReady reports whether every configured auxiliary model loaded.
func (l *Loader) AuxiliaryReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		return false
	}
	for _, st := range l.status.Stages {
		if st.Stage == StageAuxiliary && !st.Loaded {
			return false
		}
	}
	return true
}
