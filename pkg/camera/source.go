package camera

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"
)

// ImageSource replays still images as frames. It backs the lookup command
// and stands in for a camera in tests.
type ImageSource struct {
	paths  []string
	images [][]byte

	mu      sync.Mutex
	started bool
	facing  Facing
	frames  []Frame
	next    int
}

// NewImageSource creates a source that loads the given files on Start.
func NewImageSource(paths ...string) *ImageSource {
	return &ImageSource{paths: paths}
}

// NewImageSourceFromBytes creates a source over in-memory encoded images.
func NewImageSourceFromBytes(images ...[]byte) *ImageSource {
	return &ImageSource{images: images}
}

// Start loads the images. The facing is recorded but otherwise ignored.
func (s *ImageSource) Start(ctx context.Context, facing Facing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrDeviceBusy
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	frames := make([]Frame, 0, len(s.paths)+len(s.images))
	for _, p := range s.paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return &DeviceError{Device: p, Op: "open", Err: err}
		}
		frames = append(frames, newFrame(data, now))
	}
	for _, data := range s.images {
		frames = append(frames, newFrame(data, now))
	}
	if len(frames) == 0 {
		return &DeviceError{Device: "image", Op: "open", Err: errors.New("no images")}
	}

	s.frames = frames
	s.next = 0
	s.facing = facing
	s.started = true
	return nil
}

// Frame returns the next image, cycling back to the first after the last.
func (s *ImageSource) Frame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return Frame{}, ErrNotStarted
	}
	f := s.frames[s.next]
	s.next = (s.next + 1) % len(s.frames)
	f.Timestamp = time.Now()
	return f, nil
}

// Stop releases the source.
func (s *ImageSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.frames = nil
	return nil
}

// Facing returns the facing passed to the last Start.
func (s *ImageSource) Facing() Facing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.facing
}

// ErrReleased is returned when reading through a released lease.
var ErrReleased = errors.New("camera lease released")

// Exclusive guards a FrameSource so that only one holder streams from it at
// a time. Switching facing requires releasing the current lease first.
type Exclusive struct {
	src FrameSource

	mu     sync.Mutex
	holder *Lease
}

// NewExclusive wraps src.
func NewExclusive(src FrameSource) *Exclusive {
	return &Exclusive{src: src}
}

// Acquire starts the source for facing and returns the lease that owns it.
// It returns ErrDeviceBusy while another lease is held.
func (e *Exclusive) Acquire(ctx context.Context, facing Facing) (*Lease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.holder != nil {
		return nil, ErrDeviceBusy
	}
	if err := e.src.Start(ctx, facing); err != nil {
		return nil, err
	}
	l := &Lease{e: e, facing: facing}
	e.holder = l
	return l, nil
}

// Held reports whether a lease is currently held.
func (e *Exclusive) Held() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holder != nil
}

// Lease is the right to read frames from an Exclusive source.
type Lease struct {
	e      *Exclusive
	facing Facing
}

// Facing returns the facing the lease was acquired for.
func (l *Lease) Facing() Facing {
	return l.facing
}

// Frame reads a frame if the lease is still held.
func (l *Lease) Frame(ctx context.Context) (Frame, error) {
	l.e.mu.Lock()
	held := l.e.holder == l
	l.e.mu.Unlock()
	if !held {
		return Frame{}, ErrReleased
	}
	return l.e.src.Frame(ctx)
}

// Release stops the source and frees the device. Releasing twice is a no-op.
func (l *Lease) Release() error {
	l.e.mu.Lock()
	defer l.e.mu.Unlock()

	if l.e.holder != l {
		return nil
	}
	l.e.holder = nil
	return l.e.src.Stop()
}
