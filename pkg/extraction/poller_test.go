package extraction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrCodeEU/faceenroll/pkg/camera"
	"github.com/MrCodeEU/faceenroll/pkg/recognition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resultLog struct {
	mu      sync.Mutex
	results []CaptureResult
	errs    []error
}

func (l *resultLog) record(r CaptureResult, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
	l.errs = append(l.errs, err)
}

func (l *resultLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.results)
}

func TestPoller_DeliversResults(t *testing.T) {
	engine := &mockEngine{DetectFunc: func([]byte, bool) ([]recognition.Face, error) {
		return []recognition.Face{faceWith(0.9, nil)}, nil
	}}
	ex := NewExtractor(&mockProvider{engine: engine, basic: true}, nil, 70)
	device := camera.NewExclusive(camera.NewImageSourceFromBytes(testFrame(t)))
	p := NewPoller(ex, device, 10*time.Millisecond)

	var log resultLog
	require.NoError(t, p.Start(context.Background(), camera.FacingFront, Options{}, log.record))
	assert.True(t, p.Running())
	assert.True(t, device.Held())

	assert.Eventually(t, func() bool { return log.len() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop())
	assert.False(t, p.Running())
	assert.False(t, device.Held(), "Stop releases the device")
	require.NoError(t, p.Stop())
}

func TestPoller_StartTwice(t *testing.T) {
	ex := NewExtractor(&mockProvider{engine: &mockEngine{}, basic: true}, nil, 70)
	device := camera.NewExclusive(camera.NewImageSourceFromBytes(testFrame(t)))
	p := NewPoller(ex, device, time.Hour)

	require.NoError(t, p.Start(context.Background(), camera.FacingFront, Options{}, nil))
	defer func() { _ = p.Stop() }()
	assert.ErrorIs(t, p.Start(context.Background(), camera.FacingFront, Options{}, nil), ErrPollerRunning)
}

func TestPoller_DeviceUnavailable(t *testing.T) {
	ex := NewExtractor(&mockProvider{engine: &mockEngine{}, basic: true}, nil, 70)
	device := camera.NewExclusive(camera.NewImageSource("/nonexistent/frame.jpg"))
	p := NewPoller(ex, device, time.Hour)

	err := p.Start(context.Background(), camera.FacingFront, Options{}, nil)
	assert.ErrorIs(t, err, camera.ErrDeviceAccess)
	assert.False(t, p.Running())
}

func TestPoller_StopDiscardsInFlightResult(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	engine := &mockEngine{DetectFunc: func([]byte, bool) ([]recognition.Face, error) {
		once.Do(func() { close(entered) })
		<-release
		return []recognition.Face{faceWith(0.9, nil)}, nil
	}}
	ex := NewExtractor(&mockProvider{engine: engine, basic: true}, nil, 70)
	device := camera.NewExclusive(camera.NewImageSourceFromBytes(testFrame(t)))
	p := NewPoller(ex, device, 10*time.Millisecond)

	var delivered atomic.Int32
	require.NoError(t, p.Start(context.Background(), camera.FacingFront, Options{Timeout: 5 * time.Second}, func(CaptureResult, error) {
		delivered.Add(1)
	}))

	<-entered
	stopped := make(chan struct{})
	go func() {
		_ = p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop waited for the in-flight extraction")
	}
	assert.False(t, device.Held())

	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, delivered.Load(), "result completed after Stop must be discarded")
}

func TestPoller_NoDeliveryAfterStopReturns(t *testing.T) {
	engine := &mockEngine{DetectFunc: func([]byte, bool) ([]recognition.Face, error) {
		return []recognition.Face{faceWith(0.9, nil)}, nil
	}}
	ex := NewExtractor(&mockProvider{engine: engine, basic: true}, nil, 70)
	device := camera.NewExclusive(camera.NewImageSourceFromBytes(testFrame(t)))
	p := NewPoller(ex, device, time.Millisecond)

	inCallback := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	var stopReturned atomic.Bool
	var late atomic.Int32
	require.NoError(t, p.Start(context.Background(), camera.FacingFront, Options{}, func(CaptureResult, error) {
		if stopReturned.Load() {
			late.Add(1)
		}
		once.Do(func() {
			close(inCallback)
			<-unblock
		})
	}))

	<-inCallback
	stopped := make(chan struct{})
	go func() {
		_ = p.Stop()
		stopReturned.Store(true)
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a result was being delivered")
	case <-time.After(50 * time.Millisecond):
	}

	close(unblock)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the delivery finished")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, late.Load(), "no result is delivered after Stop returns")
	assert.False(t, device.Held())
}

func TestPoller_TimeoutRecoveredOnNextTick(t *testing.T) {
	var calls atomic.Int32
	engine := &mockEngine{DetectFunc: func([]byte, bool) ([]recognition.Face, error) {
		if calls.Add(1) == 1 {
			time.Sleep(100 * time.Millisecond)
		}
		return []recognition.Face{faceWith(0.9, nil)}, nil
	}}
	ex := NewExtractor(&mockProvider{engine: engine, basic: true}, nil, 70)
	device := camera.NewExclusive(camera.NewImageSourceFromBytes(testFrame(t)))
	p := NewPoller(ex, device, 10*time.Millisecond)

	var log resultLog
	require.NoError(t, p.Start(context.Background(), camera.FacingFront, Options{Timeout: 20 * time.Millisecond}, log.record))
	defer func() { _ = p.Stop() }()

	assert.Eventually(t, func() bool {
		log.mu.Lock()
		defer log.mu.Unlock()
		sawTimeout, sawFace := false, false
		for i, r := range log.results {
			if errors.Is(log.errs[i], ErrDetectionTimeout) {
				sawTimeout = true
			}
			if r.Detected {
				sawFace = true
			}
		}
		return sawTimeout && sawFace
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPoller_Restart(t *testing.T) {
	src := camera.NewImageSourceFromBytes(testFrame(t))
	ex := NewExtractor(&mockProvider{engine: &mockEngine{}, basic: true}, nil, 70)
	device := camera.NewExclusive(src)
	p := NewPoller(ex, device, time.Hour)

	var log resultLog
	require.NoError(t, p.Start(context.Background(), camera.FacingFront, Options{}, log.record))
	require.NoError(t, p.Restart(context.Background(), camera.FacingRear))
	defer func() { _ = p.Stop() }()

	facing, ok := p.Facing()
	assert.True(t, ok)
	assert.Equal(t, camera.FacingRear, facing)
	assert.Equal(t, camera.FacingRear, src.Facing())
	assert.Eventually(t, func() bool { return log.len() >= 1 }, time.Second, 5*time.Millisecond)
}
