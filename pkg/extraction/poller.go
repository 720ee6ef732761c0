package extraction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrCodeEU/faceenroll/pkg/camera"
	"github.com/MrCodeEU/faceenroll/pkg/logging"
	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is the time between extractions.
const DefaultPollInterval = 500 * time.Millisecond

// ErrPollerRunning is returned by Start while a capture session is active.
var ErrPollerRunning = errors.New("capture polling already running")

// ResultFunc receives each extraction. err is ErrDetectionTimeout for a
// timed out tick; polling continues on the next tick. It runs on the
// polling goroutine and must not call back into the Poller.
type ResultFunc func(r CaptureResult, err error)

// Poller runs extractions on a fixed interval. It is the only owner of the
// capture device while running: Start acquires it and Stop releases it.
type Poller struct {
	extractor *Extractor
	device    *camera.Exclusive
	interval  time.Duration
	log       *logrus.Entry

	// gen identifies the current session; results from older sessions
	// are dropped.
	gen atomic.Uint64
	// deliver is held while a result is checked against gen and handed
	// to the callback, and while Stop bumps gen.
	deliver sync.Mutex

	mu       sync.Mutex
	lease    *camera.Lease
	cancel   context.CancelFunc
	opts     Options
	onResult ResultFunc
}

// NewPoller creates a poller. A non-positive interval uses
// DefaultPollInterval.
func NewPoller(extractor *Extractor, device *camera.Exclusive, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		extractor: extractor,
		device:    device,
		interval:  interval,
		log:       logging.Component("extraction"),
	}
}

// Start acquires the device for facing and begins polling. Device errors
// are returned immediately.
func (p *Poller) Start(ctx context.Context, facing camera.Facing, opts Options, onResult ResultFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked(ctx, facing, opts, onResult)
}

func (p *Poller) startLocked(ctx context.Context, facing camera.Facing, opts Options, onResult ResultFunc) error {
	if p.lease != nil {
		return ErrPollerRunning
	}
	lease, err := p.device.Acquire(ctx, facing)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	gen := p.gen.Add(1)
	p.lease = lease
	p.cancel = cancel
	p.opts = opts
	p.onResult = onResult

	p.log.WithFields(logrus.Fields{"facing": facing, "interval": p.interval}).Debug("Capture polling started")
	go p.loop(loopCtx, gen, lease, opts, onResult)
	return nil
}

func (p *Poller) loop(ctx context.Context, gen uint64, lease *camera.Lease, opts Options, onResult ResultFunc) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		result, err := p.extractor.Extract(ctx, lease, opts)
		if errors.Is(err, ErrDetectionTimeout) {
			p.log.Debug("Detection timed out, retrying on next tick")
		}
		if !p.deliverResult(ctx, gen, onResult, result, err) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// deliverResult hands a result to onResult unless the session ended. It
// reports whether the session is still current.
func (p *Poller) deliverResult(ctx context.Context, gen uint64, onResult ResultFunc, result CaptureResult, err error) bool {
	p.deliver.Lock()
	defer p.deliver.Unlock()
	if ctx.Err() != nil || p.gen.Load() != gen {
		return false
	}
	if onResult != nil {
		onResult(result, err)
	}
	return true
}

// Stop ends polling and releases the device without waiting for an
// in-flight extraction. A result that completes after Stop is discarded;
// a delivery already running finishes before Stop returns.
func (p *Poller) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked()
}

func (p *Poller) stopLocked() error {
	if p.lease == nil {
		return nil
	}
	p.deliver.Lock()
	p.gen.Add(1)
	p.deliver.Unlock()
	p.cancel()
	err := p.lease.Release()
	p.lease = nil
	p.cancel = nil
	p.log.Debug("Capture polling stopped")
	return err
}

// Restart stops polling, releases the device and reacquires it for facing
// with the same options and callback.
func (p *Poller) Restart(ctx context.Context, facing camera.Facing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	opts, onResult := p.opts, p.onResult
	if err := p.stopLocked(); err != nil {
		p.log.WithError(err).Warn("Failed to release capture device")
	}
	return p.startLocked(ctx, facing, opts, onResult)
}

// Running reports whether a capture session is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lease != nil
}

// Facing returns the facing of the active session.
func (p *Poller) Facing() (camera.Facing, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lease == nil {
		return "", false
	}
	return p.lease.Facing(), true
}
