// Package camera provides the capture device abstraction used during
// enrollment: a frame source that can be started for a facing, polled for
// the latest frame and stopped, plus an exclusive guard around it.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"
)

// Facing selects which capture device is used.
type Facing string

const (
	FacingFront Facing = "front"
	FacingRear  Facing = "rear"
)

// ParseFacing parses "front" or "rear". An empty string means front.
func ParseFacing(s string) (Facing, error) {
	switch Facing(strings.ToLower(strings.TrimSpace(s))) {
	case "", FacingFront:
		return FacingFront, nil
	case FacingRear:
		return FacingRear, nil
	default:
		return "", fmt.Errorf("unknown facing %q", s)
	}
}

// Frame represents a single encoded camera frame.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    string // "JPEG" or "PNG"
	Timestamp time.Time
}

// ToImage decodes the frame.
func (f Frame) ToImage() (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(f.Data))
	return img, err
}

// newFrame builds a Frame from encoded bytes, filling in dimensions when the
// header can be parsed.
func newFrame(data []byte, now time.Time) Frame {
	f := Frame{Data: data, Timestamp: now}
	if cfg, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		f.Width, f.Height = cfg.Width, cfg.Height
		f.Format = strings.ToUpper(format)
	}
	return f
}

// FrameReader yields frames from a started source.
type FrameReader interface {
	Frame(ctx context.Context) (Frame, error)
}

// FrameSource is a capture device. Start acquires the device for a facing,
// Frame returns the most recent frame and Stop releases the device.
type FrameSource interface {
	FrameReader
	Start(ctx context.Context, facing Facing) error
	Stop() error
}

// ErrDeviceAccess is wrapped by every DeviceError.
var ErrDeviceAccess = errors.New("camera device unavailable")

// ErrDeviceBusy is returned when the device is already held.
var ErrDeviceBusy = errors.New("camera device busy")

// ErrNotStarted is returned when reading from a source that is not started.
var ErrNotStarted = errors.New("camera not started")

// ErrNoFrame is returned when the stream ended without producing a frame.
var ErrNoFrame = errors.New("failed to capture frame")

// DeviceError reports a failure to open or read a capture device.
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("camera %s %s: %v", e.Op, e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Is makes every DeviceError match ErrDeviceAccess.
func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceAccess
}
