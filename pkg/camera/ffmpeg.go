package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrCodeEU/faceenroll/pkg/config"
	"github.com/MrCodeEU/faceenroll/pkg/logging"
	"github.com/sirupsen/logrus"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxFrameSize bounds a single MJPEG frame read from ffmpeg.
const maxFrameSize = 8 << 20

// execCommand and statDevice are replaced in tests.
var (
	execCommand = exec.Command
	statDevice  = os.Stat
)

// SplitJPEG is a bufio.SplitFunc that yields complete JPEG images from an
// MJPEG byte stream. Bytes before a start-of-image marker are dropped.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, jpegSOI)
	if start == -1 {
		if len(data) > 1 {
			// keep the last byte, it may be the first half of a marker
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end == -1 {
		return start, nil, nil
	}
	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}

// FFmpegSource reads MJPEG frames from a V4L2 device (or any ffmpeg input)
// through an ffmpeg child process. Only the newest frame is kept.
type FFmpegSource struct {
	devices map[Facing]string
	ffmpeg  string
	width   int
	height  int
	fps     int
	log     *logrus.Entry

	mu      sync.Mutex
	cmd     *exec.Cmd
	device  string
	latest  Frame
	seq     uint64
	updated chan struct{}
	done    chan struct{}
	readErr error
}

// NewFFmpegSource creates a source for the configured front and rear devices.
func NewFFmpegSource(cfg config.CameraConfig) *FFmpegSource {
	ffmpeg := cfg.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &FFmpegSource{
		devices: map[Facing]string{
			FacingFront: cfg.FrontDevice,
			FacingRear:  cfg.RearDevice,
		},
		ffmpeg: ffmpeg,
		width:  cfg.Width,
		height: cfg.Height,
		fps:    cfg.FPS,
		log:    logging.Component("camera"),
	}
}

// Device returns the device currently streaming, or "".
func (s *FFmpegSource) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return ""
	}
	return s.device
}

func (s *FFmpegSource) args(device string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if strings.HasPrefix(device, "/dev/") {
		args = append(args, "-f", "v4l2")
		if s.fps > 0 {
			args = append(args, "-framerate", strconv.Itoa(s.fps))
		}
		if s.width > 0 && s.height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", s.width, s.height))
		}
	}
	return append(args, "-i", device, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
}

// Start spawns ffmpeg for the device mapped to facing.
func (s *FFmpegSource) Start(ctx context.Context, facing Facing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return ErrDeviceBusy
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	device := s.devices[facing]
	if device == "" {
		return &DeviceError{Device: string(facing), Op: "open", Err: errors.New("no device configured")}
	}
	if strings.HasPrefix(device, "/dev/") {
		if _, err := statDevice(device); err != nil {
			return &DeviceError{Device: device, Op: "open", Err: err}
		}
	}

	cmd := execCommand(s.ffmpeg, s.args(device)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &DeviceError{Device: device, Op: "open", Err: err}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return &DeviceError{Device: device, Op: "start", Err: err}
	}

	s.cmd = cmd
	s.device = device
	s.latest = Frame{}
	s.seq = 0
	s.readErr = nil
	s.updated = make(chan struct{})
	s.done = make(chan struct{})

	s.log.Debugf("Streaming from %s (%s)", device, facing)
	go s.readLoop(cmd, stdout, &stderr, s.done)
	return nil
}

func (s *FFmpegSource) readLoop(cmd *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, done chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), maxFrameSize)
	scanner.Split(SplitJPEG)

	for scanner.Scan() {
		data := make([]byte, len(scanner.Bytes()))
		copy(data, scanner.Bytes())
		frame := newFrame(data, time.Now())

		s.mu.Lock()
		if s.done == done {
			s.latest = frame
			s.seq++
			close(s.updated)
			s.updated = make(chan struct{})
		}
		s.mu.Unlock()
	}

	readErr := scanner.Err()
	waitErr := cmd.Wait()

	s.mu.Lock()
	if s.done == done {
		switch {
		case readErr != nil:
			s.readErr = readErr
		case waitErr != nil:
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				waitErr = fmt.Errorf("%w: %s", waitErr, msg)
			}
			s.readErr = waitErr
		default:
			s.readErr = io.EOF
		}
	}
	s.mu.Unlock()
	close(done)
}

// Frame returns the latest frame, waiting for the first one if the stream
// has not produced any yet.
func (s *FFmpegSource) Frame(ctx context.Context) (Frame, error) {
	for {
		s.mu.Lock()
		if s.cmd == nil {
			s.mu.Unlock()
			return Frame{}, ErrNotStarted
		}
		select {
		case <-s.done:
			err, device := s.readErr, s.device
			s.mu.Unlock()
			if err == nil || errors.Is(err, io.EOF) {
				err = ErrNoFrame
			}
			return Frame{}, &DeviceError{Device: device, Op: "read", Err: err}
		default:
		}
		if s.seq > 0 {
			f := s.latest
			s.mu.Unlock()
			return f, nil
		}
		updated, done := s.updated, s.done
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-updated:
		case <-done:
		}
	}
}

// Stop kills ffmpeg and releases the device. Stopping a stopped source is
// a no-op.
func (s *FFmpegSource) Stop() error {
	s.mu.Lock()
	cmd, done, device := s.cmd, s.done, s.device
	s.cmd = nil
	s.done = nil
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.Warnf("Failed to kill ffmpeg for %s: %v", device, err)
		}
	}
	<-done
	s.log.Debugf("Released %s", device)
	return nil
}
