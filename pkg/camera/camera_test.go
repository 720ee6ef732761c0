package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrCodeEU/faceenroll/pkg/config"
)

func fakeExecCommand(command string, args ...string) *exec.Cmd {
	cs := []string{"-test.run=TestHelperProcess", "--", command}
	cs = append(cs, args...)
	cmd := exec.Command(os.Args[0], cs...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	return cmd
}

func fakeStat(string) (os.FileInfo, error) { return nil, nil }

func useFakeFFmpeg(t *testing.T) {
	t.Helper()
	execCommand = fakeExecCommand
	statDevice = fakeStat
	t.Cleanup(func() {
		execCommand = exec.Command
		statDevice = os.Stat
	})
}

func testJPEG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(1, 1, color.RGBA{255, 0, 0, 255})
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, nil)
	return buf.Bytes()
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	// os.Args: [test_binary, -test.run=TestHelperProcess, --, command, args...]
	if len(os.Args) < 4 {
		os.Exit(1)
	}
	args := os.Args[3:]

	if args[0] != "ffmpeg" {
		os.Exit(2)
	}
	if os.Getenv("TEST_FAIL_FFMPEG") == "1" {
		_, _ = os.Stderr.WriteString("cannot open device")
		os.Exit(1)
	}
	if os.Getenv("TEST_EMPTY_FFMPEG") == "1" {
		os.Exit(0)
	}

	frame := testJPEG(64, 48)
	for i := 0; i < 50; i++ {
		_, _ = os.Stdout.Write(frame)
		// padding between frames
		_, _ = os.Stdout.Write([]byte{0x00, 0x00})
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(2 * time.Second)
	os.Exit(0)
}

func testCameraConfig() config.CameraConfig {
	return config.CameraConfig{
		FrontDevice: "/dev/video0",
		RearDevice:  "/dev/video2",
		Width:       640,
		Height:      480,
		FPS:         15,
	}
}

func TestParseFacing(t *testing.T) {
	tests := []struct {
		in      string
		want    Facing
		wantErr bool
	}{
		{"", FacingFront, false},
		{"front", FacingFront, false},
		{"REAR", FacingRear, false},
		{"side", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFacing(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFacing(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseFacing(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitJPEG(t *testing.T) {
	stream := []byte{0x00, 0x01, 0xFF, 0xD8, 'a', 0xFF, 0xD9, 0x00, 0xFF, 0xD8, 'b', 'c', 0xFF, 0xD9, 0xFF}
	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Split(SplitJPEG)

	var frames [][]byte
	for scanner.Scan() {
		frames = append(frames, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanner error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[1], []byte{0xFF, 0xD8, 'b', 'c', 0xFF, 0xD9}) {
		t.Errorf("unexpected second frame: %x", frames[1])
	}
}

func TestFFmpegSource_Args(t *testing.T) {
	s := NewFFmpegSource(testCameraConfig())
	args := strings.Join(s.args("/dev/video0"), " ")
	for _, want := range []string{"-f v4l2", "-framerate 15", "-video_size 640x480", "-i /dev/video0", "-f image2pipe", "-vcodec mjpeg"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
	if !strings.HasSuffix(args, " -") {
		t.Errorf("args should end with stdout target: %q", args)
	}

	file := strings.Join(s.args("/tmp/clip.mp4"), " ")
	if strings.Contains(file, "v4l2") {
		t.Errorf("file input should not force v4l2: %q", file)
	}
}

func TestFFmpegSource_Streaming(t *testing.T) {
	useFakeFFmpeg(t)

	s := NewFFmpegSource(testCameraConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Start(ctx, FacingFront); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.Device() != "/dev/video0" {
		t.Errorf("unexpected device %q", s.Device())
	}

	for i := 0; i < 3; i++ {
		frame, err := s.Frame(ctx)
		if err != nil {
			t.Fatalf("Frame failed (attempt %d): %v", i, err)
		}
		if frame.Width != 64 || frame.Height != 48 {
			t.Errorf("unexpected dimensions %dx%d", frame.Width, frame.Height)
		}
		if frame.Format != "JPEG" {
			t.Errorf("unexpected format %q", frame.Format)
		}
		if _, err := frame.ToImage(); err != nil {
			t.Errorf("frame should decode: %v", err)
		}
	}

	if err := s.Start(ctx, FacingRear); !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("expected ErrDeviceBusy, got %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
	if _, err := s.Frame(ctx); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted after Stop, got %v", err)
	}

	// the device can be reacquired after release
	if err := s.Start(ctx, FacingRear); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if s.Device() != "/dev/video2" {
		t.Errorf("unexpected device %q", s.Device())
	}
	_ = s.Stop()
}

func TestFFmpegSource_ProcessFailure(t *testing.T) {
	useFakeFFmpeg(t)
	t.Setenv("TEST_FAIL_FFMPEG", "1")

	s := NewFFmpegSource(testCameraConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Start(ctx, FacingFront); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = s.Stop() }()

	_, err := s.Frame(ctx)
	if !errors.Is(err, ErrDeviceAccess) {
		t.Fatalf("expected device access error, got %v", err)
	}
	var de *DeviceError
	if !errors.As(err, &de) || de.Op != "read" {
		t.Errorf("expected read DeviceError, got %v", err)
	}
	if !strings.Contains(err.Error(), "cannot open device") {
		t.Errorf("stderr should be included: %v", err)
	}
}

func TestFFmpegSource_EmptyStream(t *testing.T) {
	useFakeFFmpeg(t)
	t.Setenv("TEST_EMPTY_FFMPEG", "1")

	s := NewFFmpegSource(testCameraConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Start(ctx, FacingFront); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = s.Stop() }()

	if _, err := s.Frame(ctx); !errors.Is(err, ErrNoFrame) {
		t.Errorf("expected ErrNoFrame, got %v", err)
	}
}

func TestFFmpegSource_MissingDevice(t *testing.T) {
	cfg := testCameraConfig()
	cfg.FrontDevice = "/dev/faceenroll-missing-device"
	cfg.RearDevice = ""
	s := NewFFmpegSource(cfg)

	err := s.Start(context.Background(), FacingFront)
	if !errors.Is(err, ErrDeviceAccess) {
		t.Errorf("expected ErrDeviceAccess, got %v", err)
	}

	err = s.Start(context.Background(), FacingRear)
	var de *DeviceError
	if !errors.As(err, &de) || de.Op != "open" {
		t.Errorf("expected open DeviceError for unconfigured facing, got %v", err)
	}
}

func TestImageSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "face.jpg")
	if err := os.WriteFile(path, testJPEG(32, 32), 0600); err != nil {
		t.Fatal(err)
	}

	s := NewImageSource(path)
	ctx := context.Background()

	if _, err := s.Frame(ctx); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
	if err := s.Start(ctx, FacingRear); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.Facing() != FacingRear {
		t.Errorf("facing not recorded")
	}
	if err := s.Start(ctx, FacingRear); !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("expected ErrDeviceBusy, got %v", err)
	}

	f, err := s.Frame(ctx)
	if err != nil {
		t.Fatalf("Frame failed: %v", err)
	}
	if f.Width != 32 || f.Height != 32 {
		t.Errorf("unexpected dimensions %dx%d", f.Width, f.Height)
	}
	_ = s.Stop()

	missing := NewImageSource(filepath.Join(dir, "nope.jpg"))
	if err := missing.Start(ctx, FacingFront); !errors.Is(err, ErrDeviceAccess) {
		t.Errorf("expected ErrDeviceAccess, got %v", err)
	}

	empty := NewImageSourceFromBytes()
	if err := empty.Start(ctx, FacingFront); !errors.Is(err, ErrDeviceAccess) {
		t.Errorf("expected ErrDeviceAccess for empty source, got %v", err)
	}
}

func TestImageSource_Cycles(t *testing.T) {
	a, b := testJPEG(8, 8), testJPEG(16, 16)
	s := NewImageSourceFromBytes(a, b)
	ctx := context.Background()
	_ = s.Start(ctx, FacingFront)

	want := []int{8, 16, 8}
	for i, w := range want {
		f, err := s.Frame(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if f.Width != w {
			t.Errorf("frame %d: width %d, want %d", i, f.Width, w)
		}
	}
}

type recordingSource struct {
	*ImageSource
	starts, stops int
}

func (r *recordingSource) Start(ctx context.Context, f Facing) error {
	r.starts++
	return r.ImageSource.Start(ctx, f)
}

func (r *recordingSource) Stop() error {
	r.stops++
	return r.ImageSource.Stop()
}

func TestExclusive(t *testing.T) {
	src := &recordingSource{ImageSource: NewImageSourceFromBytes(testJPEG(8, 8))}
	ex := NewExclusive(src)
	ctx := context.Background()

	lease, err := ex.Acquire(ctx, FacingFront)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !ex.Held() {
		t.Error("device should be held")
	}
	if _, err := ex.Acquire(ctx, FacingRear); !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("expected ErrDeviceBusy, got %v", err)
	}
	if _, err := lease.Frame(ctx); err != nil {
		t.Errorf("Frame failed: %v", err)
	}

	if err := lease.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lease.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}
	if src.stops != 1 {
		t.Errorf("expected one Stop, got %d", src.stops)
	}
	if _, err := lease.Frame(ctx); !errors.Is(err, ErrReleased) {
		t.Errorf("expected ErrReleased, got %v", err)
	}

	rear, err := ex.Acquire(ctx, FacingRear)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	if rear.Facing() != FacingRear || src.Facing() != FacingRear {
		t.Error("facing not switched")
	}
	// a stale lease must not release the new holder
	_ = lease.Release()
	if !ex.Held() {
		t.Error("stale release freed the device")
	}
	_ = rear.Release()
}

func TestExclusive_StartFailure(t *testing.T) {
	ex := NewExclusive(NewImageSource("/nonexistent/face.jpg"))
	if _, err := ex.Acquire(context.Background(), FacingFront); !errors.Is(err, ErrDeviceAccess) {
		t.Errorf("expected ErrDeviceAccess, got %v", err)
	}
	if ex.Held() {
		t.Error("failed acquire should not hold the device")
	}
}
