package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

const (
	// startupGrace is how long Start waits for ffmpeg to fail on open.
	startupGrace = 250 * time.Millisecond
	// stopTimeout is how long Stop waits after an interrupt before killing.
	stopTimeout = 1200 * time.Millisecond
)

// FFmpegHost captures microphone audio through an ffmpeg subprocess that
// writes raw f32le samples to stdout.
type FFmpegHost struct {
	command     string
	inputFormat string
	inputDevice string
}

// NewFFmpegHost creates a host. Empty arguments select ffmpeg reading the
// default PulseAudio source.
func NewFFmpegHost(command, inputFormat, inputDevice string) *FFmpegHost {
	if command == "" {
		command = "ffmpeg"
	}
	if inputFormat == "" {
		inputFormat = "pulse"
	}
	if inputDevice == "" {
		inputDevice = "default"
	}
	return &FFmpegHost{
		command:     command,
		inputFormat: inputFormat,
		inputDevice: inputDevice,
	}
}

// DefaultInputDevice resolves the ffmpeg binary and returns the configured input
func (h *FFmpegHost) DefaultInputDevice() (Device, error) {
	path, err := exec.LookPath(h.command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found: %v", ErrNoInputDevice, h.command, err)
	}
	return &ffmpegDevice{
		path:   path,
		format: h.inputFormat,
		input:  h.inputDevice,
	}, nil
}

type ffmpegDevice struct {
	path   string
	format string
	input  string
}

func (d *ffmpegDevice) Name() string {
	return d.format + ":" + d.input
}

func (d *ffmpegDevice) BuildInputStream(cfg StreamConfig, onData DataCallback, onError ErrorCallback) (Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if onData == nil {
		return nil, errors.New("data callback is required")
	}
	if onError == nil {
		onError = func(error) {}
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.format,
		"-i", d.input,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "f32le",
		"-",
	}

	cmd := exec.Command(d.path, args...)
	// Terminal signals go to the CLI only; Stop decides when ffmpeg ends.
	isolateProcessGroup(cmd)

	return &ffmpegStream{
		cmd:     cmd,
		cfg:     cfg,
		onData:  onData,
		onError: onError,
		done:    make(chan struct{}),
	}, nil
}

type ffmpegStream struct {
	cmd     *exec.Cmd
	cfg     StreamConfig
	onData  DataCallback
	onError ErrorCallback
	stderr  bytes.Buffer

	done chan struct{}

	mu       sync.Mutex
	started  bool // Start has returned successfully
	stopping bool
	exitErr  error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegStream) Start() error {
	s.cmd.Stderr = &s.stderr
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	go s.read(stdout)

	select {
	case <-s.done:
		s.mu.Lock()
		err := s.exitErr
		s.started = true
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, trimStderr(&s.stderr))
		}
	case <-time.After(startupGrace):
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
	}
	return nil
}

// read delivers fixed-size buffers to onData until ffmpeg closes stdout.
func (s *ffmpegStream) read(stdout io.Reader) {
	defer close(s.done)

	frameBytes := s.cfg.BufferFrames * s.cfg.Channels * 4
	raw := make([]byte, frameBytes)
	samples := make([]float32, s.cfg.BufferFrames*s.cfg.Channels)

	var readErr error
	for {
		n, err := io.ReadFull(stdout, raw)
		if count := n / 4; count > 0 {
			for i := 0; i < count; i++ {
				samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
			}
			s.onData(samples[:count])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				readErr = err
			}
			break
		}
	}

	waitErr := s.cmd.Wait()

	s.mu.Lock()
	stopping := s.stopping
	started := s.started
	if readErr != nil {
		s.exitErr = readErr
	} else {
		s.exitErr = waitErr
	}
	exitErr := s.exitErr
	s.mu.Unlock()

	if stopping || !started {
		return
	}
	if exitErr != nil {
		s.onError(fmt.Errorf("ffmpeg capture failed: %w: %s", exitErr, trimStderr(&s.stderr)))
		return
	}
	s.onError(errors.New("ffmpeg capture ended unexpectedly"))
}

func (s *ffmpegStream) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()

		if s.cmd.Process == nil {
			return
		}

		select {
		case <-s.done:
			return
		default:
		}

		_ = s.cmd.Process.Signal(os.Interrupt)

		select {
		case <-s.done:
		case <-time.After(stopTimeout):
			_ = s.cmd.Process.Kill()
			<-s.done
		}

		s.mu.Lock()
		s.stopErr = normalizeStopErr(s.exitErr)
		s.mu.Unlock()
	})
	return s.stopErr
}

func (s *ffmpegStream) Done() <-chan struct{} {
	return s.done
}

// normalizeStopErr ignores the non-zero exit status ffmpeg reports when interrupted.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimStderr(buf *bytes.Buffer) string {
	return string(bytes.TrimSpace(buf.Bytes()))
}
