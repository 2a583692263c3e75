package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/MrWong99/micbridge/pkg/audio"
)

// DefaultBufferDuration is the minimum read buffer reported by [Source]:
// ffmpeg flushes its s16le muxer in roughly this granularity.
const DefaultBufferDuration = 20 * time.Millisecond

// Compile-time interface assertions.
var (
	_ audio.Source            = (*Source)(nil)
	_ audio.PermissionChecker = (*Source)(nil)
)

// Source captures a microphone through ffmpeg.
//
// The zero value records from the PulseAudio "default" device using the
// ffmpeg found on PATH.
type Source struct {
	// Command is the ffmpeg binary. Defaults to [DefaultCommand].
	Command string

	// InputFormat is the ffmpeg demuxer (-f), e.g. "pulse", "alsa",
	// "avfoundation" or "dshow". Defaults to "pulse".
	InputFormat string

	// InputDevice is the ffmpeg input (-i). Defaults to "default".
	InputDevice string

	// BufferDuration sets MinBufferSize. Defaults to [DefaultBufferDuration].
	BufferDuration time.Duration
}

// MinBufferSize implements [audio.Source].
func (s *Source) MinBufferSize(f audio.Format) int {
	d := s.BufferDuration
	if d <= 0 {
		d = DefaultBufferDuration
	}
	return f.BytesFor(d)
}

// CheckPermission implements [audio.PermissionChecker]. Recording is only
// possible when the ffmpeg binary can be executed.
func (s *Source) CheckPermission(context.Context) error {
	if _, err := exec.LookPath(commandOrDefault(s.Command)); err != nil {
		return fmt.Errorf("ffmpeg: capture tool not executable: %w", err)
	}
	return nil
}

// Open implements [audio.Source]. The bufferSize hint is ignored; ffmpeg
// manages its own pipe buffering.
//
// The stream owns the stdout pipe so a process exit never closes it under an
// unfinished read; the reader sees EOF after the last byte.
func (s *Source) Open(ctx context.Context, f audio.Format, _ int) (audio.Stream, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: capture stdout pipe: %w", err)
	}
	cmd := exec.CommandContext(ctx, commandOrDefault(s.Command), s.args(f)...)
	cmd.Stdout = pw
	proc, err := start("capture", cmd)
	// The child holds its own write end; ours must go for the reader to see EOF.
	pw.Close()
	if err != nil {
		pr.Close()
		return nil, err
	}
	return &captureStream{stdout: pr, proc: proc}, nil
}

func (s *Source) args(f audio.Format) []string {
	inputFormat := s.InputFormat
	if inputFormat == "" {
		inputFormat = "pulse"
	}
	inputDevice := s.InputDevice
	if inputDevice == "" {
		inputDevice = "default"
	}
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", inputFormat,
		"-i", inputDevice,
		"-ac", strconv.Itoa(f.Channels),
		"-ar", strconv.Itoa(f.SampleRate),
		"-f", "s16le",
		"-",
	}
}

type captureStream struct {
	stdout *os.File
	proc   *process
}

func (s *captureStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *captureStream) Close() error {
	err := s.proc.stop(true)
	if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && err == nil {
		err = closeErr
	}
	return err
}
