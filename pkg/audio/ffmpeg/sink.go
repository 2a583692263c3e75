package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"github.com/MrWong99/micbridge/pkg/audio"
)

var _ audio.Sink = (*Sink)(nil)

// Sink plays PCM through ffmpeg. The zero value plays on the PulseAudio
// "default" output.
type Sink struct {
	// Command is the ffmpeg binary. Defaults to [DefaultCommand].
	Command string

	// OutputFormat is the ffmpeg output muxer (-f). Defaults to "pulse".
	OutputFormat string

	// OutputDevice is the output target. Defaults to "default".
	OutputDevice string
}

// Open implements [audio.Sink].
func (s *Sink) Open(ctx context.Context, f audio.Format) (io.WriteCloser, error) {
	cmd := exec.CommandContext(ctx, commandOrDefault(s.Command), s.args(f)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: playback stdin pipe: %w", err)
	}
	proc, err := start("playback", cmd)
	if err != nil {
		return nil, err
	}
	return &playback{stdin: stdin, proc: proc}, nil
}

func (s *Sink) args(f audio.Format) []string {
	outputFormat := s.OutputFormat
	if outputFormat == "" {
		outputFormat = "pulse"
	}
	outputDevice := s.OutputDevice
	if outputDevice == "" {
		outputDevice = "default"
	}
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "s16le",
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-i", "-",
		"-f", outputFormat,
		outputDevice,
	}
}

type playback struct {
	stdin io.WriteCloser
	proc  *process
}

func (p *playback) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// Close ends the input so ffmpeg drains what it has buffered, then waits for
// it to exit.
func (p *playback) Close() error {
	_ = p.stdin.Close()
	return p.proc.stop(false)
}
