package audio

import (
	"fmt"
	"time"
)

// BytesPerSample is the width of one signed 16-bit little-endian PCM sample.
const BytesPerSample = 2

// Format describes the sample rate and channel count of a raw s16le PCM stream.
type Format struct {
	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int
}

// RelayFormat is the fixed wire format between the relay and the receiver:
// mono, 16-bit signed little-endian, 48 kHz. It is not negotiated.
var RelayFormat = Format{SampleRate: 48000, Channels: 1}

// FrameSize returns the number of bytes of one sample frame (one sample per
// channel). Returns 0 for an invalid format.
func (f Format) FrameSize() int {
	if f.Channels <= 0 {
		return 0
	}
	return f.Channels * BytesPerSample
}

// BytesPerSecond returns the stream's byte rate.
func (f Format) BytesPerSecond() int {
	if f.SampleRate <= 0 {
		return 0
	}
	return f.SampleRate * f.FrameSize()
}

// BytesFor returns the number of bytes that hold d worth of audio, rounded
// down to a whole frame.
func (f Format) BytesFor(d time.Duration) int {
	frame := f.FrameSize()
	if frame == 0 || f.SampleRate <= 0 || d <= 0 {
		return 0
	}
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return frames * frame
}

// DurationOf returns the playback duration of n bytes.
func (f Format) DurationOf(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Valid reports whether f describes a usable PCM stream.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && (f.Channels == 1 || f.Channels == 2)
}

// String renders f as e.g. "48000Hz/mono/s16le".
func (f Format) String() string {
	layout := fmt.Sprintf("%dch", f.Channels)
	switch f.Channels {
	case 1:
		layout = "mono"
	case 2:
		layout = "stereo"
	}
	return fmt.Sprintf("%dHz/%s/s16le", f.SampleRate, layout)
}
