// Package tone provides a synthetic [audio.Source] that generates a sine wave
// paced in real time. It is used for demos and end-to-end checks on machines
// without a microphone.
package tone

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/micbridge/pkg/audio"
)

const (
	// DefaultFrequency is the pitch generated when none is configured.
	DefaultFrequency = 440.0

	// DefaultAmplitude is the peak level as a fraction of full scale.
	DefaultAmplitude = 0.2

	chunkDuration = 10 * time.Millisecond
)

var errClosed = errors.New("tone: stream closed")

var _ audio.Source = (*Source)(nil)

// Source generates a continuous sine wave.
type Source struct {
	// Frequency in Hz. Defaults to [DefaultFrequency].
	Frequency float64

	// Amplitude in (0, 1]. Defaults to [DefaultAmplitude].
	Amplitude float64
}

// MinBufferSize implements [audio.Source].
func (s *Source) MinBufferSize(f audio.Format) int {
	return f.BytesFor(chunkDuration)
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context, f audio.Format, _ int) (audio.Stream, error) {
	freq := s.Frequency
	if freq <= 0 {
		freq = DefaultFrequency
	}
	amp := s.Amplitude
	if amp <= 0 || amp > 1 {
		amp = DefaultAmplitude
	}
	return &stream{
		format: f,
		step:   2 * math.Pi * freq / float64(f.SampleRate),
		peak:   amp * math.MaxInt16,
		tick:   time.NewTicker(chunkDuration),
		closed: make(chan struct{}),
	}, nil
}

type stream struct {
	format audio.Format
	step   float64
	peak   float64
	phase  float64

	tick      *time.Ticker
	closeOnce sync.Once
	closed    chan struct{}
}

// Read waits for the next tick, then fills p with up to one chunk of samples.
func (s *stream) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, errClosed
	case <-s.tick.C:
	}

	frame := s.format.FrameSize()
	n := min(len(p), s.format.BytesFor(chunkDuration))
	n -= n % frame
	for off := 0; off < n; off += frame {
		v := int16(s.peak * math.Sin(s.phase))
		for ch := 0; ch < s.format.Channels; ch++ {
			binary.LittleEndian.PutUint16(p[off+ch*audio.BytesPerSample:], uint16(v))
		}
		s.phase += s.step
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return n, nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.tick.Stop()
		close(s.closed)
	})
	return nil
}
