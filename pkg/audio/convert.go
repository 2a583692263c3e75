package audio

import (
	"log/slog"
	"sync"
)

// Aligner re-chunks an arbitrary byte stream so that every returned slice
// holds whole sample frames. A partial trailing frame is held back and
// prepended to the next chunk, so no sample is split or lost.
//
// The zero value aligns to mono s16le. Not safe for concurrent use; create
// one per stream.
type Aligner struct {
	// Format selects the frame size. Zero value means [RelayFormat].
	Format Format

	pending   []byte
	out       []byte
	warnedOdd sync.Once
}

// Align returns the frame-aligned portion of pending+chunk. The returned
// slice is only valid until the next call.
func (a *Aligner) Align(chunk []byte) []byte {
	frame := a.frameSize()
	if len(a.pending) == 0 && len(chunk)%frame == 0 {
		return chunk
	}

	a.warnedOdd.Do(func() {
		slog.Debug("audio aligner: chunk not frame aligned, carrying remainder",
			"bytes", len(chunk),
			"frame_size", frame,
		)
	})

	a.out = append(a.out[:0], a.pending...)
	a.out = append(a.out, chunk...)
	whole := len(a.out) - len(a.out)%frame
	a.pending = append(a.pending[:0], a.out[whole:]...)
	return a.out[:whole]
}

// Pending reports how many bytes are held back waiting for the rest of their
// frame.
func (a *Aligner) Pending() int {
	return len(a.pending)
}

// Reset drops any held-back partial frame. Call it when the underlying stream
// ends so the next stream starts aligned.
func (a *Aligner) Reset() {
	a.pending = a.pending[:0]
}

func (a *Aligner) frameSize() int {
	if fs := a.Format.FrameSize(); fs > 0 {
		return fs
	}
	return RelayFormat.FrameSize()
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample); a trailing odd
// byte is ignored.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}
