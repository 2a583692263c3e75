// Package mock provides in-memory implementations of [audio.Source],
// [audio.Stream] and [audio.PermissionChecker] for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on them, and expose fields the test sets to control behaviour.
//
// Typical usage:
//
//	feed := make(chan []byte)
//	src := &mock.Source{Chunks: [][]byte{a, b}, Feed: feed}
//	c, err := audio.Open(ctx, src, audio.Granted, audio.RelayFormat)
//	// reads return a, then b, then whatever the test sends on feed
package mock

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/MrWong99/micbridge/pkg/audio"
)

// DefaultMinBuffer is the minimum buffer size reported by [Source] when
// MinBuffer is left zero: 10 ms of mono 48 kHz s16le.
const DefaultMinBuffer = 960

// ─── Source ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Source.Open] invocation.
type OpenCall struct {
	Format     audio.Format
	BufferSize int
}

// Source is a scripted [audio.Source].
//
// Reads across all streams opened from one Source share the Chunks queue, so
// a test can follow bytes across capture re-opens.
type Source struct {
	mu sync.Mutex

	// MinBuffer is returned by MinBufferSize. Zero means [DefaultMinBuffer].
	MinBuffer int

	// Unavailable makes MinBufferSize return 0 (device unobtainable).
	Unavailable bool

	// OpenError is returned by Open when non-nil.
	OpenError error

	// Chunks are handed out one per Read, in order.
	Chunks [][]byte

	// Feed, when non-nil, supplies chunks after Chunks is exhausted. Reads
	// block on it until a chunk arrives or the stream is closed. Closing Feed
	// makes Read return io.EOF, like a device that vanished.
	Feed <-chan []byte

	// ReadError is returned once, by the first Read that finds Chunks
	// empty, and then cleared.
	ReadError error

	// PermissionError is returned by CheckPermission when non-nil. It is only
	// consulted when the Source is used as its own permission checker.
	PermissionError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// CallCountCheckPermission records how many times CheckPermission ran.
	CallCountCheckPermission int

	// Streams holds every stream returned by Open, in order.
	Streams []*Stream
}

// MinBufferSize implements [audio.Source].
func (s *Source) MinBufferSize(audio.Format) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Unavailable {
		return 0
	}
	if s.MinBuffer == 0 {
		return DefaultMinBuffer
	}
	return s.MinBuffer
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context, f audio.Format, bufferSize int) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{Format: f, BufferSize: bufferSize})
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	st := &Stream{src: s, closed: make(chan struct{})}
	s.Streams = append(s.Streams, st)
	return st, nil
}

// CheckPermission implements [audio.PermissionChecker].
func (s *Source) CheckPermission(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountCheckPermission++
	return s.PermissionError
}

// SetOpenError changes OpenError while streams may be in use.
func (s *Source) SetOpenError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenError = err
}

// SetPermissionError changes PermissionError while streams may be in use.
func (s *Source) SetPermissionError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PermissionError = err
}

// OpenCount returns the number of Open calls so far.
func (s *Source) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

// next pops the next scripted chunk or the one-shot read error.
func (s *Source) next() (chunk []byte, err error, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Chunks) > 0 {
		chunk = s.Chunks[0]
		s.Chunks = s.Chunks[1:]
		return chunk, nil, true
	}
	if s.ReadError != nil {
		err = s.ReadError
		s.ReadError = nil
		return nil, err, true
	}
	return nil, nil, false
}

func (s *Source) feed() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Feed
}

// ─── Stream ──────────────────────────────────────────────────────────────────

// errStreamClosed is returned by Read after Close.
var errStreamClosed = errors.New("mock: stream closed")

// Stream is the [audio.Stream] returned by [Source.Open].
type Stream struct {
	src *Source

	mu        sync.Mutex
	pending   []byte
	closeOnce sync.Once
	closed    chan struct{}

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Read implements [audio.Stream]. It hands out scripted chunks, then blocks
// on the source's Feed (or forever) until Close.
func (st *Stream) Read(p []byte) (int, error) {
	st.mu.Lock()
	if len(st.pending) > 0 {
		n := copy(p, st.pending)
		st.pending = st.pending[n:]
		st.mu.Unlock()
		return n, nil
	}
	st.mu.Unlock()

	select {
	case <-st.closed:
		return 0, errStreamClosed
	default:
	}

	chunk, err, ok := st.src.next()
	if !ok {
		select {
		case <-st.closed:
			return 0, errStreamClosed
		case c, open := <-st.src.feed():
			if !open {
				return 0, io.EOF
			}
			chunk = c
		}
	}
	if err != nil {
		return 0, err
	}

	n := copy(p, chunk)
	if n < len(chunk) {
		st.mu.Lock()
		st.pending = append(st.pending, chunk[n:]...)
		st.mu.Unlock()
	}
	return n, nil
}

// Close implements [audio.Stream]. Safe to call more than once.
func (st *Stream) Close() error {
	st.mu.Lock()
	st.CallCountClose++
	st.mu.Unlock()
	st.closeOnce.Do(func() { close(st.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (st *Stream) Closed() bool {
	select {
	case <-st.closed:
		return true
	default:
		return false
	}
}

// ─── Permission ──────────────────────────────────────────────────────────────

// Permission is a mock [audio.PermissionChecker].
type Permission struct {
	mu sync.Mutex

	// Err is returned by CheckPermission.
	Err error

	// CallCount records how many times CheckPermission was called.
	CallCount int
}

// CheckPermission implements [audio.PermissionChecker].
func (p *Permission) CheckPermission(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCount++
	return p.Err
}

// SetErr changes Err under the lock.
func (p *Permission) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}

// Calls returns CallCount under the lock.
func (p *Permission) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCount
}
