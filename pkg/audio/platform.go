// Package audio defines the capture-side abstractions of micbridge: the PCM
// [Format], the [Source] backends that talk to a microphone, and the
// [Capture] handle the relay worker reads from.
//
// The backend abstractions are:
//
//   - [Source] reports the minimum viable buffer for a format and opens a
//     raw [Stream] from the device.
//   - [PermissionChecker] decides whether the process may record at all.
//   - [Sink] plays received PCM on the host.
//
// Implementations live in sub-packages (audio/ffmpeg, audio/tone, audio/mock).
// This package lives under pkg/ because third-party capture backends are
// expected to implement [Source].
package audio

import (
	"context"
	"errors"
	"io"
)

// Capture failure classes. Callers inspect them with [errors.Is].
var (
	// ErrPermissionDenied is returned by [Open] when the [PermissionChecker]
	// refuses recording. The device is never opened in that case.
	ErrPermissionDenied = errors.New("audio: capture permission denied")

	// ErrDeviceUnavailable is returned by [Open] when the device reports a
	// non-positive minimum buffer size or the backend fails to open it.
	ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

	// ErrDeviceFailure is returned by [Capture.Read] when the device fails
	// mid-stream. The capture instance is unusable afterwards.
	ErrDeviceFailure = errors.New("audio: capture device failure")

	// ErrClosed is returned by [Capture.Read] after [Capture.Close].
	ErrClosed = errors.New("audio: capture closed")
)

// Stream is a raw, open microphone stream delivering interleaved s16le PCM in
// the format it was opened with. Read blocks until data is available.
// Close must unblock a pending Read.
type Stream interface {
	io.ReadCloser
}

// Source is a microphone backend.
//
// Implementations must be safe for concurrent use; each [Source.Open] returns
// an independent [Stream].
type Source interface {
	// MinBufferSize returns the smallest viable read buffer, in bytes, for f.
	// A value <= 0 means the device cannot deliver f.
	MinBufferSize(f Format) int

	// Open acquires the device. ctx bounds the lifetime of the returned
	// stream: cancelling it releases the device.
	Open(ctx context.Context, f Format, bufferSize int) (Stream, error)
}

// Sink is a playback backend used by the receiver. Each [Sink.Open] returns
// an independent writer that accepts interleaved s16le PCM in format f.
// Closing the writer drains and releases the output device.
type Sink interface {
	Open(ctx context.Context, f Format) (io.WriteCloser, error)
}

// PermissionChecker reports whether recording is currently allowed. A
// non-nil error means "denied" and describes why.
type PermissionChecker interface {
	CheckPermission(ctx context.Context) error
}

// PermissionFunc adapts a plain function to [PermissionChecker].
type PermissionFunc func(ctx context.Context) error

// CheckPermission implements [PermissionChecker].
func (f PermissionFunc) CheckPermission(ctx context.Context) error {
	return f(ctx)
}

// Granted is a [PermissionChecker] that always allows recording.
var Granted PermissionChecker = PermissionFunc(func(context.Context) error { return nil })
