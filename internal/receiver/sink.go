package receiver

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/MrWong99/micbridge/pkg/audio"
)

// Discard is an [audio.Sink] that drops everything written to it. It keeps
// the receiver usable on hosts without a playback device.
type Discard struct{}

// Open implements [audio.Sink].
func (Discard) Open(context.Context, audio.Format) (io.WriteCloser, error) {
	return nopCloser{io.Discard}, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// File is an [audio.Sink] that writes raw PCM to a file, truncating it on
// open. The result plays back with e.g. `ffplay -f s16le -ar 48000 -ac 1`.
type File struct {
	Path string
}

// Open implements [audio.Sink].
func (s File) Open(_ context.Context, f audio.Format) (io.WriteCloser, error) {
	if s.Path == "" {
		return nil, fmt.Errorf("receiver: file sink: empty path")
	}
	if !f.Valid() {
		return nil, fmt.Errorf("receiver: file sink: invalid format %s", f)
	}
	fh, err := os.Create(s.Path)
	if err != nil {
		return nil, fmt.Errorf("receiver: file sink: %w", err)
	}
	return fh, nil
}
