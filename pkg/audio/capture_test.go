package audio_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MrWong99/micbridge/pkg/audio"
	"github.com/MrWong99/micbridge/pkg/audio/mock"
)

func TestOpen_Errors(t *testing.T) {
	denied := errors.New("user said no")
	stereo := audio.Format{SampleRate: 48000, Channels: 2}

	tests := []struct {
		name      string
		src       *mock.Source
		perm      audio.PermissionChecker
		format    audio.Format
		wantErr   error
		wantOpens int
	}{
		{
			name:    "permission denied",
			src:     &mock.Source{},
			perm:    &mock.Permission{Err: denied},
			format:  audio.RelayFormat,
			wantErr: audio.ErrPermissionDenied,
		},
		{
			name:    "source denies itself",
			src:     &mock.Source{PermissionError: denied},
			format:  audio.RelayFormat,
			wantErr: audio.ErrPermissionDenied,
		},
		{
			name:    "no minimum buffer",
			src:     &mock.Source{Unavailable: true},
			perm:    audio.Granted,
			format:  audio.RelayFormat,
			wantErr: audio.ErrDeviceUnavailable,
		},
		{
			name:      "open fails",
			src:       &mock.Source{OpenError: errors.New("busy")},
			perm:      audio.Granted,
			format:    audio.RelayFormat,
			wantErr:   audio.ErrDeviceUnavailable,
			wantOpens: 1,
		},
		{
			name:    "invalid format",
			src:     &mock.Source{},
			perm:    audio.Granted,
			format:  audio.Format{SampleRate: 48000, Channels: 3},
			wantErr: audio.ErrDeviceUnavailable,
		},
		{
			name:      "stereo ok",
			src:       &mock.Source{},
			perm:      audio.Granted,
			format:    stereo,
			wantOpens: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := audio.Open(t.Context(), tt.src, tt.perm, tt.format)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Open error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Open: %v", err)
			} else {
				_ = c.Close()
			}
			if got := tt.src.OpenCount(); got != tt.wantOpens {
				t.Errorf("Open calls = %d, want %d", got, tt.wantOpens)
			}
		})
	}
}

func TestOpen_NilSource(t *testing.T) {
	if _, err := audio.Open(t.Context(), nil, nil, audio.RelayFormat); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("Open(nil) error = %v, want ErrDeviceUnavailable", err)
	}
}

func TestOpen_PermissionCheckedOnce(t *testing.T) {
	perm := &mock.Permission{}
	src := &mock.Source{}
	c, err := audio.Open(t.Context(), src, perm, audio.RelayFormat)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if perm.Calls() != 1 {
		t.Errorf("permission checks = %d, want 1", perm.Calls())
	}
	if src.CallCountCheckPermission != 0 {
		t.Errorf("source permission should not be consulted when a checker is given")
	}
}

func TestOpen_BufferSize(t *testing.T) {
	tests := []struct {
		name string
		min  int
		f    audio.Format
		want int
	}{
		{"mono doubled", 960, audio.RelayFormat, 1920},
		{"mono odd min rounded", 961, audio.RelayFormat, 1922},
		{"stereo rounded to frame", 961, audio.Format{SampleRate: 48000, Channels: 2}, 1924},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &mock.Source{MinBuffer: tt.min}
			c, err := audio.Open(t.Context(), src, audio.Granted, tt.f)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer c.Close()

			if c.BufferSize() != tt.want {
				t.Errorf("BufferSize = %d, want %d", c.BufferSize(), tt.want)
			}
			if got := src.OpenCalls[0].BufferSize; got != tt.want {
				t.Errorf("backend got buffer %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCapture_ReadWholeFrames(t *testing.T) {
	src := &mock.Source{Chunks: [][]byte{{1, 2, 3}, {4}, {5, 6}}}
	c, err := audio.Open(t.Context(), src, audio.Granted, audio.RelayFormat)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	buf := make([]byte, 8)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte{1, 2, 3, 4}) {
		t.Errorf("first read = %v, want [1 2 3 4]", buf[:n])
	}

	n, err = c.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte{5, 6}) {
		t.Errorf("second read = %v, want [5 6]", buf[:n])
	}
}

func TestCapture_ReadShortBuffer(t *testing.T) {
	c, err := audio.Open(t.Context(), &mock.Source{}, audio.Granted, audio.RelayFormat)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if _, err := c.Read(make([]byte, 1)); !errors.Is(err, io.ErrShortBuffer) {
		t.Errorf("Read error = %v, want io.ErrShortBuffer", err)
	}
}

func TestCapture_ReadDeviceFailure(t *testing.T) {
	boom := errors.New("usb unplugged")
	src := &mock.Source{Chunks: [][]byte{{1, 2}}, ReadError: boom}
	c, err := audio.Open(t.Context(), src, audio.Granted, audio.RelayFormat)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	buf := make([]byte, 4)
	if _, err := c.Read(buf); err != nil {
		t.Fatalf("first Read: %v", err)
	}
	_, err = c.Read(buf)
	if !errors.Is(err, audio.ErrDeviceFailure) {
		t.Fatalf("Read error = %v, want ErrDeviceFailure", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Read error should wrap the backend error, got %v", err)
	}
}

func TestCapture_CancelUnblocksRead(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	src := &mock.Source{}
	c, err := audio.Open(ctx, src, audio.Granted, audio.RelayFormat)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := c.Read(make([]byte, 64))
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, audio.ErrClosed) {
			t.Errorf("Read error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read was not unblocked by context cancellation")
	}
	if !src.Streams[0].Closed() {
		t.Error("stream should be closed after cancellation")
	}
}

func TestCapture_CloseIdempotent(t *testing.T) {
	src := &mock.Source{}
	c, err := audio.Open(t.Context(), src, audio.Granted, audio.RelayFormat)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for range 3 {
		if err := c.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if got := src.Streams[0].CallCountClose; got != 1 {
		t.Errorf("backend Close calls = %d, want 1", got)
	}
	if _, err := c.Read(make([]byte, 4)); !errors.Is(err, audio.ErrClosed) {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}
}
