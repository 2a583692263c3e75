package receiver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/micbridge/internal/observe"
	"github.com/MrWong99/micbridge/internal/transport"
	"github.com/MrWong99/micbridge/pkg/audio"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// recordSink collects everything written to it.
type recordSink struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	format   audio.Format
	openErr  error
	writeErr error
	closed   bool
}

func (s *recordSink) Open(_ context.Context, f audio.Format) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.format = f
	return s, nil
}

func (s *recordSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.buf.Write(p)
}

func (s *recordSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}

func (s *recordSink) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

func (s *recordSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// start runs r in the background and waits until it listens. The returned
// function cancels Run and returns its error.
func start(t *testing.T, r *Receiver) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case <-r.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("Run returned before ready: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("receiver not ready")
	}

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-errCh:
			case <-time.After(2 * time.Second):
				t.Error("Run did not return after cancel")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func newReceiver(t *testing.T, sink audio.Sink, stereo bool) *Receiver {
	t.Helper()
	return New(Config{
		ListenAddr: "127.0.0.1:0",
		Sink:       sink,
		Stereo:     stereo,
		Poll:       50 * time.Millisecond,
		Metrics:    testMetrics(t),
	})
}

// waitFor polls cond until it holds or fails the test.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// send streams chunks over one relay connection and closes it cleanly.
func send(t *testing.T, addr string, chunks ...[]byte) {
	t.Helper()
	c := transport.New(transport.Config{Addr: addr, Metrics: testMetrics(t)})
	sink, err := c.Connect(t.Context())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for _, p := range chunks {
		if err := sink.WriteAll(p); err != nil {
			t.Fatalf("WriteAll: %v", err)
		}
	}
	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	r := New(Config{})
	if r.listenAddr != DefaultListenAddr {
		t.Errorf("listenAddr = %q, want %q", r.listenAddr, DefaultListenAddr)
	}
	if r.readSize != DefaultReadSize {
		t.Errorf("readSize = %d, want %d", r.readSize, DefaultReadSize)
	}
	if r.poll != DefaultPoll {
		t.Errorf("poll = %v, want %v", r.poll, DefaultPoll)
	}
	if _, ok := r.sink.(Discard); !ok {
		t.Errorf("sink = %T, want Discard", r.sink)
	}
	if r.Addr() != nil {
		t.Errorf("Addr before Run = %v, want nil", r.Addr())
	}
}

func TestReceiver_StreamsAlignedPCM(t *testing.T) {
	sink := &recordSink{}
	r := newReceiver(t, sink, false)
	stop := start(t, r)

	send(t, r.Addr().String(), []byte{1, 2, 3}, []byte{4, 5}, []byte{6, 7, 8})

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	waitFor(t, "pcm", func() bool { return len(sink.Bytes()) >= len(want) })
	if got := sink.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("sink got %v, want %v", got, want)
	}
	if got := sink.Format(); got != audio.RelayFormat {
		t.Errorf("sink format = %s, want %s", got, audio.RelayFormat)
	}

	if err := stop(); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	if !sink.Closed() {
		t.Error("sink not closed after Run returned")
	}
}

func TestReceiver_DropsTrailingOddByte(t *testing.T) {
	sink := &recordSink{}
	r := newReceiver(t, sink, false)
	start(t, r)

	send(t, r.Addr().String(), []byte{1, 2, 3, 4, 5})
	waitFor(t, "stream end", func() bool { return r.Streams() == 1 && !r.Connected() })

	if got := sink.Bytes(); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("sink got %v, want [1 2 3 4]", got)
	}
}

func TestReceiver_AcceptsNextConnectionAfterDrop(t *testing.T) {
	sink := &recordSink{}
	r := newReceiver(t, sink, false)
	start(t, r)

	send(t, r.Addr().String(), []byte{1, 2})
	waitFor(t, "first stream", func() bool { return r.Streams() == 1 && !r.Connected() })

	// A peer that vanishes mid-sample must not poison the next stream.
	conn, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, err := conn.Write([]byte{9}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	conn.Close()
	waitFor(t, "second stream", func() bool { return r.Streams() == 2 && !r.Connected() })

	send(t, r.Addr().String(), []byte{3, 4})
	waitFor(t, "third stream", func() bool { return len(sink.Bytes()) >= 4 })

	if got := sink.Bytes(); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("sink got %v, want [1 2 3 4]", got)
	}
}

func TestReceiver_ConnectedWhileStreaming(t *testing.T) {
	r := newReceiver(t, &recordSink{}, false)
	start(t, r)

	c := transport.New(transport.Config{Addr: r.Addr().String(), Metrics: testMetrics(t)})
	sink, err := c.Connect(t.Context())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", r.Connected)

	_ = sink.Flush()
	_ = sink.Close()
	waitFor(t, "disconnected", func() bool { return !r.Connected() })
}

func TestReceiver_Stereo(t *testing.T) {
	sink := &recordSink{}
	r := newReceiver(t, sink, true)
	start(t, r)

	send(t, r.Addr().String(), []byte{1, 2, 3, 4})

	want := []byte{1, 2, 1, 2, 3, 4, 3, 4}
	waitFor(t, "pcm", func() bool { return len(sink.Bytes()) >= len(want) })
	if got := sink.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("sink got %v, want %v", got, want)
	}
	if got := sink.Format().Channels; got != 2 {
		t.Errorf("sink channels = %d, want 2", got)
	}
}

func TestReceiver_CancelWhileClientIdle(t *testing.T) {
	r := newReceiver(t, &recordSink{}, false)
	stop := start(t, r)

	conn, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "connected", r.Connected)

	begin := time.Now()
	if err := stop(); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("shutdown took %v with an idle client", elapsed)
	}
}

func TestReceiver_SinkOpenError(t *testing.T) {
	openErr := errors.New("no device")
	r := newReceiver(t, &recordSink{openErr: openErr}, false)

	err := r.Run(t.Context())
	if !errors.Is(err, openErr) {
		t.Errorf("Run = %v, want wrapped %v", err, openErr)
	}
}

func TestReceiver_SinkWriteErrorEndsRun(t *testing.T) {
	writeErr := errors.New("pipe closed")
	sink := &recordSink{writeErr: writeErr}
	r := newReceiver(t, sink, false)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	<-r.Ready()

	conn, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{1, 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, writeErr) {
			t.Errorf("Run = %v, want wrapped %v", err, writeErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not fail on sink write error")
	}
}

func TestReceiver_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	r := New(Config{ListenAddr: ln.Addr().String(), Metrics: testMetrics(t)})
	if err := r.Run(t.Context()); err == nil {
		t.Error("Run on a taken port succeeded")
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pcm")
	r := newReceiver(t, File{Path: path}, false)
	stop := start(t, r)

	send(t, r.Addr().String(), []byte{1, 2, 3, 4})
	waitFor(t, "stream end", func() bool { return r.Streams() == 1 && !r.Connected() })
	if err := stop(); err != nil {
		t.Fatalf("Run = %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("file = %v, want [1 2 3 4]", got)
	}
}

func TestFileSink_Errors(t *testing.T) {
	tests := []struct {
		name string
		sink File
		f    audio.Format
	}{
		{"empty path", File{}, audio.RelayFormat},
		{"invalid format", File{Path: filepath.Join(t.TempDir(), "x.pcm")}, audio.Format{}},
		{"missing dir", File{Path: filepath.Join(t.TempDir(), "nope", "x.pcm")}, audio.RelayFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.sink.Open(t.Context(), tt.f); err == nil {
				t.Error("Open succeeded")
			}
		})
	}
}

func TestDiscard(t *testing.T) {
	w, err := Discard{}.Open(t.Context(), audio.RelayFormat)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n, err := w.Write([]byte{1, 2, 3}); n != 3 || err != nil {
		t.Errorf("Write = %d, %v", n, err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
