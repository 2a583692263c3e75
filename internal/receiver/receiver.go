// Package receiver implements the host side of the relay link: it accepts
// one relay connection at a time on a loopback TCP port and plays the raw PCM
// stream through an [audio.Sink].
//
// The wire carries unframed s16le mono 48 kHz samples. A connection closing
// marks the end of a stream; the receiver then waits for the relay's next
// reconnect.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/micbridge/internal/observe"
	"github.com/MrWong99/micbridge/pkg/audio"
)

// Defaults applied by [New] for zero [Config] fields.
const (
	DefaultListenAddr = "127.0.0.1:28282"
	DefaultReadSize   = 4096
	DefaultPoll       = 1 * time.Second
)

// Config configures a [Receiver].
type Config struct {
	// ListenAddr is the TCP address to bind. Defaults to [DefaultListenAddr].
	ListenAddr string

	// ReadSize is the socket read chunk in bytes. Defaults to
	// [DefaultReadSize].
	ReadSize int

	// Sink plays the received audio. Defaults to [Discard].
	Sink audio.Sink

	// Stereo duplicates each mono sample onto two channels before playback.
	Stereo bool

	// Poll bounds how long accept and read calls block before the receiver
	// re-checks for shutdown. Defaults to [DefaultPoll].
	Poll time.Duration

	// Metrics records receiver activity. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Receiver accepts relay connections and forwards their PCM to a sink.
type Receiver struct {
	listenAddr string
	readSize   int
	sink       audio.Sink
	stereo     bool
	poll       time.Duration
	metrics    *observe.Metrics

	ready     chan struct{}
	readyOnce sync.Once
	addr      atomic.Pointer[net.TCPAddr]
	connected atomic.Bool
	streams   atomic.Int64
}

// New creates a [Receiver], applying defaults for zero fields.
func New(cfg Config) *Receiver {
	r := &Receiver{
		listenAddr: cfg.ListenAddr,
		readSize:   cfg.ReadSize,
		sink:       cfg.Sink,
		stereo:     cfg.Stereo,
		poll:       cfg.Poll,
		metrics:    cfg.Metrics,
		ready:      make(chan struct{}),
	}
	if r.listenAddr == "" {
		r.listenAddr = DefaultListenAddr
	}
	if r.readSize <= 0 {
		r.readSize = DefaultReadSize
	}
	if r.sink == nil {
		r.sink = Discard{}
	}
	if r.poll <= 0 {
		r.poll = DefaultPoll
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Ready is closed once the listener is bound.
func (r *Receiver) Ready() <-chan struct{} { return r.ready }

// Addr returns the bound address, or nil before [Receiver.Ready].
func (r *Receiver) Addr() net.Addr {
	if a := r.addr.Load(); a != nil {
		return a
	}
	return nil
}

// Connected reports whether a relay client is currently streaming.
func (r *Receiver) Connected() bool { return r.connected.Load() }

// Streams returns how many relay connections have been served.
func (r *Receiver) Streams() int64 { return r.streams.Load() }

// outputFormat is the format the sink is opened with.
func (r *Receiver) outputFormat() audio.Format {
	f := audio.RelayFormat
	if r.stereo {
		f.Channels = 2
	}
	return f
}

// Run binds the listener, opens the sink and serves connections one at a
// time until ctx is cancelled. A cancelled ctx is a clean shutdown and
// returns nil. A failing sink ends Run with an error.
func (r *Receiver) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", r.listenAddr)
	if err != nil {
		return fmt.Errorf("receiver: listen %s: %w", r.listenAddr, err)
	}
	defer ln.Close()
	tcpLn := ln.(*net.TCPListener)

	out, err := r.sink.Open(ctx, r.outputFormat())
	if err != nil {
		return fmt.Errorf("receiver: open sink: %w", err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			slog.Warn("receiver: close sink", "err", err)
		}
	}()

	r.addr.Store(tcpLn.Addr().(*net.TCPAddr))
	r.readyOnce.Do(func() { close(r.ready) })
	slog.Info("receiver listening", "addr", tcpLn.Addr().String(), "format", r.outputFormat().String())

	for ctx.Err() == nil {
		if err := tcpLn.SetDeadline(time.Now().Add(r.poll)); err != nil {
			return fmt.Errorf("receiver: set accept deadline: %w", err)
		}
		conn, err := tcpLn.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("receiver: accept: %w", err)
		}
		if err := r.serve(ctx, conn, out); err != nil {
			return err
		}
	}
	slog.Info("receiver stopped", "addr", tcpLn.Addr().String())
	return nil
}

// serve streams one connection into out. It returns an error only when the
// sink fails; any socket error just ends the stream.
func (r *Receiver) serve(ctx context.Context, conn net.Conn, out io.Writer) error {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	log := slog.With("remote", remote)
	log.Info("relay connected")
	r.streams.Add(1)
	r.connected.Store(true)
	r.metrics.ReceiverConnections.Add(ctx, 1)
	r.metrics.ActiveClients.Add(ctx, 1)
	defer func() {
		r.connected.Store(false)
		r.metrics.ActiveClients.Add(context.WithoutCancel(ctx), -1)
	}()

	aligner := audio.Aligner{Format: audio.RelayFormat}
	buf := make([]byte, r.readSize)
	var total int64
	for ctx.Err() == nil {
		if err := conn.SetReadDeadline(time.Now().Add(r.poll)); err != nil {
			log.Warn("relay stream ended", "bytes", total, "err", err)
			return nil
		}
		n, err := conn.Read(buf)
		if n > 0 {
			total += int64(n)
			pcm := aligner.Align(buf[:n])
			if r.stereo {
				pcm = audio.MonoToStereo(pcm)
			}
			if len(pcm) > 0 {
				if _, werr := out.Write(pcm); werr != nil {
					return fmt.Errorf("receiver: write sink: %w", werr)
				}
				r.metrics.ReceiverBytes.Add(ctx, int64(len(pcm)))
			}
		}
		switch {
		case err == nil:
		case isTimeout(err):
		case errors.Is(err, io.EOF):
			log.Info("relay stream ended", "bytes", total, "dropped", aligner.Pending())
			return nil
		default:
			log.Warn("relay stream ended", "bytes", total, "err", err)
			return nil
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
