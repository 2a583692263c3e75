// Command micbridge relays a microphone to a host computer.
//
//	micbridge [-config path] relay     capture and stream to the receiver
//	micbridge [-config path] receive   accept the stream and play it
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/micbridge/internal/app"
	"github.com/MrWong99/micbridge/internal/config"
	"github.com/MrWong99/micbridge/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	defaultConfigPath = "micbridge.yaml"
	shutdownTimeout   = 15 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("micbridge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to the YAML configuration file")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: micbridge [-config path] relay|receive")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	mode := app.Mode(fs.Arg(0))
	if mode != app.ModeRelay && mode != app.ModeReceive {
		fmt.Fprintf(stderr, "micbridge: unknown command %q\n", fs.Arg(0))
		fs.Usage()
		return 2
	}

	explicit := false
	fs.Visit(func(f *flag.Flag) { explicit = explicit || f.Name == "config" })

	cfg, watch, err := loadConfig(*configPath, explicit)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stderr, "micbridge: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(stderr, "micbridge: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("micbridge starting",
		"mode", mode,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.Setup(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	reg := config.NewRegistry()
	registerBuiltins(reg)

	opts := []app.Option{app.WithMetrics(tel.Metrics), app.WithMetricsHandler(tel.Handler)}
	switch mode {
	case app.ModeRelay:
		src, err := reg.CreateSource(cfg.Capture)
		if err != nil {
			slog.Error("failed to create capture backend", "name", cfg.Capture.Name, "err", err)
			return 1
		}
		opts = append(opts, app.WithSource(src))
	case app.ModeReceive:
		sink, err := reg.CreateSink(cfg.Receiver.Sink)
		if err != nil {
			slog.Error("failed to create sink", "name", cfg.Receiver.Sink.Name, "err", err)
			return 1
		}
		opts = append(opts, app.WithSink(sink))
	}

	application, err := app.New(cfg, mode, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	if watch {
		w, err := config.NewWatcher(*configPath, func(c config.Change) {
			applyConfigChange(level, c.Diff)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	code := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	slog.Info("stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// loadConfig loads path. A missing file is only an error when the path was
// given explicitly; otherwise the built-in defaults are used and the file is
// not watched.
func loadConfig(path string, explicit bool) (cfg *config.Config, watch bool, err error) {
	cfg, err = config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	cfg, err = config.LoadFromReader(strings.NewReader(""))
	return cfg, false, err
}

// applyConfigChange applies the live part of a config change and reports the
// rest.
func applyConfigChange(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.Restart) > 0 {
		slog.Warn("config changed, restart to apply", "sections", d.Restart)
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
