// Package forward drives the Android Debug Bridge so a USB-attached phone can
// reach the receiver on the host's loopback interface.
//
// The relay on the phone dials 127.0.0.1:28282; `adb reverse` maps that port
// to the same port on the host where the receiver listens.
package forward

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultPort is the relay port mapped by [ADB.Reverse].
const DefaultPort = 28282

// DefaultTimeout bounds a single adb invocation.
const DefaultTimeout = 40 * time.Second

// Sentinel errors returned by [ADB.ConnectedDevice] and [Resolve].
var (
	ErrNotFound     = errors.New("forward: adb executable not found")
	ErrNoDevice     = errors.New("forward: no phone connected")
	ErrUnauthorized = errors.New("forward: phone found but not authorized; accept the RSA key prompt on the phone")
	ErrOffline      = errors.New("forward: phone is offline; reconnect the USB cable")
)

// Device is one line of `adb devices -l`.
type Device struct {
	Serial  string
	State   string
	Model   string
	Product string
}

// Online reports whether adb can talk to the device.
func (d Device) Online() bool { return d.State == "device" }

// Runner executes a command and returns its stdout. A non-zero exit is an
// error carrying the command's stderr. Tests replace it.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements [Runner].
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail == "" {
			return stdout.Bytes(), err
		}
		return stdout.Bytes(), fmt.Errorf("%w: %s", err, detail)
	}
	return stdout.Bytes(), nil
}

// Resolve finds the adb executable. An explicit path wins, then the ADB_PATH
// environment variable, then a lookup in PATH.
func Resolve(explicit string) (string, error) {
	for _, candidate := range []string{explicit, strings.TrimSpace(os.Getenv("ADB_PATH"))} {
		if candidate == "" {
			continue
		}
		if _, err := os.Stat(candidate); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrNotFound, candidate, err)
		}
		return candidate, nil
	}
	path, err := exec.LookPath("adb")
	if err != nil {
		return "", fmt.Errorf("%w: install Android platform tools or set ADB_PATH", ErrNotFound)
	}
	return path, nil
}

// ADB wraps an adb executable.
type ADB struct {
	path    string
	runner  Runner
	timeout time.Duration
}

// Option configures an [ADB].
type Option func(*ADB)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(a *ADB) { a.runner = r }
}

// WithTimeout bounds each adb invocation. Defaults to [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(a *ADB) { a.timeout = d }
}

// New creates an [ADB] for the executable at path.
func New(path string, opts ...Option) *ADB {
	a := &ADB{path: path, runner: ExecRunner{}, timeout: DefaultTimeout}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Path returns the adb executable.
func (a *ADB) Path() string { return a.path }

func (a *ADB) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	out, err := a.runner.Run(ctx, a.path, args...)
	if err != nil {
		return out, fmt.Errorf("forward: adb %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

// Devices lists attached devices. adb exits non-zero while its server is
// starting, so the output is parsed regardless of the exit status.
func (a *ADB) Devices(ctx context.Context) ([]Device, error) {
	out, err := a.run(ctx, "devices", "-l")
	devices := ParseDevices(string(out))
	if err != nil && len(devices) == 0 {
		return nil, err
	}
	return devices, nil
}

// ConnectedDevice returns the first online device. When none is online the
// error says why: [ErrUnauthorized], [ErrOffline] or [ErrNoDevice].
func (a *ADB) ConnectedDevice(ctx context.Context) (Device, error) {
	devices, err := a.Devices(ctx)
	if err != nil {
		return Device{}, err
	}
	return pickDevice(devices)
}

func pickDevice(devices []Device) (Device, error) {
	var unauthorized, offline bool
	for _, d := range devices {
		switch d.State {
		case "device":
			return d, nil
		case "unauthorized":
			unauthorized = true
		case "offline":
			offline = true
		}
	}
	switch {
	case unauthorized:
		return Device{}, ErrUnauthorized
	case offline:
		return Device{}, ErrOffline
	default:
		return Device{}, ErrNoDevice
	}
}

// Reverse maps port on the device to the same port on the host.
func (a *ADB) Reverse(ctx context.Context, serial string, port int) error {
	fwd := "tcp:" + strconv.Itoa(port)
	if _, err := a.run(ctx, withSerial(serial, "reverse", fwd, fwd)...); err != nil {
		return err
	}
	slog.Info("adb reverse established", "serial", serial, "port", port)
	return nil
}

// RemoveReverse drops the mapping created by [ADB.Reverse].
func (a *ADB) RemoveReverse(ctx context.Context, serial string, port int) error {
	_, err := a.run(ctx, withSerial(serial, "reverse", "--remove", "tcp:"+strconv.Itoa(port))...)
	return err
}

// PackageInstalled reports whether pkg is installed on the device.
func (a *ADB) PackageInstalled(ctx context.Context, serial, pkg string) bool {
	out, err := a.run(ctx, withSerial(serial, "shell", "pm", "path", pkg)...)
	return err == nil && bytes.Contains(out, []byte("package:"))
}

// SendCommand launches activity (e.g. "com.example/.MainActivity") with a
// "command" string extra, which the phone app maps to start or stop.
func (a *ADB) SendCommand(ctx context.Context, serial, activity, command string) error {
	_, err := a.run(ctx, withSerial(serial, "shell", "am", "start", "-n", activity, "--es", "command", command)...)
	return err
}

// Establish finds the connected phone and maps port for it. The returned
// function removes the mapping again.
func (a *ADB) Establish(ctx context.Context, port int) (Device, func(context.Context) error, error) {
	d, err := a.ConnectedDevice(ctx)
	if err != nil {
		return Device{}, nil, err
	}
	if err := a.Reverse(ctx, d.Serial, port); err != nil {
		return Device{}, nil, err
	}
	remove := func(ctx context.Context) error {
		return a.RemoveReverse(ctx, d.Serial, port)
	}
	return d, remove, nil
}

func withSerial(serial string, args ...string) []string {
	if serial == "" {
		return args
	}
	return append([]string{"-s", serial}, args...)
}

// ParseDevices parses `adb devices -l` output. The header and daemon status
// lines are skipped; missing metadata reads as "-".
func ParseDevices(out string) []Device {
	var devices []Device
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "*") || strings.HasPrefix(line, "List of devices") {
			continue
		}
		fields := strings.Fields(line)
		d := Device{Serial: fields[0], State: "unknown", Model: "-", Product: "-"}
		if len(fields) > 1 {
			d.State = fields[1]
		}
		if len(fields) > 2 {
			d.Model, d.Product = deviceMeta(fields[2:])
		}
		devices = append(devices, d)
	}
	return devices
}

// deviceMeta picks model and product from the key:value fields of a device
// line.
func deviceMeta(fields []string) (model, product string) {
	model, product = "-", "-"
	for _, f := range fields {
		key, value, ok := strings.Cut(f, ":")
		if !ok {
			continue
		}
		switch key {
		case "model":
			model = value
		case "product":
			product = value
		}
	}
	return model, product
}
