/*Package adb drives an Android capture device through the adb command line.

Every device operation is a single adb invocation made through a Runner, so
the Device can be exercised without hardware by substituting a fake Runner.
Invocations are paced by a rate limiter; adbd drops connections when it is
hammered with back-to-back shell sessions.
*/
package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/flarelab/config"
	"github.com/nasa-jpl/flarelab/util"
)

var (
	// ErrNoFrames is returned when a capture completes but leaves no raw files
	ErrNoFrames = errors.New("capture produced no raw files")

	// ErrNotAttached is returned by Prepare when the device is not listed by
	// adb in the "device" state
	ErrNotAttached = errors.New("capture device not attached")
)

// CommandError is returned when adb exits non-zero
type CommandError struct {
	Args   []string
	Code   int
	Stdout string
	Stderr string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	return fmt.Sprintf("adb %s failed with exit code %d: %s", strings.Join(e.Args, " "), e.Code, msg)
}

// Runner runs one adb invocation and returns its trimmed stdout
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// RunnerFunc adapts a function to a Runner
type RunnerFunc func(ctx context.Context, args ...string) (string, error)

// Run satisfies Runner
func (f RunnerFunc) Run(ctx context.Context, args ...string) (string, error) {
	return f(ctx, args...)
}

// ExecRunner runs the adb executable
type ExecRunner struct {
	// Path is the adb executable, "adb" if empty
	Path string

	// Serial selects the device with -s, if not empty
	Serial string

	// Timeout bounds each invocation, no bound if zero
	Timeout time.Duration
}

// Run satisfies Runner
func (r ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	bin := r.Path
	if bin == "" {
		bin = "adb"
	}
	full := args
	if r.Serial != "" {
		full = append([]string{"-s", r.Serial}, args...)
	}
	cmd := exec.CommandContext(ctx, bin, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("adb %s: %w", strings.Join(args, " "), ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", &CommandError{Args: full, Code: exitErr.ExitCode(), Stdout: stdout.String(), Stderr: stderr.String()}
		}
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Request is one capture of a sequence
type Request struct {
	CameraID   int
	Resolution string
	ExposureUS int
	Gain       int
	FrameCount int
}

// Args returns the capture binary's arguments for a single frame
func (r Request) Args() []string {
	return []string{
		"-c", strconv.Itoa(r.CameraID),
		"-d", r.Resolution,
		"-e", strconv.Itoa(r.ExposureUS) + "," + strconv.Itoa(r.Gain),
		"-r",
	}
}

// Device is a capture device reached over adb
type Device struct {
	Runner Runner

	// Serial is the device expected to be attached.  If empty, exactly one
	// device must be attached.
	Serial string

	// RemoteDir is where the capture binary writes
	RemoteDir string

	// StopService is stopped during Prepare so it does not hold the camera
	StopService string

	// CaptureBinary is the on-device capture tool
	CaptureBinary string

	// Log receives one debug line per invocation
	Log *slog.Logger

	limiter *rate.Limiter
}

// NewDevice returns a Device configured from c, using an ExecRunner
func NewDevice(c config.Device, log *slog.Logger) *Device {
	r := ExecRunner{Path: c.ADB, Serial: c.Serial, Timeout: util.SecsToDuration(c.TimeoutSeconds)}
	d := &Device{
		Runner:        r,
		Serial:        c.Serial,
		RemoteDir:     c.RemoteRawDir,
		StopService:   c.StopService,
		CaptureBinary: c.CaptureBinary,
		Log:           log,
	}
	d.SetRate(c.CommandsPerSecond)
	return d
}

// SetRate limits invocations to perSecond.  perSecond <= 0 removes the limit.
func (d *Device) SetRate(perSecond float64) {
	if perSecond <= 0 {
		d.limiter = nil
		return
	}
	d.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
}

func (d *Device) run(ctx context.Context, args ...string) (string, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	if d.Log != nil {
		d.Log.Debug("adb", "args", strings.Join(args, " "))
	}
	return d.Runner.Run(ctx, args...)
}

func (d *Device) shell(ctx context.Context, args ...string) (string, error) {
	return d.run(ctx, append([]string{"shell"}, args...)...)
}

// Prepare gains root, stops the conflicting camera service, remounts storage
// writable and clears every stale capture product
func (d *Device) Prepare(ctx context.Context) error {
	if err := d.Attached(ctx); err != nil {
		return err
	}
	if _, err := d.run(ctx, "root"); err != nil {
		return fmt.Errorf("adb root: %w", err)
	}
	if d.StopService != "" {
		if _, err := d.shell(ctx, "setprop", "ctl.stop", d.StopService); err != nil {
			return fmt.Errorf("stopping %s: %w", d.StopService, err)
		}
	}
	if _, err := d.run(ctx, "remount"); err != nil {
		return fmt.Errorf("adb remount: %w", err)
	}
	return d.Clear(ctx, "*.jpg", "*.mp4", "*.raw")
}

// Clear removes files matching each pattern from the remote directory
func (d *Device) Clear(ctx context.Context, patterns ...string) error {
	for _, p := range patterns {
		if _, err := d.shell(ctx, "rm", "-f", d.RemoteDir+"/"+p); err != nil {
			return fmt.Errorf("clearing %s/%s: %w", d.RemoteDir, p, err)
		}
	}
	return nil
}

// ClearStale removes raw files left by a previous capture
func (d *Device) ClearStale(ctx context.Context) error {
	return d.Clear(ctx, "*.raw")
}

// Capture runs the capture binary once per frame and returns the remote
// paths of the raw files it left behind
func (d *Device) Capture(ctx context.Context, r Request) ([]string, error) {
	n := r.FrameCount
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		args := append([]string{d.CaptureBinary}, r.Args()...)
		if _, err := d.shell(ctx, args...); err != nil {
			return nil, fmt.Errorf("capture frame %d of %d at %dus: %w", i+1, n, r.ExposureUS, err)
		}
	}
	files, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w at %dus", ErrNoFrames, r.ExposureUS)
	}
	return files, nil
}

// List returns the sorted remote paths of raw files in the remote directory
func (d *Device) List(ctx context.Context) ([]string, error) {
	out, err := d.shell(ctx, "ls", "-1", d.RemoteDir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", d.RemoteDir, err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if strings.HasSuffix(strings.ToLower(name), ".raw") {
			files = append(files, path.Join(d.RemoteDir, path.Base(name)))
		}
	}
	sort.Strings(files)
	return files, nil
}

// pullBackoff is the policy for retrying pulls.  USB transfers of 15 MB
// frames occasionally stall and succeed on a second try.
func pullBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(b, 3)
}

// Pull copies one remote file into localDir, retrying with backoff, and
// returns the local path
func (d *Device) Pull(ctx context.Context, remote, localDir string) (string, error) {
	local := filepath.Join(localDir, path.Base(remote))
	op := func() error {
		_, err := d.run(ctx, "pull", remote, local)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(pullBackoff(), ctx)); err != nil {
		return "", fmt.Errorf("pulling %s: %w", remote, err)
	}
	return local, nil
}

// Info is one line of `adb devices -l`
type Info struct {
	Serial      string
	State       string
	Description string
}

// Devices lists attached devices
func Devices(ctx context.Context, r Runner) ([]Info, error) {
	out, err := r.Run(ctx, "devices", "-l")
	if err != nil {
		return nil, err
	}
	return parseDevices(out), nil
}

// Attached checks that the device is listed by adb and ready
func (d *Device) Attached(ctx context.Context) error {
	list, err := Devices(ctx, RunnerFunc(d.run))
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}
	var ready []string
	for _, info := range list {
		if d.Serial != "" && info.Serial == d.Serial {
			if info.State != "device" {
				return fmt.Errorf("%w: %s is %s", ErrNotAttached, d.Serial, info.State)
			}
			return nil
		}
		if info.State == "device" {
			ready = append(ready, info.Serial)
		}
	}
	switch {
	case d.Serial != "":
		return fmt.Errorf("%w: %s not listed", ErrNotAttached, d.Serial)
	case len(ready) == 0:
		return fmt.Errorf("%w: no devices listed", ErrNotAttached)
	case len(ready) > 1:
		return fmt.Errorf("%w: %d devices listed (%s), set device.serial", ErrNotAttached, len(ready), strings.Join(ready, ", "))
	}
	return nil
}

func parseDevices(out string) []Info {
	var ret []Info
	lines := strings.Split(out, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ret = append(ret, Info{Serial: fields[0], State: fields[1], Description: strings.Join(fields[2:], " ")})
	}
	return ret
}
