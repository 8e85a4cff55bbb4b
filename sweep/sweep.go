/*Package sweep sequences a flare capture run: every illumination profile is
paired with every exposure sequence, each exposure is captured, pulled and
converted, and the results are recorded in a framestore run directory.

A sweep is strictly sequential.  The illumination and the device's storage are
shared between exposures, so nothing in this package runs two captures at once.
*/
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nasa-jpl/flarelab/adb"
	"github.com/nasa-jpl/flarelab/config"
	"github.com/nasa-jpl/flarelab/events"
	"github.com/nasa-jpl/flarelab/framestore"
	"github.com/nasa-jpl/flarelab/illumination"
	"github.com/nasa-jpl/flarelab/raw10"
)

var (
	// ErrConnect is returned when the illumination controller cannot be reached
	ErrConnect = errors.New("unable to connect to illumination controller")

	// ErrPrepare is returned when the capture device cannot be prepared
	ErrPrepare = errors.New("unable to prepare capture device")

	// ErrIllumination is returned when a profile could not be applied; the
	// state of the light is unknown so continuing would capture garbage
	ErrIllumination = errors.New("unable to set illumination")

	// ErrAborted is returned when the context ends during a sweep
	ErrAborted = errors.New("sweep aborted")
)

// CaptureDevice is the camera side of the rig
type CaptureDevice interface {
	// Prepare readies the device once per sweep
	Prepare(ctx context.Context) error

	// ClearStale removes leftover raw files before a capture
	ClearStale(ctx context.Context) error

	// Capture takes the frames of one exposure and returns their remote paths
	Capture(ctx context.Context, r adb.Request) ([]string, error)

	// Pull copies a remote file into localDir and returns the local path
	Pull(ctx context.Context, remote, localDir string) (string, error)
}

// opener is implemented by channels that can check connectivity up front
type opener interface {
	Open() error
}

// ExposureResult is the outcome of one exposure of a group
type ExposureResult struct {
	ExposureUS int
	Raw10      []string
	Raw16      []string
	Err        error
}

// GroupResult is the outcome of one illumination x exposure sequence pairing
type GroupResult struct {
	Illumination string
	Sequence     string
	Started      time.Time
	Finished     time.Time
	Exposures    []ExposureResult
}

// Failed counts the exposures with an error
func (g GroupResult) Failed() int {
	n := 0
	for _, e := range g.Exposures {
		if e.Err != nil {
			n++
		}
	}
	return n
}

// Report summarizes a sweep
type Report struct {
	RunID    string
	Root     string
	Started  time.Time
	Finished time.Time
	Groups   []GroupResult

	// OffErrors holds failures to de-energize, one per affected profile
	OffErrors []error
}

// Failed counts failed exposures over every group
func (r *Report) Failed() int {
	n := 0
	for _, g := range r.Groups {
		n += g.Failed()
	}
	return n
}

// Status is a point-in-time view of a sweep, safe to hand to other goroutines
type Status struct {
	RunID        string    `json:"run_id"`
	Root         string    `json:"root"`
	Running      bool      `json:"running"`
	Started      time.Time `json:"started"`
	Illumination string    `json:"illumination"`
	Sequence     string    `json:"sequence"`
	ExposureUS   int       `json:"exposure_us"`
	Light        string    `json:"light"` // as reported by the illumination controller
	GroupsDone   int       `json:"groups_done"`
	GroupsTotal  int       `json:"groups_total"`
	Failed       int       `json:"failed"`
	Err          string    `json:"error,omitempty"`
}

// Orchestrator runs sweeps.  Its fields are set once before Run is called.
type Orchestrator struct {
	Config    config.Config
	Light     *illumination.Controller
	Device    CaptureDevice
	Converter raw10.Converter

	// Publisher, if not nil, receives progress events
	Publisher events.Publisher

	// Metrics, if not nil, are updated as the sweep progresses
	Metrics *Metrics

	Log *slog.Logger

	// Now is the clock, time.Now if nil
	Now func() time.Time

	mu     sync.Mutex
	status Status
	hw     Hardware
}

// New returns an Orchestrator for c driving ch and dev, converting with the
// RAW10 unpacker.  ch stays open between runs; closing it is up to the caller.
func New(c config.Config, ch illumination.Channel, dev CaptureDevice, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		Config:    c,
		Light:     illumination.NewController(ch, c.Serial.OffCommand),
		Device:    dev,
		Converter: raw10.Unpacker{},
		Log:       log,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Status returns a snapshot of the sweep's progress
func (o *Orchestrator) Status() Status {
	light := o.lightState()
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.status
	s.Light = light.String()
	return s
}

func (o *Orchestrator) update(fn func(s *Status)) {
	o.mu.Lock()
	fn(&o.status)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if o.Publisher == nil {
		return
	}
	e.RunID = o.Status().RunID
	e.Time = o.now()
	// publishing must not stall or fail a sweep
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.Publisher.Publish(pctx, e); err != nil {
		o.Log.Warn("event not published", "kind", e.Kind, "err", err)
	}
}

func (o *Orchestrator) lightState() illumination.State {
	st, _ := o.Light.State()
	return st
}

// lightChanged publishes the controller's light state to the metrics
func (o *Orchestrator) lightChanged() {
	st := o.lightState()
	if o.Metrics != nil {
		if st == illumination.On {
			o.Metrics.Illuminated.Set(1)
		} else {
			o.Metrics.Illuminated.Set(0)
		}
	}
}

func (o *Orchestrator) setStorage(s Storage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hw.SetStorage(s)
}

// Run performs a sweep.  The configuration is validated before anything
// else; a validation error is returned without touching hardware or disk.
//
// The returned report is never nil once the run directory exists, including
// when the sweep fails or is aborted part way.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	c := o.Config
	if err := c.Validate(); err != nil {
		return nil, err
	}
	started := o.now()
	store, err := framestore.Create(c.OutputRoot, c.SceneName, started)
	if err != nil {
		return nil, err
	}
	rep := &Report{RunID: uuid.NewString(), Root: store.Root, Started: started}
	host, _ := os.Hostname()
	err = store.WriteSweep(framestore.SweepRecord{RunID: rep.RunID, Started: started, Host: host, Config: c})
	if err != nil {
		return rep, err
	}
	if c.Analysis.Enabled && len(c.Analysis.ROIs) > 0 {
		if err := store.SaveROIs(c.Analysis.ROIs); err != nil {
			return rep, err
		}
	}

	o.mu.Lock()
	o.hw = Hardware{}
	o.status = Status{
		RunID:       rep.RunID,
		Root:        store.Root,
		Running:     true,
		Started:     started,
		GroupsTotal: len(c.Illumination) * len(c.ExposureSequences),
	}
	o.mu.Unlock()
	if o.Metrics != nil {
		o.Metrics.Running.Set(1)
		defer o.Metrics.Running.Set(0)
	}
	o.Log.Info("sweep starting", "run", rep.RunID, "dir", store.Root,
		"profiles", len(c.Illumination), "sequences", len(c.ExposureSequences))
	o.publish(ctx, events.Event{Kind: events.SweepStarted})

	err = o.run(ctx, store, rep)
	rep.Finished = o.now()
	o.update(func(s *Status) {
		s.Running = false
		s.Failed = rep.Failed()
		if err != nil {
			s.Err = err.Error()
		}
	})
	switch {
	case errors.Is(err, ErrAborted):
		o.Log.Warn("sweep aborted", "run", rep.RunID, "groups", len(rep.Groups))
		o.publish(ctx, events.Event{Kind: events.SweepAborted, Err: err.Error()})
	case err != nil:
		o.Log.Error("sweep failed", "run", rep.RunID, "err", err)
		o.publish(ctx, events.Event{Kind: events.SweepAborted, Err: err.Error()})
	default:
		o.Log.Info("sweep complete", "run", rep.RunID, "groups", len(rep.Groups),
			"failed", rep.Failed(), "elapsed", rep.Finished.Sub(started).Round(time.Second))
		o.publish(ctx, events.Event{Kind: events.SweepFinished, Failed: rep.Failed()})
	}
	return rep, err
}

func aborted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
}

func (o *Orchestrator) run(ctx context.Context, store *framestore.Store, rep *Report) error {
	if op, ok := o.Light.Channel().(opener); ok {
		if err := op.Open(); err != nil {
			return fmt.Errorf("%w: %w", ErrConnect, err)
		}
	}

	if err := o.Device.Prepare(ctx); err != nil {
		if ctx.Err() != nil {
			return aborted(ctx)
		}
		return fmt.Errorf("%w: %w", ErrPrepare, err)
	}
	if err := o.setStorage(StorageClean); err != nil {
		return err
	}

	for _, p := range o.Config.Illumination {
		if ctx.Err() != nil {
			return aborted(ctx)
		}
		if err := o.runProfile(ctx, store, p, rep); err != nil {
			return err
		}
	}
	return nil
}

// runProfile applies one profile, runs every sequence under it, and turns
// the light off exactly once on the way out
func (o *Orchestrator) runProfile(ctx context.Context, store *framestore.Store, p config.IlluminationProfile, rep *Report) (err error) {
	defer func() {
		if offErr := o.Light.Off(); offErr != nil {
			o.Log.Error("illumination off failed", "profile", p.Name, "err", offErr)
			rep.OffErrors = append(rep.OffErrors, fmt.Errorf("%s: %w", p.Name, offErr))
		}
		o.lightChanged()
	}()

	o.update(func(s *Status) { s.Illumination = p.Name; s.Sequence = ""; s.ExposureUS = 0 })
	o.Log.Info("illumination", "profile", p.Name, "command", p.Command, "settle_s", p.SettleSeconds)
	if err := o.Light.Set(ctx, p); err != nil {
		if ctx.Err() != nil {
			return aborted(ctx)
		}
		return fmt.Errorf("%w %q: %w", ErrIllumination, p.Name, err)
	}
	o.lightChanged()

	err = store.WriteSequences(framestore.SequencesRecord{Illumination: p.Name, Sequences: o.Config.ExposureSequences})
	if err != nil {
		return err
	}
	for _, seq := range o.Config.ExposureSequences {
		g, err := o.runGroup(ctx, store, p, seq)
		rep.Groups = append(rep.Groups, g)
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runGroup(ctx context.Context, store *framestore.Store, p config.IlluminationProfile, seq config.ExposureSequence) (GroupResult, error) {
	g := GroupResult{Illumination: p.Name, Sequence: seq.Label, Started: o.now()}
	rec := framestore.GroupRecord{Illumination: p.Name, Sequence: seq.Label, Started: g.Started}
	o.update(func(s *Status) { s.Sequence = seq.Label })

	var abortErr error
	for _, exp := range seq.ExposureUS {
		if ctx.Err() != nil {
			abortErr = aborted(ctx)
			break
		}
		o.update(func(s *Status) { s.ExposureUS = exp })
		res, capRec := o.runExposure(ctx, store, p, seq, exp)
		if res.Err != nil && ctx.Err() != nil {
			// the exposure was cut short by the abort, not by the device
			abortErr = aborted(ctx)
		}
		g.Exposures = append(g.Exposures, res)
		rec.Exposures = append(rec.Exposures, capRec)
		if res.Err != nil {
			o.update(func(s *Status) { s.Failed++ })
			if o.Metrics != nil {
				o.Metrics.ExposuresFailed.Inc()
			}
			o.Log.Warn("exposure failed", "profile", p.Name, "sequence", seq.Label, "exposure_us", exp, "err", res.Err)
			o.publish(ctx, events.Event{Kind: events.ExposureFailed, Illumination: p.Name, Sequence: seq.Label, ExposureUS: exp, Err: res.Err.Error()})
		}
		if abortErr != nil {
			break
		}
	}
	g.Finished = o.now()
	rec.Finished = g.Finished
	rec.Failed = g.Failed()
	if err := store.WriteGroup(rec); err != nil {
		return g, err
	}
	if abortErr != nil {
		return g, abortErr
	}

	o.update(func(s *Status) { s.GroupsDone++ })
	if o.Metrics != nil {
		o.Metrics.Groups.Inc()
	}
	o.Log.Info(fmt.Sprintf("captured %s / %s: %d exposures, %d failed in %s",
		p.Name, seq.Label, len(g.Exposures), g.Failed(), g.Finished.Sub(g.Started).Round(time.Millisecond)))
	o.publish(ctx, events.Event{Kind: events.GroupFinished, Illumination: p.Name, Sequence: seq.Label, Failed: g.Failed()})
	return g, nil
}

// runExposure clears, captures, pulls and converts one exposure.  Every
// failure is recorded on the result; none is returned.
func (o *Orchestrator) runExposure(ctx context.Context, store *framestore.Store, p config.IlluminationProfile, seq config.ExposureSequence, exp int) (ExposureResult, framestore.CaptureRecord) {
	start := time.Now()
	res := ExposureResult{ExposureUS: exp}
	rec := framestore.CaptureRecord{
		Illumination: p,
		Sequence:     seq.Label,
		ExposureUS:   exp,
		Gain:         seq.Gain,
		FrameCount:   seq.FrameCount,
		Digests:      map[string]string{},
	}
	dir := store.ExposureDir(p.Name, seq.Label, exp)
	res.Err = o.capture(ctx, dir, seq, exp, &res, &rec)
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := store.WriteCapture(rec); err != nil && res.Err == nil {
		res.Err = err
	}
	if o.Metrics != nil {
		o.Metrics.CaptureSeconds.Observe(time.Since(start).Seconds())
	}
	return res, rec
}

func (o *Orchestrator) capture(ctx context.Context, dir string, seq config.ExposureSequence, exp int, res *ExposureResult, rec *framestore.CaptureRecord) error {
	if err := o.Device.ClearStale(ctx); err != nil {
		return fmt.Errorf("clearing stale files: %w", err)
	}
	if err := o.setStorage(StorageClean); err != nil {
		return err
	}
	light := o.lightState()
	o.mu.Lock()
	err := o.hw.CanCapture(light)
	o.mu.Unlock()
	if err != nil {
		return err
	}

	d := o.Config.Device
	req := adb.Request{CameraID: d.CameraID, Resolution: d.Resolution, ExposureUS: exp, Gain: seq.Gain, FrameCount: seq.FrameCount}
	remote, err := o.Device.Capture(ctx, req)
	if serr := o.setStorage(StorageDirty); serr != nil {
		return serr
	}
	if err != nil {
		return err
	}

	raw10Dir := filepath.Join(dir, framestore.Raw10Dir)
	raw16Dir := filepath.Join(dir, framestore.Raw16Dir)
	if err := os.MkdirAll(raw10Dir, 0o755); err != nil {
		return err
	}
	geom := raw10.Geometry(o.Config.Geometry)
	for _, r := range remote {
		local, err := o.Device.Pull(ctx, r, raw10Dir)
		if err != nil {
			return err
		}
		name := filepath.Base(local)
		res.Raw10 = append(res.Raw10, local)
		rec.Raw10 = append(rec.Raw10, name)

		b, err := os.ReadFile(local)
		if err != nil {
			return err
		}
		rec.Digests[framestore.Raw10Dir+"/"+name] = framestore.Checksum(b)
		pix, err := o.Converter.Convert(b, geom)
		if err != nil {
			return fmt.Errorf("converting %s: %w", name, err)
		}
		f := framestore.Frame{Width: geom.Width, Height: geom.Height, Pix: pix}
		out16 := filepath.Join(raw16Dir, framestore.Raw16Name(local))
		if err := framestore.WriteRaw16(out16, f); err != nil {
			return err
		}
		res.Raw16 = append(res.Raw16, out16)
		rec.Raw16 = append(rec.Raw16, filepath.Base(out16))
		rec.Digests[framestore.Raw16Dir+"/"+filepath.Base(out16)] = framestore.Checksum(framestore.EncodeRaw16(pix))
		if o.Metrics != nil {
			o.Metrics.Frames.Inc()
		}
	}
	return nil
}
