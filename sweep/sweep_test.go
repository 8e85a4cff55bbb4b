package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/nasa-jpl/flarelab/adb"
	"github.com/nasa-jpl/flarelab/config"
	"github.com/nasa-jpl/flarelab/events"
	"github.com/nasa-jpl/flarelab/framestore"
	"github.com/nasa-jpl/flarelab/illumination"
	"github.com/nasa-jpl/flarelab/raw10"
)

const (
	testW = 8
	testH = 2
)

type fakeChannel struct {
	mu      sync.Mutex
	sent    []string
	openErr error
	fail    map[string]error
}

func (f *fakeChannel) Open() error { return f.openErr }

func (f *fakeChannel) Send(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return f.fail[cmd]
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) count(cmd string) int {
	n := 0
	for _, s := range f.sent {
		if s == cmd {
			n++
		}
	}
	return n
}

type fakeDevice struct {
	calls      []string
	prepareErr error
	failAt     map[int]error // capture errors by exposure
	onCapture  func(exp int)
	lastExp    int
	lastFrames int
}

func (d *fakeDevice) Prepare(ctx context.Context) error {
	d.calls = append(d.calls, "prepare")
	return d.prepareErr
}

func (d *fakeDevice) ClearStale(ctx context.Context) error {
	d.calls = append(d.calls, "clear")
	return nil
}

func (d *fakeDevice) Capture(ctx context.Context, r adb.Request) ([]string, error) {
	d.calls = append(d.calls, fmt.Sprintf("capture %d", r.ExposureUS))
	if d.onCapture != nil {
		d.onCapture(r.ExposureUS)
	}
	if err := d.failAt[r.ExposureUS]; err != nil {
		return nil, err
	}
	d.lastExp, d.lastFrames = r.ExposureUS, r.FrameCount
	var out []string
	for i := 0; i < r.FrameCount; i++ {
		out = append(out, fmt.Sprintf("/data/vendor/camera/IMG_%d_%d.raw", r.ExposureUS, i))
	}
	return out, nil
}

// Pull writes a RAW10 frame whose every pixel is exposure/10
func (d *fakeDevice) Pull(ctx context.Context, remote, localDir string) (string, error) {
	d.calls = append(d.calls, "pull")
	pix := make([]uint16, testW*testH)
	for i := range pix {
		pix[i] = uint16(d.lastExp / 10)
	}
	b, err := raw10.Pack(pix, testW, testH)
	if err != nil {
		return "", err
	}
	local := filepath.Join(localDir, path.Base(remote))
	return local, os.WriteFile(local, b, 0o644)
}

func (d *fakeDevice) hasHardwareCalls() bool {
	return len(d.calls) > 0
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func testConfig(t *testing.T) config.Config {
	c := config.Default()
	c.OutputRoot = t.TempDir()
	c.SceneName = "bench"
	c.Geometry = config.Geometry{Width: testW, Height: testH}
	c.Serial.OffCommand = "OFF"
	c.Illumination = []config.IlluminationProfile{
		{Name: "low", Command: "L1 10"},
		{Name: "high", Command: "L1 90"},
	}
	c.ExposureSequences = []config.ExposureSequence{
		{Label: "sweep", ExposureUS: []int{1000, 2000, 4000}, Gain: 100, FrameCount: 2},
	}
	return c
}

func newTestOrchestrator(c config.Config, ch *fakeChannel, dev *fakeDevice) *Orchestrator {
	o := New(c, ch, dev, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return o
}

func TestDuplicateExposuresRejectedBeforeHardware(t *testing.T) {
	c := testConfig(t)
	c.ExposureSequences[0].ExposureUS = []int{1000, 2000, 1000}
	ch, dev := &fakeChannel{}, &fakeDevice{}
	rep, err := newTestOrchestrator(c, ch, dev).Run(context.Background())
	var ve *config.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected a ValidationError, got %v", err)
	}
	if rep != nil {
		t.Error("expected no report for an invalid configuration")
	}
	if len(ch.sent) != 0 || dev.hasHardwareCalls() {
		t.Errorf("expected no hardware interaction, got %v and %v", ch.sent, dev.calls)
	}
	entries, _ := os.ReadDir(c.OutputRoot)
	if len(entries) != 0 {
		t.Errorf("expected nothing written, found %d entries", len(entries))
	}
}

func TestSweepWritesEveryRecord(t *testing.T) {
	c := testConfig(t)
	ch, dev := &fakeChannel{}, &fakeDevice{}
	o := newTestOrchestrator(c, ch, dev)
	reg := prometheus.NewRegistry()
	o.Metrics = NewMetrics(reg)
	log := events.NewLog(100)
	o.Publisher = log

	rep, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Groups) != 2 || rep.Failed() != 0 {
		t.Fatalf("expected 2 clean groups, got %d groups %d failed", len(rep.Groups), rep.Failed())
	}
	store := &framestore.Store{Root: rep.Root}
	sw, err := store.ReadSweep()
	if err != nil || sw.RunID != rep.RunID {
		t.Fatalf("sweep record missing or wrong: %+v %v", sw, err)
	}
	frames, err := store.Raw16Frames("high", "sweep", 4000)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %v", frames)
	}
	f, err := framestore.ReadRaw16(frames[0], testW, testH)
	if err != nil {
		t.Fatal(err)
	}
	if f.At(1, 7) != 400 {
		t.Errorf("expected converted value 400, got %d", f.At(1, 7))
	}
	capRec, err := store.ReadCapture("high", "sweep", 4000)
	if err != nil {
		t.Fatal(err)
	}
	if len(capRec.Digests) != 4 {
		t.Errorf("expected a digest per raw10 and raw16 file, got %v", capRec.Digests)
	}
	if _, err := os.Stat(filepath.Join(rep.Root, "low", framestore.SequencesFile)); err != nil {
		t.Errorf("expected per-illumination record: %v", err)
	}

	if got := counterValue(t, o.Metrics.Groups); got != 2 {
		t.Errorf("expected 2 groups counted, got %v", got)
	}
	if got := counterValue(t, o.Metrics.Frames); got != 12 {
		t.Errorf("expected 12 frames counted, got %v", got)
	}
	ev := log.Events()
	if ev[0].Kind != events.SweepStarted || ev[len(ev)-1].Kind != events.SweepFinished {
		t.Errorf("unexpected event sequence %+v", ev)
	}
	if st := o.Status(); st.Running || st.GroupsDone != 2 || st.Light != "off" {
		t.Errorf("unexpected final status %+v", st)
	}
}

func TestOffOncePerProfileDespiteFailures(t *testing.T) {
	c := testConfig(t)
	ch := &fakeChannel{}
	dev := &fakeDevice{failAt: map[int]error{2000: errors.New("camcapture crashed")}}
	rep, err := newTestOrchestrator(c, ch, dev).Run(context.Background())
	if err != nil {
		t.Fatalf("per-exposure failures must not fail the sweep, got %v", err)
	}
	want := "L1 10|OFF|L1 90|OFF"
	if got := strings.Join(ch.sent, "|"); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if rep.Failed() != 2 {
		t.Errorf("expected one failure per profile, got %d", rep.Failed())
	}
	store := &framestore.Store{Root: rep.Root}
	g, err := store.ReadGroup("low", "sweep")
	if err != nil {
		t.Fatal(err)
	}
	if g.Failed != 1 || len(g.Exposures) != 3 {
		t.Errorf("expected 3 exposures, 1 failed, got %+v", g)
	}
	capRec, err := store.ReadCapture("low", "sweep", 2000)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(capRec.Error, "camcapture crashed") {
		t.Errorf("expected the failure in capture.json, got %q", capRec.Error)
	}
	if _, err := store.Raw16Frames("low", "sweep", 4000); err != nil {
		t.Errorf("exposure after the failure should have been captured: %v", err)
	}
}

func TestConnectFailureIsFatal(t *testing.T) {
	c := testConfig(t)
	ch := &fakeChannel{openErr: errors.New("no such file or directory")}
	dev := &fakeDevice{}
	rep, err := newTestOrchestrator(c, ch, dev).Run(context.Background())
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	if dev.hasHardwareCalls() {
		t.Errorf("expected the device untouched, got %v", dev.calls)
	}
	if _, err := (&framestore.Store{Root: rep.Root}).ReadSweep(); err != nil {
		t.Errorf("expected the sweep record to be written before hardware: %v", err)
	}
}

func TestPrepareFailureIsFatal(t *testing.T) {
	c := testConfig(t)
	ch := &fakeChannel{}
	dev := &fakeDevice{prepareErr: errors.New("remount failed")}
	_, err := newTestOrchestrator(c, ch, dev).Run(context.Background())
	if !errors.Is(err, ErrPrepare) {
		t.Fatalf("expected ErrPrepare, got %v", err)
	}
	if len(ch.sent) != 0 {
		t.Errorf("expected no illumination commands, got %v", ch.sent)
	}
}

func TestSetFailureStillTurnsOff(t *testing.T) {
	c := testConfig(t)
	ch := &fakeChannel{fail: map[string]error{"L1 90": errors.New("write timeout")}}
	dev := &fakeDevice{}
	rep, err := newTestOrchestrator(c, ch, dev).Run(context.Background())
	if !errors.Is(err, ErrIllumination) {
		t.Fatalf("expected ErrIllumination, got %v", err)
	}
	if ch.count("OFF") != 2 {
		t.Errorf("expected off after each profile, got %v", ch.sent)
	}
	if len(rep.Groups) != 1 {
		t.Errorf("expected only the first profile's group, got %d", len(rep.Groups))
	}
}

func TestCancelBetweenExposures(t *testing.T) {
	c := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := &fakeChannel{}
	dev := &fakeDevice{onCapture: func(exp int) {
		if exp == 2000 {
			cancel()
		}
	}}
	rep, err := newTestOrchestrator(c, ch, dev).Run(ctx)
	if !errors.Is(err, ErrAborted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrAborted wrapping context.Canceled, got %v", err)
	}
	if got := strings.Join(ch.sent, "|"); got != "L1 10|OFF" {
		t.Errorf("expected the first profile to be switched off and the second never set, got %s", got)
	}
	if len(rep.Groups) != 1 || len(rep.Groups[0].Exposures) != 2 {
		t.Errorf("expected a partial group of 2 exposures, got %+v", rep.Groups)
	}
	if _, err := (&framestore.Store{Root: rep.Root}).ReadGroup("low", "sweep"); err != nil {
		t.Errorf("expected the partial group to be recorded: %v", err)
	}
}

func TestHardwareTransitions(t *testing.T) {
	var h Hardware
	if err := h.CanCapture(illumination.On); err == nil {
		t.Error("capture allowed before prepare")
	}
	steps := []func() error{
		func() error { return h.SetStorage(StorageClean) },
		func() error { return h.CanCapture(illumination.On) },
		func() error { return h.SetStorage(StorageDirty) },
	}
	for i, s := range steps {
		if err := s(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if err := h.CanCapture(illumination.On); err == nil {
		t.Error("capture allowed on dirty storage")
	}
	if err := h.SetStorage(StorageDirty); !errors.Is(err, ErrTransition) {
		t.Errorf("expected dirty -> dirty to be refused, got %v", err)
	}
	h.SetStorage(StorageClean)
	for _, st := range []illumination.State{illumination.Off, illumination.Settling} {
		if err := h.CanCapture(st); !errors.Is(err, ErrTransition) {
			t.Errorf("expected capture with light %s to be refused, got %v", st, err)
		}
	}
}

func TestCaptureFollowsControllerState(t *testing.T) {
	ch := &fakeChannel{}
	dev := &fakeDevice{}
	c := testConfig(t)
	o := newTestOrchestrator(c, ch, dev)
	seq := c.ExposureSequences[0]
	capture := func() error {
		var (
			res ExposureResult
			rec = framestore.CaptureRecord{Digests: map[string]string{}}
		)
		return o.capture(context.Background(), t.TempDir(), seq, 1000, &res, &rec)
	}

	if err := capture(); !errors.Is(err, ErrTransition) {
		t.Fatalf("expected capture with the light off to be refused, got %v", err)
	}
	if strings.Contains(strings.Join(dev.calls, ","), "capture") {
		t.Errorf("expected no capture with the light off, got %v", dev.calls)
	}
	if st := o.Status(); st.Light != "off" {
		t.Errorf("expected status light off, got %q", st.Light)
	}

	if err := o.Light.Set(context.Background(), c.Illumination[0]); err != nil {
		t.Fatal(err)
	}
	if st := o.Status(); st.Light != "on" {
		t.Errorf("expected status to follow the controller, got %q", st.Light)
	}
	if err := capture(); err != nil {
		t.Errorf("expected capture with the light on to succeed, got %v", err)
	}
	o.Light.Off()
	if err := capture(); !errors.Is(err, ErrTransition) {
		t.Errorf("expected capture after the light went off to be refused, got %v", err)
	}
}
