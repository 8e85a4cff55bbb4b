// Package flare exposes a flare capture sweep over HTTP.
//
// A sweep runs in its own goroutine.  While it runs the locker rejects every
// mutating route except abort with 423 (Locked); reads are always served.
package flare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"

	"github.com/nasa-jpl/flarelab/config"
	"github.com/nasa-jpl/flarelab/events"
	"github.com/nasa-jpl/flarelab/framestore"
	"github.com/nasa-jpl/flarelab/generichttp"
	"github.com/nasa-jpl/flarelab/photoresponse"
	"github.com/nasa-jpl/flarelab/server"
	"github.com/nasa-jpl/flarelab/server/middleware/locker"
	"github.com/nasa-jpl/flarelab/sweep"
)

// ErrNoRun is returned when a route needs a run and none has been made
var ErrNoRun = errors.New("no sweep has been run")

// Sweeper runs sweeps and reports their progress
type Sweeper interface {
	Run(ctx context.Context) (*sweep.Report, error)
	Status() sweep.Status
}

// AfterFunc is called with the run directory once a sweep finishes without
// error
type AfterFunc func(ctx context.Context, root string) error

// ExposureReport is the JSON form of a sweep.ExposureResult
type ExposureReport struct {
	ExposureUS int      `json:"exposure_us"`
	Raw16      []string `json:"raw16"`
	Err        string   `json:"error,omitempty"`
}

// GroupReport is the JSON form of a sweep.GroupResult
type GroupReport struct {
	Illumination string           `json:"illumination"`
	Sequence     string           `json:"sequence"`
	Started      time.Time        `json:"started"`
	Finished     time.Time        `json:"finished"`
	Exposures    []ExposureReport `json:"exposures"`
	Failed       int              `json:"failed"`
}

// Report is the JSON form of a sweep.Report
type Report struct {
	RunID     string        `json:"run_id"`
	Root      string        `json:"root"`
	Started   time.Time     `json:"started"`
	Finished  time.Time     `json:"finished"`
	Groups    []GroupReport `json:"groups"`
	Failed    int           `json:"failed"`
	OffErrors []string      `json:"off_errors,omitempty"`
	Err       string        `json:"error,omitempty"`
	Analysis  string        `json:"analysis_error,omitempty"`
}

func newReport(r *sweep.Report, err error) Report {
	out := Report{
		RunID:    r.RunID,
		Root:     r.Root,
		Started:  r.Started,
		Finished: r.Finished,
		Failed:   r.Failed(),
	}
	for _, g := range r.Groups {
		gr := GroupReport{
			Illumination: g.Illumination,
			Sequence:     g.Sequence,
			Started:      g.Started,
			Finished:     g.Finished,
			Failed:       g.Failed(),
		}
		for _, e := range g.Exposures {
			er := ExposureReport{ExposureUS: e.ExposureUS, Raw16: e.Raw16}
			if e.Err != nil {
				er.Err = e.Err.Error()
			}
			gr.Exposures = append(gr.Exposures, er)
		}
		out.Groups = append(out.Groups, gr)
	}
	for _, e := range r.OffErrors {
		out.OffErrors = append(out.OffErrors, e.Error())
	}
	if err != nil {
		out.Err = err.Error()
	}
	return out
}

// HTTPSweep wraps a Sweeper in an HTTP interface
type HTTPSweep struct {
	sw       Sweeper
	geometry config.Geometry
	log      *slog.Logger

	// History, if not nil, is served at /events
	History *events.Log

	// After, if not nil, runs after a successful sweep when AutoAnalyze is set
	After AfterFunc

	Lock *locker.Locker

	RouteTable server.RouteTable

	mu          sync.Mutex
	active      bool
	cancel      context.CancelFunc
	done        chan struct{}
	report      *Report
	autoAnalyze bool
}

// NewHTTPSweep returns a new HTTP wrapper with the route table populated.
// g is the geometry of the converted frames served at /frame.
func NewHTTPSweep(sw Sweeper, g config.Geometry, log *slog.Logger) *HTTPSweep {
	if log == nil {
		log = slog.Default()
	}
	h := &HTTPSweep{
		sw:       sw,
		geometry: g,
		log:      log.With(slog.String("component", "http")),
		Lock:     locker.New(),
	}
	h.Lock.DoNotProtect = append(h.Lock.DoNotProtect, "abort")
	h.RouteTable = server.RouteTable{
		{Method: http.MethodPost, Path: "/start"}:          h.Start,
		{Method: http.MethodPost, Path: "/abort"}:          h.Abort,
		{Method: http.MethodGet, Path: "/status"}:          h.Status,
		{Method: http.MethodGet, Path: "/report"}:          h.Report,
		{Method: http.MethodGet, Path: "/events"}:          h.Events,
		{Method: http.MethodGet, Path: "/frame"}:           h.Frame,
		{Method: http.MethodGet, Path: "/analysis/{name}"}: h.AnalysisFile,

		{Method: http.MethodGet, Path: "/running"}:       generichttp.GetBool(h.running),
		{Method: http.MethodGet, Path: "/light"}:         generichttp.GetString(h.light),
		{Method: http.MethodGet, Path: "/groups-done"}:   generichttp.GetInt(h.groupsDone),
		{Method: http.MethodGet, Path: "/auto-analyze"}:  generichttp.GetBool(h.getAutoAnalyze),
		{Method: http.MethodPost, Path: "/auto-analyze"}: generichttp.SetBool(h.SetAutoAnalyze),
	}
	locker.Inject(h, h.Lock)
	return h
}

// RT satisfies server.HTTPer
func (h *HTTPSweep) RT() server.RouteTable {
	return h.RouteTable
}

// Router returns a chi router with every route bound behind the locker
func (h *HTTPSweep) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(h.Lock.Check)
	h.RouteTable.Bind(r)
	return r
}

func (h *HTTPSweep) running() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active, nil
}

func (h *HTTPSweep) light() (string, error) {
	return h.sw.Status().Light, nil
}

func (h *HTTPSweep) groupsDone() (int, error) {
	return h.sw.Status().GroupsDone, nil
}

func (h *HTTPSweep) getAutoAnalyze() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.autoAnalyze, nil
}

// SetAutoAnalyze sets if After runs when a sweep succeeds
func (h *HTTPSweep) SetAutoAnalyze(b bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b && h.After == nil {
		return errors.New("no analysis configured")
	}
	h.autoAnalyze = b
	return nil
}

// Start begins a sweep in the background and replies 202 (Accepted).  Only
// one sweep runs at a time regardless of the state of the lock, which a
// client may clear with POST /lock.
func (h *HTTPSweep) Start(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.active {
		h.mu.Unlock()
		http.Error(w, "a sweep is already running", http.StatusLocked)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.active = true
	h.cancel = cancel
	h.done = done
	analyze := h.autoAnalyze
	h.mu.Unlock()
	h.Lock.Lock()

	go h.run(ctx, cancel, done, analyze)
	w.WriteHeader(http.StatusAccepted)
}

func (h *HTTPSweep) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, analyze bool) {
	defer close(done)
	defer func() {
		h.mu.Lock()
		h.active = false
		h.cancel = nil
		h.mu.Unlock()
		h.Lock.Unlock()
	}()
	defer cancel()

	rep, err := h.sw.Run(ctx)
	if rep == nil {
		// rejected before a run directory existed
		h.log.Error("sweep not started", "err", err)
		h.setReport(&Report{Err: err.Error()})
		return
	}
	out := newReport(rep, err)
	if err == nil && analyze && h.After != nil {
		if aerr := h.After(ctx, rep.Root); aerr != nil {
			h.log.Error("analysis failed", "run", rep.RunID, "err", aerr)
			out.Analysis = aerr.Error()
		}
	}
	h.setReport(&out)
}

func (h *HTTPSweep) setReport(r *Report) {
	h.mu.Lock()
	h.report = r
	h.mu.Unlock()
}

// Wait blocks until the current sweep, if any, has finished
func (h *HTTPSweep) Wait() {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Abort cancels the running sweep.  The reply is {"bool": true} if there was
// one to cancel.
func (h *HTTPSweep) Abort(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		h.log.Warn("abort requested", "remote", r.RemoteAddr)
		cancel()
	}
	server.ReplyJSON(w, generichttp.BoolT{Bool: cancel != nil})
}

// Status replies with the sweep's progress
func (h *HTTPSweep) Status(w http.ResponseWriter, r *http.Request) {
	server.ReplyJSON(w, h.sw.Status())
}

// Report replies with the report of the most recent finished sweep
func (h *HTTPSweep) Report(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	rep := h.report
	h.mu.Unlock()
	if rep == nil {
		http.Error(w, ErrNoRun.Error(), http.StatusNotFound)
		return
	}
	server.ReplyJSON(w, rep)
}

// Events replies with the recent event history
func (h *HTTPSweep) Events(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		server.ReplyJSON(w, []events.Event{})
		return
	}
	server.ReplyJSON(w, h.History.Events())
}

func (h *HTTPSweep) store() (*framestore.Store, error) {
	root := h.sw.Status().Root
	if root == "" {
		return nil, ErrNoRun
	}
	return framestore.Open(root)
}

// Frame replies with one converted frame of the current or most recent run
// as FITS.  Query parameters: illumination, sequence, exposure_us, and
// optionally index (default 0).
func (h *HTTPSweep) Frame(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	illum, label := q.Get("illumination"), q.Get("sequence")
	exp, err := strconv.Atoi(q.Get("exposure_us"))
	if err != nil || illum == "" || label == "" {
		http.Error(w, "illumination, sequence and integer exposure_us are required", http.StatusBadRequest)
		return
	}
	idx := 0
	if s := q.Get("index"); s != "" {
		idx, err = strconv.Atoi(s)
		if err != nil || idx < 0 {
			http.Error(w, "index must be a non-negative integer", http.StatusBadRequest)
			return
		}
	}
	store, err := h.store()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	paths, err := store.Raw16Frames(illum, label, exp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if idx >= len(paths) {
		http.Error(w, fmt.Sprintf("index %d out of range, %d frames", idx, len(paths)), http.StatusNotFound)
		return
	}
	f, err := framestore.ReadRaw16(paths[idx], h.geometry.Width, h.geometry.Height)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	cards := []fitsio.Card{
		{Name: "ILLUM", Value: illum, Comment: "illumination profile"},
		{Name: "SEQUENCE", Value: label, Comment: "exposure sequence label"},
		{Name: "EXPTIME", Value: float64(exp) / 1e6, Comment: "exposure time, seconds"},
		{Name: "FRAMEIDX", Value: idx, Comment: "index within the capture group"},
	}
	w.Header().Set("Content-Type", "application/fits")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", framestore.Raw16Name(paths[idx])+".fits"))
	if err := framestore.WriteFITS(w, f, cards); err != nil {
		h.log.Error("writing FITS", "path", paths[idx], "err", err)
	}
}

// AnalysisFile serves the measurement table or summary of the current or
// most recent run
func (h *HTTPSweep) AnalysisFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name != photoresponse.MeasurementsFile && name != photoresponse.SummaryFile {
		http.Error(w, "unknown analysis file "+name, http.StatusNotFound)
		return
	}
	store, err := h.store()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	server.ReplyWithFile(w, r, name, filepath.Join(store.Root, photoresponse.AnalysisDir))
}
