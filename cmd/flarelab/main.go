package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/flarelab/adb"
	"github.com/nasa-jpl/flarelab/config"
	"github.com/nasa-jpl/flarelab/events"
	"github.com/nasa-jpl/flarelab/framestore"
	"github.com/nasa-jpl/flarelab/generichttp/flare"
	"github.com/nasa-jpl/flarelab/util"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "flarelab.yml"
)

func root() {
	str := `flarelab captures flare characterization sweeps from a phone camera under
controlled illumination, and reduces them to photo-response and sensitivity.

Usage:
	flarelab <command> [args]

Commands:
	run          perform one sweep, then analyze it if analysis is enabled
	analyze      analyze a run directory (default: the most recent run)
	serve        expose sweeps over HTTP
	devices      list the devices adb can see
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `flarelab is configured via flarelab.yml in the working directory.  For a
primer on YAML, see https://yaml.org/start.html

Any key may be overridden by an environment variable prefixed FLARELAB_, with
a double underscore for nesting, e.g. FLARELAB_SERIAL__PORT=/dev/ttyUSB1.

A sweep pairs every illumination profile with every exposure sequence.  For
each profile the light is set, allowed to settle, every sequence is captured,
and the light is turned off again, even if a capture failed.

The run directory is <output_root>/<scene>_<date>_<time> and holds
config.json, rois.json, and per profile a sequences.json, one <label>.json
group record per sequence and one <label>_<exposure>us directory per exposure
with its raw10 and raw16 frames and capture.json.

Analysis writes analysis/photo_response_measurements.csv and
analysis/photo_response_summary.json into the run directory.

The serial port may be a device (/dev/ttyUSB0, COM3) or host:port of a
terminal server.  Setting events.kafka_brokers publishes progress events to
events.topic.

serve routes, relative to /flare:
	POST start, abort, lock, auto-analyze
	GET  status, report, events, running, light, groups-done, lock,
	     auto-analyze, endpoints
	GET  frame?illumination=&sequence=&exposure_us=&index=
	GET  analysis/{photo_response_measurements.csv,photo_response_summary.json}
and /metrics for prometheus.`
	fmt.Println(str)
}

func loadconfig() config.Config {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	return c
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("flarelab version %v\n", Version)
}

func run() {
	c := loadconfig()
	if err := c.Validate(); err != nil {
		log.Fatal(err)
	}
	logger := newLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := newRig(c, prometheus.NewRegistry(), nil, logger)
	defer r.Close()

	rep, err := runWithSpinner(ctx, r.Orchestrator)
	if rep == nil {
		log.Fatal(err)
	}
	fmt.Printf("run %s in %s: %d groups, %d failed exposures\n", rep.RunID, rep.Root, len(rep.Groups), rep.Failed())
	if err != nil {
		log.Fatal(err)
	}
	if c.Analysis.Enabled {
		if err := analyzeRoot(ctx, c, rep.Root, logger); err != nil {
			log.Fatal(err)
		}
	}
}

func analyze(args []string) {
	c := loadconfig()
	if err := c.ValidateAnalysis(); err != nil {
		log.Fatal(err)
	}
	logger := newLogger()
	var (
		store *framestore.Store
		err   error
	)
	if len(args) > 0 {
		store, err = framestore.Open(args[0])
	} else {
		store, err = framestore.Latest(c.OutputRoot)
	}
	if err != nil {
		log.Fatal(err)
	}
	if err := analyzeRoot(context.Background(), c, store.Root, logger); err != nil {
		log.Fatal(err)
	}
}

func devices() {
	c := loadconfig()
	r := adb.ExecRunner{Path: c.Device.ADB, Timeout: util.SecsToDuration(c.Device.TimeoutSeconds)}
	list, err := adb.Devices(context.Background(), r)
	if err != nil {
		log.Fatal(err)
	}
	if len(list) == 0 {
		fmt.Println("no devices attached")
		return
	}
	for _, d := range list {
		mark := " "
		if d.Serial == c.Device.Serial {
			mark = "*"
		}
		fmt.Printf("%s %-20s %-12s %s\n", mark, d.Serial, d.State, d.Description)
	}
}

func serve() {
	c := loadconfig()
	if err := c.Validate(); err != nil {
		log.Fatal(err)
	}
	logger := newLogger()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	hist := events.NewLog(256)

	r := newRig(c, reg, hist, logger)
	defer r.Close()

	h := flare.NewHTTPSweep(r.Orchestrator, c.Geometry, logger)
	h.History = hist
	h.After = func(ctx context.Context, root string) error {
		return analyzeRoot(ctx, c, root, logger)
	}
	if c.Analysis.Enabled {
		if err := h.SetAutoAnalyze(true); err != nil {
			log.Fatal(err)
		}
	}

	mux := chi.NewRouter()
	mux.Use(middleware.Logger)
	mux.Mount("/flare", h.Router())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "analyze":
		analyze(args[2:])
		return
	case "serve":
		serve()
		return
	case "devices":
		devices()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
