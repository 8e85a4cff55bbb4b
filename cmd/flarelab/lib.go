package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/flarelab/adb"
	"github.com/nasa-jpl/flarelab/config"
	"github.com/nasa-jpl/flarelab/events"
	"github.com/nasa-jpl/flarelab/framestore"
	"github.com/nasa-jpl/flarelab/illumination"
	"github.com/nasa-jpl/flarelab/mathx"
	"github.com/nasa-jpl/flarelab/photoresponse"
	"github.com/nasa-jpl/flarelab/sweep"
	"github.com/nasa-jpl/flarelab/util"
)

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("FLARELAB_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// rig is the hardware and publishers of one configuration
type rig struct {
	Orchestrator *sweep.Orchestrator
	kafka        *events.Kafka
}

// newRig wires the LED controller, phone and event publishers for c.
// hist may be nil.
func newRig(c config.Config, reg prometheus.Registerer, hist *events.Log, log *slog.Logger) *rig {
	ch := illumination.NewSerial(c.Serial)
	dev := adb.NewDevice(c.Device, log)
	o := sweep.New(c, ch, dev, log)
	o.Metrics = sweep.NewMetrics(reg)

	r := &rig{Orchestrator: o}
	var pubs events.Multi
	if hist != nil {
		pubs = append(pubs, hist)
	}
	if len(c.Events.KafkaBrokers) > 0 {
		r.kafka = events.NewKafka(c.Events.KafkaBrokers, c.Events.Topic, log)
		pubs = append(pubs, r.kafka)
	}
	if len(pubs) > 0 {
		o.Publisher = pubs
	}
	return r
}

// Close releases the serial port and flushes the event writer
func (r *rig) Close() {
	if err := r.Orchestrator.Light.Close(); err != nil {
		slog.Warn("closing illumination channel", "err", err)
	}
	if r.kafka != nil {
		if err := r.kafka.Close(); err != nil {
			slog.Warn("closing event writer", "err", err)
		}
	}
}

// runWithSpinner runs a sweep, showing its progress on a spinner when stdout
// is a terminal
func runWithSpinner(ctx context.Context, o *sweep.Orchestrator) (*sweep.Report, error) {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return o.Run(ctx)
	}
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " sweep",
		SuffixAutoColon:   true,
		Message:           "starting",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return o.Run(ctx)
	}
	if err := spinner.Start(); err != nil {
		return o.Run(ctx)
	}

	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(250 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				spinner.Message(progress(o.Status()))
			}
		}
	}()

	rep, err := o.Run(ctx)
	close(done)
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		return rep, err
	}
	spinner.StopMessage(fmt.Sprintf("%d groups, %d failed exposures", len(rep.Groups), rep.Failed()))
	spinner.Stop()
	return rep, nil
}

func progress(s sweep.Status) string {
	if s.Illumination == "" {
		return "preparing"
	}
	pct := 0.
	if s.GroupsTotal > 0 {
		pct = util.Clamp(100*float64(s.GroupsDone)/float64(s.GroupsTotal), 0, 100)
	}
	return fmt.Sprintf("%3.0f%% %s %s %dus, light %s, %d failed",
		pct, s.Illumination, s.Sequence, s.ExposureUS, s.Light, s.Failed)
}

// analyzeRoot reduces the run at root and logs the sensitivity constants
func analyzeRoot(ctx context.Context, c config.Config, root string, log *slog.Logger) error {
	store, err := framestore.Open(root)
	if err != nil {
		return err
	}
	chain, err := photoresponse.Analyze(ctx, store, c, log)
	if err != nil {
		return err
	}
	for _, f := range chain.Failures() {
		log.Warn("fit failed", "err", f)
	}
	log.Info("analysis complete", "dir", root,
		"valid_fits", chain.ValidFits(),
		"sensitivity", mathx.Round(chain.Sensitivity[0], 0.1),
		"sensitivity_black_hole", mathx.Round(chain.Sensitivity[1], 0.1))
	return nil
}
