/*Package photoresponse reduces the RAW16 frames of a capture run to
photo-response fits and a chain of cross-calibrations ending in two
scene-reflectance sensitivity constants.

The stages are:

	1.  extract the mean of each ROI's patch per (level, exposure)
	2.  fit signal against exposure over the unsaturated prefix, per (level, ROI)
	3.  subtract each fit's intercept from its row, for inspection
	4.  divide the direct-beam signal and fit by the ND filter transmission
	5.  fit photo-response slope against scene lux, per ROI
	6.  fit reflectance against illumination slope over the reflectance window,
	    once directly and once above the black hole's slope

Every stage produces new values; the SignalMatrix and earlier fits are never
modified.
*/
package photoresponse

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nasa-jpl/flarelab/config"
	"github.com/nasa-jpl/flarelab/framestore"
)

// AnalysisDir is the subdirectory of a run holding derived outputs
const AnalysisDir = "analysis"

// StoreSource reads the RAW16 frames of one exposure sequence of a run
type StoreSource struct {
	Store    *framestore.Store
	Sequence string
	Width    int
	Height   int
}

// Frames satisfies FrameSource
func (s StoreSource) Frames(ctx context.Context, level string, exposureUS int) ([]framestore.Frame, error) {
	paths, err := s.Store.Raw16Frames(level, s.Sequence, exposureUS)
	if err != nil {
		return nil, err
	}
	out := make([]framestore.Frame, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := framestore.ReadRaw16(p, s.Width, s.Height)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// ParamsFromConfig derives the reduction inputs from an analysis config
func ParamsFromConfig(c config.Config) (p Params, levels []string, exposures []int, err error) {
	a := c.Analysis
	seq, ok := c.Sequence(a.SequenceLabel)
	if !ok {
		return p, nil, nil, fmt.Errorf("analysis sequence %q not configured", a.SequenceLabel)
	}
	for _, s := range a.Scenes {
		levels = append(levels, s.Illumination)
		p.Lux = append(p.Lux, s.Lux)
	}
	p.NDRatio = a.NDFilterRatio
	p.Saturation = a.SaturationDN
	p.Window = a.ReflectanceWindow
	p.UnitScale = a.UnitScale
	return p, levels, seq.ExposureUS, nil
}

// resolveROIs prefers the ROI set persisted with the run.  If the
// configured set plays different roles a warning is logged, since the
// reflectance window and role indices would silently shift otherwise.
func resolveROIs(store *framestore.Store, configured []config.ROI, log *slog.Logger) ([]config.ROI, error) {
	set, ok, err := store.LoadROIs()
	if err != nil {
		return nil, err
	}
	if !ok {
		if len(configured) == 0 {
			return nil, fmt.Errorf("no ROIs configured and none saved in %s", store.Root)
		}
		return configured, store.SaveROIs(configured)
	}
	if fp := framestore.Fingerprint(set.ROIs); fp != set.Fingerprint {
		log.Warn("saved ROI set was edited after it was written", "saved", set.Fingerprint, "now", fp)
	}
	if len(configured) > 0 && framestore.Fingerprint(configured) != set.Fingerprint {
		log.Warn("configured ROIs differ in order or role from the set saved with the run; using the saved set",
			"saved", set.Fingerprint, "configured", framestore.Fingerprint(configured))
	}
	return set.ROIs, nil
}

// Analyze reduces a capture run and writes the measurement table and
// summary to <run>/analysis
func Analyze(ctx context.Context, store *framestore.Store, c config.Config, log *slog.Logger) (*Chain, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := c.ValidateAnalysis(); err != nil {
		return nil, err
	}
	a := c.Analysis
	p, levels, exposures, err := ParamsFromConfig(c)
	if err != nil {
		return nil, err
	}
	croi, err := resolveROIs(store, a.ROIs, log)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateROIs(croi, a.ReflectanceWindow); err != nil {
		return nil, err
	}
	rois := ROIsFromConfig(croi, a.DefaultHalfWidth)

	src := StoreSource{Store: store, Sequence: a.SequenceLabel, Width: c.Geometry.Width, Height: c.Geometry.Height}
	log.Info("extracting signal", "levels", len(levels), "exposures", len(exposures), "rois", len(rois), "workers", a.Workers)
	m, err := Extract(ctx, src, rois, levels, exposures, a.Workers)
	if err != nil {
		return nil, err
	}
	chain, err := Reduce(m, p)
	if err != nil {
		return nil, err
	}
	for _, f := range chain.Failures() {
		log.Warn("fit failed", "err", f)
	}
	log.Info("photo-response reduced",
		"valid_fits", chain.ValidFits(),
		"sensitivity", chain.Sensitivity[0],
		"sensitivity_black_hole", chain.Sensitivity[1])

	dir := filepath.Join(store.Root, AnalysisDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return chain, err
	}
	if err := writeFile(filepath.Join(dir, MeasurementsFile), chain.WriteCSV); err != nil {
		return chain, err
	}
	if err := writeFile(filepath.Join(dir, SummaryFile), chain.WriteSummary); err != nil {
		return chain, err
	}
	return chain, nil
}

func writeFile(path string, fill func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
