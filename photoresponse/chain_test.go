package photoresponse

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"

	"github.com/nasa-jpl/flarelab/config"
	"github.com/nasa-jpl/flarelab/framestore"
)

// scene is a synthetic rig: signal = 20 + k*lux*exposure_ms, with the
// direct beam bright enough to saturate from the second exposure of the
// brightest level
type scene struct {
	levels    []string
	lux       []float64
	exposures []int
	rois      []ROI
	k         []float64
	w, h      int
}

func newScene() scene {
	s := scene{
		levels:    []string{"low", "mid", "high"},
		lux:       []float64{100, 200, 400},
		exposures: []int{1000, 2000, 3000, 4000, 5000, 6000, 7000, 8000, 9000},
		w:         48,
		h:         48,
	}
	type def struct {
		name, role string
		refl       float64
		k          float64
	}
	defs := []def{
		{"specular", config.RoleReflectance, 0.95, 0.1425},
		{"r80", config.RoleReflectance, 0.8, 0.12},
		{"r50", config.RoleReflectance, 0.5, 0.075},
		{"r20", config.RoleReflectance, 0.2, 0.03},
		{"hole", config.RoleBlackHole, math.NaN(), 0.015},
		{"beam", config.RoleDirectBeam, math.NaN(), 0.95},
	}
	for i, d := range defs {
		s.rois = append(s.rois, ROI{Name: d.name, Row: 4 + 7*i, Col: 10, HalfWidth: 2, Role: d.role, Reflectance: d.refl})
		s.k = append(s.k, d.k)
	}
	return s
}

func (s scene) signal(level, exposure, roi int) float64 {
	return 20 + s.k[roi]*s.lux[level]*float64(s.exposures[exposure])/1000
}

func (s scene) params() Params {
	return Params{Lux: s.lux, NDRatio: 0.01, Saturation: 614, Window: config.Window{SkipHead: 1, SkipTail: 2}, UnitScale: 1000}
}

func (s scene) levelIndex(level string) int {
	for i, l := range s.levels {
		if l == level {
			return i
		}
	}
	return -1
}

func (s scene) exposureIndex(exp int) int {
	for i, e := range s.exposures {
		if e == exp {
			return i
		}
	}
	return -1
}

// frames renders a cell as two frames whose patches straddle the rounded
// signal by one count, so their average is the rounded signal
func (s scene) frames(level string, exp int) []framestore.Frame {
	l, e := s.levelIndex(level), s.exposureIndex(exp)
	a, b := framestore.NewFrame(s.w, s.h), framestore.NewFrame(s.w, s.h)
	for r, roi := range s.rois {
		v := uint16(math.Round(s.signal(l, e, r)))
		for y := roi.Row - roi.HalfWidth; y <= roi.Row+roi.HalfWidth; y++ {
			for x := roi.Col - roi.HalfWidth; x <= roi.Col+roi.HalfWidth; x++ {
				a.Pix[y*s.w+x] = v - 1
				b.Pix[y*s.w+x] = v + 1
			}
		}
	}
	return []framestore.Frame{a, b}
}

type sceneSource struct {
	scene
	loads int64
}

func (src *sceneSource) Frames(ctx context.Context, level string, exp int) ([]framestore.Frame, error) {
	atomic.AddInt64(&src.loads, 1)
	if src.levelIndex(level) < 0 || src.exposureIndex(exp) < 0 {
		return nil, fmt.Errorf("no such cell %s/%d", level, exp)
	}
	return src.frames(level, exp), nil
}

func TestEndToEndThreeLevelsNineExposuresSixROIs(t *testing.T) {
	s := newScene()
	src := &sceneSource{scene: s}
	m, err := Extract(context.Background(), src, s.rois, s.levels, s.exposures, 4)
	if err != nil {
		t.Fatal(err)
	}
	if src.loads != int64(len(s.levels)*len(s.exposures)) {
		t.Errorf("expected one load per (level, exposure), got %d", src.loads)
	}
	if got, want := m.At(1, 2, 3), math.Round(s.signal(1, 2, 3)); got != want {
		t.Errorf("expected averaged cell %v, got %v", want, got)
	}

	c, err := Reduce(m, s.params())
	if err != nil {
		t.Fatal(err)
	}
	entries := 0
	for _, row := range c.Fits {
		entries += len(row)
	}
	if entries != 18 || c.ValidFits() != 17 {
		t.Fatalf("expected 18 entries with 17 valid, got %d with %d", entries, c.ValidFits())
	}
	degenerate := c.Fits[2][5]
	if !errors.Is(degenerate.Err, ErrInsufficientPoints) || degenerate.Used != 1 {
		t.Errorf("expected the bright direct beam to be degenerate with one point, got %+v", degenerate)
	}
	if c.Fits[0][5].Used != 6 || c.Fits[1][5].Used != 3 {
		t.Errorf("unexpected direct beam prefixes %d and %d", c.Fits[0][5].Used, c.Fits[1][5].Used)
	}
	for i, v := range c.Sensitivity {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("sensitivity %d is not finite: %v", i, v)
		}
	}
	// reflectance = k/0.15 so reflectance per unit illumination slope is 1000/0.15
	want := 1000 / 0.15 * 1000
	if math.Abs(c.Sensitivity[0]-want)/want > 0.01 {
		t.Errorf("expected sensitivity near %.4g, got %.4g", want, c.Sensitivity[0])
	}
	if !errors.Is(c.Illumination[5].Err, ErrExcluded) || !errors.Is(c.Illumination[4].Err, ErrExcluded) {
		t.Error("expected direct beam and black hole excluded from the illumination fits")
	}
	if !c.BlackHoleIllumination.OK() {
		t.Errorf("expected a black hole illumination fit, got %v", c.BlackHoleIllumination.Err)
	}
	if len(c.Failures()) != 1 {
		t.Errorf("expected exactly one failure, got %v", c.Failures())
	}
}

func TestNDCorrectionDoesNotCascade(t *testing.T) {
	s := newScene()
	m := NewSignalMatrix(s.levels, s.exposures, s.rois)
	for l := range s.levels {
		for e := range s.exposures {
			for r := range s.rois {
				m.Set(l, e, r, s.signal(l, e, r))
			}
		}
	}
	p := s.params()
	first, err := Reduce(m, p)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Reduce(m, p)
	if err != nil {
		t.Fatal(err)
	}
	for l := range s.levels {
		for e := range s.exposures {
			raw := s.signal(l, e, 5)
			if m.At(l, e, 5) != raw {
				t.Fatalf("the matrix was modified at %d,%d", l, e)
			}
			if first.NDSignal[l][e] != raw/p.NDRatio || second.NDSignal[l][e] != first.NDSignal[l][e] {
				t.Fatalf("ND correction applied more than once at %d,%d: %v then %v", l, e, first.NDSignal[l][e], second.NDSignal[l][e])
			}
		}
		f, nd := first.Fits[l][5], first.NDFits[l]
		if f.OK() && math.Abs(nd.Slope-f.Slope/p.NDRatio) > 1e-9*math.Abs(nd.Slope) {
			t.Errorf("level %d: ND fit slope %v is not %v / %v", l, nd.Slope, f.Slope, p.NDRatio)
		}
	}
}

func TestReduceIncompleteMatrix(t *testing.T) {
	s := newScene()
	m := NewSignalMatrix(s.levels, s.exposures, s.rois)
	m.Set(0, 0, 0, 1)
	if _, err := Reduce(m, s.params()); !errors.Is(err, ErrIncomplete) {
		t.Errorf("expected ErrIncomplete, got %v", err)
	}
}

func TestReduceRejectsUnitScale(t *testing.T) {
	s := newScene()
	m := NewSignalMatrix(s.levels, s.exposures, s.rois)
	for l := range s.levels {
		for e := range s.exposures {
			for r := range s.rois {
				m.Set(l, e, r, s.signal(l, e, r))
			}
		}
	}
	for _, scale := range []float64{0, -1000, math.NaN(), math.Inf(1)} {
		p := s.params()
		p.UnitScale = scale
		if _, err := Reduce(m, p); err == nil {
			t.Errorf("expected unit scale %v to be rejected", scale)
		}
	}
}

func TestReduceRoleInWindow(t *testing.T) {
	s := newScene()
	// move the black hole into the middle of the window
	s.rois[2], s.rois[4] = s.rois[4], s.rois[2]
	m := NewSignalMatrix(s.levels, s.exposures, s.rois)
	for l := range s.levels {
		for e := range s.exposures {
			for r := range s.rois {
				m.Set(l, e, r, 1)
			}
		}
	}
	if _, err := Reduce(m, s.params()); !errors.Is(err, ErrRoles) {
		t.Errorf("expected ErrRoles, got %v", err)
	}
}

func TestReduceIllConditionedRowIsReported(t *testing.T) {
	s := newScene()
	m := NewSignalMatrix(s.levels, s.exposures, s.rois)
	for l := range s.levels {
		for e := range s.exposures {
			for r := range s.rois {
				v := s.signal(l, e, r)
				if l == 0 && r == 1 {
					v = 0
				}
				m.Set(l, e, r, v)
			}
		}
	}
	c, err := Reduce(m, s.params())
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(c.Fits[0][1].Err, ErrIllConditioned) {
		t.Errorf("expected an all-zero row to be ill-conditioned, got %v", c.Fits[0][1].Err)
	}
	if c.SkippedLevels[1] != 1 || !c.Illumination[1].OK() {
		t.Errorf("expected the level to be skipped and the illumination fit to survive, got %d %v", c.SkippedLevels[1], c.Illumination[1].Err)
	}
	if c.OffsetCorrected[0][1] != nil {
		t.Error("expected no offset correction for a failed fit")
	}
}

func TestExtractROIOutsideFrame(t *testing.T) {
	s := newScene()
	rois := append([]ROI(nil), s.rois...)
	rois[0].Row = 1
	_, err := Extract(context.Background(), &sceneSource{scene: s}, rois, s.levels, s.exposures, 2)
	if !errors.Is(err, framestore.ErrPatchBounds) {
		t.Errorf("expected ErrPatchBounds, got %v", err)
	}
}
