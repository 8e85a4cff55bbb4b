package photoresponse

import (
	"errors"
	"fmt"
	"math"

	"github.com/nasa-jpl/flarelab/config"
)

// ErrRoles is returned when the ROI roles do not support the chain
var ErrRoles = errors.New("ROI roles inconsistent with reduction")

// Params are the scene parameters of a reduction
type Params struct {
	// Lux is the measured scene illumination of each level, in level order
	Lux []float64

	// NDRatio is the transmission of the filter over the direct-beam ROI
	NDRatio float64

	// Saturation is the signal above which points are excluded from a fit
	Saturation float64

	// Window selects the reflectance ROIs by position
	Window config.Window

	// UnitScale multiplies the reported sensitivity constants
	UnitScale float64
}

// Chain holds the output of every stage.  Nothing in a Chain is modified
// after Reduce returns, and no stage modifies the output of an earlier one.
type Chain struct {
	Matrix *SignalMatrix
	Params Params

	// Fits is the saturation-truncated fit of signal against exposure,
	// indexed [level][roi]
	Fits [][]Fit

	// OffsetCorrected is signal minus the fit intercept, [level][roi][exposure].
	// Rows whose fit failed are nil.
	OffsetCorrected [][][]float64

	// DirectBeam is the index of the direct-beam ROI, BlackHole of the
	// black-hole ROI or -1
	DirectBeam int
	BlackHole  int

	// NDSignal and NDFits are the direct-beam signal and fit divided by the
	// ND transmission, indexed [level][exposure] and [level]
	NDSignal [][]float64
	NDFits   []Fit

	// Illumination is the fit of photo-response slope against lux per ROI.
	// Entries for the direct beam and black hole carry ErrExcluded.
	Illumination []Fit

	// SkippedLevels counts, per ROI, levels left out of the illumination
	// fit because their photo-response fit failed
	SkippedLevels []int

	// BlackHoleIllumination is the illumination fit of the black-hole ROI
	BlackHoleIllumination Fit

	// Reflectance is reflectance against illumination slope over the window
	Reflectance Fit

	// ReflectanceBlackHole is reflectance against illumination slope above
	// the black hole's, forced through zero
	ReflectanceBlackHole Fit

	// Sensitivity are the two reported constants, NaN where a fit failed
	Sensitivity [2]float64
}

// ReflectanceWindow returns the ROI indices [lo, hi) used for the
// reflectance fit
func (c *Chain) ReflectanceWindow() (lo, hi int) {
	return c.Params.Window.SkipHead, len(c.Matrix.ROIs) - c.Params.Window.SkipTail
}

func checkRoles(rois []ROI, w config.Window) (beam, hole int, err error) {
	beam, hole = -1, -1
	for i, r := range rois {
		switch r.Role {
		case config.RoleDirectBeam:
			if beam >= 0 {
				return 0, 0, fmt.Errorf("%w: more than one direct_beam ROI", ErrRoles)
			}
			beam = i
		case config.RoleBlackHole:
			if hole >= 0 {
				return 0, 0, fmt.Errorf("%w: more than one black_hole ROI", ErrRoles)
			}
			hole = i
		}
	}
	if beam < 0 {
		return 0, 0, fmt.Errorf("%w: no direct_beam ROI", ErrRoles)
	}
	lo, hi := w.SkipHead, len(rois)-w.SkipTail
	if lo < 0 || w.SkipTail < 0 || hi-lo < 2 {
		return 0, 0, fmt.Errorf("%w: reflectance window [%d,%d) of %d ROIs holds fewer than two", ErrRoles, lo, hi, len(rois))
	}
	for i := lo; i < hi; i++ {
		if rois[i].Role != config.RoleReflectance {
			return 0, 0, fmt.Errorf("%w: ROI %d (%s) in the reflectance window has role %s", ErrRoles, i, rois[i].Name, rois[i].Role)
		}
		if math.IsNaN(rois[i].Reflectance) {
			return 0, 0, fmt.Errorf("%w: ROI %s has no reflectance", ErrRoles, rois[i].Name)
		}
	}
	return beam, hole, nil
}

// Reduce runs the calibration chain over a complete SignalMatrix.  Input
// problems (incomplete matrix, bad roles, wrong number of lux values) are
// returned as errors; data-quality failures are recorded on the
// individual fits and listed by Failures.
func Reduce(m *SignalMatrix, p Params) (*Chain, error) {
	if err := m.Complete(); err != nil {
		return nil, err
	}
	if len(p.Lux) != len(m.Levels) {
		return nil, fmt.Errorf("%d lux values for %d illumination levels", len(p.Lux), len(m.Levels))
	}
	if p.NDRatio <= 0 || p.NDRatio > 1 {
		return nil, fmt.Errorf("ND ratio must be in (0, 1], got %g", p.NDRatio)
	}
	if !(p.UnitScale > 0) || math.IsInf(p.UnitScale, 0) {
		return nil, fmt.Errorf("unit scale must be positive and finite, got %g", p.UnitScale)
	}
	beam, hole, err := checkRoles(m.ROIs, p.Window)
	if err != nil {
		return nil, err
	}
	c := &Chain{Matrix: m, Params: p, DirectBeam: beam, BlackHole: hole}
	c.fitPhotoResponse()
	c.offsetCorrect()
	c.correctND()
	c.fitIllumination()
	c.fitReflectance()
	return c, nil
}

func (c *Chain) fitPhotoResponse() {
	m := c.Matrix
	x := m.ExposureAxis()
	c.Fits = make([][]Fit, len(m.Levels))
	for l := range m.Levels {
		c.Fits[l] = make([]Fit, len(m.ROIs))
		for r := range m.ROIs {
			c.Fits[l][r] = FitTruncated(x, m.Row(l, r), c.Params.Saturation)
		}
	}
}

func (c *Chain) offsetCorrect() {
	m := c.Matrix
	c.OffsetCorrected = make([][][]float64, len(m.Levels))
	for l := range m.Levels {
		c.OffsetCorrected[l] = make([][]float64, len(m.ROIs))
		for r := range m.ROIs {
			f := c.Fits[l][r]
			if !f.OK() {
				continue
			}
			row := m.Row(l, r)
			for i := range row {
				row[i] -= f.Intercept
			}
			c.OffsetCorrected[l][r] = row
		}
	}
}

// correctND derives new series and fits for the direct beam.  The matrix and
// the step-2 fits are left untouched, so running Reduce again on the same
// matrix divides by the ratio exactly once.
func (c *Chain) correctND() {
	m := c.Matrix
	ratio := c.Params.NDRatio
	c.NDSignal = make([][]float64, len(m.Levels))
	c.NDFits = make([]Fit, len(m.Levels))
	for l := range m.Levels {
		row := m.Row(l, c.DirectBeam)
		for i := range row {
			row[i] /= ratio
		}
		c.NDSignal[l] = row
		f := c.Fits[l][c.DirectBeam]
		if f.OK() {
			f.Slope /= ratio
			f.Intercept /= ratio
		}
		c.NDFits[l] = f
	}
}

// illuminationFit fits photo-response slope against lux for one ROI over
// the levels whose photo-response fit succeeded
func (c *Chain) illuminationFit(r int) (Fit, int) {
	var x, y []float64
	skipped := 0
	for l := range c.Matrix.Levels {
		f := c.Fits[l][r]
		if !f.OK() {
			skipped++
			continue
		}
		x = append(x, c.Params.Lux[l])
		y = append(y, f.Slope)
	}
	fit := FitLine(x, y)
	fit.Total = len(c.Matrix.Levels)
	return fit, skipped
}

func (c *Chain) fitIllumination() {
	n := len(c.Matrix.ROIs)
	c.Illumination = make([]Fit, n)
	c.SkippedLevels = make([]int, n)
	c.BlackHoleIllumination = failed(ErrNoBlackHole, 0, 0)
	for r := 0; r < n; r++ {
		fit, skipped := c.illuminationFit(r)
		c.SkippedLevels[r] = skipped
		switch r {
		case c.DirectBeam:
			c.Illumination[r] = failed(ErrExcluded, 0, 0)
		case c.BlackHole:
			c.Illumination[r] = failed(ErrExcluded, 0, 0)
			c.BlackHoleIllumination = fit
		default:
			c.Illumination[r] = fit
		}
	}
}

func (c *Chain) fitReflectance() {
	lo, hi := c.ReflectanceWindow()
	var x, xRef, y []float64
	bh := c.BlackHoleIllumination
	for r := lo; r < hi; r++ {
		f := c.Illumination[r]
		if !f.OK() {
			continue
		}
		x = append(x, f.Slope)
		y = append(y, c.Matrix.ROIs[r].Reflectance)
		if bh.OK() {
			xRef = append(xRef, f.Slope-bh.Slope)
		}
	}
	c.Reflectance = FitLine(x, y)
	c.Reflectance.Total = hi - lo
	if bh.OK() {
		c.ReflectanceBlackHole = FitOrigin(xRef, y)
		c.ReflectanceBlackHole.Total = hi - lo
	} else if c.BlackHole < 0 {
		c.ReflectanceBlackHole = failed(ErrNoBlackHole, 0, hi-lo)
	} else {
		c.ReflectanceBlackHole = failed(fmt.Errorf("black hole illumination fit failed: %w", bh.Err), 0, hi-lo)
	}

	c.Sensitivity = [2]float64{math.NaN(), math.NaN()}
	if c.Reflectance.OK() {
		c.Sensitivity[0] = c.Reflectance.Slope * c.Params.UnitScale
	}
	if c.ReflectanceBlackHole.OK() {
		c.Sensitivity[1] = c.ReflectanceBlackHole.Slope * c.Params.UnitScale
	}
}

// Failures lists every failed fit except the entries excluded by role
func (c *Chain) Failures() []error {
	var out []error
	m := c.Matrix
	for l := range c.Fits {
		for r, f := range c.Fits[l] {
			if !f.OK() {
				out = append(out, &FitError{Stage: "photo-response", Level: m.Levels[l], ROI: m.ROIs[r].Name, Err: f.Err})
			}
		}
	}
	for r, f := range c.Illumination {
		if !f.OK() && !errors.Is(f.Err, ErrExcluded) {
			out = append(out, &FitError{Stage: "illumination", ROI: m.ROIs[r].Name, Err: f.Err})
		}
	}
	if c.BlackHole >= 0 && !c.BlackHoleIllumination.OK() {
		out = append(out, &FitError{Stage: "illumination", ROI: m.ROIs[c.BlackHole].Name, Err: c.BlackHoleIllumination.Err})
	}
	if !c.Reflectance.OK() {
		out = append(out, &FitError{Stage: "reflectance", ROI: "window", Err: c.Reflectance.Err})
	}
	if !c.ReflectanceBlackHole.OK() {
		out = append(out, &FitError{Stage: "reflectance (black hole)", ROI: "window", Err: c.ReflectanceBlackHole.Err})
	}
	return out
}

// ValidFits counts successful photo-response fits
func (c *Chain) ValidFits() int {
	n := 0
	for _, row := range c.Fits {
		for _, f := range row {
			if f.OK() {
				n++
			}
		}
	}
	return n
}
