package photoresponse

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/nasa-jpl/flarelab/config"
	"github.com/nasa-jpl/flarelab/framestore"
	"github.com/nasa-jpl/flarelab/mathx"
)

var (
	// ErrIncomplete is returned when a SignalMatrix has an unpopulated cell
	ErrIncomplete = errors.New("signal matrix incomplete")

	// ErrNoFrames is returned when a (level, exposure) cell has no frames
	ErrNoFrames = errors.New("no frames for cell")
)

// ROI is a square patch of side 2*HalfWidth+1 centred on (Row, Col)
type ROI struct {
	Name      string
	Row       int
	Col       int
	HalfWidth int
	Role      string

	// Reflectance is NaN for ROIs without a known reflectance
	Reflectance float64
}

// ROIsFromConfig converts configured ROIs, filling in defaultHalfWidth
func ROIsFromConfig(in []config.ROI, defaultHalfWidth int) []ROI {
	out := make([]ROI, len(in))
	for i, r := range in {
		hw := r.HalfWidth
		if hw == 0 {
			hw = defaultHalfWidth
		}
		refl := math.NaN()
		if r.Reflectance != nil {
			refl = *r.Reflectance
		}
		out[i] = ROI{Name: r.Name, Row: r.Row, Col: r.Col, HalfWidth: hw, Role: r.Role, Reflectance: refl}
	}
	return out
}

// SignalMatrix holds the mean patch signal for every (level, exposure, ROI).
// Cells are written once during extraction and read-only afterward.
type SignalMatrix struct {
	Levels    []string
	Exposures []int
	ROIs      []ROI

	data []float64
	set  []bool
}

// NewSignalMatrix allocates an empty matrix
func NewSignalMatrix(levels []string, exposures []int, rois []ROI) *SignalMatrix {
	n := len(levels) * len(exposures) * len(rois)
	return &SignalMatrix{
		Levels:    levels,
		Exposures: exposures,
		ROIs:      rois,
		data:      make([]float64, n),
		set:       make([]bool, n),
	}
}

func (m *SignalMatrix) index(level, exposure, roi int) int {
	return (level*len(m.Exposures)+exposure)*len(m.ROIs) + roi
}

// Set populates one cell.  Distinct cells may be set concurrently.
func (m *SignalMatrix) Set(level, exposure, roi int, v float64) {
	i := m.index(level, exposure, roi)
	m.data[i] = v
	m.set[i] = true
}

// At returns one cell
func (m *SignalMatrix) At(level, exposure, roi int) float64 {
	return m.data[m.index(level, exposure, roi)]
}

// Row returns a copy of the signal of one ROI at one level, in exposure order
func (m *SignalMatrix) Row(level, roi int) []float64 {
	out := make([]float64, len(m.Exposures))
	for e := range m.Exposures {
		out[e] = m.At(level, e, roi)
	}
	return out
}

// ExposureAxis returns the exposures as float64
func (m *SignalMatrix) ExposureAxis() []float64 {
	out := make([]float64, len(m.Exposures))
	for i, e := range m.Exposures {
		out[i] = float64(e)
	}
	return out
}

// Complete returns an error naming the first unpopulated cell, if any
func (m *SignalMatrix) Complete() error {
	if len(m.set) == 0 {
		return fmt.Errorf("%w: matrix is empty", ErrIncomplete)
	}
	for l := range m.Levels {
		for e := range m.Exposures {
			for r := range m.ROIs {
				if !m.set[m.index(l, e, r)] {
					return fmt.Errorf("%w: %s / %dus / ROI %s", ErrIncomplete, m.Levels[l], m.Exposures[e], m.ROIs[r].Name)
				}
			}
		}
	}
	return nil
}

// FrameSource supplies the frames of one (level, exposure) cell
type FrameSource interface {
	Frames(ctx context.Context, level string, exposureUS int) ([]framestore.Frame, error)
}

// Extract builds a SignalMatrix.  Each (level, exposure) cell loads its
// frames once and measures every ROI in them; when a cell has several frames
// the per-frame means are averaged.  Cells are processed by up to workers
// goroutines.
func Extract(ctx context.Context, src FrameSource, rois []ROI, levels []string, exposures []int, workers int) (*SignalMatrix, error) {
	m := NewSignalMatrix(levels, exposures, rois)
	g, ctx := errgroup.WithContext(ctx)
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for l := range levels {
		for e := range exposures {
			l, e := l, e
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return extractCell(ctx, src, m, l, e)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return m, m.Complete()
}

func extractCell(ctx context.Context, src FrameSource, m *SignalMatrix, l, e int) error {
	level, exp := m.Levels[l], m.Exposures[e]
	frames, err := src.Frames(ctx, level, exp)
	if err != nil {
		return fmt.Errorf("%s / %dus: %w", level, exp, err)
	}
	if len(frames) == 0 {
		return fmt.Errorf("%w: %s / %dus", ErrNoFrames, level, exp)
	}
	means := make([]float64, len(frames))
	for r, roi := range m.ROIs {
		for i, f := range frames {
			v, err := f.PatchMean(roi.Row, roi.Col, roi.HalfWidth)
			if err != nil {
				return fmt.Errorf("ROI %s: %w", roi.Name, err)
			}
			means[i] = v
		}
		m.Set(l, e, r, mathx.Mean(means))
	}
	return nil
}
