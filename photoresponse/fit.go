package photoresponse

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/nasa-jpl/flarelab/mathx"
)

var (
	// ErrInsufficientPoints is a fit with fewer than two usable points
	ErrInsufficientPoints = errors.New("fewer than two usable points")

	// ErrIllConditioned is a fit whose data cannot determine a line: all
	// zero, never increasing, constant abscissa, or non-finite values
	ErrIllConditioned = errors.New("ill-conditioned fit")

	// ErrExcluded marks a stage entry that does not apply to an ROI's role
	ErrExcluded = errors.New("not fit for this role")

	// ErrNoBlackHole is the black-hole referenced fit when no black-hole ROI exists
	ErrNoBlackHole = errors.New("no black_hole ROI configured")
)

// Fit is a first-degree polynomial, or the reason one could not be made.
// When Err is not nil Slope and Intercept are NaN.
type Fit struct {
	Slope     float64
	Intercept float64

	// Used is the number of points in the fit, Total the number offered
	Used  int
	Total int

	// Saturated is the number of points above the saturation threshold
	Saturated int

	Err error
}

// OK is true if the fit succeeded
func (f Fit) OK() bool {
	return f.Err == nil
}

// Eval returns the fitted value at x
func (f Fit) Eval(x float64) float64 {
	return f.Slope*x + f.Intercept
}

func failed(err error, used, total int) Fit {
	return Fit{Slope: math.NaN(), Intercept: math.NaN(), Used: used, Total: total, Err: err}
}

type fitJSON struct {
	Slope     *float64 `json:"slope"`
	Intercept *float64 `json:"intercept"`
	Used      int      `json:"used_points"`
	Total     int      `json:"total_points"`
	Saturated int      `json:"saturated_points"`
	Err       string   `json:"error,omitempty"`
}

func finitePtr(x float64) *float64 {
	if !mathx.Finite(x) {
		return nil
	}
	return &x
}

// MarshalJSON writes failed coefficients as null
func (f Fit) MarshalJSON() ([]byte, error) {
	out := fitJSON{
		Slope:     finitePtr(f.Slope),
		Intercept: finitePtr(f.Intercept),
		Used:      f.Used,
		Total:     f.Total,
		Saturated: f.Saturated,
	}
	if f.Err != nil {
		out.Err = f.Err.Error()
	}
	return json.Marshal(out)
}

// FitError locates a data-quality failure
type FitError struct {
	Stage string
	Level string
	ROI   string
	Err   error
}

func (e *FitError) Error() string {
	if e.Level == "" {
		return fmt.Sprintf("%s fit for ROI %s: %v", e.Stage, e.ROI, e.Err)
	}
	return fmt.Sprintf("%s fit for %s / ROI %s: %v", e.Stage, e.Level, e.ROI, e.Err)
}

func (e *FitError) Unwrap() error {
	return e.Err
}

// FitTruncated fits signal against exposure over the unsaturated prefix of
// the series: the points before the first value strictly above threshold.
// With no such value the whole series is used.  Fewer than two points in the
// prefix is ErrInsufficientPoints; a prefix that is all zero or never
// increases is ErrIllConditioned.
func FitTruncated(exposure, signal []float64, threshold float64) Fit {
	total := len(signal)
	if len(exposure) != total {
		return failed(fmt.Errorf("%w: %d exposures for %d signals", ErrIllConditioned, len(exposure), total), 0, total)
	}
	k := total
	saturated := 0
	for i, v := range signal {
		if v > threshold {
			if k == total {
				k = i
			}
			saturated++
		}
	}
	f := fitPrefix(exposure[:k], signal[:k], total)
	f.Saturated = saturated
	return f
}

func fitPrefix(x, y []float64, total int) Fit {
	n := len(y)
	if n < 2 {
		return failed(ErrInsufficientPoints, n, total)
	}
	allZero, rises := true, false
	for i, v := range y {
		if !mathx.Finite(v) || !mathx.Finite(x[i]) {
			return failed(fmt.Errorf("%w: non-finite value at %d", ErrIllConditioned, i), n, total)
		}
		if v != 0 {
			allZero = false
		}
		if i > 0 && v > y[i-1] {
			rises = true
		}
	}
	if allZero {
		return failed(fmt.Errorf("%w: signal is all zero", ErrIllConditioned), n, total)
	}
	if !rises {
		return failed(fmt.Errorf("%w: signal never increases", ErrIllConditioned), n, total)
	}
	return regress(x, y, total, false)
}

// FitLine is an ordinary least squares fit of y against x with no data
// shape requirements beyond two distinct abscissae
func FitLine(x, y []float64) Fit {
	if len(x) != len(y) {
		return failed(fmt.Errorf("%w: %d x for %d y", ErrIllConditioned, len(x), len(y)), 0, len(y))
	}
	if len(y) < 2 {
		return failed(ErrInsufficientPoints, len(y), len(y))
	}
	return regress(x, y, len(y), false)
}

// FitOrigin is a least squares fit of y = slope*x, forced through zero
func FitOrigin(x, y []float64) Fit {
	if len(x) != len(y) {
		return failed(fmt.Errorf("%w: %d x for %d y", ErrIllConditioned, len(x), len(y)), 0, len(y))
	}
	if len(y) < 2 {
		return failed(ErrInsufficientPoints, len(y), len(y))
	}
	return regress(x, y, len(y), true)
}

func regress(x, y []float64, total int, origin bool) Fit {
	n := len(y)
	for i := range x {
		if !mathx.Finite(x[i]) || !mathx.Finite(y[i]) {
			return failed(fmt.Errorf("%w: non-finite value at %d", ErrIllConditioned, i), n, total)
		}
	}
	if !origin && stat.Variance(x, nil) == 0 {
		return failed(fmt.Errorf("%w: abscissa is constant", ErrIllConditioned), n, total)
	}
	if origin {
		allZero := true
		for _, v := range x {
			if v != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			return failed(fmt.Errorf("%w: abscissa is zero", ErrIllConditioned), n, total)
		}
	}
	alpha, beta := stat.LinearRegression(x, y, nil, origin)
	if !mathx.Finite(alpha) || !mathx.Finite(beta) {
		return failed(fmt.Errorf("%w: regression did not converge", ErrIllConditioned), n, total)
	}
	return Fit{Slope: beta, Intercept: alpha, Used: n, Total: total}
}
