package photoresponse

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
)

func ExampleFitTruncated() {
	exposure := []float64{1, 2, 4, 8, 16}
	signal := []float64{50, 100, 200, 650, 700}
	f := FitTruncated(exposure, signal, 600)
	fmt.Printf("used %d of %d, slope %.1f\n", f.Used, f.Total, f.Slope)
	// Output: used 3 of 5, slope 50.0
}

func TestFitTruncatedWithoutSaturationUsesAll(t *testing.T) {
	f := FitTruncated([]float64{1, 2, 3, 4}, []float64{12, 14, 16, 18}, 600)
	if !f.OK() || f.Used != 4 || f.Saturated != 0 {
		t.Fatalf("expected a 4 point fit, got %+v", f)
	}
	if math.Abs(f.Slope-2) > 1e-12 || math.Abs(f.Intercept-10) > 1e-12 {
		t.Errorf("expected y = 2x + 10, got slope %v intercept %v", f.Slope, f.Intercept)
	}
}

func TestFitTruncatedInsufficientPoints(t *testing.T) {
	cases := [][]float64{
		{700, 100, 200},
		{50, 700, 800},
		{50},
		{},
	}
	for _, signal := range cases {
		x := make([]float64, len(signal))
		for i := range x {
			x[i] = float64(i + 1)
		}
		f := FitTruncated(x, signal, 600)
		if !errors.Is(f.Err, ErrInsufficientPoints) {
			t.Errorf("%v: expected ErrInsufficientPoints, got %v", signal, f.Err)
		}
		if !math.IsNaN(f.Slope) || !math.IsNaN(f.Intercept) {
			t.Errorf("%v: a failed fit must not carry coefficients, got %+v", signal, f)
		}
	}
}

func TestFitTruncatedSaturationStopsAtFirstExcursion(t *testing.T) {
	// a dip back under threshold after saturating is not used
	f := FitTruncated([]float64{1, 2, 3, 4, 5}, []float64{10, 20, 700, 40, 50}, 600)
	if f.Used != 2 || f.Saturated != 1 {
		t.Errorf("expected 2 used and 1 saturated, got %+v", f)
	}
}

func TestFitTruncatedIllConditioned(t *testing.T) {
	cases := map[string][]float64{
		"all zero":   {0, 0, 0, 0},
		"decreasing": {40, 30, 20, 10},
		"flat":       {25, 25, 25, 25},
		"nan":        {1, math.NaN(), 3, 4},
	}
	for name, signal := range cases {
		f := FitTruncated([]float64{1, 2, 3, 4}, signal, 600)
		if !errors.Is(f.Err, ErrIllConditioned) {
			t.Errorf("%s: expected ErrIllConditioned, got %v", name, f.Err)
		}
	}
}

func TestFitLineConstantAbscissa(t *testing.T) {
	f := FitLine([]float64{3, 3, 3}, []float64{1, 2, 3})
	if !errors.Is(f.Err, ErrIllConditioned) {
		t.Errorf("expected ErrIllConditioned, got %v", f.Err)
	}
}

func TestFitOrigin(t *testing.T) {
	f := FitOrigin([]float64{1, 2, 4}, []float64{3, 6, 12})
	if !f.OK() || math.Abs(f.Slope-3) > 1e-12 || f.Intercept != 0 {
		t.Errorf("expected y = 3x, got %+v", f)
	}
}

func TestFitJSONFailedIsNull(t *testing.T) {
	b, err := json.Marshal(FitTruncated([]float64{1}, []float64{1}, 600))
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if !strings.Contains(s, `"slope":null`) || !strings.Contains(s, "fewer than two") {
		t.Errorf("unexpected JSON %s", s)
	}
}
