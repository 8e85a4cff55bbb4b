package mathx

import (
	"math"
	"testing"
)

func TestRound(t *testing.T) {
	cases := []struct {
		x, unit, want float64
	}{
		{1.2345, 0.01, 1.23},
		{-1.2355, 0.001, -1.236},
		{12.5, 1, 13},
	}
	for _, c := range cases {
		got := Round(c.x, c.unit)
		if math.Abs(got-c.want) > 1e-12 {
			t.Errorf("Round(%v, %v) = %v, expected %v", c.x, c.unit, got, c.want)
		}
	}
	if !math.IsNaN(Round(math.NaN(), 0.1)) {
		t.Error("expected NaN to pass through Round")
	}
}

func TestMean(t *testing.T) {
	if m := Mean([]float64{1, 2, 3, 4}); m != 2.5 {
		t.Errorf("expected mean 2.5, got %v", m)
	}
	if !math.IsNaN(Mean(nil)) {
		t.Error("expected NaN mean of empty slice")
	}
}
