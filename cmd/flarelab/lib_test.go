package main

import (
	"strings"
	"testing"

	"github.com/nasa-jpl/flarelab/sweep"
)

func TestProgress(t *testing.T) {
	if got := progress(sweep.Status{}); got != "preparing" {
		t.Errorf("expected preparing before the first profile, got %q", got)
	}
	got := progress(sweep.Status{Illumination: "LED 50", Sequence: "sweep", ExposureUS: 2000, Light: "on", GroupsDone: 1, GroupsTotal: 4})
	if !strings.HasPrefix(got, " 25% LED 50 sweep 2000us") {
		t.Errorf("unexpected progress line %q", got)
	}
}
