// Package config holds the configuration model for a flare capture sweep and
// its photo-response analysis, with loading and validation.
package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/nasa-jpl/flarelab/raw10"
	"github.com/nasa-jpl/flarelab/util"
)

// ROI roles
const (
	RoleReflectance = "reflectance"
	RoleDirectBeam  = "direct_beam"
	RoleBlackHole   = "black_hole"
)

// IlluminationProfile identifies one lighting condition
type IlluminationProfile struct {
	// Name is used for the run subdirectory and in every metadata record
	Name string `koanf:"name" yaml:"name" json:"name"`

	// Command is sent verbatim (plus the serial terminator) to the controller
	Command string `koanf:"command" yaml:"command" json:"command"`

	// SettleSeconds is the time to wait after sending Command before capturing
	SettleSeconds float64 `koanf:"settle_s" yaml:"settle_s" json:"settle_s"`

	// PWMPercent is descriptive only
	PWMPercent *float64 `koanf:"pwm_percent" yaml:"pwm_percent,omitempty" json:"pwm_percent,omitempty"`
}

// ExposureSequence is a group of exposure times captured under one profile
type ExposureSequence struct {
	Label      string `koanf:"label" yaml:"label" json:"label"`
	ExposureUS []int  `koanf:"exposure_us" yaml:"exposure_us" json:"exposure_us"`
	Gain       int    `koanf:"gain" yaml:"gain" json:"gain"`
	FrameCount int    `koanf:"frame_count" yaml:"frame_count" json:"frame_count"`
}

// Serial configures the illumination controller link
type Serial struct {
	// Port is the OS name of the serial port, e.g. /dev/ttyUSB0 or COM4.
	// If it looks like host:port, a TCP terminal server is used instead.
	Port string `koanf:"port" yaml:"port" json:"port"`

	Baud int `koanf:"baud" yaml:"baud" json:"baud"`

	// Terminator is appended to every command
	Terminator string `koanf:"terminator" yaml:"terminator" json:"terminator"`

	TimeoutSeconds float64 `koanf:"timeout_s" yaml:"timeout_s" json:"timeout_s"`

	// OffCommand de-energizes the illumination
	OffCommand string `koanf:"off_command" yaml:"off_command" json:"off_command"`
}

// Device configures the Android capture device
type Device struct {
	// ADB is the path to the adb executable
	ADB string `koanf:"adb" yaml:"adb" json:"adb"`

	// Serial selects a device when several are attached (adb -s)
	Serial string `koanf:"serial" yaml:"serial" json:"serial"`

	TimeoutSeconds float64 `koanf:"timeout_s" yaml:"timeout_s" json:"timeout_s"`

	CameraID   int    `koanf:"camera_id" yaml:"camera_id" json:"camera_id"`
	Resolution string `koanf:"resolution" yaml:"resolution" json:"resolution"`

	// RemoteRawDir is where the capture binary drops its output
	RemoteRawDir string `koanf:"remote_raw_dir" yaml:"remote_raw_dir" json:"remote_raw_dir"`

	// StopService is the background camera service stopped during prepare
	StopService string `koanf:"stop_service" yaml:"stop_service" json:"stop_service"`

	// CaptureBinary is the on-device capture tool
	CaptureBinary string `koanf:"capture_binary" yaml:"capture_binary" json:"capture_binary"`

	// CommandsPerSecond paces adb invocations
	CommandsPerSecond float64 `koanf:"commands_per_second" yaml:"commands_per_second" json:"commands_per_second"`
}

// Geometry describes the RAW10 frames produced by the device
type Geometry struct {
	Width  int `koanf:"width" yaml:"width" json:"width"`
	Height int `koanf:"height" yaml:"height" json:"height"`

	// Stride is the number of bytes per packed row, 0 for tightly packed
	Stride int `koanf:"stride" yaml:"stride" json:"stride"`

	// Header is the number of bytes to skip at the start of each file
	Header int `koanf:"header" yaml:"header" json:"header"`
}

// Scene maps an illumination profile to its measured scene illumination
type Scene struct {
	Illumination string  `koanf:"illumination" yaml:"illumination" json:"illumination"`
	Lux          float64 `koanf:"lux" yaml:"lux" json:"lux"`
}

// ROI is a region of interest as written in the configuration file
type ROI struct {
	Name        string   `koanf:"name" yaml:"name" json:"name"`
	Row         int      `koanf:"row" yaml:"row" json:"row"`
	Col         int      `koanf:"col" yaml:"col" json:"col"`
	HalfWidth   int      `koanf:"half_width" yaml:"half_width" json:"half_width"`
	Role        string   `koanf:"role" yaml:"role" json:"role"`
	Reflectance *float64 `koanf:"reflectance" yaml:"reflectance,omitempty" json:"reflectance,omitempty"`
}

// Window selects the ROIs used for the reflectance fit by trimming
// SkipHead ROIs from the front and SkipTail from the back of the ROI order
type Window struct {
	SkipHead int `koanf:"skip_head" yaml:"skip_head" json:"skip_head"`
	SkipTail int `koanf:"skip_tail" yaml:"skip_tail" json:"skip_tail"`
}

// Analysis controls post-capture reduction
type Analysis struct {
	Enabled       bool    `koanf:"enabled" yaml:"enabled" json:"enabled"`
	SequenceLabel string  `koanf:"sequence_label" yaml:"sequence_label" json:"sequence_label"`
	Scenes        []Scene `koanf:"scenes" yaml:"scenes" json:"scenes"`
	ROIs          []ROI   `koanf:"rois" yaml:"rois" json:"rois"`

	// DefaultHalfWidth is used for ROIs that do not set one
	DefaultHalfWidth int `koanf:"half_width" yaml:"half_width" json:"half_width"`

	// NDFilterRatio is the transmission (attenuated/unattenuated) of the
	// filter in front of the direct-beam ROI
	NDFilterRatio float64 `koanf:"nd_filter_ratio" yaml:"nd_filter_ratio" json:"nd_filter_ratio"`

	SaturationDN      float64 `koanf:"saturation_dn" yaml:"saturation_dn" json:"saturation_dn"`
	ReflectanceWindow Window  `koanf:"reflectance_window" yaml:"reflectance_window" json:"reflectance_window"`

	// UnitScale multiplies the reported sensitivity constants
	UnitScale float64 `koanf:"unit_scale" yaml:"unit_scale" json:"unit_scale"`

	// Workers bounds the number of frames loaded in parallel
	Workers int `koanf:"workers" yaml:"workers" json:"workers"`
}

// Events configures optional publication of sweep progress
type Events struct {
	KafkaBrokers []string `koanf:"kafka_brokers" yaml:"kafka_brokers" json:"kafka_brokers"`
	Topic        string   `koanf:"topic" yaml:"topic" json:"topic"`
}

// Config is the top level configuration for an experiment run
type Config struct {
	// Addr is the address the serve command listens at
	Addr string `koanf:"addr" yaml:"addr" json:"addr"`

	OutputRoot string `koanf:"output_root" yaml:"output_root" json:"output_root"`
	SceneName  string `koanf:"scene_name" yaml:"scene_name" json:"scene_name"`

	Serial   Serial   `koanf:"serial" yaml:"serial" json:"serial"`
	Device   Device   `koanf:"device" yaml:"device" json:"device"`
	Geometry Geometry `koanf:"geometry" yaml:"geometry" json:"geometry"`

	Illumination      []IlluminationProfile `koanf:"illumination" yaml:"illumination" json:"illumination"`
	ExposureSequences []ExposureSequence    `koanf:"exposure_sequences" yaml:"exposure_sequences" json:"exposure_sequences"`

	Analysis Analysis `koanf:"analysis" yaml:"analysis" json:"analysis"`
	Events   Events   `koanf:"events" yaml:"events" json:"events"`
}

// Default returns a configuration populated with the defaults of the
// reference rig (4032x3024 sensor, 19200 baud LED controller)
func Default() Config {
	return Config{
		Addr:       ":8000",
		OutputRoot: "captures",
		SceneName:  "flare",
		Serial: Serial{
			Baud:           19200,
			Terminator:     "\r",
			TimeoutSeconds: 2,
			OffCommand:     "OFF",
		},
		Device: Device{
			ADB:               "adb",
			TimeoutSeconds:    10,
			Resolution:        "4032x3024",
			RemoteRawDir:      "/data/vendor/camera",
			StopService:       "captureengineservice",
			CaptureBinary:     "camcapture",
			CommandsPerSecond: 5,
		},
		Geometry: Geometry{Width: 4032, Height: 3024, Stride: 5040},
		Analysis: Analysis{
			DefaultHalfWidth:  8,
			NDFilterRatio:     1,
			SaturationDN:      614,
			ReflectanceWindow: Window{SkipHead: 1, SkipTail: 2},
			UnitScale:         1000,
			Workers:           4,
		},
		Events: Events{Topic: "flarelab.sweep"},
	}
}

// ValidationError collects every problem found in a configuration
type ValidationError struct {
	Problems []string
}

// Error satisfies the error interface
func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// Validate checks the capture portion of the configuration, and the analysis
// portion if it is enabled.  It must be called before any hardware is touched.
func (c Config) Validate() error {
	ve := &ValidationError{}
	if c.OutputRoot == "" {
		ve.add("output_root is empty")
	}
	if c.SceneName == "" {
		ve.add("scene_name is empty")
	}
	if c.Serial.OffCommand == "" {
		ve.add("serial.off_command is empty")
	}
	if len(c.Illumination) == 0 {
		ve.add("at least one illumination profile must be defined")
	}
	names := make([]string, 0, len(c.Illumination))
	for i, il := range c.Illumination {
		if il.Name == "" {
			ve.add("illumination[%d] has no name", i)
		}
		if il.Command == "" {
			ve.add("illumination %q has no command", il.Name)
		}
		if il.SettleSeconds < 0 {
			ve.add("illumination %q has negative settle time", il.Name)
		}
		names = append(names, il.Name)
	}
	if len(util.UniqueString(names)) != len(names) {
		ve.add("illumination names must be unique")
	} else {
		sharedDirs(ve, "illumination names", names)
	}

	if len(c.ExposureSequences) == 0 {
		ve.add("at least one exposure sequence must be defined")
	}
	labels := make([]string, 0, len(c.ExposureSequences))
	for _, seq := range c.ExposureSequences {
		labels = append(labels, seq.Label)
		if err := seq.Validate(); err != nil {
			ve.add("%v", err)
		}
	}
	if len(util.UniqueString(labels)) != len(labels) {
		ve.add("exposure sequence labels must be unique")
	} else {
		sharedDirs(ve, "exposure sequence labels", labels)
	}

	if err := raw10.Geometry(c.Geometry).Validate(); err != nil {
		ve.add("geometry: %v", err)
	}

	if c.Analysis.Enabled {
		c.validateAnalysis(ve, true)
	}
	return ve.orNil()
}

// ValidateAnalysis checks the analysis parameters only, for reducing a run
// that was captured earlier.  ROIs are not checked, since a run's saved ROI
// set takes precedence over the configured one.
func (c Config) ValidateAnalysis() error {
	ve := &ValidationError{}
	c.validateAnalysis(ve, false)
	return ve.orNil()
}

// sharedDirs reports distinct names that map to the same directory in a run
func sharedDirs(ve *ValidationError, kind string, names []string) {
	seen := make(map[string]string, len(names))
	for _, n := range names {
		slug := util.Slugify(n)
		if prev, ok := seen[slug]; ok {
			ve.add("%s %q and %q share directory %q", kind, prev, n, slug)
			continue
		}
		seen[slug] = n
	}
}

// Validate checks a single exposure sequence
func (s ExposureSequence) Validate() error {
	if s.Label == "" {
		return fmt.Errorf("exposure sequence has no label")
	}
	if len(s.ExposureUS) == 0 {
		return fmt.Errorf("exposure sequence %q is empty", s.Label)
	}
	for _, e := range s.ExposureUS {
		if e <= 0 {
			return fmt.Errorf("exposure sequence %q has non-positive exposure %d", s.Label, e)
		}
	}
	if dup := util.DuplicateInts(s.ExposureUS); dup != nil {
		return fmt.Errorf("exposure sequence %q has duplicate exposures %s", s.Label, util.IntSliceToCSV(dup))
	}
	if s.FrameCount < 1 {
		return fmt.Errorf("exposure sequence %q frame_count must be at least 1", s.Label)
	}
	if s.Gain <= 0 {
		return fmt.Errorf("exposure sequence %q gain must be positive", s.Label)
	}
	return nil
}

func (c Config) validateAnalysis(ve *ValidationError, rois bool) {
	a := c.Analysis
	if _, ok := c.Sequence(a.SequenceLabel); !ok {
		ve.add("analysis sequence_label %q not found in exposure sequences", a.SequenceLabel)
	}
	if len(a.Scenes) < 2 {
		ve.add("analysis requires at least two scenes for the illumination-linearity fit")
	}
	for _, s := range a.Scenes {
		if _, ok := c.Profile(s.Illumination); !ok {
			ve.add("analysis scene references unknown illumination %q", s.Illumination)
		}
	}
	if a.NDFilterRatio <= 0 || a.NDFilterRatio > 1 {
		ve.add("analysis nd_filter_ratio must be in (0, 1], got %g", a.NDFilterRatio)
	}
	if a.SaturationDN <= 0 {
		ve.add("analysis saturation_dn must be positive")
	}
	if !(a.UnitScale > 0) || math.IsInf(a.UnitScale, 0) {
		ve.add("analysis unit_scale must be positive and finite, got %g", a.UnitScale)
	}
	if a.Workers < 0 {
		ve.add("analysis workers must not be negative")
	}
	if !rois {
		return
	}
	if err := ValidateROIs(a.ROIs, a.ReflectanceWindow); err != nil {
		ve.add("%v", err)
	}
}

// ValidateROIs checks names, roles, and that the reflectance window contains
// no role ROIs and at least two reflectance ROIs.  A role ROI landing inside
// the window usually means the ROI order changed since the window was chosen.
func ValidateROIs(rois []ROI, w Window) error {
	if len(rois) == 0 {
		return fmt.Errorf("analysis requires at least one ROI")
	}
	var (
		names      = make([]string, 0, len(rois))
		directBeam int
		blackHole  int
	)
	for _, r := range rois {
		names = append(names, r.Name)
		if r.Row < 0 || r.Col < 0 {
			return fmt.Errorf("ROI %q has negative coordinates", r.Name)
		}
		if r.HalfWidth < 0 {
			return fmt.Errorf("ROI %q has negative half_width", r.Name)
		}
		switch r.Role {
		case RoleReflectance:
			if r.Reflectance == nil {
				return fmt.Errorf("reflectance ROI %q has no reflectance value", r.Name)
			}
		case RoleDirectBeam:
			directBeam++
		case RoleBlackHole:
			blackHole++
		default:
			return fmt.Errorf("ROI %q has unknown role %q", r.Name, r.Role)
		}
	}
	if len(util.UniqueString(names)) != len(names) {
		return fmt.Errorf("ROI names must be unique")
	}
	if directBeam != 1 {
		return fmt.Errorf("analysis requires exactly one direct_beam ROI, found %d", directBeam)
	}
	if blackHole > 1 {
		return fmt.Errorf("analysis can have at most one black_hole ROI, found %d", blackHole)
	}
	if w.SkipHead < 0 || w.SkipTail < 0 || w.SkipHead+w.SkipTail >= len(rois) {
		return fmt.Errorf("reflectance window skip_head=%d skip_tail=%d leaves no ROIs of %d", w.SkipHead, w.SkipTail, len(rois))
	}
	inWindow := 0
	for _, r := range rois[w.SkipHead : len(rois)-w.SkipTail] {
		if r.Role != RoleReflectance {
			return fmt.Errorf("ROI %q with role %s falls inside the reflectance window", r.Name, r.Role)
		}
		inWindow++
	}
	if inWindow < 2 {
		return fmt.Errorf("reflectance window holds %d ROIs, at least two are needed", inWindow)
	}
	return nil
}

// Profile looks up an illumination profile by name
func (c Config) Profile(name string) (IlluminationProfile, bool) {
	for _, il := range c.Illumination {
		if il.Name == name {
			return il, true
		}
	}
	return IlluminationProfile{}, false
}

// Sequence looks up an exposure sequence by label
func (c Config) Sequence(label string) (ExposureSequence, bool) {
	for _, s := range c.ExposureSequences {
		if s.Label == label {
			return s, true
		}
	}
	return ExposureSequence{}, false
}
