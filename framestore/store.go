package framestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/flarelab/config"
	"github.com/nasa-jpl/flarelab/util"
)

// file names of the metadata records
const (
	SweepFile     = "config.json"
	SequencesFile = "sequences.json"
	CaptureFile   = "capture.json"
	ROIFile       = "rois.json"

	Raw10Dir = "raw10"
	Raw16Dir = "raw16"
)

// ErrMissingRecord is returned when an expected metadata file is absent
var ErrMissingRecord = errors.New("expected metadata file missing")

// SweepRecord is written once at the start of a run, before any hardware
// command is issued
type SweepRecord struct {
	RunID   string        `json:"run_id"`
	Started time.Time     `json:"started"`
	Host    string        `json:"host,omitempty"`
	Config  config.Config `json:"config"`
}

// SequencesRecord is written per illumination profile
type SequencesRecord struct {
	Illumination string                    `json:"illumination"`
	Sequences    []config.ExposureSequence `json:"sequences"`
}

// CaptureRecord is written per exposure of a capture group
type CaptureRecord struct {
	Illumination config.IlluminationProfile `json:"illumination"`
	Sequence     string                     `json:"sequence"`
	ExposureUS   int                        `json:"exposure_us"`
	Gain         int                        `json:"gain"`
	FrameCount   int                        `json:"frame_count"`
	Raw10        []string                   `json:"raw10"`
	Raw16        []string                   `json:"raw16"`

	// Digests maps file names (relative to the exposure directory) to CRC-32
	Digests map[string]string `json:"digests,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// GroupRecord summarizes one (illumination x exposure sequence) pairing
type GroupRecord struct {
	Illumination string          `json:"illumination"`
	Sequence     string          `json:"sequence"`
	Started      time.Time       `json:"started"`
	Finished     time.Time       `json:"finished"`
	Exposures    []CaptureRecord `json:"exposures"`
	Failed       int             `json:"failed"`
}

// Store is the directory of a single capture run
type Store struct {
	Root string
}

// RunName is the directory name of a run started at t
func RunName(scene string, t time.Time) string {
	return fmt.Sprintf("%s_%s", util.Slugify(scene), t.Format("20060102_150405"))
}

// Create makes a new run directory under outputRoot
func Create(outputRoot, scene string, t time.Time) (*Store, error) {
	root := filepath.Join(outputRoot, RunName(scene, t))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{Root: root}, nil
}

// Open opens an existing run directory
func Open(root string) (*Store, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return &Store{Root: root}, nil
}

// Latest returns the most recently modified run under outputRoot that has a
// sweep record
func Latest(outputRoot string) (*Store, error) {
	entries, err := os.ReadDir(outputRoot)
	if err != nil {
		return nil, err
	}
	var (
		best    string
		bestMod time.Time
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(outputRoot, e.Name())
		st, err := os.Stat(filepath.Join(p, SweepFile))
		if err != nil {
			continue
		}
		if best == "" || st.ModTime().After(bestMod) {
			best, bestMod = p, st.ModTime()
		}
	}
	if best == "" {
		return nil, fmt.Errorf("no capture runs in %s", outputRoot)
	}
	return &Store{Root: best}, nil
}

// IlluminationDir is the directory holding every group of one profile
func (s *Store) IlluminationDir(illumination string) string {
	return filepath.Join(s.Root, util.Slugify(illumination))
}

// ExposureDir is <run>/<illumination>/<label>_<exposure>us
func (s *Store) ExposureDir(illumination, label string, exposureUS int) string {
	return filepath.Join(s.IlluminationDir(illumination), util.Slugify(label)+"_"+strconv.Itoa(exposureUS)+"us")
}

// GroupFile is the path of the group record for a profile and sequence
func (s *Store) GroupFile(illumination, label string) string {
	return filepath.Join(s.IlluminationDir(illumination), util.Slugify(label)+".json")
}

// Raw16Name is the converted file name for a raw10 file
func Raw16Name(raw10Path string) string {
	base := filepath.Base(raw10Path)
	return strings.TrimSuffix(base, filepath.Ext(base)) + "_16.raw"
}

// WriteJSON writes v as indented JSON, creating parent directories
func WriteJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// ReadJSON decodes the JSON file at path into v
func ReadJSON(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrMissingRecord, path)
		}
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// WriteSweep persists the sweep record
func (s *Store) WriteSweep(r SweepRecord) error {
	return WriteJSON(filepath.Join(s.Root, SweepFile), r)
}

// ReadSweep loads the sweep record
func (s *Store) ReadSweep() (SweepRecord, error) {
	var r SweepRecord
	err := ReadJSON(filepath.Join(s.Root, SweepFile), &r)
	return r, err
}

// WriteSequences persists the per-illumination record
func (s *Store) WriteSequences(r SequencesRecord) error {
	return WriteJSON(filepath.Join(s.IlluminationDir(r.Illumination), SequencesFile), r)
}

// WriteCapture persists the record of one exposure
func (s *Store) WriteCapture(r CaptureRecord) error {
	dir := s.ExposureDir(r.Illumination.Name, r.Sequence, r.ExposureUS)
	return WriteJSON(filepath.Join(dir, CaptureFile), r)
}

// ReadCapture loads the record of one exposure
func (s *Store) ReadCapture(illumination, label string, exposureUS int) (CaptureRecord, error) {
	var r CaptureRecord
	err := ReadJSON(filepath.Join(s.ExposureDir(illumination, label, exposureUS), CaptureFile), &r)
	return r, err
}

// WriteGroup persists a group record
func (s *Store) WriteGroup(r GroupRecord) error {
	return WriteJSON(s.GroupFile(r.Illumination, r.Sequence), r)
}

// ReadGroup loads a group record
func (s *Store) ReadGroup(illumination, label string) (GroupRecord, error) {
	var r GroupRecord
	err := ReadJSON(s.GroupFile(illumination, label), &r)
	return r, err
}

// Raw16Frames lists the converted frames of one exposure.  The capture
// record is preferred; the raw16 directory is scanned if it names none.
func (s *Store) Raw16Frames(illumination, label string, exposureUS int) ([]string, error) {
	dir := s.ExposureDir(illumination, label, exposureUS)
	rec, err := s.ReadCapture(illumination, label, exposureUS)
	if err != nil && !errors.Is(err, ErrMissingRecord) {
		return nil, err
	}
	if err == nil && rec.Error != "" {
		return nil, fmt.Errorf("capture %s/%s/%dus failed: %s", illumination, label, exposureUS, rec.Error)
	}
	if len(rec.Raw16) > 0 {
		out := make([]string, len(rec.Raw16))
		for i, name := range rec.Raw16 {
			out[i] = filepath.Join(dir, Raw16Dir, name)
		}
		sort.Strings(out)
		return out, nil
	}
	return ListRaw(filepath.Join(dir, Raw16Dir))
}

func isMissing(err error) bool {
	return errors.Is(err, ErrMissingRecord)
}
