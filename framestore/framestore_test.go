package framestore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/flarelab/config"
)

func rampFrame(w, h int) Frame {
	f := NewFrame(w, h)
	for i := range f.Pix {
		f.Pix[i] = uint16(i*37) ^ 0xA5A5
	}
	return f
}

func TestRaw16RoundTrip(t *testing.T) {
	f := rampFrame(17, 9)
	path := filepath.Join(t.TempDir(), "a", "b", "frame_16.raw")
	if err := WriteRaw16(path, f); err != nil {
		t.Fatal(err)
	}
	g, err := ReadRaw16(path, 17, 9)
	if err != nil {
		t.Fatal(err)
	}
	for i := range f.Pix {
		if f.Pix[i] != g.Pix[i] {
			t.Fatalf("sample %d: wrote %d read %d", i, f.Pix[i], g.Pix[i])
		}
	}
}

func TestReadRaw16WrongGeometry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame_16.raw")
	if err := WriteRaw16(path, rampFrame(4, 4)); err != nil {
		t.Fatal(err)
	}
	_, err := ReadRaw16(path, 5, 4)
	if !errors.Is(err, ErrFrameSize) {
		t.Errorf("expected ErrFrameSize, got %v", err)
	}
}

func TestPatchMeanConstantRegion(t *testing.T) {
	f := rampFrame(64, 48)
	const (
		row, col, hw = 20, 30, 4
		value        = 517
	)
	for r := row - hw; r <= row+hw; r++ {
		for c := col - hw; c <= col+hw; c++ {
			f.Pix[r*f.Width+c] = value
		}
	}
	m, err := f.PatchMean(row, col, hw)
	if err != nil {
		t.Fatal(err)
	}
	if m != value {
		t.Errorf("expected mean %d, got %v", value, m)
	}
}

func TestPatchMeanBounds(t *testing.T) {
	f := NewFrame(32, 32)
	cases := []struct{ row, col, hw int }{
		{0, 10, 1},
		{10, 31, 1},
		{3, 3, 4},
		{10, 10, -1},
	}
	for _, c := range cases {
		if _, err := f.PatchMean(c.row, c.col, c.hw); !errors.Is(err, ErrPatchBounds) {
			t.Errorf("(%d,%d,%d): expected ErrPatchBounds, got %v", c.row, c.col, c.hw, err)
		}
	}
	if _, err := f.PatchMean(1, 1, 1); err != nil {
		t.Errorf("patch touching the edge should be allowed, got %v", err)
	}
}

func TestListRawSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"b.raw", "a.RAW", "notes.txt", "c.bin"} {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := ListRaw(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.RAW", "b.raw", "c.bin"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if filepath.Base(got[i]) != want[i] {
			t.Errorf("index %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	none, err := ListRaw(filepath.Join(dir, "absent"))
	if err != nil || len(none) != 0 {
		t.Errorf("missing directory should list nothing, got %v %v", none, err)
	}
}

func TestStoreLayoutAndRecords(t *testing.T) {
	started := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)
	s, err := Create(t.TempDir(), "light box", started)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(s.Root) != "light_box_20240309_140506" {
		t.Errorf("unexpected run name %s", filepath.Base(s.Root))
	}
	if got := s.ExposureDir("LED 50", "sweep", 2000); got != filepath.Join(s.Root, "LED_50", "sweep_2000us") {
		t.Errorf("unexpected exposure dir %s", got)
	}
	if got := Raw16Name("/remote/IMG_0001.raw"); got != "IMG_0001_16.raw" {
		t.Errorf("unexpected raw16 name %s", got)
	}

	if err := s.WriteSweep(SweepRecord{RunID: "abc", Started: started, Config: config.Default()}); err != nil {
		t.Fatal(err)
	}
	sw, err := s.ReadSweep()
	if err != nil {
		t.Fatal(err)
	}
	if sw.RunID != "abc" || sw.Config.Geometry.Stride != 5040 {
		t.Errorf("sweep record did not survive: %+v", sw)
	}

	rec := CaptureRecord{
		Illumination: config.IlluminationProfile{Name: "LED 50"},
		Sequence:     "sweep",
		ExposureUS:   2000,
		Gain:         100,
		FrameCount:   2,
		Raw10:        []string{"b.raw", "a.raw"},
		Raw16:        []string{"b_16.raw", "a_16.raw"},
	}
	if err := s.WriteCapture(rec); err != nil {
		t.Fatal(err)
	}
	frames, err := s.Raw16Frames("LED 50", "sweep", 2000)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || filepath.Base(frames[0]) != "a_16.raw" {
		t.Errorf("expected sorted frames from the capture record, got %v", frames)
	}

	_, err = s.ReadGroup("LED 50", "other")
	if !errors.Is(err, ErrMissingRecord) {
		t.Errorf("expected ErrMissingRecord, got %v", err)
	}

	rec.ExposureUS = 4000
	rec.Error = "pull failed"
	if err := s.WriteCapture(rec); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Raw16Frames("LED 50", "sweep", 4000); err == nil {
		t.Error("expected a failed capture to be reported")
	}
}

func TestLatestPicksRunWithRecord(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "empty_run"), 0o755); err != nil {
		t.Fatal(err)
	}
	s, err := Create(root, "flare", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteSweep(SweepRecord{RunID: "x"}); err != nil {
		t.Fatal(err)
	}
	got, err := Latest(root)
	if err != nil {
		t.Fatal(err)
	}
	if got.Root != s.Root {
		t.Errorf("expected %s, got %s", s.Root, got.Root)
	}
	if _, err := Latest(t.TempDir()); err == nil {
		t.Error("expected an error for a root with no runs")
	}
}

func TestChecksumKnownValue(t *testing.T) {
	// standard CRC-32 check value
	if got := Checksum([]byte("123456789")); got != "cbf43926" {
		t.Errorf("expected cbf43926, got %s", got)
	}
}

func TestFingerprintTracksRoles(t *testing.T) {
	rois := []config.ROI{
		{Name: "beam", Row: 10, Col: 10, Role: config.RoleDirectBeam},
		{Name: "r1", Row: 20, Col: 10, Role: config.RoleReflectance},
	}
	a := Fingerprint(rois)
	rois[0].Row = 99
	if Fingerprint(rois) != a {
		t.Error("moving an ROI should not change the fingerprint")
	}
	rois[0], rois[1] = rois[1], rois[0]
	if Fingerprint(rois) == a {
		t.Error("reordering ROIs should change the fingerprint")
	}
}

func TestROISetPersistence(t *testing.T) {
	s := &Store{Root: t.TempDir()}
	_, ok, err := s.LoadROIs()
	if err != nil || ok {
		t.Fatalf("expected no ROI set yet, got ok=%v err=%v", ok, err)
	}
	rois := []config.ROI{{Name: "beam", Row: 1, Col: 2, HalfWidth: 3, Role: config.RoleDirectBeam}}
	if err := s.SaveROIs(rois); err != nil {
		t.Fatal(err)
	}
	set, ok, err := s.LoadROIs()
	if err != nil || !ok {
		t.Fatalf("expected the ROI set back, got ok=%v err=%v", ok, err)
	}
	if set.Fingerprint != Fingerprint(rois) || set.ROIs[0] != rois[0] {
		t.Errorf("ROI set did not survive: %+v", set)
	}
}

func TestWriteFITS(t *testing.T) {
	f := rampFrame(8, 4)
	var buf bytes.Buffer
	err := WriteFITS(&buf, f, []fitsio.Card{{Name: "EXPTIME", Value: 0.002, Comment: "s"}})
	if err != nil {
		t.Fatal(err)
	}
	// FITS files are a whole number of 2880-byte blocks
	if buf.Len() == 0 || buf.Len()%2880 != 0 {
		t.Fatalf("unexpected FITS length %d", buf.Len())
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("SIMPLE  =")) {
		t.Error("FITS output does not start with SIMPLE")
	}
	if !bytes.Contains(buf.Bytes(), []byte("BZERO")) {
		t.Error("expected BZERO card")
	}
}
