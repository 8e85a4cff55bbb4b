package photoresponse

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"math"
	"strconv"
)

// file names of the derived outputs
const (
	MeasurementsFile = "photo_response_measurements.csv"
	SummaryFile      = "photo_response_summary.json"
)

var csvHeader = []string{"illumination", "lux", "exposure_us", "roi", "role", "mean_dn", "nd_corrected_dn", "offset_corrected_dn", "saturated"}

func fmtFloat(x float64) string {
	if math.IsNaN(x) {
		return ""
	}
	return strconv.FormatFloat(x, 'g', 8, 64)
}

// WriteCSV writes one row per (level, exposure, ROI).  The ND corrected
// column is filled only for the direct beam, the offset corrected column only
// where the photo-response fit succeeded.
func (c *Chain) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	m := c.Matrix
	for l, level := range m.Levels {
		for e, exp := range m.Exposures {
			for r, roi := range m.ROIs {
				v := m.At(l, e, r)
				nd := math.NaN()
				if r == c.DirectBeam {
					nd = c.NDSignal[l][e]
				}
				off := math.NaN()
				if row := c.OffsetCorrected[l][r]; row != nil {
					off = row[e]
				}
				rec := []string{
					level,
					fmtFloat(c.Params.Lux[l]),
					strconv.Itoa(exp),
					roi.Name,
					roi.Role,
					fmtFloat(v),
					fmtFloat(nd),
					fmtFloat(off),
					strconv.FormatBool(v > c.Params.Saturation),
				}
				if err := cw.Write(rec); err != nil {
					return err
				}
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// ROIFits is the per-ROI portion of a summary
type ROIFits struct {
	Name          string   `json:"name"`
	Role          string   `json:"role"`
	Reflectance   *float64 `json:"reflectance,omitempty"`
	PhotoResponse []Fit    `json:"photo_response"`
	ND            []Fit    `json:"nd_corrected,omitempty"`
	Illumination  Fit      `json:"illumination"`
	SkippedLevels int      `json:"skipped_levels"`
}

// Summary is the JSON form of a Chain
type Summary struct {
	Levels               []string    `json:"levels"`
	Lux                  []float64   `json:"lux"`
	Exposures            []int       `json:"exposure_us"`
	SaturationDN         float64     `json:"saturation_dn"`
	NDRatio              float64     `json:"nd_filter_ratio"`
	UnitScale            float64     `json:"unit_scale"`
	ReflectanceWindow    [2]int      `json:"reflectance_window"`
	ROIs                 []ROIFits   `json:"rois"`
	BlackHole            Fit         `json:"black_hole_illumination"`
	Reflectance          Fit         `json:"reflectance"`
	ReflectanceBlackHole Fit         `json:"reflectance_black_hole"`
	Sensitivity          [2]*float64 `json:"sensitivity"`
	ValidFits            int         `json:"valid_fits"`
	Failures             []string    `json:"failures,omitempty"`
}

// Summary collects every stage for serialization
func (c *Chain) Summary() Summary {
	m := c.Matrix
	lo, hi := c.ReflectanceWindow()
	s := Summary{
		Levels:               m.Levels,
		Lux:                  c.Params.Lux,
		Exposures:            m.Exposures,
		SaturationDN:         c.Params.Saturation,
		NDRatio:              c.Params.NDRatio,
		UnitScale:            c.Params.UnitScale,
		ReflectanceWindow:    [2]int{lo, hi},
		BlackHole:            c.BlackHoleIllumination,
		Reflectance:          c.Reflectance,
		ReflectanceBlackHole: c.ReflectanceBlackHole,
		Sensitivity:          [2]*float64{finitePtr(c.Sensitivity[0]), finitePtr(c.Sensitivity[1])},
		ValidFits:            c.ValidFits(),
	}
	for r, roi := range m.ROIs {
		rf := ROIFits{
			Name:          roi.Name,
			Role:          roi.Role,
			Reflectance:   finitePtr(roi.Reflectance),
			Illumination:  c.Illumination[r],
			SkippedLevels: c.SkippedLevels[r],
		}
		for l := range m.Levels {
			rf.PhotoResponse = append(rf.PhotoResponse, c.Fits[l][r])
		}
		if r == c.DirectBeam {
			rf.ND = c.NDFits
		}
		s.ROIs = append(s.ROIs, rf)
	}
	for _, err := range c.Failures() {
		s.Failures = append(s.Failures, err.Error())
	}
	return s
}

// WriteSummary writes the summary as indented JSON
func (c *Chain) WriteSummary(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c.Summary())
}
