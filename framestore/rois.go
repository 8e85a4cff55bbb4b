package framestore

import (
	"path/filepath"

	"github.com/nasa-jpl/flarelab/config"
)

// ROISet is the persisted list of ROIs for a scene
type ROISet struct {
	Fingerprint string       `json:"fingerprint"`
	ROIs        []config.ROI `json:"rois"`
}

// SaveROIs persists the ROI set of the run, in the given order
func (s *Store) SaveROIs(rois []config.ROI) error {
	set := ROISet{Fingerprint: Fingerprint(rois), ROIs: rois}
	return WriteJSON(filepath.Join(s.Root, ROIFile), set)
}

// LoadROIs loads the persisted ROI set.  ok is false if the run has none.
// The stored fingerprint is returned as-is so callers can compare it with
// the set they are about to use.
func (s *Store) LoadROIs() (set ROISet, ok bool, err error) {
	err = ReadJSON(filepath.Join(s.Root, ROIFile), &set)
	if err != nil {
		if isMissing(err) {
			return set, false, nil
		}
		return set, false, err
	}
	return set, true, nil
}
