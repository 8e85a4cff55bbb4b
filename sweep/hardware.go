package sweep

import (
	"errors"
	"fmt"

	"github.com/nasa-jpl/flarelab/illumination"
)

// ErrTransition is returned for a hardware state change that is not allowed
var ErrTransition = errors.New("invalid hardware state transition")

// Storage is the state of the capture device's output directory
type Storage int

// Storage states.  Unknown is the state before Prepare.
const (
	StorageUnknown Storage = iota
	StorageClean
	StorageDirty
)

func (s Storage) String() string {
	return [...]string{"unknown", "clean", "dirty"}[s]
}

// Hardware is the device state owned by a running sweep.  The light's state
// is owned by the illumination.Controller and is passed in where needed.
type Hardware struct {
	Storage Storage
}

// SetStorage moves the device storage to next
func (h *Hardware) SetStorage(next Storage) error {
	ok := false
	switch next {
	case StorageClean:
		ok = true
	case StorageDirty:
		ok = h.Storage == StorageClean
	case StorageUnknown:
		ok = true
	}
	if !ok {
		return fmt.Errorf("%w: storage %s -> %s", ErrTransition, h.Storage, next)
	}
	h.Storage = next
	return nil
}

// CanCapture is true when captured frames would be valid and uncontaminated
// with the light in state light
func (h *Hardware) CanCapture(light illumination.State) error {
	if light != illumination.On || h.Storage != StorageClean {
		return fmt.Errorf("%w: capture with light %s and storage %s", ErrTransition, light, h.Storage)
	}
	return nil
}
