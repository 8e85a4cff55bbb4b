package framestore

import (
	"fmt"
	"os"
	"strings"

	"github.com/snksoft/crc"

	"github.com/nasa-jpl/flarelab/config"
)

var crcTable = crc.NewTable(crc.CRC32)

// Checksum returns the CRC-32 (IEEE) of b as 8 hex digits
func Checksum(b []byte) string {
	return fmt.Sprintf("%08x", crcTable.CalculateCRC(b))
}

// Digest returns the CRC-32 of the file at path
func Digest(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Checksum(b), nil
}

// Fingerprint identifies the ordering and roles of an ROI set.  Coordinates
// are not included; moving an ROI does not change which role it plays.
func Fingerprint(rois []config.ROI) string {
	var b strings.Builder
	for i, r := range rois {
		fmt.Fprintf(&b, "%d:%s:%s;", i, r.Name, r.Role)
	}
	return Checksum([]byte(b.String()))
}
