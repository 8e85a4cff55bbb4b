package framestore

import (
	"io"

	"github.com/astrogo/fitsio"
)

// WriteFITS streams a frame to w as a 16-bit FITS image.  Samples are
// offset by BZERO=32768 since FITS has no unsigned 16-bit type.
func WriteFITS(w io.Writer, f Frame, metadata []fitsio.Card) error {
	metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{f.Width, f.Height})
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}

	bufOut := make([]int16, len(f.Pix))
	for idx, v := range f.Pix {
		bufOut[idx] = int16(int32(v) - 32768)
	}
	err = im.Write(bufOut)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
