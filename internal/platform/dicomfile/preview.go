package dicomfile

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

var ErrNoPixelData = errors.New("dicom: no pixel data")

const defaultQuality = 85

// Previewer renders the first frame of a DICOM file as an image.
type Previewer interface {
	Preview(r io.Reader, size int64, w io.Writer) error
}

// JPEGPreviewer decodes the first frame and writes it as a JPEG. Native
// frames are rescaled and stretched to 8 bits; encapsulated JPEG frames are
// decoded as stored.
type JPEGPreviewer struct {
	Quality int
}

func (p JPEGPreviewer) Preview(r io.Reader, size int64, w io.Writer) (err error) {
	if size <= 0 {
		return ErrEmptyFile
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("dicom: parser panic: %v", rec)
		}
	}()

	ds, err := dicom.Parse(r, size, nil)
	if err != nil {
		return fmt.Errorf("dicom: %w", err)
	}
	img, err := FirstFrame(&ds)
	if err != nil {
		return err
	}
	q := p.Quality
	if q <= 0 || q > 100 {
		q = defaultQuality
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: q})
}

// FirstFrame returns the first pixel frame of a parsed dataset.
func FirstFrame(ds *dicom.Dataset) (image.Image, error) {
	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil || elem == nil || elem.Value == nil || elem.Value.ValueType() != dicom.PixelData {
		return nil, ErrNoPixelData
	}
	info := dicom.MustGetPixelDataInfo(elem.Value)
	if info.ParseErr != nil {
		return nil, fmt.Errorf("dicom: pixel data: %w", info.ParseErr)
	}
	if info.IntentionallySkipped || len(info.Frames) == 0 || info.Frames[0] == nil {
		return nil, ErrNoPixelData
	}
	f := info.Frames[0]
	if f.Encapsulated {
		img, err := f.GetImage()
		if err != nil {
			return nil, fmt.Errorf("dicom: decode frame: %w", err)
		}
		return img, nil
	}
	slope, intercept := 1.0, 0.0
	if v, ok := floatValue(ds, tag.RescaleSlope); ok && v != 0 {
		slope = v
	}
	if v, ok := floatValue(ds, tag.RescaleIntercept); ok {
		intercept = v
	}
	return grayscale(&f.NativeData, slope, intercept)
}

// grayscale maps the first sample of every pixel linearly onto 0..255 after
// applying the modality rescale.
func grayscale(n *frame.NativeFrame, slope, intercept float64) (image.Image, error) {
	if n.Rows <= 0 || n.Cols <= 0 || len(n.Data) < n.Rows*n.Cols {
		return nil, fmt.Errorf("dicom: frame of %dx%d has %d pixels", n.Cols, n.Rows, len(n.Data))
	}
	count := n.Rows * n.Cols
	values := make([]float64, count)
	lo, hi := 0.0, 0.0
	for i := 0; i < count; i++ {
		var raw int
		if len(n.Data[i]) > 0 {
			raw = n.Data[i][0]
		}
		v := float64(raw)*slope + intercept
		values[i] = v
		if i == 0 || v < lo {
			lo = v
		}
		if i == 0 || v > hi {
			hi = v
		}
	}

	img := image.NewGray(image.Rect(0, 0, n.Cols, n.Rows))
	span := hi - lo
	for i, v := range values {
		var y uint8
		if span > 0 {
			y = uint8((v - lo) / span * 255)
		}
		img.SetGray(i%n.Cols, i/n.Cols, color.Gray{Y: y})
	}
	return img, nil
}
