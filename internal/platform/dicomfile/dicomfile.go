// Package dicomfile extracts the header attributes the case service records
// for DICOM slices. Pixel data is never decoded.
package dicomfile

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

var ErrEmptyFile = errors.New("dicom: empty file")

// Metadata holds the attributes found in one DICOM header. Absent attributes
// stay at their zero value (nil for the numeric ones).
type Metadata struct {
	PatientName      string
	StudyDate        string
	Modality         string
	StudyDescription string
	InstanceNumber   *int
	SeriesUID        string
	StudyUID         string
	SliceLocation    *float64
}

// Map returns the attributes that are present, keyed the way they are stored
// on case image items.
func (m *Metadata) Map() map[string]any {
	out := map[string]any{}
	if m == nil {
		return out
	}
	put := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	put("patient_name", m.PatientName)
	put("study_date", m.StudyDate)
	put("modality", m.Modality)
	put("study_description", m.StudyDescription)
	put("series_uid", m.SeriesUID)
	put("study_uid", m.StudyUID)
	if m.InstanceNumber != nil {
		out["instance_number"] = *m.InstanceNumber
	}
	if m.SliceLocation != nil {
		out["slice_location"] = *m.SliceLocation
	}
	return out
}

// Parser reads DICOM headers.
type Parser interface {
	Parse(r io.Reader, size int64) (*Metadata, error)
}

// HeaderParser parses with github.com/suyashkumar/dicom, skipping pixel data.
type HeaderParser struct{}

func (HeaderParser) Parse(r io.Reader, size int64) (md *Metadata, err error) {
	if size <= 0 {
		return nil, ErrEmptyFile
	}
	// the parser panics on some malformed inputs
	defer func() {
		if rec := recover(); rec != nil {
			md, err = nil, fmt.Errorf("dicom: parser panic: %v", rec)
		}
	}()

	ds, err := dicom.Parse(r, size, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("dicom: %w", err)
	}
	return FromDataset(&ds), nil
}

// FromDataset pulls the recorded attributes out of a parsed dataset.
func FromDataset(ds *dicom.Dataset) *Metadata {
	md := &Metadata{
		PatientName:      stringValue(ds, tag.PatientName),
		StudyDate:        stringValue(ds, tag.StudyDate),
		Modality:         stringValue(ds, tag.Modality),
		StudyDescription: stringValue(ds, tag.StudyDescription),
		SeriesUID:        stringValue(ds, tag.SeriesInstanceUID),
		StudyUID:         stringValue(ds, tag.StudyInstanceUID),
	}
	if n, ok := intValue(ds, tag.InstanceNumber); ok {
		md.InstanceNumber = &n
	}
	if f, ok := floatValue(ds, tag.SliceLocation); ok {
		md.SliceLocation = &f
	}
	return md
}

func firstValue(ds *dicom.Dataset, t tag.Tag) (any, bool) {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil || elem.Value == nil {
		return nil, false
	}
	switch v := elem.Value.GetValue().(type) {
	case []string:
		if len(v) == 0 {
			return nil, false
		}
		return strings.TrimSpace(strings.TrimRight(v[0], "\x00")), true
	case []int:
		if len(v) == 0 {
			return nil, false
		}
		return v[0], true
	case []float64:
		if len(v) == 0 {
			return nil, false
		}
		return v[0], true
	}
	return nil, false
}

func stringValue(ds *dicom.Dataset, t tag.Tag) string {
	v, ok := firstValue(ds, t)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		// person names use ^ between components
		return strings.TrimSpace(strings.ReplaceAll(x, "^", " "))
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return ""
}

func intValue(ds *dicom.Dataset, t tag.Tag) (int, bool) {
	v, ok := firstValue(ds, t)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	case string:
		n, err := strconv.Atoi(x)
		if err != nil {
			// IS values are sometimes written as "3.0"
			f, ferr := strconv.ParseFloat(x, 64)
			if ferr != nil {
				return 0, false
			}
			return int(f), true
		}
		return n, true
	}
	return 0, false
}

func floatValue(ds *dicom.Dataset, t tag.Tag) (float64, bool) {
	v, ok := firstValue(ds, t)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// HasDICOMExtension reports a .dcm or .dicom filename, case-insensitive.
func HasDICOMExtension(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".dcm") || strings.HasSuffix(lower, ".dicom")
}
