package imaging

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/dcplant/dcplant/internal/platform/dicomfile"
)

// Classify maps a filename to its stored image type. requested is the type the
// uploader picked; it applies to raster images and, when radiographic, to DICOM.
func Classify(name string, requested ImageType) (ImageType, bool) {
	if dicomfile.HasDICOMExtension(name) {
		if radiographic[requested] {
			return requested, true
		}
		return TypeCBCT, true
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".pdf":
		return TypePDF, false
	case ".zip":
		return TypeZIP, false
	case ".jpg", ".jpeg", ".png", ".gif":
		if requestable[requested] {
			return requested, false
		}
		return defaultType, false
	}
	return TypeOther, false
}

var (
	trailingDigits = regexp.MustCompile(`(\d+)$`)
	digitRuns      = regexp.MustCompile(`\d+`)
)

// FilenameNumeric derives a slice ordering key from a DICOM filename when the
// header has no instance number. IMG0001.dcm gives 1, IM-0001-0042.dcm gives
// 42, and a name without digits gives 0. Best effort only.
func FilenameNumeric(name string) int {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	base = strings.TrimSuffix(base, path.Ext(base))

	if m := trailingDigits.FindString(base); m != "" {
		return atoiSaturating(m)
	}
	runs := digitRuns.FindAllString(base, -1)
	if len(runs) == 0 {
		return 0
	}
	return atoiSaturating(runs[len(runs)-1])
}

// atoiSaturating parses a digit run, clamping values that overflow int32 so
// the key still fits the sort_order column.
func atoiSaturating(s string) int {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 1<<31 - 1
	}
	return int(n)
}
