package imaging

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		requested ImageType
		wantType  ImageType
		wantDicom bool
	}{
		{"slice.dcm", "", TypeCBCT, true},
		{"SLICE.DICOM", "", TypeCBCT, true},
		{"pano.dcm", TypePano, TypePano, true},
		{"xray.dcm", TypeIOXray, TypeIOXray, true},
		{"photo.dcm", TypePhoto, TypeCBCT, true},
		{"smile.jpg", "", TypePhoto, false},
		{"smile.JPEG", Type3DScan, Type3DScan, false},
		{"scan.png", TypeIOXray, TypeIOXray, false},
		{"report.pdf", TypePano, TypePDF, false},
		{"bundle.zip", "", TypeZIP, false},
		{"model.stl", "", TypeOther, false},
		{"noext", TypePhoto, TypeOther, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, gotDicom := Classify(tt.name, tt.requested)
			if gotType != tt.wantType || gotDicom != tt.wantDicom {
				t.Errorf("Classify(%q, %q) = %s, %v; want %s, %v",
					tt.name, tt.requested, gotType, gotDicom, tt.wantType, tt.wantDicom)
			}
		})
	}
}

func TestFilenameNumeric(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"IMG0001.dcm", 1},
		{"IM-0001-0042.dcm", 42},
		{"slice_17.dcm", 17},
		{"0005", 5},
		{"CT.1.2.840.113619.dcm", 113619},
		{"series12_final.dcm", 12},
		{"scan.dcm", 0},
		{"", 0},
		{`C:\exports\IMG0009.dcm`, 9},
		{"IMG99999999999999999999.dcm", 1<<31 - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FilenameNumeric(tt.name); got != tt.want {
				t.Errorf("FilenameNumeric(%q) = %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}
