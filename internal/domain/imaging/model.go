package imaging

import (
	"time"

	"github.com/google/uuid"
)

type ImageType string

const (
	TypePhoto   ImageType = "PHOTO"
	TypePano    ImageType = "PANO"
	TypeCBCT    ImageType = "CBCT"
	TypeIOXray  ImageType = "IOXray"
	Type3DScan  ImageType = "3DScan"
	TypePDF     ImageType = "PDF"
	TypeZIP     ImageType = "ZIP"
	TypeOther   ImageType = "OTHER"
	defaultType           = TypePhoto
)

// requestable are the types a caller may ask for on upload.
var requestable = map[ImageType]bool{
	TypePhoto: true, TypePano: true, TypeCBCT: true, TypeIOXray: true, Type3DScan: true,
}

// radiographic are the types a DICOM item may carry.
var radiographic = map[ImageType]bool{
	TypePano: true, TypeCBCT: true, TypeIOXray: true,
}

// Batch maps to the case_image table: one upload action.
type Batch struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	CaseID      uuid.UUID  `db:"case_id" json:"case_id"`
	Title       string     `db:"title" json:"title"`
	Description string     `db:"description" json:"description"`
	UploadedBy  *uuid.UUID `db:"uploaded_by" json:"uploaded_by,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	Items       []*Item    `json:"items,omitempty"`
}

// Item maps to the case_image_item table: one stored file.
type Item struct {
	ID           uuid.UUID              `db:"id" json:"id"`
	BatchID      uuid.UUID              `db:"case_image_id" json:"batch_id"`
	CaseID       uuid.UUID              `db:"case_id" json:"case_id"`
	StoragePath  string                 `db:"storage_path" json:"-"`
	OriginalName string                 `db:"original_name" json:"original_name"`
	Size         int64                  `db:"size_bytes" json:"size"`
	ImageType    ImageType              `db:"image_type" json:"image_type"`
	IsDicom      bool                   `db:"is_dicom" json:"is_dicom"`
	IsPrimary    bool                   `db:"is_primary" json:"is_primary"`
	Metadata     map[string]interface{} `db:"metadata" json:"metadata"`
	Order        int                    `db:"sort_order" json:"order"`
	CreatedAt    time.Time              `db:"created_at" json:"created_at"`

	// BatchCreatedAt is the parent batch's created_at, loaded for series ordering.
	BatchCreatedAt time.Time `json:"-"`
}

// Scope selects what an export contains.
type Scope string

const (
	ScopeDicomOnly Scope = "dicom_only"
	ScopeAll       Scope = "all"
)

func (s Scope) Valid() bool { return s == ScopeDicomOnly || s == ScopeAll }
