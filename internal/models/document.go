package models

import (
	"time"

	"gorm.io/gorm"
)

// Document is the registry row of a shared document. The ID is the name
// peers use to join it, so unlike the other tables it is chosen by the
// client rather than generated.
type Document struct {
	ID        string         `json:"id" gorm:"type:varchar(128);primaryKey"`
	Head      string         `json:"head" gorm:"type:varchar(64)"`
	Length    int            `json:"length" gorm:"not null;default:0"` // visible characters at Head
	OpCount   int64          `json:"op_count" gorm:"not null;default:0"`
	CreatedAt time.Time      `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"column:deleted_at;index"` // Soft delete support
}

// DocumentState is the progress a replica reports after applying ops
type DocumentState struct {
	Head    string
	Length  int
	Applied int64 // ops applied since the last report
}
