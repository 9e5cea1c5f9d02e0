package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: SNAPSHOTS INSTEAD OF REPLAYING EVERY OP

A hub replica can always be rebuilt by replaying the op log, but a document
with a long life would need every op since creation. A snapshot stores the
serialized tombstone model together with the bounded revision history, so a
restarted hub loads one row and can still reconcile ops based on any
revision inside that window.

  op log:    r1 r2 r3 ... r50 | r51 ... r100 | ...
  snapshot:              [model@r50, history r1..r50]
*/

// Snapshot stores a replica's serialized model and history
type Snapshot struct {
	ID         string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	DocumentID string    `gorm:"type:varchar(128);not null;index:idx_snapshot_doc_time" json:"document_id"`
	Head       string    `gorm:"type:varchar(64)" json:"head"`
	Model      []byte    `gorm:"type:jsonb;not null" json:"-"` // []ot.Segment
	History    []byte    `gorm:"type:jsonb;not null" json:"-"` // history.Snapshot
	CreatedAt  time.Time `gorm:"index:idx_snapshot_doc_time" json:"created_at"`
}

// BeforeCreate generates KSUID
func (s *Snapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (Snapshot) TableName() string {
	return "document_snapshots"
}
