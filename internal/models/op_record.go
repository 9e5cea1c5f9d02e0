package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// OpRecord stores one op applied by a hub replica, in application order.
// Op is the op as applied (after reconciliation), Revision the id the replica
// minted for it and Parent the replica head it was applied on, so replaying
// records in order reproduces the same revision chain.
type OpRecord struct {
	ID         string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	DocumentID string    `gorm:"type:varchar(128);not null;index:idx_op_doc_time" json:"document_id"`
	Revision   string    `gorm:"type:varchar(64);not null;index" json:"revision"`
	Parent     string    `gorm:"type:varchar(64)" json:"parent"`
	Op         []byte    `gorm:"type:jsonb;not null" json:"op"`
	PeerID     string    `gorm:"type:varchar(64)" json:"peer_id"`
	CreatedAt  time.Time `gorm:"index:idx_op_doc_time" json:"created_at"`
}

// BeforeCreate generates KSUID
func (o *OpRecord) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (OpRecord) TableName() string {
	return "op_records"
}
