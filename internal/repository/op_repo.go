package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"otp2p/internal/history"
	"otp2p/internal/models"
	"otp2p/internal/ot"

	"gorm.io/gorm"
)

/*
LEARNING: OP LOG PERSISTENCE

Every op a hub replica applies is appended to the log with the revision the
replica minted for it. The log allows:
1. Auditing who changed what and when
2. Catching up a restored snapshot with the ops applied after it

Query patterns:
- Append: persist an applied op
- Since: ops after a given revision (incremental catch up)
*/

// OpRepositoryImpl handles op log storage
type OpRepositoryImpl struct {
	db *gorm.DB
}

// NewOpRepository creates a new op repository
func NewOpRepository(db *gorm.DB) *OpRepositoryImpl {
	return &OpRepositoryImpl{db: db}
}

// Append stores an applied op
func (r *OpRepositoryImpl) Append(ctx context.Context, documentID string, revision, parent history.ID, op ot.Op, peerID string) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode op: %w", err)
	}

	record := &models.OpRecord{
		DocumentID: documentID,
		Revision:   string(revision),
		Parent:     string(parent),
		Op:         data,
		PeerID:     peerID,
	}

	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to store op: %w", err)
	}

	return nil
}

// Since retrieves the ops applied after revision, oldest first.
// history.Root returns the whole log.
func (r *OpRepositoryImpl) Since(ctx context.Context, documentID string, revision history.ID) ([]*models.OpRecord, error) {
	query := r.db.WithContext(ctx).Where("document_id = ?", documentID)

	if revision != history.Root {
		// Get the timestamp of the reference op
		var after models.OpRecord
		err := r.db.WithContext(ctx).
			Where("document_id = ? AND revision = ?", documentID, string(revision)).
			Order("created_at DESC").
			First(&after).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("revision %s not in op log: %w", revision, err)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find reference op: %w", err)
		}
		query = query.Where("created_at > ?", after.CreatedAt)
	}

	var records []*models.OpRecord
	if err := query.Order("created_at ASC").Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to get ops: %w", err)
	}

	return records, nil
}
