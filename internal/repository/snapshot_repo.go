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

// SnapshotRepositoryImpl handles replica snapshot storage
type SnapshotRepositoryImpl struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db}
}

// Save stores the model and history of a document replica
func (r *SnapshotRepositoryImpl) Save(ctx context.Context, documentID string, model []ot.Segment, hist history.Snapshot) error {
	modelData, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	historyData, err := json.Marshal(hist)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	snapshot := &models.Snapshot{
		DocumentID: documentID,
		Head:       string(hist.Head),
		Model:      modelData,
		History:    historyData,
	}

	if err := r.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}

	return nil
}

// Latest loads the newest snapshot of a document
// Returns found=false when the document has none yet
func (r *SnapshotRepositoryImpl) Latest(ctx context.Context, documentID string) ([]ot.Segment, history.Snapshot, bool, error) {
	var snapshot models.Snapshot

	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at DESC").
		First(&snapshot).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, history.Snapshot{}, false, nil // No snapshot yet
	}
	if err != nil {
		return nil, history.Snapshot{}, false, fmt.Errorf("failed to get latest snapshot: %w", err)
	}

	var model []ot.Segment
	if err := json.Unmarshal(snapshot.Model, &model); err != nil {
		return nil, history.Snapshot{}, false, fmt.Errorf("failed to decode snapshot model: %w", err)
	}
	var hist history.Snapshot
	if err := json.Unmarshal(snapshot.History, &hist); err != nil {
		return nil, history.Snapshot{}, false, fmt.Errorf("failed to decode snapshot history: %w", err)
	}

	return model, hist, true, nil
}

// Prune removes all but the keepCount newest snapshots of a document
// Call after saving to prevent unbounded growth
func (r *SnapshotRepositoryImpl) Prune(ctx context.Context, documentID string, keepCount int) error {
	// Get total count
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Snapshot{}).
		Where("document_id = ?", documentID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count snapshots: %w", err)
	}

	if count <= int64(keepCount) {
		return nil // Nothing to delete
	}

	// Get the oldest snapshot to keep
	var cutoff models.Snapshot
	offset := count - int64(keepCount)
	if err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Offset(int(offset)).
		First(&cutoff).Error; err != nil {
		return fmt.Errorf("failed to find snapshot cutoff: %w", err)
	}

	// Delete snapshots before cutoff
	result := r.db.WithContext(ctx).
		Where("document_id = ? AND created_at < ?", documentID, cutoff.CreatedAt).
		Delete(&models.Snapshot{})

	if result.Error != nil {
		return fmt.Errorf("failed to delete old snapshots: %w", result.Error)
	}

	return nil
}
