package repository

import (
	"context"
	"errors"
	"fmt"

	"otp2p/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDocumentNotFound is returned when no registry row exists for an id
var ErrDocumentNotFound = errors.New("document not found")

// DocumentRepositoryImpl handles the document registry using GORM
// Learning: This is the IMPLEMENTATION. It doesn't know about any interface.
// The services package will declare the interface it needs.
type DocumentRepositoryImpl struct {
	db *gorm.DB
}

// NewDocumentRepository creates a new document repository
// Returns concrete type - "Accept interfaces, return structs"
func NewDocumentRepository(db *gorm.DB) *DocumentRepositoryImpl {
	return &DocumentRepositoryImpl{db: db}
}

// Ensure creates the registry row for id unless it already exists
// Learning: ON CONFLICT DO NOTHING makes this safe to call on every room load
func (r *DocumentRepositoryImpl) Ensure(ctx context.Context, id string) error {
	doc := &models.Document{ID: id}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(doc).Error
	if err != nil {
		return fmt.Errorf("failed to register document: %w", err)
	}
	return nil
}

// GetByID retrieves a document by its id
// Soft-deleted documents are automatically excluded
func (r *DocumentRepositoryImpl) GetByID(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document

	err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return &doc, nil
}

// List returns registered documents, most recently edited first
func (r *DocumentRepositoryImpl) List(ctx context.Context, limit, offset int) ([]*models.Document, error) {
	var documents []*models.Document

	err := r.db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&documents).Error

	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	return documents, nil
}

// UpdateState records the replica's head and length and adds to the op count
func (r *DocumentRepositoryImpl) UpdateState(ctx context.Context, id string, state models.DocumentState) error {
	result := r.db.WithContext(ctx).
		Model(&models.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"head":     state.Head,
			"length":   state.Length,
			"op_count": gorm.Expr("op_count + ?", state.Applied),
		})

	if result.Error != nil {
		return fmt.Errorf("failed to update document state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}

	return nil
}

// Delete performs a soft delete on the document
// Learning: GORM automatically sets DeletedAt timestamp instead of removing the row
// Its op log and snapshots stay, so the registry entry can be restored
func (r *DocumentRepositoryImpl) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&models.Document{}, "id = ?", id)

	if result.Error != nil {
		return fmt.Errorf("failed to delete document: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}

	return nil
}
