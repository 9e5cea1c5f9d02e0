package api

import (
	"context"

	"otp2p/internal/models"
	"otp2p/internal/services/collaboration"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of services, so service interfaces live HERE.

The handler doesn't care about service implementation details - it only cares about
the methods it needs to call. This is the "Interface Segregation Principle" from SOLID.

Benefits:
- Handler package defines exactly what it needs
- Service implementations can change without affecting handler
- Easy to create fake services for testing handlers
- No circular dependencies
*/

// CollaborationService defines what handlers need from the hub's replicas
// Only methods called by handlers are declared
type CollaborationService interface {
	DocumentState(ctx context.Context, documentID string) (collaboration.RoomState, error)
	Snapshot(ctx context.Context, documentID string) (*models.Message, error)
	Insert(ctx context.Context, documentID string, index int, text, peerID string) (collaboration.RoomState, error)
	Delete(ctx context.Context, documentID string, index, count int, peerID string) (collaboration.RoomState, error)
	SubmitOp(ctx context.Context, documentID string, msg *models.Message) (collaboration.RoomState, *models.Message, error)
	Evict(documentID string)
}

// DocumentRegistry lists and removes persisted documents
type DocumentRegistry interface {
	List(ctx context.Context, limit, offset int) ([]*models.Document, error)
	GetByID(ctx context.Context, id string) (*models.Document, error)
	Delete(ctx context.Context, id string) error
}
