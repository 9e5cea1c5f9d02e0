package services

import (
	"context"

	"otp2p/internal/history"
	"otp2p/internal/models"
	"otp2p/internal/ot"
)

/*
LEARNING: GO INTERFACE BEST PRACTICE

"Accept interfaces, return structs" - Rob Pike

Interfaces are defined where they are USED, not where implemented. This
package (services) is the CONSUMER of repositories, so the repository
interfaces live here and declare only the methods the persister calls.
Tests swap in in-memory fakes without touching a database.
*/

// OpRepository defines what the persister needs from the op log
type OpRepository interface {
	Append(ctx context.Context, documentID string, revision, parent history.ID, op ot.Op, peerID string) error
	Since(ctx context.Context, documentID string, revision history.ID) ([]*models.OpRecord, error)
}

// SnapshotRepository defines what the persister needs from snapshot storage
type SnapshotRepository interface {
	Save(ctx context.Context, documentID string, model []ot.Segment, hist history.Snapshot) error
	Latest(ctx context.Context, documentID string) ([]ot.Segment, history.Snapshot, bool, error)
	Prune(ctx context.Context, documentID string, keepCount int) error
}

// DocumentRepository defines what the persister needs from the document registry
type DocumentRepository interface {
	Ensure(ctx context.Context, id string) error
	UpdateState(ctx context.Context, id string, state models.DocumentState) error
}
