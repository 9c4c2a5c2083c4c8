package sessionstore

import (
	"context"
	"time"

	"github.com/zulandar/signalbox/internal/models"
)

// Backend is the table-level access a Store needs. Implementations hold no
// session logic; chunking, ownership and integrity live in Store.
type Backend interface {
	// Record returns the session row, or (nil, nil) when absent.
	Record(ctx context.Context, sessionID string) (*models.SessionRecord, error)

	// CountChunks returns the number of chunk rows for the session.
	CountChunks(ctx context.Context, sessionID string) (int64, error)

	// Replace upserts rec, deletes all existing chunk rows for the session,
	// and inserts chunks in batches of batchSize.
	Replace(ctx context.Context, rec *models.SessionRecord, chunks []models.SessionChunk, batchSize int) error

	// Chunks returns every chunk row for the session, in no particular order.
	Chunks(ctx context.Context, sessionID string) ([]models.SessionChunk, error)

	// Touch sets last_accessed.
	Touch(ctx context.Context, sessionID string, at time.Time) error

	// Delete removes the chunk rows then the session row. Deleting an absent
	// session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// SetOwner reassigns the owning endpoint. Returns ErrNotFound when the
	// session does not exist.
	SetOwner(ctx context.Context, sessionID string, owner *string) error

	// List returns all session rows.
	List(ctx context.Context) ([]models.SessionRecord, error)

	// Stale returns ids of sessions last accessed before the cutoff.
	Stale(ctx context.Context, before time.Time) ([]string, error)

	// Transactional reports whether Replace is atomic.
	Transactional() bool
}
