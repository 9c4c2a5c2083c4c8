package sessionstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/supabase-community/supabase-go"
	"github.com/zulandar/signalbox/internal/models"
)

// SupabaseBackend stores sessions through the Supabase REST interface. The
// REST layer has no multi-statement transactions, so Replace is not atomic;
// Store re-verifies every save made through this backend.
type SupabaseBackend struct {
	client *supabase.Client
}

// SupabaseConfig holds the project URL and service key.
type SupabaseConfig struct {
	URL    string
	APIKey string
}

// NewSupabaseBackend creates a backend for the given project.
func NewSupabaseBackend(cfg SupabaseConfig) (*SupabaseBackend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("sessionstore: supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("sessionstore: supabase API key is required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: create supabase client: %w", err)
	}
	return &SupabaseBackend{client: client}, nil
}

var (
	sessionsTable = models.SessionRecord{}.TableName()
	chunksTable   = models.SessionChunk{}.TableName()
)

func (b *SupabaseBackend) Transactional() bool { return false }

// do runs one REST call and gives up when ctx ends. The postgrest client
// builds requests without a context, so an abandoned call finishes in the
// background and its result is discarded.
func do(ctx context.Context, call func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- call() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *SupabaseBackend) Record(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	var rows []models.SessionRecord
	err := do(ctx, func() error {
		_, err := b.client.From(sessionsTable).
			Select("*", "", false).
			Eq("session_id", sessionID).
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (b *SupabaseBackend) CountChunks(ctx context.Context, sessionID string) (int64, error) {
	var rows []struct {
		ChunkIndex int `json:"chunk_index"`
	}
	err := do(ctx, func() error {
		_, err := b.client.From(chunksTable).
			Select("chunk_index", "", false).
			Eq("session_id", sessionID).
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("count chunks %s: %w", sessionID, err)
	}
	return int64(len(rows)), nil
}

func (b *SupabaseBackend) Replace(ctx context.Context, rec *models.SessionRecord, chunks []models.SessionChunk, batchSize int) error {
	if err := do(ctx, func() error {
		_, _, err := b.client.From(sessionsTable).
			Insert(rec, true, "session_id", "minimal", "").
			Execute()
		return err
	}); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if err := b.deleteChunks(ctx, rec.SessionID); err != nil {
		return fmt.Errorf("delete old chunks: %w", err)
	}
	for _, r := range batchRanges(len(chunks), batchSize) {
		batch := chunks[r[0]:r[1]]
		if err := do(ctx, func() error {
			_, _, err := b.client.From(chunksTable).
				Insert(batch, false, "", "minimal", "").
				Execute()
			return err
		}); err != nil {
			return fmt.Errorf("insert chunks %s: %w", rangeLabel(r), err)
		}
	}
	return nil
}

func (b *SupabaseBackend) Chunks(ctx context.Context, sessionID string) ([]models.SessionChunk, error) {
	var rows []models.SessionChunk
	err := do(ctx, func() error {
		_, err := b.client.From(chunksTable).
			Select("session_id,chunk_index,chunk_data,total_chunks", "", false).
			Eq("session_id", sessionID).
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load chunks %s: %w", sessionID, err)
	}
	return rows, nil
}

func (b *SupabaseBackend) Touch(ctx context.Context, sessionID string, at time.Time) error {
	err := do(ctx, func() error {
		_, _, err := b.client.From(sessionsTable).
			Update(map[string]interface{}{"last_accessed": at.UTC().Format(time.RFC3339Nano)}, "minimal", "").
			Eq("session_id", sessionID).
			Execute()
		return err
	})
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return nil
}

func (b *SupabaseBackend) deleteChunks(ctx context.Context, sessionID string) error {
	return do(ctx, func() error {
		_, _, err := b.client.From(chunksTable).
			Delete("minimal", "").
			Eq("session_id", sessionID).
			Execute()
		return err
	})
}

func (b *SupabaseBackend) Delete(ctx context.Context, sessionID string) error {
	if err := b.deleteChunks(ctx, sessionID); err != nil {
		return fmt.Errorf("delete chunks %s: %w", sessionID, err)
	}
	if err := do(ctx, func() error {
		_, _, err := b.client.From(sessionsTable).
			Delete("minimal", "").
			Eq("session_id", sessionID).
			Execute()
		return err
	}); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (b *SupabaseBackend) SetOwner(ctx context.Context, sessionID string, owner *string) error {
	var rows []models.SessionRecord
	err := do(ctx, func() error {
		_, err := b.client.From(sessionsTable).
			Update(map[string]interface{}{
				"owner_endpoint_id": owner,
				"updated_at":        time.Now().UTC().Format(time.RFC3339Nano),
			}, "representation", "").
			Eq("session_id", sessionID).
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return fmt.Errorf("set owner %s: %w", sessionID, err)
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *SupabaseBackend) List(ctx context.Context) ([]models.SessionRecord, error) {
	var rows []models.SessionRecord
	err := do(ctx, func() error {
		_, err := b.client.From(sessionsTable).
			Select("*", "", false).
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return rows, nil
}

func (b *SupabaseBackend) Stale(ctx context.Context, before time.Time) ([]string, error) {
	var rows []struct {
		SessionID string `json:"session_id"`
	}
	err := do(ctx, func() error {
		_, err := b.client.From(sessionsTable).
			Select("session_id", "", false).
			Lt("last_accessed", before.UTC().Format(time.RFC3339Nano)).
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find stale sessions: %w", err)
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.SessionID
	}
	return ids, nil
}

// batchRanges returns [start, end) pairs covering n items in steps of size.
func batchRanges(n, size int) [][2]int {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

func rangeLabel(r [2]int) string {
	return strconv.Itoa(r[0]) + "-" + strconv.Itoa(r[1]-1)
}
