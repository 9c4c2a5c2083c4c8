package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormBackend stores sessions in a relational database through GORM. Replace
// runs inside a single transaction.
type GormBackend struct {
	db *gorm.DB
}

// NewGormBackend wraps db. Tables must already be migrated.
func NewGormBackend(db *gorm.DB) (*GormBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("sessionstore: gorm backend: db is required")
	}
	return &GormBackend{db: db}, nil
}

func (b *GormBackend) Transactional() bool { return true }

func (b *GormBackend) Record(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	err := b.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return &rec, nil
}

func (b *GormBackend) CountChunks(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	if err := b.db.WithContext(ctx).Model(&models.SessionChunk{}).
		Where("session_id = ?", sessionID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count chunks %s: %w", sessionID, err)
	}
	return n, nil
}

func (b *GormBackend) Replace(ctx context.Context, rec *models.SessionRecord, chunks []models.SessionChunk, batchSize int) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"owner_endpoint_id", "chunk_count", "total_encoded_size",
				"checksum", "last_accessed", "updated_at",
			}),
		}).Create(rec).Error; err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		if err := tx.Where("session_id = ?", rec.SessionID).
			Delete(&models.SessionChunk{}).Error; err != nil {
			return fmt.Errorf("delete old chunks: %w", err)
		}
		if len(chunks) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(chunks, batchSize).Error; err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
		return nil
	})
}

func (b *GormBackend) Chunks(ctx context.Context, sessionID string) ([]models.SessionChunk, error) {
	var chunks []models.SessionChunk
	if err := b.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("chunk_index ASC").Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("load chunks %s: %w", sessionID, err)
	}
	return chunks, nil
}

func (b *GormBackend) Touch(ctx context.Context, sessionID string, at time.Time) error {
	if err := b.db.WithContext(ctx).Model(&models.SessionRecord{}).
		Where("session_id = ?", sessionID).
		UpdateColumn("last_accessed", at).Error; err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return nil
}

func (b *GormBackend) Delete(ctx context.Context, sessionID string) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).
			Delete(&models.SessionChunk{}).Error; err != nil {
			return fmt.Errorf("delete chunks %s: %w", sessionID, err)
		}
		if err := tx.Where("session_id = ?", sessionID).
			Delete(&models.SessionRecord{}).Error; err != nil {
			return fmt.Errorf("delete session %s: %w", sessionID, err)
		}
		return nil
	})
}

func (b *GormBackend) SetOwner(ctx context.Context, sessionID string, owner *string) error {
	result := b.db.WithContext(ctx).Model(&models.SessionRecord{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"owner_endpoint_id": owner,
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("set owner %s: %w", sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *GormBackend) List(ctx context.Context) ([]models.SessionRecord, error) {
	var recs []models.SessionRecord
	if err := b.db.WithContext(ctx).Order("session_id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return recs, nil
}

func (b *GormBackend) Stale(ctx context.Context, before time.Time) ([]string, error) {
	var ids []string
	if err := b.db.WithContext(ctx).Model(&models.SessionRecord{}).
		Where("last_accessed < ?", before).
		Pluck("session_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("find stale sessions: %w", err)
	}
	return ids, nil
}
