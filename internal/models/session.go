package models

import "time"

// SessionRecord is the metadata row for one persisted connection session.
// The blob itself lives in SessionChunk rows keyed by SessionID.
type SessionRecord struct {
	SessionID        string    `gorm:"primaryKey;size:191" json:"session_id"`
	OwnerEndpointID  *string   `gorm:"size:64;index" json:"owner_endpoint_id"`
	ChunkCount       int       `gorm:"not null" json:"chunk_count"`
	TotalEncodedSize int       `gorm:"not null" json:"total_encoded_size"`
	Checksum         string    `gorm:"size:64;not null" json:"checksum"`
	LastAccessed     time.Time `gorm:"index" json:"last_accessed"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName pins the table name shared with non-GORM backends.
func (SessionRecord) TableName() string { return "bot_sessions" }

// Owner returns the owning endpoint ID, or "" when unbound.
func (r *SessionRecord) Owner() string {
	if r == nil || r.OwnerEndpointID == nil {
		return ""
	}
	return *r.OwnerEndpointID
}

// SessionChunk is one base64 slice of a session blob. ChunkData is aligned
// to a 4-character boundary so chunks concatenate without re-padding.
type SessionChunk struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID   string `gorm:"size:191;not null;uniqueIndex:idx_session_chunk" json:"session_id"`
	ChunkIndex  int    `gorm:"not null;uniqueIndex:idx_session_chunk" json:"chunk_index"`
	ChunkData   string `gorm:"type:mediumtext;not null" json:"chunk_data"`
	TotalChunks int    `gorm:"not null" json:"total_chunks"`
}

// TableName pins the table name shared with non-GORM backends.
func (SessionChunk) TableName() string { return "bot_session_chunks" }
