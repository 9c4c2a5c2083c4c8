// Package sessionstore persists one opaque connection-session blob per
// (client, endpoint) pair as checksummed base64 chunks in a relational store.
package sessionstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/models"
)

// DefaultTimeout bounds every backend call made by a Store operation.
const DefaultTimeout = 30 * time.Second

// Store is a handle scoped to one client identity and one endpoint binding.
// Use WithEndpoint to obtain a handle for a different binding.
type Store struct {
	backend    Backend
	clientID   string
	endpointID string
	chunkSize  int
	batchSize  int
	timeout    time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// Opts holds parameters for creating a Store.
type Opts struct {
	Backend    Backend
	ClientID   string
	EndpointID string        // "" means unbound
	ChunkSize  int           // defaults to DefaultChunkSize
	BatchSize  int           // defaults to DefaultBatchSize
	Timeout    time.Duration // defaults to DefaultTimeout
	Now        func() time.Time
}

// New creates a Store.
func New(opts Opts) (*Store, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("sessionstore: backend is required")
	}
	if opts.ClientID == "" {
		return nil, fmt.Errorf("sessionstore: client id is required")
	}
	s := &Store{
		backend:    opts.Backend,
		clientID:   opts.ClientID,
		endpointID: opts.EndpointID,
		chunkSize:  opts.ChunkSize,
		batchSize:  opts.BatchSize,
		timeout:    opts.Timeout,
		now:        opts.Now,
		log:        logging.Component("sessionstore"),
	}
	if s.chunkSize <= 0 {
		s.chunkSize = DefaultChunkSize
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// WithEndpoint returns a copy of the handle bound to endpointID.
func (s *Store) WithEndpoint(endpointID string) *Store {
	cp := *s
	cp.endpointID = endpointID
	return &cp
}

// EndpointID returns the endpoint this handle is bound to.
func (s *Store) EndpointID() string { return s.endpointID }

// SessionID returns the composite id for a logical session name.
func (s *Store) SessionID(name string) string {
	return s.clientID + "-" + name
}

func (s *Store) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

func (s *Store) owns(rec *models.SessionRecord) bool {
	return rec.Owner() == s.endpointID
}

// Exists reports whether a complete session owned by this handle's endpoint
// is persisted. Sessions bound to another endpoint report false.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	id := s.SessionID(name)
	rec, err := s.backend.Record(ctx, id)
	if err != nil {
		return false, fmt.Errorf("sessionstore: exists: %w", err)
	}
	if rec == nil {
		return false, nil
	}
	if !s.owns(rec) {
		s.log.Debug().Str("session", id).Str("owner", rec.Owner()).Str("endpoint", s.endpointID).
			Msg("session belongs to another endpoint")
		return false, nil
	}
	n, err := s.backend.CountChunks(ctx, id)
	if err != nil {
		return false, fmt.Errorf("sessionstore: exists: %w", err)
	}
	if n != int64(rec.ChunkCount) {
		s.log.Warn().Str("session", id).Int64("stored", n).Int("declared", rec.ChunkCount).
			Msg("chunk count mismatch")
		return false, nil
	}
	return true, nil
}

// Stat returns the session record regardless of owner, or ErrNotFound.
func (s *Store) Stat(ctx context.Context, name string) (*models.SessionRecord, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rec, err := s.backend.Record(ctx, s.SessionID(name))
	if err != nil {
		return nil, fmt.Errorf("sessionstore: stat: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Save replaces the persisted blob for name. A save that cannot be confirmed
// complete is reported as failed and the partial session removed.
func (s *Store) Save(ctx context.Context, name string, raw []byte) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	id := s.SessionID(name)
	chunks, encodedLen := buildChunks(id, raw, s.chunkSize)
	now := s.now()

	rec := &models.SessionRecord{
		SessionID:        id,
		ChunkCount:       len(chunks),
		TotalEncodedSize: encodedLen,
		Checksum:         Checksum(raw),
		LastAccessed:     now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if s.endpointID != "" {
		ep := s.endpointID
		rec.OwnerEndpointID = &ep
	}
	if prev, err := s.backend.Record(ctx, id); err == nil && prev != nil {
		rec.CreatedAt = prev.CreatedAt
	}

	if err := s.backend.Replace(ctx, rec, chunks, s.batchSize); err != nil {
		if !s.backend.Transactional() {
			s.discardPartial(id)
		}
		return fmt.Errorf("sessionstore: save %s: %w", id, err)
	}

	if !s.backend.Transactional() {
		ok, err := s.Exists(ctx, name)
		if err != nil || !ok {
			s.discardPartial(id)
			if err != nil {
				return fmt.Errorf("sessionstore: save %s: verify: %w", id, err)
			}
			return fmt.Errorf("sessionstore: save %s: %w", id, ErrIncompleteSave)
		}
	}

	s.log.Info().Str("session", id).Int("chunks", len(chunks)).Int("bytes", len(raw)).
		Str("endpoint", s.endpointID).Msg("session saved")
	return nil
}

// discardPartial deletes a half-written session so its record never points
// at a chunk count the table does not hold.
func (s *Store) discardPartial(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.backend.Delete(ctx, id); err != nil {
		s.log.Error().Err(err).Str("session", id).Msg("discard partial save")
	}
}

// Extract reassembles the session blob and writes it to w. It returns
// ErrEndpointMismatch when the session belongs to another endpoint and an
// ErrCorrupt-wrapped error when the data fails verification.
func (s *Store) Extract(ctx context.Context, name string, w io.Writer) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	id := s.SessionID(name)
	rec, err := s.backend.Record(ctx, id)
	if err != nil {
		return fmt.Errorf("sessionstore: extract: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("sessionstore: extract %s: %w", id, ErrNotFound)
	}
	if !s.owns(rec) {
		return fmt.Errorf("sessionstore: extract %s: owner %q, bound %q: %w",
			id, rec.Owner(), s.endpointID, ErrEndpointMismatch)
	}

	chunks, err := s.backend.Chunks(ctx, id)
	if err != nil {
		return fmt.Errorf("sessionstore: extract: %w", err)
	}
	encoded, missing := assemble(chunks, rec.ChunkCount)
	if len(missing) > 0 {
		s.log.Warn().Str("session", id).Ints("missing", missing).Int("declared", rec.ChunkCount).
			Msg("chunks missing during extract")
	}

	raw, err := decodeAndVerify(encoded, rec.Checksum)
	if err != nil {
		return fmt.Errorf("sessionstore: extract %s: %w", id, err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("sessionstore: extract %s: write: %w", id, err)
	}

	if err := s.backend.Touch(ctx, id, s.now()); err != nil {
		s.log.Warn().Err(err).Str("session", id).Msg("update last accessed")
	}
	return nil
}

// Delete removes the session. Deleting an absent session succeeds.
func (s *Store) Delete(ctx context.Context, name string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	id := s.SessionID(name)
	if err := s.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("sessionstore: delete: %w", err)
	}
	s.log.Info().Str("session", id).Msg("session deleted")
	return nil
}

// Migrate reassigns a session (by full id) to newEndpointID without touching
// its chunks. An empty newEndpointID unbinds it.
func (s *Store) Migrate(ctx context.Context, sessionID, newEndpointID string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var owner *string
	if newEndpointID != "" {
		owner = &newEndpointID
	}
	if err := s.backend.SetOwner(ctx, sessionID, owner); err != nil {
		return fmt.Errorf("sessionstore: migrate %s: %w", sessionID, err)
	}
	s.log.Info().Str("session", sessionID).Str("endpoint", newEndpointID).Msg("session migrated")
	return nil
}

// List returns every persisted session record.
func (s *Store) List(ctx context.Context) ([]models.SessionRecord, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	recs, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: list: %w", err)
	}
	return recs, nil
}

// PurgeStale deletes sessions not accessed within retention. It returns the
// number of sessions removed; one failed delete does not stop the sweep.
func (s *Store) PurgeStale(ctx context.Context, retention time.Duration) (int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	ids, err := s.backend.Stale(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("sessionstore: purge stale: %w", err)
	}
	purged := 0
	var firstErr error
	for _, id := range ids {
		if err := s.backend.Delete(ctx, id); err != nil {
			s.log.Error().Err(err).Str("session", id).Msg("purge stale session")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		purged++
	}
	if purged > 0 {
		s.log.Info().Int("purged", purged).Dur("retention", retention).Msg("stale sessions purged")
	}
	if firstErr != nil {
		return purged, fmt.Errorf("sessionstore: purge stale: %w", firstErr)
	}
	return purged, nil
}
