// Package store persists a growing dialogue transcript as a versioned
// metadata record plus ordered compressed chunks, safe under concurrent
// writers for the same (player, game) key.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"dialogue-server/internal/codec"
	"dialogue-server/internal/models"
)

// Store is the chunked transcript store. Every write is conditioned on the
// metadata version observed at read time; a concurrent committed update
// surfaces as models.ErrVersionConflict and the caller must re-read and
// retry the whole read-modify-write cycle.
type Store struct {
	db     DBTX
	tx     TxRunner
	meta   ProgressMetaRepository
	chunks ChunkRepository
	legacy LegacyTranscriptRepository
	logger *zap.Logger
}

// New creates a Store. The storage client handle is injected explicitly;
// the Store holds no process-global state.
func New(db DBTX, tx TxRunner, meta ProgressMetaRepository, chunks ChunkRepository, legacy LegacyTranscriptRepository, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		tx:     tx,
		meta:   meta,
		chunks: chunks,
		legacy: legacy,
		logger: logger.Named("TranscriptStore"),
	}
}

// Read loads the progress metadata and the full ordered transcript for one
// (player, game) pair. Returns (nil, nil, nil) when no metadata exists.
// Chunks that fail to decompress or decode are skipped and logged, never
// fatal: the read reconstructs everything it can.
func (s *Store) Read(ctx context.Context, playerID, gameID string) (*models.ProgressMeta, []models.TranscriptEvent, error) {
	log := s.logger.With(zap.String("playerID", playerID), zap.String("gameID", gameID))

	meta, err := s.meta.Get(ctx, s.db, playerID, gameID)
	if err != nil {
		if err == models.ErrNotFound {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	chunks, err := s.chunks.List(ctx, s.db, playerID, gameID)
	if err != nil {
		return nil, nil, err
	}

	events := make([]models.TranscriptEvent, 0, meta.EventCount)
	for _, chunk := range chunks {
		if chunk.ChunkIndex >= meta.ChunkCount {
			// Orphan from an aborted rewrite; invisible to the metadata.
			continue
		}
		body, err := decompressChunk(chunk.Payload)
		if err != nil {
			chunkDecodeFailuresTotal.Inc()
			log.Warn("Skipping undecodable transcript chunk", zap.Int("chunkIndex", chunk.ChunkIndex), zap.Error(err))
			continue
		}
		decoded, dropped := codec.Decode(body)
		if dropped > 0 {
			chunkDecodeFailuresTotal.Inc()
			log.Warn("Dropped malformed transcript lines",
				zap.Int("chunkIndex", chunk.ChunkIndex), zap.Int("dropped", dropped))
		}
		events = append(events, decoded...)
	}
	return meta, events, nil
}

// Write persists the full transcript plus snapshot, conditioned on the
// metadata the caller observed at read time (nil for a first-ever write).
// It chooses between a full rewrite (no prior metadata, or the caller's
// transcript is shorter than the stored event count, which signals a stale
// or divergent caller) and a delta append of only the new tail events.
func (s *Store) Write(ctx context.Context, playerID, gameID string, events []models.TranscriptEvent, snap *models.GameSnapshot, observed *models.ProgressMeta) (*models.ProgressMeta, error) {
	log := s.logger.With(zap.String("playerID", playerID), zap.String("gameID", gameID))

	var committed *models.ProgressMeta
	err := s.tx.RunInTx(ctx, func(q DBTX) error {
		var err error
		switch {
		case observed == nil:
			committed, err = s.writeFresh(ctx, q, playerID, gameID, events, snap)
		case len(events) < observed.EventCount:
			log.Warn("Caller transcript shorter than stored, rewriting from scratch",
				zap.Int("callerEvents", len(events)), zap.Int("storedEvents", observed.EventCount))
			committed, err = s.rewriteAll(ctx, q, playerID, gameID, events, snap, observed)
		case len(events) == observed.EventCount:
			committed, err = s.touch(ctx, q, snap, observed)
		default:
			committed, err = s.appendDelta(ctx, q, playerID, gameID, events, snap, observed)
		}
		return err
	})
	if err != nil {
		if err == models.ErrVersionConflict {
			writeConflictsTotal.Inc()
		}
		return nil, err
	}
	return committed, nil
}

// Reset atomically deletes the metadata record, every chunk, and any legacy
// flat transcript row for the key.
func (s *Store) Reset(ctx context.Context, playerID, gameID string) error {
	return s.tx.RunInTx(ctx, func(q DBTX) error {
		if err := s.meta.Delete(ctx, q, playerID, gameID); err != nil {
			return err
		}
		if err := s.chunks.DeleteAll(ctx, q, playerID, gameID); err != nil {
			return err
		}
		return s.legacy.Delete(ctx, q, playerID, gameID)
	})
}

// writeFresh handles a first-ever write: insert metadata (losing the insert
// race is a conflict) and chunk the whole transcript.
func (s *Store) writeFresh(ctx context.Context, q DBTX, playerID, gameID string, events []models.TranscriptEvent, snap *models.GameSnapshot) (*models.ProgressMeta, error) {
	capacity := models.DefaultChunkSize
	meta := &models.ProgressMeta{
		PlayerID:      playerID,
		GameID:        gameID,
		FormatVersion: models.TranscriptFormatVersion,
		Codec:         models.CodecGzip,
		ChunkSize:     capacity,
		ChunkCount:    chunkCountFor(len(events), capacity),
		EventCount:    len(events),
		Version:       1,
		Snapshot:      snap,
	}
	if err := s.meta.Insert(ctx, q, meta); err != nil {
		return nil, err
	}
	if err := s.replaceChunks(ctx, q, playerID, gameID, events, capacity); err != nil {
		return nil, err
	}
	writesTotal.WithLabelValues("full_rewrite").Inc()
	return meta, nil
}

// rewriteAll re-chunks the entire transcript, replacing all stored chunks.
func (s *Store) rewriteAll(ctx context.Context, q DBTX, playerID, gameID string, events []models.TranscriptEvent, snap *models.GameSnapshot, observed *models.ProgressMeta) (*models.ProgressMeta, error) {
	capacity := observed.ChunkSize
	if capacity <= 0 {
		capacity = models.DefaultChunkSize
	}
	meta := &models.ProgressMeta{
		PlayerID:      playerID,
		GameID:        gameID,
		FormatVersion: models.TranscriptFormatVersion,
		Codec:         models.CodecGzip,
		ChunkSize:     capacity,
		ChunkCount:    chunkCountFor(len(events), capacity),
		EventCount:    len(events),
		Version:       observed.Version + 1,
		Snapshot:      snap,
	}
	// The checked update is first: it takes the row lock and detects a
	// concurrent commit before any chunk is touched.
	if err := s.meta.UpdateChecked(ctx, q, meta, observed.Version); err != nil {
		return nil, err
	}
	if err := s.chunks.DeleteAll(ctx, q, playerID, gameID); err != nil {
		return nil, err
	}
	if err := s.replaceChunks(ctx, q, playerID, gameID, events, capacity); err != nil {
		return nil, err
	}
	writesTotal.WithLabelValues("full_rewrite").Inc()
	return meta, nil
}

// touch bumps the version and timestamp and refreshes the snapshot without
// touching any chunk. Used when the caller saved with no new events.
func (s *Store) touch(ctx context.Context, q DBTX, snap *models.GameSnapshot, observed *models.ProgressMeta) (*models.ProgressMeta, error) {
	meta := *observed
	meta.Version = observed.Version + 1
	meta.Snapshot = snap
	if err := s.meta.UpdateChecked(ctx, q, &meta, observed.Version); err != nil {
		return nil, err
	}
	writesTotal.WithLabelValues("touch").Inc()
	return &meta, nil
}

// appendDelta encodes only the new tail events, merging them into the
// existing last chunk up to its capacity and spilling any overflow into new
// chunks. Only the tail chunk is ever re-decoded, so the per-turn cost is
// bounded by the chunk capacity, not the transcript length.
func (s *Store) appendDelta(ctx context.Context, q DBTX, playerID, gameID string, events []models.TranscriptEvent, snap *models.GameSnapshot, observed *models.ProgressMeta) (*models.ProgressMeta, error) {
	capacity := observed.ChunkSize
	if capacity <= 0 {
		capacity = models.DefaultChunkSize
	}
	newEvents := events[observed.EventCount:]

	meta := &models.ProgressMeta{
		PlayerID:      playerID,
		GameID:        gameID,
		FormatVersion: models.TranscriptFormatVersion,
		Codec:         models.CodecGzip,
		ChunkSize:     capacity,
		ChunkCount:    chunkCountFor(len(events), capacity),
		EventCount:    len(events),
		Version:       observed.Version + 1,
		Snapshot:      snap,
	}
	if err := s.meta.UpdateChecked(ctx, q, meta, observed.Version); err != nil {
		return nil, err
	}

	if observed.ChunkCount == 0 {
		if err := s.replaceChunks(ctx, q, playerID, gameID, events, capacity); err != nil {
			return nil, err
		}
		writesTotal.WithLabelValues("full_rewrite").Inc()
		return meta, nil
	}

	tailIndex := observed.ChunkCount - 1
	tailCount := observed.EventCount - tailIndex*capacity
	tailBody := ""
	tail, err := s.chunks.Get(ctx, q, playerID, gameID, tailIndex)
	if err != nil && err != models.ErrNotFound {
		return nil, err
	}
	if tail == nil {
		// The metadata promises a tail chunk that is not there. Appending
		// would produce a chunk whose event count lies about its contents,
		// so rebuild everything from the caller's transcript.
		s.logger.Warn("Tail chunk missing during delta append, rewriting all chunks",
			zap.String("playerID", playerID), zap.String("gameID", gameID), zap.Int("chunkIndex", tailIndex))
		return meta, s.rebuildChunks(ctx, q, playerID, gameID, events, capacity)
	}
	tailBody, err = decompressChunk(tail.Payload)
	if err != nil {
		// Corrupt tail: fall back to rebuilding every chunk from the
		// caller's transcript instead of appending to garbage.
		s.logger.Warn("Tail chunk undecodable during delta append, rewriting all chunks",
			zap.String("playerID", playerID), zap.String("gameID", gameID), zap.Error(err))
		return meta, s.rebuildChunks(ctx, q, playerID, gameID, events, capacity)
	}

	free := capacity - tailCount
	take := len(newEvents)
	if take > free {
		take = free
	}
	if take > 0 {
		merged := codec.Append(tailBody, newEvents[:take])
		payload, err := compressChunk(merged)
		if err != nil {
			return nil, err
		}
		err = s.chunks.Upsert(ctx, q, &models.TranscriptChunk{
			PlayerID:   playerID,
			GameID:     gameID,
			ChunkIndex: tailIndex,
			EventCount: tailCount + take,
			Payload:    payload,
		})
		if err != nil {
			return nil, err
		}
	}

	overflow := newEvents[take:]
	for i := 0; i < len(overflow); i += capacity {
		end := i + capacity
		if end > len(overflow) {
			end = len(overflow)
		}
		payload, err := compressChunk(codec.Encode(overflow[i:end]))
		if err != nil {
			return nil, err
		}
		err = s.chunks.Upsert(ctx, q, &models.TranscriptChunk{
			PlayerID:   playerID,
			GameID:     gameID,
			ChunkIndex: tailIndex + 1 + i/capacity,
			EventCount: end - i,
			Payload:    payload,
		})
		if err != nil {
			return nil, err
		}
	}

	writesTotal.WithLabelValues("delta_append").Inc()
	return meta, nil
}

// rebuildChunks discards every stored chunk and rewrites the whole transcript
// from the caller's events. Used when the tail chunk cannot be appended to.
func (s *Store) rebuildChunks(ctx context.Context, q DBTX, playerID, gameID string, events []models.TranscriptEvent, capacity int) error {
	if err := s.chunks.DeleteAll(ctx, q, playerID, gameID); err != nil {
		return err
	}
	if err := s.replaceChunks(ctx, q, playerID, gameID, events, capacity); err != nil {
		return err
	}
	writesTotal.WithLabelValues("full_rewrite").Inc()
	return nil
}

// replaceChunks writes the full transcript as capacity-sized chunks starting
// at index 0. The caller is responsible for deleting stale chunks first.
func (s *Store) replaceChunks(ctx context.Context, q DBTX, playerID, gameID string, events []models.TranscriptEvent, capacity int) error {
	for i := 0; i < len(events); i += capacity {
		end := i + capacity
		if end > len(events) {
			end = len(events)
		}
		payload, err := compressChunk(codec.Encode(events[i:end]))
		if err != nil {
			return err
		}
		err = s.chunks.Upsert(ctx, q, &models.TranscriptChunk{
			PlayerID:   playerID,
			GameID:     gameID,
			ChunkIndex: i / capacity,
			EventCount: end - i,
			Payload:    payload,
		})
		if err != nil {
			return fmt.Errorf("failed to write chunk %d: %w", i/capacity, err)
		}
	}
	return nil
}

func chunkCountFor(eventCount, capacity int) int {
	if eventCount == 0 {
		return 0
	}
	return (eventCount + capacity - 1) / capacity
}
