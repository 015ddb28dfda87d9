package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"dialogue-server/internal/models"
)

const (
	progressMetaFields = `player_id, game_id, format_version, codec, chunk_size, chunk_count, event_count, version, snapshot, updated_at`

	insertProgressMetaQuery = `
        INSERT INTO dialogue_progress
            (player_id, game_id, format_version, codec, chunk_size, chunk_count, event_count, version, snapshot, updated_at)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (player_id, game_id) DO NOTHING
    `
	updateProgressMetaCheckedQuery = `
        UPDATE dialogue_progress SET
            format_version = $3,
            codec = $4,
            chunk_size = $5,
            chunk_count = $6,
            event_count = $7,
            version = $8,
            snapshot = $9,
            updated_at = $10
        WHERE player_id = $1 AND game_id = $2 AND version = $11
    `
	getProgressMetaQuery = `
        SELECT ` + progressMetaFields + `
        FROM dialogue_progress
        WHERE player_id = $1 AND game_id = $2
    `
	deleteProgressMetaQuery = `DELETE FROM dialogue_progress WHERE player_id = $1 AND game_id = $2`
)

// Compile-time check to ensure pgProgressMetaRepository implements the interface.
var _ ProgressMetaRepository = (*pgProgressMetaRepository)(nil)

// pgProgressMetaRepository is the PostgreSQL implementation of ProgressMetaRepository.
type pgProgressMetaRepository struct {
	logger *zap.Logger
}

// NewPgProgressMetaRepository creates a new repository instance.
func NewPgProgressMetaRepository(logger *zap.Logger) ProgressMetaRepository {
	return &pgProgressMetaRepository{logger: logger.Named("PgProgressMetaRepo")}
}

func (r *pgProgressMetaRepository) Get(ctx context.Context, q DBTX, playerID, gameID string) (*models.ProgressMeta, error) {
	logFields := []zap.Field{zap.String("playerID", playerID), zap.String("gameID", gameID)}

	meta := &models.ProgressMeta{}
	var snapshotRaw []byte
	err := q.QueryRow(ctx, getProgressMetaQuery, playerID, gameID).Scan(
		&meta.PlayerID,
		&meta.GameID,
		&meta.FormatVersion,
		&meta.Codec,
		&meta.ChunkSize,
		&meta.ChunkCount,
		&meta.EventCount,
		&meta.Version,
		&snapshotRaw,
		&meta.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get progress metadata", append(logFields, zap.Error(err))...)
		return nil, fmt.Errorf("failed to get progress metadata: %w", err)
	}

	if len(snapshotRaw) > 0 {
		snap := &models.GameSnapshot{}
		if err := json.Unmarshal(snapshotRaw, snap); err != nil {
			// A broken snapshot must not make the whole transcript
			// unreadable; the caller reseeds it from the game config.
			r.logger.Warn("Failed to decode stored game snapshot, ignoring it", append(logFields, zap.Error(err))...)
		} else {
			meta.Snapshot = snap
		}
	}
	return meta, nil
}

func (r *pgProgressMetaRepository) Insert(ctx context.Context, q DBTX, meta *models.ProgressMeta) error {
	logFields := []zap.Field{zap.String("playerID", meta.PlayerID), zap.String("gameID", meta.GameID)}

	snapshotRaw, err := json.Marshal(meta.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode game snapshot: %w", err)
	}
	meta.UpdatedAt = time.Now().UTC()

	tag, err := q.Exec(ctx, insertProgressMetaQuery,
		meta.PlayerID,
		meta.GameID,
		meta.FormatVersion,
		meta.Codec,
		meta.ChunkSize,
		meta.ChunkCount,
		meta.EventCount,
		meta.Version,
		snapshotRaw,
		meta.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert progress metadata", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to insert progress metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Somebody else created the record between our read and this insert.
		r.logger.Warn("Progress metadata insert lost the race", logFields...)
		return models.ErrVersionConflict
	}
	return nil
}

func (r *pgProgressMetaRepository) UpdateChecked(ctx context.Context, q DBTX, meta *models.ProgressMeta, expectedVersion int64) error {
	logFields := []zap.Field{
		zap.String("playerID", meta.PlayerID),
		zap.String("gameID", meta.GameID),
		zap.Int64("expectedVersion", expectedVersion),
		zap.Int64("newVersion", meta.Version),
	}

	snapshotRaw, err := json.Marshal(meta.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode game snapshot: %w", err)
	}
	meta.UpdatedAt = time.Now().UTC()

	tag, err := q.Exec(ctx, updateProgressMetaCheckedQuery,
		meta.PlayerID,
		meta.GameID,
		meta.FormatVersion,
		meta.Codec,
		meta.ChunkSize,
		meta.ChunkCount,
		meta.EventCount,
		meta.Version,
		snapshotRaw,
		meta.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		r.logger.Error("Failed to update progress metadata", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to update progress metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Warn("Progress metadata version check failed", logFields...)
		return models.ErrVersionConflict
	}
	return nil
}

func (r *pgProgressMetaRepository) Delete(ctx context.Context, q DBTX, playerID, gameID string) error {
	if _, err := q.Exec(ctx, deleteProgressMetaQuery, playerID, gameID); err != nil {
		r.logger.Error("Failed to delete progress metadata",
			zap.String("playerID", playerID), zap.String("gameID", gameID), zap.Error(err))
		return fmt.Errorf("failed to delete progress metadata: %w", err)
	}
	return nil
}
