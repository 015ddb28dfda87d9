package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"dialogue-server/internal/models"
)

const (
	upsertChunkQuery = `
        INSERT INTO dialogue_chunks (player_id, game_id, chunk_index, event_count, payload)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (player_id, game_id, chunk_index)
        DO UPDATE SET event_count = EXCLUDED.event_count, payload = EXCLUDED.payload
    `
	getChunkQuery = `
        SELECT player_id, game_id, chunk_index, event_count, payload
        FROM dialogue_chunks
        WHERE player_id = $1 AND game_id = $2 AND chunk_index = $3
    `
	listChunksQuery = `
        SELECT player_id, game_id, chunk_index, event_count, payload
        FROM dialogue_chunks
        WHERE player_id = $1 AND game_id = $2
        ORDER BY chunk_index
    `
	deleteChunksQuery = `DELETE FROM dialogue_chunks WHERE player_id = $1 AND game_id = $2`
)

// Compile-time check to ensure pgChunkRepository implements the interface.
var _ ChunkRepository = (*pgChunkRepository)(nil)

// pgChunkRepository is the PostgreSQL implementation of ChunkRepository.
type pgChunkRepository struct {
	logger *zap.Logger
}

// NewPgChunkRepository creates a new repository instance.
func NewPgChunkRepository(logger *zap.Logger) ChunkRepository {
	return &pgChunkRepository{logger: logger.Named("PgChunkRepo")}
}

type chunkRow struct {
	PlayerID   string `db:"player_id"`
	GameID     string `db:"game_id"`
	ChunkIndex int    `db:"chunk_index"`
	EventCount int    `db:"event_count"`
	Payload    []byte `db:"payload"`
}

func (r *pgChunkRepository) Get(ctx context.Context, q DBTX, playerID, gameID string, chunkIndex int) (*models.TranscriptChunk, error) {
	chunk := &models.TranscriptChunk{}
	err := q.QueryRow(ctx, getChunkQuery, playerID, gameID, chunkIndex).Scan(
		&chunk.PlayerID,
		&chunk.GameID,
		&chunk.ChunkIndex,
		&chunk.EventCount,
		&chunk.Payload,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get transcript chunk",
			zap.String("playerID", playerID), zap.String("gameID", gameID),
			zap.Int("chunkIndex", chunkIndex), zap.Error(err))
		return nil, fmt.Errorf("failed to get transcript chunk %d: %w", chunkIndex, err)
	}
	return chunk, nil
}

func (r *pgChunkRepository) List(ctx context.Context, q DBTX, playerID, gameID string) ([]models.TranscriptChunk, error) {
	var rows []chunkRow
	if err := pgxscan.Select(ctx, q, &rows, listChunksQuery, playerID, gameID); err != nil {
		r.logger.Error("Failed to list transcript chunks",
			zap.String("playerID", playerID), zap.String("gameID", gameID), zap.Error(err))
		return nil, fmt.Errorf("failed to list transcript chunks: %w", err)
	}
	chunks := make([]models.TranscriptChunk, 0, len(rows))
	for _, row := range rows {
		chunks = append(chunks, models.TranscriptChunk{
			PlayerID:   row.PlayerID,
			GameID:     row.GameID,
			ChunkIndex: row.ChunkIndex,
			EventCount: row.EventCount,
			Payload:    row.Payload,
		})
	}
	return chunks, nil
}

func (r *pgChunkRepository) Upsert(ctx context.Context, q DBTX, chunk *models.TranscriptChunk) error {
	_, err := q.Exec(ctx, upsertChunkQuery,
		chunk.PlayerID,
		chunk.GameID,
		chunk.ChunkIndex,
		chunk.EventCount,
		chunk.Payload,
	)
	if err != nil {
		r.logger.Error("Failed to upsert transcript chunk",
			zap.String("playerID", chunk.PlayerID), zap.String("gameID", chunk.GameID),
			zap.Int("chunkIndex", chunk.ChunkIndex), zap.Error(err))
		return fmt.Errorf("failed to upsert transcript chunk %d: %w", chunk.ChunkIndex, err)
	}
	return nil
}

func (r *pgChunkRepository) DeleteAll(ctx context.Context, q DBTX, playerID, gameID string) error {
	if _, err := q.Exec(ctx, deleteChunksQuery, playerID, gameID); err != nil {
		r.logger.Error("Failed to delete transcript chunks",
			zap.String("playerID", playerID), zap.String("gameID", gameID), zap.Error(err))
		return fmt.Errorf("failed to delete transcript chunks: %w", err)
	}
	return nil
}
