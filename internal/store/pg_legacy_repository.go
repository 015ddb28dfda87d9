package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const deleteLegacyTranscriptQuery = `DELETE FROM dialogue_transcripts WHERE player_id = $1 AND game_id = $2`

// Compile-time check to ensure pgLegacyTranscriptRepository implements the interface.
var _ LegacyTranscriptRepository = (*pgLegacyTranscriptRepository)(nil)

// pgLegacyTranscriptRepository cleans up rows of the pre-chunking flat
// transcript format. Reset deletes them unconditionally; nothing else
// touches the table.
type pgLegacyTranscriptRepository struct {
	logger *zap.Logger
}

// NewPgLegacyTranscriptRepository creates a new repository instance.
func NewPgLegacyTranscriptRepository(logger *zap.Logger) LegacyTranscriptRepository {
	return &pgLegacyTranscriptRepository{logger: logger.Named("PgLegacyTranscriptRepo")}
}

func (r *pgLegacyTranscriptRepository) Delete(ctx context.Context, q DBTX, playerID, gameID string) error {
	if _, err := q.Exec(ctx, deleteLegacyTranscriptQuery, playerID, gameID); err != nil {
		r.logger.Error("Failed to delete legacy transcript row",
			zap.String("playerID", playerID), zap.String("gameID", gameID), zap.Error(err))
		return fmt.Errorf("failed to delete legacy transcript: %w", err)
	}
	return nil
}
