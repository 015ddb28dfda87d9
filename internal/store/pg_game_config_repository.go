package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"dialogue-server/internal/models"
)

const getGameConfigQuery = `
    SELECT id, title, intro, plot, assistant_id, config, created_at
    FROM games
    WHERE id = $1
`

// Compile-time check to ensure pgGameConfigRepository implements the interface.
var _ GameConfigRepository = (*pgGameConfigRepository)(nil)

// pgGameConfigRepository reads static game definitions authored by the admin
// collaborator. Milestones and characters live in the config JSONB column.
type pgGameConfigRepository struct {
	logger *zap.Logger
}

// NewPgGameConfigRepository creates a new repository instance.
func NewPgGameConfigRepository(logger *zap.Logger) GameConfigRepository {
	return &pgGameConfigRepository{logger: logger.Named("PgGameConfigRepo")}
}

func (r *pgGameConfigRepository) GetByID(ctx context.Context, q DBTX, gameID string) (*models.GameConfig, error) {
	// games.id is a uuid column. An id that cannot parse can never match a
	// row, so report not-found instead of letting Postgres reject the cast.
	if _, err := uuid.Parse(gameID); err != nil {
		return nil, models.ErrGameNotFound
	}
	cfg := &models.GameConfig{}
	var configRaw []byte
	err := q.QueryRow(ctx, getGameConfigQuery, gameID).Scan(
		&cfg.ID,
		&cfg.Title,
		&cfg.Intro,
		&cfg.Plot,
		&cfg.AssistantID,
		&configRaw,
		&cfg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrGameNotFound
		}
		r.logger.Error("Failed to get game config", zap.String("gameID", gameID), zap.Error(err))
		return nil, fmt.Errorf("failed to get game config %s: %w", gameID, err)
	}

	var extra struct {
		Milestones []models.Milestone `json:"milestones"`
		Characters []models.Character `json:"characters"`
	}
	if err := json.Unmarshal(configRaw, &extra); err != nil {
		r.logger.Error("Failed to decode game config payload", zap.String("gameID", gameID), zap.Error(err))
		return nil, fmt.Errorf("failed to decode game config %s: %w", gameID, err)
	}
	cfg.Milestones = extra.Milestones
	cfg.Characters = extra.Characters
	return cfg, nil
}
