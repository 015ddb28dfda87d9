package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"dialogue-server/internal/models"
)

// DBTX abstracts the querier so repository methods run against either a
// *pgxpool.Pool or a pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner executes a function inside a database transaction. The
// transaction is rolled back if the function returns an error.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(q DBTX) error) error
}

// ProgressMetaRepository persists the versioned progress metadata record.
// All mutations go through the check-then-set discipline: Insert fails with
// models.ErrVersionConflict when a record already exists, UpdateChecked when
// the stored version differs from the one observed at read time.
type ProgressMetaRepository interface {
	Get(ctx context.Context, q DBTX, playerID, gameID string) (*models.ProgressMeta, error)
	Insert(ctx context.Context, q DBTX, meta *models.ProgressMeta) error
	UpdateChecked(ctx context.Context, q DBTX, meta *models.ProgressMeta, expectedVersion int64) error
	Delete(ctx context.Context, q DBTX, playerID, gameID string) error
}

// ChunkRepository persists the ordered compressed transcript chunks.
type ChunkRepository interface {
	Get(ctx context.Context, q DBTX, playerID, gameID string, chunkIndex int) (*models.TranscriptChunk, error)
	List(ctx context.Context, q DBTX, playerID, gameID string) ([]models.TranscriptChunk, error)
	Upsert(ctx context.Context, q DBTX, chunk *models.TranscriptChunk) error
	DeleteAll(ctx context.Context, q DBTX, playerID, gameID string) error
}

// LegacyTranscriptRepository deletes flat transcript rows left behind by the
// pre-chunking storage format. Delete-only: nothing reads or writes the
// legacy table anymore.
type LegacyTranscriptRepository interface {
	Delete(ctx context.Context, q DBTX, playerID, gameID string) error
}

// GameConfigRepository supplies the static game definitions the per-player
// snapshots are seeded from.
type GameConfigRepository interface {
	GetByID(ctx context.Context, q DBTX, gameID string) (*models.GameConfig, error)
}
