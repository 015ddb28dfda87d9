package store_test

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dialogue-server/internal/models"
	"dialogue-server/internal/store"
)

// --- in-memory fakes ---

func key(playerID, gameID string) string { return playerID + "|" + gameID }

type fakeMetaRepo struct {
	recs map[string]models.ProgressMeta
}

func newFakeMetaRepo() *fakeMetaRepo {
	return &fakeMetaRepo{recs: map[string]models.ProgressMeta{}}
}

func (r *fakeMetaRepo) Get(ctx context.Context, q store.DBTX, playerID, gameID string) (*models.ProgressMeta, error) {
	rec, ok := r.recs[key(playerID, gameID)]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := rec
	return &cp, nil
}

func (r *fakeMetaRepo) Insert(ctx context.Context, q store.DBTX, meta *models.ProgressMeta) error {
	k := key(meta.PlayerID, meta.GameID)
	if _, ok := r.recs[k]; ok {
		return models.ErrVersionConflict
	}
	r.recs[k] = *meta
	return nil
}

func (r *fakeMetaRepo) UpdateChecked(ctx context.Context, q store.DBTX, meta *models.ProgressMeta, expectedVersion int64) error {
	k := key(meta.PlayerID, meta.GameID)
	rec, ok := r.recs[k]
	if !ok || rec.Version != expectedVersion {
		return models.ErrVersionConflict
	}
	r.recs[k] = *meta
	return nil
}

func (r *fakeMetaRepo) Delete(ctx context.Context, q store.DBTX, playerID, gameID string) error {
	delete(r.recs, key(playerID, gameID))
	return nil
}

type fakeChunkRepo struct {
	chunks map[string]map[int]models.TranscriptChunk
}

func newFakeChunkRepo() *fakeChunkRepo {
	return &fakeChunkRepo{chunks: map[string]map[int]models.TranscriptChunk{}}
}

func (r *fakeChunkRepo) Get(ctx context.Context, q store.DBTX, playerID, gameID string, chunkIndex int) (*models.TranscriptChunk, error) {
	chunk, ok := r.chunks[key(playerID, gameID)][chunkIndex]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := chunk
	return &cp, nil
}

func (r *fakeChunkRepo) List(ctx context.Context, q store.DBTX, playerID, gameID string) ([]models.TranscriptChunk, error) {
	byIndex := r.chunks[key(playerID, gameID)]
	indexes := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]models.TranscriptChunk, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, byIndex[i])
	}
	return out, nil
}

func (r *fakeChunkRepo) Upsert(ctx context.Context, q store.DBTX, chunk *models.TranscriptChunk) error {
	k := key(chunk.PlayerID, chunk.GameID)
	if r.chunks[k] == nil {
		r.chunks[k] = map[int]models.TranscriptChunk{}
	}
	r.chunks[k][chunk.ChunkIndex] = *chunk
	return nil
}

func (r *fakeChunkRepo) DeleteAll(ctx context.Context, q store.DBTX, playerID, gameID string) error {
	delete(r.chunks, key(playerID, gameID))
	return nil
}

type fakeLegacyRepo struct {
	deleted map[string]bool
}

func newFakeLegacyRepo() *fakeLegacyRepo { return &fakeLegacyRepo{deleted: map[string]bool{}} }

func (r *fakeLegacyRepo) Delete(ctx context.Context, q store.DBTX, playerID, gameID string) error {
	r.deleted[key(playerID, gameID)] = true
	return nil
}

type fakeTxRunner struct{}

func (fakeTxRunner) RunInTx(ctx context.Context, fn func(q store.DBTX) error) error {
	return fn(nil)
}

type fixture struct {
	store  *store.Store
	meta   *fakeMetaRepo
	chunks *fakeChunkRepo
	legacy *fakeLegacyRepo
}

func newFixture() *fixture {
	meta := newFakeMetaRepo()
	chunks := newFakeChunkRepo()
	legacy := newFakeLegacyRepo()
	return &fixture{
		store:  store.New(nil, fakeTxRunner{}, meta, chunks, legacy, zap.NewNop()),
		meta:   meta,
		chunks: chunks,
		legacy: legacy,
	}
}

func makeEvents(n int) []models.TranscriptEvent {
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	events := make([]models.TranscriptEvent, 0, n)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleCharacter
		}
		events = append(events, models.TranscriptEvent{
			Role:          role,
			CharacterID:   "mira",
			CharacterName: "Mira",
			Text:          fmt.Sprintf("event %d", i),
			Timestamp:     base.Add(time.Duration(i) * time.Second),
		})
	}
	return events
}

var testSnap = &models.GameSnapshot{Title: "Test Game", Progress: models.ProgressState{Turn: 1}}

// --- tests ---

func TestReadMissingReturnsNil(t *testing.T) {
	f := newFixture()
	meta, events, err := f.store.Read(context.Background(), "p1", "g1")
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.Nil(t, events)
}

func TestFreshWriteAndReadBack(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	events := makeEvents(2)

	meta, err := f.store.Write(ctx, "p1", "g1", events, testSnap, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.Version)
	assert.Equal(t, 2, meta.EventCount)
	assert.Equal(t, 1, meta.ChunkCount)
	assert.Equal(t, models.DefaultChunkSize, meta.ChunkSize)
	assert.Equal(t, models.TranscriptFormatVersion, meta.FormatVersion)
	assert.Equal(t, models.CodecGzip, meta.Codec)

	got, gotEvents, err := f.store.Read(ctx, "p1", "g1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, events, gotEvents)
	assert.Equal(t, "Test Game", got.Snapshot.Title)
}

func TestFreshWriteLosingInsertRaceIsConflict(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.store.Write(ctx, "p1", "g1", makeEvents(2), testSnap, nil)
	require.NoError(t, err)

	// A second writer that read before the first committed sees no metadata
	// and also tries a fresh write.
	_, err = f.store.Write(ctx, "p1", "g1", makeEvents(2), testSnap, nil)
	assert.ErrorIs(t, err, models.ErrVersionConflict)
}

func TestAppendWithinTailChunk(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	events := makeEvents(4)

	meta, err := f.store.Write(ctx, "p1", "g1", events[:2], testSnap, nil)
	require.NoError(t, err)

	meta2, err := f.store.Write(ctx, "p1", "g1", events, testSnap, meta)
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta2.Version)
	assert.Equal(t, 4, meta2.EventCount)
	assert.Equal(t, 1, meta2.ChunkCount)

	_, gotEvents, err := f.store.Read(ctx, "p1", "g1")
	require.NoError(t, err)
	assert.Equal(t, events, gotEvents)
}

func TestAppendSpillsAcrossChunkBoundary(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Two full chunks plus five events in the tail.
	events := makeEvents(166)
	meta, err := f.store.Write(ctx, "p1", "g1", events[:165], testSnap, nil)
	require.NoError(t, err)
	require.Equal(t, 3, meta.ChunkCount)

	full0, err := f.chunks.Get(ctx, nil, "p1", "g1", 0)
	require.NoError(t, err)
	full1, err := f.chunks.Get(ctx, nil, "p1", "g1", 1)
	require.NoError(t, err)

	meta2, err := f.store.Write(ctx, "p1", "g1", events, testSnap, meta)
	require.NoError(t, err)
	assert.Equal(t, 3, meta2.ChunkCount)
	assert.Equal(t, 166, meta2.EventCount)

	// Full chunks are never rewritten by an append.
	after0, err := f.chunks.Get(ctx, nil, "p1", "g1", 0)
	require.NoError(t, err)
	after1, err := f.chunks.Get(ctx, nil, "p1", "g1", 1)
	require.NoError(t, err)
	assert.Equal(t, full0.Payload, after0.Payload)
	assert.Equal(t, full1.Payload, after1.Payload)

	tail, err := f.chunks.Get(ctx, nil, "p1", "g1", 2)
	require.NoError(t, err)
	assert.Equal(t, 6, tail.EventCount)

	_, gotEvents, err := f.store.Read(ctx, "p1", "g1")
	require.NoError(t, err)
	assert.Equal(t, events, gotEvents)
}

func TestAppendOverflowsIntoNewChunk(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// A full chunk exactly at capacity, then append two events.
	events := makeEvents(82)
	meta, err := f.store.Write(ctx, "p1", "g1", events[:80], testSnap, nil)
	require.NoError(t, err)
	require.Equal(t, 1, meta.ChunkCount)

	meta2, err := f.store.Write(ctx, "p1", "g1", events, testSnap, meta)
	require.NoError(t, err)
	assert.Equal(t, 2, meta2.ChunkCount)

	tail, err := f.chunks.Get(ctx, nil, "p1", "g1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, tail.EventCount)

	_, gotEvents, err := f.store.Read(ctx, "p1", "g1")
	require.NoError(t, err)
	assert.Equal(t, events, gotEvents)
}

func TestWriteConflictOnStaleVersion(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	events := makeEvents(4)

	stale, err := f.store.Write(ctx, "p1", "g1", events[:2], testSnap, nil)
	require.NoError(t, err)

	// A concurrent writer commits first.
	_, err = f.store.Write(ctx, "p1", "g1", events[:3], testSnap, stale)
	require.NoError(t, err)

	_, err = f.store.Write(ctx, "p1", "g1", events, testSnap, stale)
	assert.ErrorIs(t, err, models.ErrVersionConflict)
}

func TestShorterTranscriptTriggersFullRewrite(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	meta, err := f.store.Write(ctx, "p1", "g1", makeEvents(100), testSnap, nil)
	require.NoError(t, err)
	require.Equal(t, 2, meta.ChunkCount)

	shorter := makeEvents(5)
	meta2, err := f.store.Write(ctx, "p1", "g1", shorter, testSnap, meta)
	require.NoError(t, err)
	assert.Equal(t, 1, meta2.ChunkCount)
	assert.Equal(t, 5, meta2.EventCount)
	assert.Equal(t, int64(2), meta2.Version)

	_, gotEvents, err := f.store.Read(ctx, "p1", "g1")
	require.NoError(t, err)
	assert.Equal(t, shorter, gotEvents)
}

func TestTouchBumpsVersionWithoutChunkWrites(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	events := makeEvents(2)

	meta, err := f.store.Write(ctx, "p1", "g1", events, testSnap, nil)
	require.NoError(t, err)

	before, err := f.chunks.Get(ctx, nil, "p1", "g1", 0)
	require.NoError(t, err)

	newSnap := &models.GameSnapshot{Title: "Renamed", Progress: models.ProgressState{Turn: 2}}
	meta2, err := f.store.Write(ctx, "p1", "g1", events, newSnap, meta)
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta2.Version)
	assert.Equal(t, 2, meta2.EventCount)

	after, err := f.chunks.Get(ctx, nil, "p1", "g1", 0)
	require.NoError(t, err)
	assert.Equal(t, before.Payload, after.Payload)

	got, _, err := f.store.Read(ctx, "p1", "g1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Snapshot.Title)
}

func TestAppendWithCorruptTailRebuildsAllChunks(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	events := makeEvents(86)

	meta, err := f.store.Write(ctx, "p1", "g1", events[:85], testSnap, nil)
	require.NoError(t, err)
	require.Equal(t, 2, meta.ChunkCount)

	// Corrupt the tail chunk payload in place.
	k := key("p1", "g1")
	tail := f.chunks.chunks[k][1]
	tail.Payload = []byte("definitely not gzip")
	f.chunks.chunks[k][1] = tail

	meta2, err := f.store.Write(ctx, "p1", "g1", events, testSnap, meta)
	require.NoError(t, err)
	assert.Equal(t, 86, meta2.EventCount)

	_, gotEvents, err := f.store.Read(ctx, "p1", "g1")
	require.NoError(t, err)
	assert.Equal(t, events, gotEvents)
}

func TestAppendWithMissingTailRebuildsAllChunks(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	events := makeEvents(86)

	meta, err := f.store.Write(ctx, "p1", "g1", events[:85], testSnap, nil)
	require.NoError(t, err)
	require.Equal(t, 2, meta.ChunkCount)

	// The tail chunk row vanished, though the metadata still counts it.
	delete(f.chunks.chunks[key("p1", "g1")], 1)

	meta2, err := f.store.Write(ctx, "p1", "g1", events, testSnap, meta)
	require.NoError(t, err)
	assert.Equal(t, 86, meta2.EventCount)

	_, gotEvents, err := f.store.Read(ctx, "p1", "g1")
	require.NoError(t, err)
	assert.Equal(t, events, gotEvents)
}

func TestReadSkipsOrphanAndUndecodableChunks(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	events := makeEvents(3)

	meta, err := f.store.Write(ctx, "p1", "g1", events, testSnap, nil)
	require.NoError(t, err)
	require.Equal(t, 1, meta.ChunkCount)

	// An orphan chunk beyond ChunkCount, left by an aborted rewrite.
	err = f.chunks.Upsert(ctx, nil, &models.TranscriptChunk{
		PlayerID: "p1", GameID: "g1", ChunkIndex: 5, EventCount: 1, Payload: []byte("garbage"),
	})
	require.NoError(t, err)

	_, gotEvents, err := f.store.Read(ctx, "p1", "g1")
	require.NoError(t, err)
	assert.Equal(t, events, gotEvents)
}

func TestReset(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.store.Write(ctx, "p1", "g1", makeEvents(3), testSnap, nil)
	require.NoError(t, err)

	require.NoError(t, f.store.Reset(ctx, "p1", "g1"))

	meta, events, err := f.store.Read(ctx, "p1", "g1")
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.Nil(t, events)
	assert.True(t, f.legacy.deleted[key("p1", "g1")], "legacy rows are wiped too")

	// A write after reset starts fresh at version 1.
	fresh, err := f.store.Write(ctx, "p1", "g1", makeEvents(1), testSnap, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fresh.Version)
}

func TestGameConfigRejectsMalformedID(t *testing.T) {
	repo := store.NewPgGameConfigRepository(zap.NewNop())

	// A non-uuid id can never match games.id, so it is rejected before any
	// query runs. The nil querier proves the database is never touched.
	_, err := repo.GetByID(context.Background(), nil, "not-a-uuid")
	assert.ErrorIs(t, err, models.ErrGameNotFound)
}
