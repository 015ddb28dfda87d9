// Package service orchestrates dialogue turns: the double-submit guard, the
// transcript read, reply generation, progress judging, and the conditional
// commit with conflict retries.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"dialogue-server/internal/messaging"
	"dialogue-server/internal/models"
	"dialogue-server/internal/pipeline"
	"dialogue-server/internal/progress"
	"dialogue-server/internal/store"
)

// maxCommitAttempts bounds the read-modify-write retries after a version
// conflict. The generation result is reused across retries; only the
// transcript and snapshot are refreshed.
const maxCommitAttempts = 3

// Turn stream event types, in emission order. Deltas are provisional: when
// the attempt counter advances, every delta from earlier attempts is
// superseded and must be discarded by the client.
const (
	TurnEventAck   = "ack"
	TurnEventDelta = "delta"
	TurnEventFinal = "final"
	TurnEventError = "error"
)

// TurnEvent is one frame of the turn response stream.
type TurnEvent struct {
	Type    string      `json:"type"`
	Ack     *TurnAck    `json:"ack,omitempty"`
	Attempt int         `json:"attempt,omitempty"`
	Delta   string      `json:"delta,omitempty"`
	Final   *TurnResult `json:"final,omitempty"`
	Message string      `json:"message,omitempty"`
}

// TurnAck echoes the accepted user event: the addressed character and the
// message text exactly as it will be persisted.
type TurnAck struct {
	CharacterID   string    `json:"character_id"`
	CharacterName string    `json:"character_name"`
	Text          string    `json:"text"`
	Timestamp     time.Time `json:"timestamp"`
}

// TurnResult is the committed outcome of a turn.
type TurnResult struct {
	CharacterID   string                 `json:"character_id"`
	CharacterName string                 `json:"character_name"`
	Text          string                 `json:"text"`
	Turn          int                    `json:"turn"`
	NewMilestones []string               `json:"new_milestones,omitempty"`
	Roster        []progress.RosterEntry `json:"roster"`
	FellBack      bool                   `json:"fell_back,omitempty"`
}

// TurnRequest identifies one player message to one character.
type TurnRequest struct {
	PlayerID    string
	PlayerName  string
	GameID      string
	CharacterID string
	Text        string
}

// TranscriptStore is the persistence capability the orchestrator needs.
type TranscriptStore interface {
	Read(ctx context.Context, playerID, gameID string) (*models.ProgressMeta, []models.TranscriptEvent, error)
	Write(ctx context.Context, playerID, gameID string, events []models.TranscriptEvent, snap *models.GameSnapshot, observed *models.ProgressMeta) (*models.ProgressMeta, error)
	Reset(ctx context.Context, playerID, gameID string) error
}

var _ TranscriptStore = (*store.Store)(nil)

// ReplyGenerator is the pipeline capability the orchestrator needs.
type ReplyGenerator interface {
	Generate(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

var _ ReplyGenerator = (*pipeline.Generator)(nil)

// TurnService processes dialogue turns end to end.
type TurnService struct {
	guard     store.TurnGuard
	store     TranscriptStore
	db        store.DBTX
	games     store.GameConfigRepository
	generator ReplyGenerator
	judge     pipeline.MilestoneJudge
	publisher messaging.ClientUpdatePublisher
	logger    *zap.Logger
}

// NewTurnService wires the orchestrator. The publisher may be a noop.
func NewTurnService(
	guard store.TurnGuard,
	st TranscriptStore,
	db store.DBTX,
	games store.GameConfigRepository,
	generator ReplyGenerator,
	judge pipeline.MilestoneJudge,
	publisher messaging.ClientUpdatePublisher,
	logger *zap.Logger,
) *TurnService {
	return &TurnService{
		guard:     guard,
		store:     st,
		db:        db,
		games:     games,
		generator: generator,
		judge:     judge,
		publisher: publisher,
		logger:    logger.Named("TurnService"),
	}
}

// ProcessTurn runs one full turn, emitting stream frames through emit. The
// returned error is for logging and stream-level status only; every
// player-visible failure has already been emitted as an error frame.
func (s *TurnService) ProcessTurn(ctx context.Context, req TurnRequest, emit func(TurnEvent) error) error {
	log := s.logger.With(
		zap.String("playerID", req.PlayerID),
		zap.String("gameID", req.GameID),
		zap.String("characterID", req.CharacterID),
	)

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return s.fail(emit, "say something first", nil)
	}

	release, err := s.guard.Acquire(ctx, req.PlayerID, req.GameID)
	if err != nil {
		if errors.Is(err, models.ErrTurnInProgress) {
			return s.fail(emit, "your previous message is still being answered", err)
		}
		return s.fail(emit, "could not start the turn", err)
	}
	defer release()

	meta, priorEvents, err := s.store.Read(ctx, req.PlayerID, req.GameID)
	if err != nil {
		log.Error("Failed to read transcript", zap.Error(err))
		return s.fail(emit, "could not load your conversation", models.ErrInternalServer)
	}

	snap, err := s.snapshotFor(ctx, req.GameID, meta)
	if err != nil {
		if errors.Is(err, models.ErrGameNotFound) {
			return s.fail(emit, "this game does not exist", err)
		}
		log.Error("Failed to load game config", zap.Error(err))
		return s.fail(emit, "could not load the game", models.ErrInternalServer)
	}

	ch := snap.FindCharacter(req.CharacterID)
	if ch == nil {
		return s.fail(emit, "there is no such character in this game", models.ErrCharacterNotFound)
	}
	vis := progress.ResolveVisibility(*ch, snap.Progress, snap.EncounteredIDs, snap.UnlockedIDs, snap.Milestones)
	if !progress.Addressable(vis) {
		return s.fail(emit, "you have not met this character yet", models.ErrCharacterNotAddressable)
	}
	character := *ch

	userEvent := models.NewUserEvent(character.ID, character.Name, text)
	ack := &TurnAck{
		CharacterID:   userEvent.CharacterID,
		CharacterName: userEvent.CharacterName,
		Text:          userEvent.Text,
		Timestamp:     userEvent.Timestamp,
	}
	if err := emit(TurnEvent{Type: TurnEventAck, Ack: ack}); err != nil {
		return err
	}

	result, err := s.generator.Generate(ctx, pipeline.Request{
		Snapshot:   snap,
		Character:  character,
		PlayerName: req.PlayerName,
		UserInput:  text,
		Transcript: priorEvents,
		OnDelta: func(attempt int, delta string) error {
			return emit(TurnEvent{Type: TurnEventDelta, Attempt: attempt, Delta: delta})
		},
	})
	if err != nil {
		// Provider failure: the player gets an in-character line, never the
		// raw error.
		log.Error("Reply generation failed", zap.Error(err))
		return s.fail(emit, pipeline.UnavailableLine(character), err)
	}

	charEvent := models.NewCharacterEvent(character.ID, character.Name, result.Text)
	turnEvents := []models.TranscriptEvent{userEvent, charEvent}
	judgment := s.judgeTurn(ctx, snap, turnEvents, result.FellBack)

	applied := s.applyOutcome(snap, character, result, judgment)
	committed, applied, err := s.commit(ctx, req, meta, priorEvents, snap, character, result, judgment, turnEvents, applied)
	if err != nil {
		log.Error("Failed to commit turn", zap.Error(err))
		return s.fail(emit, "could not save your conversation, please resend", err)
	}

	finalSnap := committed.Snapshot
	if finalSnap == nil {
		finalSnap = snap
	}
	final := &TurnResult{
		CharacterID:   character.ID,
		CharacterName: character.Name,
		Text:          result.Text,
		Turn:          finalSnap.Progress.Turn,
		NewMilestones: applied.DiscoveredIDs,
		Roster:        progress.VisibleRoster(finalSnap),
		FellBack:      result.FellBack,
	}
	if err := emit(TurnEvent{Type: TurnEventFinal, Final: final}); err != nil {
		return err
	}

	s.publishUpdate(req, final, committed)
	return nil
}

// RosterView is the characters endpoint payload: the roster as the player
// currently sees it plus a progress summary.
type RosterView struct {
	Characters []progress.RosterEntry `json:"characters"`
	Turn       int                    `json:"turn"`
	Discovered []string               `json:"discovered"`
}

// Roster returns the client-facing character list and progress summary for
// the player's current state. Players without stored progress see the
// fresh-game roster; no progress record is created.
func (s *TurnService) Roster(ctx context.Context, playerID, gameID string) (*RosterView, error) {
	meta, _, err := s.store.Read(ctx, playerID, gameID)
	if err != nil {
		return nil, err
	}
	snap, err := s.snapshotFor(ctx, gameID, meta)
	if err != nil {
		return nil, err
	}
	discovered := snap.Progress.Discovered
	if discovered == nil {
		discovered = []string{}
	}
	return &RosterView{
		Characters: progress.VisibleRoster(snap),
		Turn:       snap.Progress.Turn,
		Discovered: discovered,
	}, nil
}

// ResetProgress wipes the player's transcript and progress for one game.
func (s *TurnService) ResetProgress(ctx context.Context, playerID, gameID string) error {
	return s.store.Reset(ctx, playerID, gameID)
}

// snapshotFor returns the stored per-player snapshot, or seeds a fresh one
// from the static game config when none exists yet.
func (s *TurnService) snapshotFor(ctx context.Context, gameID string, meta *models.ProgressMeta) (*models.GameSnapshot, error) {
	if meta != nil && meta.Snapshot != nil {
		return meta.Snapshot, nil
	}
	cfg, err := s.games.GetByID(ctx, s.db, gameID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrGameNotFound
		}
		return nil, err
	}
	return models.SnapshotFromConfig(cfg), nil
}

// judgeTurn asks the milestone judge about the finished exchange. Fallback
// turns never advance milestones.
func (s *TurnService) judgeTurn(ctx context.Context, snap *models.GameSnapshot, turnEvents []models.TranscriptEvent, fellBack bool) progress.JudgmentResult {
	if fellBack || s.judge == nil {
		return progress.JudgmentResult{}
	}
	return s.judge.Judge(ctx, snap, snap.Progress, turnEvents)
}

// applyOutcome mutates the snapshot with everything the turn produced: cast
// growth and unlocks from the trailer, the encountered mark for the
// addressed character, and the sanitized progress advance. It returns the
// judgment as actually applied against this snapshot's discovered set.
func (s *TurnService) applyOutcome(snap *models.GameSnapshot, character models.Character, result *pipeline.Result, judgment progress.JudgmentResult) progress.JudgmentResult {
	if result.Trailer.Kind == pipeline.ParsedTrailer {
		for _, nc := range result.Trailer.NewCharacters {
			if findCharacterFold(snap, nc.ID) == nil {
				snap.Characters = append(snap.Characters, nc)
			}
		}
		for _, id := range result.Trailer.UnlockIDs {
			if findCharacterFold(snap, id) == nil {
				// Unlocks may only reference characters that exist, either
				// from authoring or introduced in this same trailer.
				continue
			}
			if !containsFold(snap.UnlockedIDs, id) {
				snap.UnlockedIDs = append(snap.UnlockedIDs, id)
			}
		}
	}
	if !containsFold(snap.EncounteredIDs, character.ID) {
		snap.EncounteredIDs = append(snap.EncounteredIDs, character.ID)
	}

	applied := progress.Sanitize(judgment, snap.Milestones, snap.Progress.Discovered)
	snap.Progress = progress.Apply(snap.Progress, applied)
	return applied
}

// commit persists the turn, retrying the whole read-modify-write cycle on
// version conflicts. The already generated reply is reused; only the
// transcript and snapshot are refreshed from storage. It returns the
// judgment as applied against the snapshot that actually committed, which
// may be narrower than the caller's when a concurrent writer discovered
// some of the same milestones first.
func (s *TurnService) commit(
	ctx context.Context,
	req TurnRequest,
	meta *models.ProgressMeta,
	priorEvents []models.TranscriptEvent,
	snap *models.GameSnapshot,
	character models.Character,
	result *pipeline.Result,
	judgment progress.JudgmentResult,
	turnEvents []models.TranscriptEvent,
	applied progress.JudgmentResult,
) (*models.ProgressMeta, progress.JudgmentResult, error) {
	for attempt := 1; ; attempt++ {
		full := make([]models.TranscriptEvent, 0, len(priorEvents)+len(turnEvents))
		full = append(full, priorEvents...)
		full = append(full, turnEvents...)

		committed, err := s.store.Write(ctx, req.PlayerID, req.GameID, full, snap, meta)
		if err == nil {
			return committed, applied, nil
		}
		if !errors.Is(err, models.ErrVersionConflict) || attempt >= maxCommitAttempts {
			return nil, applied, err
		}
		s.logger.Warn("Version conflict while committing turn, retrying",
			zap.String("playerID", req.PlayerID), zap.String("gameID", req.GameID), zap.Int("attempt", attempt))

		meta, priorEvents, err = s.store.Read(ctx, req.PlayerID, req.GameID)
		if err != nil {
			return nil, applied, err
		}
		snap, err = s.snapshotFor(ctx, req.GameID, meta)
		if err != nil {
			return nil, applied, err
		}
		applied = s.applyOutcome(snap, character, result, judgment)
	}
}

// publishUpdate notifies fan-out consumers of the committed turn. Best
// effort only.
func (s *TurnService) publishUpdate(req TurnRequest, final *TurnResult, committed *models.ProgressMeta) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.publisher.PublishClientUpdate(ctx, models.ClientTurnUpdate{
		PlayerID:      req.PlayerID,
		GameID:        req.GameID,
		CharacterID:   final.CharacterID,
		Turn:          final.Turn,
		NewMilestones: final.NewMilestones,
		EventCount:    committed.EventCount,
		CommittedAt:   time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("Failed to publish client turn update", zap.Error(err))
	}
}

// fail emits an error frame and returns cause (or nil when the failure is a
// plain client mistake not worth surfacing to the handler).
func (s *TurnService) fail(emit func(TurnEvent) error, message string, cause error) error {
	if err := emit(TurnEvent{Type: TurnEventError, Message: message}); err != nil {
		return err
	}
	return cause
}

func findCharacterFold(snap *models.GameSnapshot, id string) *models.Character {
	for i := range snap.Characters {
		if strings.EqualFold(snap.Characters[i].ID, id) {
			return &snap.Characters[i]
		}
	}
	return nil
}

func containsFold(ids []string, id string) bool {
	for _, v := range ids {
		if strings.EqualFold(v, id) {
			return true
		}
	}
	return false
}
