// Package pipeline generates one character reply per turn through a bounded
// validate-and-retry loop against behavioral policies, with an independent
// safety review before acceptance. Rejected candidates are never persisted;
// their streamed deltas are provisional and must be retracted by the caller
// if no final reply arrives.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dialogue-server/internal/ai"
	"dialogue-server/internal/models"
)

// DefaultMaxAttempts bounds the generation attempts per turn.
const DefaultMaxAttempts = 3

// Request is one reply-generation job.
type Request struct {
	Snapshot   *models.GameSnapshot
	Character  models.Character
	PlayerName string
	UserInput  string
	Transcript []models.TranscriptEvent

	// OnDelta receives provisional streamed text as it arrives. It may be
	// nil. Deltas from attempts that end up rejected must be treated as
	// retracted by the caller.
	OnDelta func(attempt int, delta string) error
}

// Result is an accepted (or fallback) reply.
type Result struct {
	Text     string
	Trailer  Trailer
	Usage    ai.UsageInfo
	Attempts int
	// FellBack is set when every attempt was rejected and the generic
	// in-character deflection line was used instead.
	FellBack bool
}

// attemptOutcome is the enumerated result of a single generation attempt.
type attemptOutcome struct {
	accepted bool
	reasons  []string
	text     string
	trailer  Trailer
	usage    ai.UsageInfo
}

// Generator runs the per-turn attempt state machine.
type Generator struct {
	gen         ai.TextGenerator
	policies    []Policy
	guard       SafetyGuard
	maxAttempts int
	logger      *zap.Logger
}

// NewGenerator creates a Generator. Policies and the safety guard are
// injected so heuristics can be swapped without touching control flow.
func NewGenerator(gen ai.TextGenerator, policies []Policy, guard SafetyGuard, maxAttempts int, logger *zap.Logger) *Generator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Generator{
		gen:         gen,
		policies:    policies,
		guard:       guard,
		maxAttempts: maxAttempts,
		logger:      logger.Named("ReplyGenerator"),
	}
}

// Generate produces the turn's character reply. Provider-level failures are
// returned immediately without in-pipeline retries (those belong to the
// caller); validation rejections retry up to the attempt bound, after which
// a generic in-character deflection is returned with FellBack set.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	log := g.logger.With(
		zap.String("characterID", req.Character.ID),
		zap.Bool("assistant", g.isAssistant(req)),
	)

	injectionSuspected := LooksLikeInjection(req.UserInput)
	if injectionSuspected {
		log.Warn("Player input matches prompt-injection heuristics")
	}

	var hints []string
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		outcome, err := g.runAttempt(ctx, req, attempt, injectionSuspected, hints)
		if err != nil {
			// Provider failure: no retry here, fail the turn immediately.
			return nil, err
		}
		if outcome.accepted {
			log.Debug("Reply accepted", zap.Int("attempt", attempt))
			return &Result{
				Text:     outcome.text,
				Trailer:  outcome.trailer,
				Usage:    outcome.usage,
				Attempts: attempt,
			}, nil
		}
		log.Warn("Reply candidate rejected",
			zap.Int("attempt", attempt), zap.Strings("reasons", outcome.reasons))
		hints = correctiveHints(hints, outcome.reasons)
	}

	log.Warn("Generation attempts exhausted, falling back to deflection line")
	return &Result{
		Text:     DeflectionLine(req.Character),
		Trailer:  Trailer{Kind: NoTrailer},
		Attempts: g.maxAttempts,
		FellBack: true,
	}, nil
}

// runAttempt is one transition of the attempt state machine: issue the
// completion, validate the full candidate, then ask the safety guard.
func (g *Generator) runAttempt(ctx context.Context, req Request, attempt int, injectionSuspected bool, hints []string) (attemptOutcome, error) {
	systemPrompt := buildSystemPrompt(promptInput{
		Snapshot:           req.Snapshot,
		Character:          req.Character,
		IsAssistant:        g.isAssistant(req),
		PlayerName:         req.PlayerName,
		Transcript:         req.Transcript,
		InjectionSuspected: injectionSuspected,
		CorrectiveHints:    hints,
	})

	handler := func(delta string) error {
		if req.OnDelta == nil {
			return nil
		}
		return req.OnDelta(attempt, delta)
	}

	raw, usage, err := g.gen.GenerateTextStream(ctx, systemPrompt, buildUserPayload(req), ai.GenerationParams{}, handler)
	if err != nil {
		return attemptOutcome{}, err
	}

	clean, trailer := StripTrailer(raw)
	if strings.TrimSpace(clean) == "" {
		return attemptOutcome{reasons: []string{"the reply was empty after removing the cast directive; answer with in-character dialogue"}}, nil
	}

	pctx := PolicyContext{
		Character:   req.Character,
		IsAssistant: g.isAssistant(req),
		Snapshot:    req.Snapshot,
		Transcript:  req.Transcript,
	}
	var reasons []string
	for _, policy := range g.policies {
		reasons = append(reasons, policy.Evaluate(clean, pctx)...)
	}
	if len(reasons) > 0 {
		return attemptOutcome{reasons: reasons}, nil
	}

	if g.guard != nil {
		ok, guardReasons := g.guard.Review(ctx, clean, req.Character)
		if !ok {
			return attemptOutcome{reasons: guardReasons}, nil
		}
	}

	return attemptOutcome{
		accepted: true,
		text:     clean,
		trailer:  trailer,
		usage:    usage,
	}, nil
}

func (g *Generator) isAssistant(req Request) bool {
	return req.Snapshot.AssistantID != "" && strings.EqualFold(req.Character.ID, req.Snapshot.AssistantID)
}

// buildUserPayload renders the conversation history plus the new player
// message as the user side of the completion request.
func buildUserPayload(req Request) string {
	var b strings.Builder
	if len(req.Transcript) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, ev := range req.Transcript {
			speaker := req.PlayerName
			if speaker == "" {
				speaker = "Player"
			}
			if ev.Role == models.RoleCharacter {
				speaker = ev.CharacterName
			}
			fmt.Fprintf(&b, "%s: %s\n", speaker, ev.Text)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "The player says to you: %s", req.UserInput)
	return b.String()
}

// DeflectionLine is the generic in-character line used when every
// generation attempt was rejected. Raw provider errors or validation rule
// names are never shown to the player.
func DeflectionLine(ch models.Character) string {
	return fmt.Sprintf("%s pauses and studies you for a long moment. \"Lost my train of thought. Ask me that again, would you?\"", ch.Name)
}

// UnavailableLine is the in-character message for provider-level failures.
func UnavailableLine(ch models.Character) string {
	return fmt.Sprintf("%s rubs their temples. \"Not now. Give me a minute and ask again.\"", ch.Name)
}
