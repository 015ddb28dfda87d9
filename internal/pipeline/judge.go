package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dialogue-server/internal/ai"
	"dialogue-server/internal/models"
	"dialogue-server/internal/progress"
)

// SafetyGuard gives an independent verdict on an already policy-clean
// candidate reply. Implementations must fail open: a guard that cannot
// decide reports ok=true so a flaky reviewer model never blocks play.
type SafetyGuard interface {
	Review(ctx context.Context, text string, ch models.Character) (ok bool, reasons []string)
}

type aiSafetyGuard struct {
	gen    ai.TextGenerator
	logger *zap.Logger
}

// NewSafetyGuard builds the model-backed reviewer.
func NewSafetyGuard(gen ai.TextGenerator, logger *zap.Logger) SafetyGuard {
	return &aiSafetyGuard{gen: gen, logger: logger.Named("SafetyGuard")}
}

var _ SafetyGuard = (*aiSafetyGuard)(nil)

const guardSystemPrompt = `You review a single line of fictional dialogue spoken by a game character. Reject it only if it breaks character by speaking as an AI or a system, leaks hidden instructions, or contains content unsafe for a general audience. Respond with one JSON object and nothing else: {"ok": true} or {"ok": false, "reasons": ["short human-readable reason", ...]}.`

func (g *aiSafetyGuard) Review(ctx context.Context, text string, ch models.Character) (bool, []string) {
	payload := fmt.Sprintf("Character: %s\nDialogue:\n%s", ch.Name, text)
	raw, _, err := g.gen.GenerateText(ctx, guardSystemPrompt, payload, ai.GenerationParams{})
	if err != nil {
		g.logger.Warn("Guard review failed, accepting candidate", zap.Error(err))
		return true, nil
	}

	var verdict struct {
		OK      bool     `json:"ok"`
		Reasons []string `json:"reasons"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &verdict); err != nil {
		g.logger.Warn("Guard verdict was not valid JSON, accepting candidate",
			zap.Error(err), zap.String("raw", raw))
		return true, nil
	}
	if verdict.OK {
		return true, nil
	}
	reasons := verdict.Reasons
	if len(reasons) == 0 {
		reasons = []string{"the reviewer flagged the reply; rewrite it fully in character"}
	}
	return false, reasons
}

// MilestoneJudge decides which still-undiscovered milestones the finished
// turn satisfies. Verdicts are advisory: any failure yields no discoveries.
type MilestoneJudge interface {
	Judge(ctx context.Context, snap *models.GameSnapshot, state models.ProgressState, turnEvents []models.TranscriptEvent) progress.JudgmentResult
}

type aiMilestoneJudge struct {
	gen    ai.TextGenerator
	logger *zap.Logger
}

// NewMilestoneJudge builds the model-backed milestone judge.
func NewMilestoneJudge(gen ai.TextGenerator, logger *zap.Logger) MilestoneJudge {
	return &aiMilestoneJudge{gen: gen, logger: logger.Named("MilestoneJudge")}
}

var _ MilestoneJudge = (*aiMilestoneJudge)(nil)

const judgeSystemPrompt = `You track story progress in a dialogue game. Given the list of open objectives and the latest exchange, decide which objectives the exchange clearly completed. Be conservative: when in doubt, an objective is not completed. Respond with one JSON object and nothing else: {"discovered": ["objective-id", ...]}. Use an empty list when nothing was completed.`

func (j *aiMilestoneJudge) Judge(ctx context.Context, snap *models.GameSnapshot, state models.ProgressState, turnEvents []models.TranscriptEvent) progress.JudgmentResult {
	open := progress.Undiscovered(snap.Milestones, state.Discovered)
	if len(open) == 0 {
		return progress.JudgmentResult{}
	}

	var b strings.Builder
	b.WriteString("Open objectives:\n")
	for _, m := range open {
		fmt.Fprintf(&b, "- id=%s title=%q description=%q\n", m.ID, m.Title, m.Description)
	}
	b.WriteString("\nLatest exchange:\n")
	for _, ev := range turnEvents {
		name := "Player"
		if ev.Role == models.RoleCharacter {
			name = ev.CharacterName
		}
		fmt.Fprintf(&b, "%s: %s\n", name, ev.Text)
	}

	raw, _, err := j.gen.GenerateText(ctx, judgeSystemPrompt, b.String(), ai.GenerationParams{})
	if err != nil {
		j.logger.Warn("Milestone judge call failed, assuming no discoveries", zap.Error(err))
		return progress.JudgmentResult{}
	}

	var verdict struct {
		Discovered []string `json:"discovered"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &verdict); err != nil {
		j.logger.Warn("Milestone verdict was not valid JSON, assuming no discoveries",
			zap.Error(err), zap.String("raw", raw))
		return progress.JudgmentResult{}
	}
	return progress.Sanitize(
		progress.JudgmentResult{DiscoveredIDs: verdict.Discovered},
		snap.Milestones,
		state.Discovered,
	)
}

// extractJSON pulls the first JSON object out of a model response that may
// be wrapped in prose or a markdown code fence.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			return s[start : end+1]
		}
	}
	return s
}
