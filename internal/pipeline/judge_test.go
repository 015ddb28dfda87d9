package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dialogue-server/internal/ai"
	"dialogue-server/internal/models"
)

func TestSafetyGuardVerdicts(t *testing.T) {
	ch := models.Character{ID: "mira", Name: "Mira"}

	t.Run("ok verdict accepts", func(t *testing.T) {
		guard := NewSafetyGuard(&scriptedGenerator{replies: []string{`{"ok": true}`}}, zap.NewNop())
		ok, reasons := guard.Review(context.Background(), `"Hello."`, ch)
		assert.True(t, ok)
		assert.Empty(t, reasons)
	})

	t.Run("rejection carries reasons", func(t *testing.T) {
		guard := NewSafetyGuard(&scriptedGenerator{replies: []string{
			`{"ok": false, "reasons": ["speaks as a system"]}`,
		}}, zap.NewNop())
		ok, reasons := guard.Review(context.Background(), "bad reply", ch)
		assert.False(t, ok)
		assert.Equal(t, []string{"speaks as a system"}, reasons)
	})

	t.Run("rejection without reasons gets a generic one", func(t *testing.T) {
		guard := NewSafetyGuard(&scriptedGenerator{replies: []string{`{"ok": false}`}}, zap.NewNop())
		ok, reasons := guard.Review(context.Background(), "bad reply", ch)
		assert.False(t, ok)
		require.Len(t, reasons, 1)
	})

	t.Run("verdict wrapped in a code fence still parses", func(t *testing.T) {
		guard := NewSafetyGuard(&scriptedGenerator{replies: []string{
			"```json\n{\"ok\": true}\n```",
		}}, zap.NewNop())
		ok, _ := guard.Review(context.Background(), `"Hello."`, ch)
		assert.True(t, ok)
	})

	t.Run("provider error fails open", func(t *testing.T) {
		guard := NewSafetyGuard(&scriptedGenerator{
			errs: []error{fmt.Errorf("%w: timeout", ai.ErrGenerationFailed)},
		}, zap.NewNop())
		ok, _ := guard.Review(context.Background(), `"Hello."`, ch)
		assert.True(t, ok)
	})

	t.Run("non-JSON verdict fails open", func(t *testing.T) {
		guard := NewSafetyGuard(&scriptedGenerator{replies: []string{"looks fine to me"}}, zap.NewNop())
		ok, _ := guard.Review(context.Background(), `"Hello."`, ch)
		assert.True(t, ok)
	})
}

func judgeSnapshot() *models.GameSnapshot {
	return &models.GameSnapshot{
		Milestones: []models.Milestone{
			{ID: "found-the-key", Title: "Found the key"},
			{ID: "met-the-warden", Title: "Met the warden"},
		},
	}
}

func turnExchange() []models.TranscriptEvent {
	return []models.TranscriptEvent{
		{Role: models.RoleUser, CharacterID: "mira", CharacterName: "Mira", Text: "Is this the key?"},
		{Role: models.RoleCharacter, CharacterID: "mira", CharacterName: "Mira", Text: "That's it. You found it."},
	}
}

func TestMilestoneJudge(t *testing.T) {
	t.Run("sanitized discoveries", func(t *testing.T) {
		judge := NewMilestoneJudge(&scriptedGenerator{replies: []string{
			`{"discovered": ["FOUND-THE-KEY", "made-up-milestone", "found-the-key"]}`,
		}}, zap.NewNop())

		res := judge.Judge(context.Background(), judgeSnapshot(), models.ProgressState{}, turnExchange())
		assert.Equal(t, []string{"found-the-key"}, res.DiscoveredIDs)
	})

	t.Run("already discovered milestones are not rediscovered", func(t *testing.T) {
		judge := NewMilestoneJudge(&scriptedGenerator{replies: []string{
			`{"discovered": ["found-the-key", "met-the-warden"]}`,
		}}, zap.NewNop())

		state := models.ProgressState{Turn: 3, Discovered: []string{"found-the-key"}}
		res := judge.Judge(context.Background(), judgeSnapshot(), state, turnExchange())
		assert.Equal(t, []string{"met-the-warden"}, res.DiscoveredIDs)
	})

	t.Run("nothing open skips the call entirely", func(t *testing.T) {
		scripted := &scriptedGenerator{}
		judge := NewMilestoneJudge(scripted, zap.NewNop())

		state := models.ProgressState{Discovered: []string{"found-the-key", "met-the-warden"}}
		res := judge.Judge(context.Background(), judgeSnapshot(), state, turnExchange())
		assert.Empty(t, res.DiscoveredIDs)
		assert.Equal(t, 0, scripted.calls)
	})

	t.Run("provider error yields no discoveries", func(t *testing.T) {
		judge := NewMilestoneJudge(&scriptedGenerator{
			errs: []error{fmt.Errorf("%w: timeout", ai.ErrGenerationFailed)},
		}, zap.NewNop())

		res := judge.Judge(context.Background(), judgeSnapshot(), models.ProgressState{}, turnExchange())
		assert.Empty(t, res.DiscoveredIDs)
	})

	t.Run("garbage verdict yields no discoveries", func(t *testing.T) {
		judge := NewMilestoneJudge(&scriptedGenerator{replies: []string{"probably the key one?"}}, zap.NewNop())

		res := judge.Judge(context.Background(), judgeSnapshot(), models.ProgressState{}, turnExchange())
		assert.Empty(t, res.DiscoveredIDs)
	})
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"ok": true}`, extractJSON("Sure! ```json\n{\"ok\": true}\n``` hope that helps"))
	assert.Equal(t, `{"a":1}`, extractJSON(`{"a":1}`))
	assert.Equal(t, "no braces here", extractJSON("no braces here"))
}
