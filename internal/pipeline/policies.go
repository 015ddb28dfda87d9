package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"dialogue-server/internal/models"
)

// PolicyContext carries everything a behavioral policy may inspect when
// judging a candidate reply.
type PolicyContext struct {
	Character   models.Character
	IsAssistant bool
	Snapshot    *models.GameSnapshot
	Transcript  []models.TranscriptEvent
}

// Policy is a swappable behavioral check. Evaluate returns nil when the text
// passes, or a list of human-readable violation reasons. Reasons feed the
// corrective hint for the next generation attempt, so they must describe
// the rule, not the mechanism that caught it.
type Policy interface {
	Name() string
	Evaluate(text string, pctx PolicyContext) []string
}

// DefaultPolicies returns the three checks every candidate must pass:
// observable perspective, assistant grounding, and output safety.
func DefaultPolicies() []Policy {
	return []Policy{
		&perspectivePolicy{},
		&groundingPolicy{},
		&outputSafetyPolicy{},
	}
}

// --- Observable perspective ---

// perspectivePolicy rejects hidden-thought and omniscient narration: a
// character may only describe what an observer could see or hear.
type perspectivePolicy struct{}

var perspectivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(he|she|they)\s+(secretly|silently)?\s*(thought|thinks|knew|knows|felt|feels|realized|realizes|wondered|wonders)\b`),
	regexp.MustCompile(`(?i)\bunbeknownst to\b`),
	regexp.MustCompile(`(?i)\b(thinking|thought) to (him|her|them)self\b`),
	regexp.MustCompile(`(?i)\binner (monologue|thoughts)\b`),
	regexp.MustCompile(`(?i)\bin (his|her|their) (mind|head),`),
	regexp.MustCompile(`(?i)\b(he|she|they) (didn't|did not|couldn't|could not) know that\b`),
}

func (p *perspectivePolicy) Name() string { return "observable-perspective" }

func (p *perspectivePolicy) Evaluate(text string, _ PolicyContext) []string {
	var reasons []string
	for _, re := range perspectivePatterns {
		if m := re.FindString(text); m != "" {
			reasons = append(reasons, fmt.Sprintf(
				"narrated a hidden thought or omniscient fact (%q); describe only what an observer could see or hear", m))
			break
		}
	}
	return reasons
}

// --- Assistant grounding ---

// groundingPolicy applies to the designated assistant character only: it
// rejects claims of interviews or testimony from characters who never
// actually spoke in the transcript.
type groundingPolicy struct{}

// The name capture is deliberately case-sensitive: a capitalized word after
// an interview verb is a name claim, a lowercase one is ordinary prose.
var groundingClaimPattern = regexp.MustCompile(
	`\b(?:I|[Ww]e)\s+(?:interviewed|spoke\s+(?:with|to)|talked\s+(?:with|to)|questioned|heard\s+from)\s+([A-Z][\p{L}'-]+(?:\s+[A-Z][\p{L}'-]+)?)`)

var testimonyClaimPattern = regexp.MustCompile(
	`\b(?:[Aa]ccording to|[Tt]estimony (?:of|from))\s+([A-Z][\p{L}'-]+(?:\s+[A-Z][\p{L}'-]+)?)`)

func (p *groundingPolicy) Name() string { return "assistant-grounding" }

func (p *groundingPolicy) Evaluate(text string, pctx PolicyContext) []string {
	if !pctx.IsAssistant {
		return nil
	}
	spoken := make(map[string]struct{})
	for _, ev := range pctx.Transcript {
		if ev.Role == models.RoleCharacter {
			spoken[strings.ToLower(ev.CharacterName)] = struct{}{}
		}
	}

	var reasons []string
	for _, re := range []*regexp.Regexp{groundingClaimPattern, testimonyClaimPattern} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			name := strings.TrimSpace(m[1])
			if _, ok := spoken[strings.ToLower(name)]; ok {
				continue
			}
			reasons = append(reasons, fmt.Sprintf(
				"claimed an interview or testimony from %q, who has not spoken in this conversation; only reference characters actually interviewed", name))
		}
	}
	return reasons
}

// --- Output safety ---

// outputSafetyPolicy rejects meta acknowledgment of being a model, prompt
// disclosure, and suspiciously long base64-like spans.
type outputSafetyPolicy struct{}

var outputSafetyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bas an ai(?: language)? model\b`),
	regexp.MustCompile(`(?i)\bI(?:'m| am) (?:an? )?(?:ai|artificial intelligence|language model|chatbot)\b`),
	regexp.MustCompile(`(?i)\bmy (?:system )?(?:prompt|instructions)\b`),
	regexp.MustCompile(`(?i)\bsystem prompt\b`),
	regexp.MustCompile(`(?i)\blarge language model\b`),
}

var base64SpanPattern = regexp.MustCompile(`[A-Za-z0-9+/]{80,}={0,2}`)

func (p *outputSafetyPolicy) Name() string { return "output-safety" }

func (p *outputSafetyPolicy) Evaluate(text string, _ PolicyContext) []string {
	var reasons []string
	for _, re := range outputSafetyPatterns {
		if m := re.FindString(text); m != "" {
			reasons = append(reasons, fmt.Sprintf(
				"broke character with meta text (%q); stay fully in character and never mention models, prompts or instructions", m))
			break
		}
	}
	if base64SpanPattern.MatchString(text) {
		reasons = append(reasons, "included a long encoded data span; reply in plain dialogue only")
	}
	return reasons
}

// --- Prompt injection heuristics (player input side) ---

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bignore (?:all |your |any )?(?:previous|prior|above|earlier)? ?(?:instructions|rules|prompts)\b`),
	regexp.MustCompile(`(?i)\bdisregard (?:your|the|all) (?:instructions|rules|persona)\b`),
	regexp.MustCompile(`(?i)\b(?:repeat|print|reveal|show me) (?:your|the) (?:system )?(?:prompt|instructions)\b`),
	regexp.MustCompile(`(?i)\byou are now\b`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)\bdan mode\b`),
	regexp.MustCompile(`(?i)\bact as (?:an? )?(?:unrestricted|uncensored)\b`),
	base64SpanPattern,
}

// LooksLikeInjection reports whether raw player input matches known
// prompt-injection heuristics. A match only prepends a defensive notice to
// the system prompt; the input itself is still delivered.
func LooksLikeInjection(input string) bool {
	for _, re := range injectionPatterns {
		if re.MatchString(input) {
			return true
		}
	}
	return false
}
