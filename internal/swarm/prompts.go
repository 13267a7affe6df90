package swarm

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Prompt assembly is deliberately thin: persona identifiers are opaque to
// the engine, and the completion provider resolves them to full persona
// prompts on its side. The engine only frames the role, the topic, and the
// expected response shape.

const approveMarker = "APPROVE"

func writerSystemPrompt(writerID string) string {
	return fmt.Sprintf("You are writer persona %q. Produce marketing copy for the given topic.", writerID)
}

func editorSystemPrompt(editorID string) string {
	return fmt.Sprintf("You are editor persona %q. Review the draft. Reply %s if it is ready, otherwise reply with revision feedback.", editorID, approveMarker)
}

func evaluatorSystemPrompt(evaluatorID string) string {
	return fmt.Sprintf("You are evaluator persona %q. Score the draft from 0 to 10. Reply as SCORE: <number> followed by your rationale.", evaluatorID)
}

func draftPrompt(topic string) string {
	return fmt.Sprintf("Topic:\n%s\n\nWrite the draft.", topic)
}

func reviewPrompt(topic, content string) string {
	return fmt.Sprintf("Topic:\n%s\n\nDraft:\n%s", topic, content)
}

func revisePrompt(topic, content, feedback string) string {
	return fmt.Sprintf("Topic:\n%s\n\nCurrent draft:\n%s\n\nEditor feedback:\n%s\n\nRewrite the draft addressing the feedback.", topic, content, feedback)
}

func scorePrompt(topic, content string) string {
	return fmt.Sprintf("Topic:\n%s\n\nDraft:\n%s\n\nScore this draft.", topic, content)
}

// parseReview interprets an editor response. A response whose first
// non-blank line starts with the approve marker counts as approval;
// anything else is revision feedback.
func parseReview(text string) (approved bool, feedback string) {
	trimmed := strings.TrimSpace(text)
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(line), approveMarker) {
			return true, trimmed
		}
		break
	}
	return false, trimmed
}

var scorePattern = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?`)

// parseScore extracts the first number from an evaluator response, clamped
// to [0, 10]. An unparseable response scores zero with the raw text as
// rationale.
func parseScore(text string) (score float64, rationale string) {
	rationale = strings.TrimSpace(text)

	match := scorePattern.FindString(rationale)
	if match == "" {
		return 0, rationale
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, rationale
	}
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return score, rationale
}

func newEvaluationID() string {
	return uuid.New().String()
}
