package agent

import (
	"encoding/json"

	"github.com/rparthas/loom/pkg/llm"
)

// estimateTokens is a coarse token proxy: serialized size divided by four.
// It only needs to be consistent, not accurate; trimming decisions compare
// against a budget expressed in the same units.
func estimateTokens(m llm.Message) int {
	b, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(b) / 4
}

// trimHistory drops messages starting just after the first (anchor) message
// until the estimated total falls under 80% of budget or only two messages
// remain. The anchor is never removed. Returns the trimmed slice and how
// many messages were dropped; a budget <= 0 disables trimming.
func trimHistory(messages []llm.Message, budget int) ([]llm.Message, int) {
	if budget <= 0 || len(messages) <= 2 {
		return messages, 0
	}
	total := 0
	for _, m := range messages {
		total += estimateTokens(m)
	}
	if total <= budget {
		return messages, 0
	}

	target := budget * 8 / 10
	removed := 0
	for total > target && len(messages) > 2 {
		total -= estimateTokens(messages[1])
		messages = append(messages[:1:1], messages[2:]...)
		removed++
	}
	return messages, removed
}
