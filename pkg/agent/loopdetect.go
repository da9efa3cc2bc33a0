package agent

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

const defaultSteeringThreshold = 3

// callKey fingerprints a tool call by name and input hash.
type callKey struct {
	toolName  string
	inputHash string
}

// LoopDetector counts identical tool calls within one message's processing
// and trips once a call repeats often enough to look like a stuck loop.
type LoopDetector struct {
	counts    map[callKey]int
	threshold int
}

// NewLoopDetector creates a LoopDetector with the given repeat threshold.
// A threshold <= 0 uses the default (3).
func NewLoopDetector(threshold int) *LoopDetector {
	if threshold <= 0 {
		threshold = defaultSteeringThreshold
	}
	return &LoopDetector{counts: make(map[callKey]int), threshold: threshold}
}

// Record registers a tool call and reports whether the repeat threshold has
// been reached for this exact name+input combination.
func (d *LoopDetector) Record(toolName string, input json.RawMessage) bool {
	h := sha256.Sum256(input)
	key := callKey{toolName: toolName, inputHash: fmt.Sprintf("%x", h)}
	d.counts[key]++
	return d.counts[key] >= d.threshold
}

// SteeringMessage is the tool result injected instead of executing a call
// the detector flagged as looping.
func SteeringMessage() string {
	return "You appear to be repeating the same tool call. Try a fundamentally different approach to complete the task."
}
