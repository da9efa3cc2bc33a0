// Package transcript persists a session's observable history as an
// append-only JSON-lines log. It is a pure bus subscriber: the agent core
// publishes events whether or not persistence is attached, and a write
// failure never propagates back to the publisher.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/rparthas/loom/pkg/bus"
)

// DefaultKinds is the event subset worth replaying later: everything except
// per-token text deltas, which would bloat the log without adding
// information beyond the final agent:text_done.
var DefaultKinds = []bus.Kind{
	bus.SessionStarted,
	bus.SessionCleared,
	bus.SessionContextTrimmed,
	bus.AgentTextDone,
	bus.AgentTurnComplete,
	bus.AgentError,
	bus.AgentMaxTurns,
	bus.AgentCancelled,
	bus.AgentSteering,
	bus.ToolCall,
	bus.ToolApprovalRequired,
	bus.ToolApproved,
	bus.ToolDenied,
	bus.ToolComplete,
	bus.SystemError,
}

// Writer appends one JSON line per subscribed event.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
	unsubs []func()
}

// New opens (or creates) the log file for appending and subscribes to the
// given event kinds, or DefaultKinds when none are named. Call Close to
// detach from the bus and flush the file.
func New(path string, b *bus.Bus, logger *slog.Logger, kinds ...bus.Kind) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transcript: open %s: %w", path, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{file: f, logger: logger}
	if len(kinds) == 0 {
		kinds = DefaultKinds
	}
	for _, kind := range kinds {
		w.unsubs = append(w.unsubs, b.Subscribe(kind, w.record))
	}
	return w, nil
}

// record serializes one event as a single line. Failures are logged and
// dropped; the bus must never see them.
func (w *Writer) record(ev bus.Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		w.logger.Warn("transcript: marshal event", "kind", ev.Kind, "error", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		w.logger.Warn("transcript: append", "kind", ev.Kind, "error", err)
	}
}

// Close unsubscribes from the bus and closes the log file.
func (w *Writer) Close() error {
	for _, unsub := range w.unsubs {
		unsub()
	}
	w.unsubs = nil
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
