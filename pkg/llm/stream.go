package llm

// Turn is the fully accumulated outcome of one streamed provider turn.
type Turn struct {
	Text      string
	ToolCalls []*ToolUse
	Usage     Usage
}

// CollectStream drains a stream channel into a Turn. It blocks until the
// channel is closed and returns the terminal error, if any.
func CollectStream(ch <-chan StreamEvent) (Turn, error) {
	var turn Turn
	for ev := range ch {
		switch ev.Type {
		case StreamEventTextDelta:
			turn.Text += ev.Text
		case StreamEventToolCallEnd:
			if ev.ToolUse != nil {
				turn.ToolCalls = append(turn.ToolCalls, ev.ToolUse)
			}
		case StreamEventDone:
			if ev.Usage != nil {
				turn.Usage = *ev.Usage
			}
		case StreamEventError:
			return turn, ev.Err
		}
	}
	return turn, nil
}
