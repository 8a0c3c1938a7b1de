package models

// StreamEvent is one incremental unit of a streamed model reply. Text is a delta, never a full snapshot.
type StreamEvent struct {
	Text      string
	Citations []CitationSource
}

// HistoryTurn is a prior conversation turn replayed to the model as text-only history.
type HistoryTurn struct {
	Role Role
	Text string
}

// TurnRequest carries everything a model client needs to open one streamed exchange.
type TurnRequest struct {
	Prompt            string
	SystemInstruction string
	Image             *ImageData
	History           []HistoryTurn
}

// History converts a message list into role-tagged text-only turns.
func History(messages []ChatMessage) []HistoryTurn {
	turns := make([]HistoryTurn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, HistoryTurn{Role: m.Role, Text: m.Text})
	}
	return turns
}
