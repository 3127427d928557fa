package core

// Message roles used throughout the engine and the host hook contract.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry in a conversation's message list.
// The host passes a []Message into the inlet hook and receives a possibly
// augmented []Message back; the outlet hook receives the completed exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LastIndex returns the index of the most recent message with the given
// role, or -1 if none exists.
func LastIndex(messages []Message, role string) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == role {
			return i
		}
	}
	return -1
}
