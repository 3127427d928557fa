package memory

import (
	"fmt"
	"strings"

	"github.com/recallhq/recall/core"
)

// ContextHeader and ContextFooter bracket the injected memory block so the
// LLM can tell stored context apart from the live conversation. The header
// doubles as the re-injection guard marker.
const (
	ContextHeader = "=== PREVIOUS CONTEXT (things the user told you before) ==="
	ContextFooter = "=== END PREVIOUS CONTEXT ==="
)

// Assembler formats retrieved memories into a bounded prompt fragment.
type Assembler struct {
	// MaxEntryLen truncates each memory's content; 0 means no per-entry cap.
	MaxEntryLen int
	// MaxTotalLen bounds the whole block; entries that would overflow it
	// are dropped from the tail. 0 means unbounded.
	MaxTotalLen int
}

// NewAssembler builds an Assembler from config.
func NewAssembler(cfg *Config) Assembler {
	return Assembler{MaxEntryLen: cfg.MaxEntryLen, MaxTotalLen: cfg.MaxContextLen}
}

// Assemble renders results as a numbered block wrapped in the context
// header and footer. An empty result list yields an empty string, never an
// empty-bodied block.
func (a Assembler) Assemble(results []RetrievalResult) string {
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(ContextHeader)
	sb.WriteString("\n")

	total := len(ContextHeader) + 1 + len(ContextFooter)
	wrote := 0
	for i, r := range results {
		line := fmt.Sprintf("%d. %s\n", i+1, truncate(r.Content, a.MaxEntryLen))
		if a.MaxTotalLen > 0 && total+len(line) > a.MaxTotalLen {
			break
		}
		sb.WriteString(line)
		total += len(line)
		wrote++
	}
	if wrote == 0 {
		return ""
	}

	sb.WriteString(ContextFooter)
	return sb.String()
}

// InjectContext inserts the assembled block as a system message immediately
// before the most recent user message. The input slice is never mutated.
//
// No-ops: empty block, no user message in the list, or a block already
// injected earlier in this turn's message list.
func InjectContext(messages []core.Message, block string) []core.Message {
	if block == "" {
		return messages
	}
	for _, m := range messages {
		if strings.Contains(m.Content, ContextHeader) {
			return messages
		}
	}
	idx := core.LastIndex(messages, core.RoleUser)
	if idx < 0 {
		return messages
	}

	out := make([]core.Message, 0, len(messages)+1)
	out = append(out, messages[:idx]...)
	out = append(out, core.Message{Role: core.RoleSystem, Content: block})
	out = append(out, messages[idx:]...)
	return out
}

// truncate cuts s to maxLen with an ellipsis marker, matching the formatting
// contract: a reader can always tell a truncated memory from a complete one.
func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
