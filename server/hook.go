package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/recallhq/recall/core"
	"github.com/recallhq/recall/memory"
)

// Hook is the inlet/outlet adapter for host runtimes: before an LLM call the
// host passes the message list through Inlet and sends the augmented list to
// the model; after the call it hands the completed exchange to Outlet.
//
// The hook is deliberately thin. It translates the host's call shape into
// the engine's stable interface and never reimplements engine logic, so any
// number of host integrations can share one pipeline.
type Hook struct {
	engine        *memory.Engine
	asm           memory.Assembler
	ingestTimeout time.Duration
	log           *slog.Logger

	// ingestDone is signalled after each background ingest. Tests wait on
	// it; production callers ignore it.
	ingestDone chan struct{}
}

// NewHook builds the hook from engine config.
func NewHook(engine *memory.Engine, cfg *memory.Config, logger *slog.Logger) *Hook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hook{
		engine:        engine,
		asm:           memory.NewAssembler(cfg),
		ingestTimeout: cfg.IngestTimeout,
		log:           logger,
		ingestDone:    make(chan struct{}, 8),
	}
}

// Inlet retrieves memories relevant to the latest user message and injects
// them into the message list. Anonymous calls (empty userID), empty message
// lists, retrieval errors and empty results all return the input unchanged —
// a chat turn never fails because of memory.
func (h *Hook) Inlet(ctx context.Context, userID string, messages []core.Message) []core.Message {
	if userID == "" || len(messages) == 0 {
		return messages
	}
	idx := core.LastIndex(messages, core.RoleUser)
	if idx < 0 {
		return messages
	}

	results, err := h.engine.Retrieve(ctx, userID, messages[idx].Content, 0, -1)
	if err != nil {
		h.log.Warn("inlet retrieval failed, continuing without context", "user_id", userID, "error", err)
		return messages
	}
	return memory.InjectContext(messages, h.asm.Assemble(results))
}

// Outlet ingests the completed exchange. Ingestion runs in the background
// with its own timeout, detached from the request context: the turn is
// already answered, and a slow semantic write must not hold it open. The
// recency append happens first inside Ingest, so the raw interaction is not
// lost when the semantic write fails.
func (h *Hook) Outlet(ctx context.Context, userID string, messages []core.Message) {
	if userID == "" || len(messages) == 0 {
		return
	}
	userIdx := core.LastIndex(messages, core.RoleUser)
	if userIdx < 0 {
		return
	}

	interaction := memory.Interaction{
		UserID:      userID,
		UserMessage: messages[userIdx].Content,
	}
	for i := userIdx + 1; i < len(messages); i++ {
		if messages[i].Role == core.RoleAssistant {
			interaction.AssistantResponse = messages[i].Content
			break
		}
	}

	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.ingestTimeout)
	go func() {
		defer cancel()
		h.engine.Ingest(ictx, interaction)
		select {
		case h.ingestDone <- struct{}{}:
		default:
		}
	}()
}

// WaitIngest blocks until one background ingest completes or the timeout
// elapses. Intended for tests.
func (h *Hook) WaitIngest(timeout time.Duration) bool {
	select {
	case <-h.ingestDone:
		return true
	case <-time.After(timeout):
		return false
	}
}
