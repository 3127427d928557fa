// Package claude implements LLM-backed fact extraction with the Anthropic
// Messages API. It is an optional upgrade over the heuristic extractor:
// the engine paces it per user (Config.ExtractEvery) and falls back to the
// heuristic whenever it errors, so a provider outage never blocks ingestion.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/recallhq/recall/memory"
)

const systemPrompt = `You extract durable personal facts from a chat exchange.
Return ONLY a JSON array. Each element: {"content": string, "correction": bool}.
- Keep facts about stable attributes: name, location, job, preferences, possessions, relationships.
- Rephrase each fact as a short first-person statement.
- Set "correction": true when the user is correcting something previously stated.
- Return [] when the exchange contains no durable fact.`

// Extractor implements memory.Extractor over Claude.
type Extractor struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	log       *slog.Logger
}

// Option configures the extractor.
type Option func(*Extractor)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Extractor) {
		if l != nil {
			x.log = l
		}
	}
}

// New creates an extractor using the given client and model.
func New(client *anthropic.Client, model string, opts ...Option) *Extractor {
	x := &Extractor{
		client:    client,
		model:     model,
		maxTokens: 512,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Extract asks Claude for the durable facts in the exchange.
func (x *Extractor) Extract(ctx context.Context, interaction memory.Interaction) ([]memory.Fact, error) {
	var sb strings.Builder
	sb.WriteString("User: ")
	sb.WriteString(interaction.UserMessage)
	if interaction.AssistantResponse != "" {
		sb.WriteString("\nAssistant: ")
		sb.WriteString(interaction.AssistantResponse)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(x.model),
		MaxTokens: x.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(sb.String())),
		},
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
	}

	resp, err := x.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude extraction: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	facts, err := parseFacts(text)
	if err != nil {
		return nil, fmt.Errorf("parse extraction output: %w", err)
	}
	x.log.Debug("llm extraction complete", "user_id", interaction.UserID, "facts", len(facts))
	return facts, nil
}

// parseFacts reads the JSON array out of the model's reply, tolerating
// markdown code fences around it.
func parseFacts(text string) ([]memory.Fact, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in %q", truncateErr(text))
	}

	var raw []struct {
		Content    string `json:"content"`
		Correction bool   `json:"correction"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, err
	}

	var facts []memory.Fact
	for _, r := range raw {
		if strings.TrimSpace(r.Content) == "" {
			continue
		}
		facts = append(facts, memory.Fact{Content: r.Content, Correction: r.Correction})
	}
	return facts, nil
}

func truncateErr(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
