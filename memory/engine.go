package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Engine orchestrates the memory system: ingestion through the extractor,
// explicit remember/forget, and two-tier retrieval fusion. It holds no
// cross-request state beyond the per-user interaction counters; the stores
// own their own locking discipline.
type Engine struct {
	cfg       *Config
	embedder  Embedder
	index     VectorIndex
	recency   RecencyStore
	catalog   Catalog
	heuristic Extractor
	extractor Extractor // optional, paced by cfg.ExtractEvery
	counters  *Counters
	events    *broadcaster
	log       *slog.Logger
	now       func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithExtractor adds an extractor (typically LLM-backed) that runs alongside
// the built-in heuristic every cfg.ExtractEvery-th interaction per user.
func WithExtractor(x Extractor) Option {
	return func(e *Engine) { e.extractor = x }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires the engine. All four collaborators are required; a missing
// one is a configuration error surfaced at startup, not per request.
func NewEngine(cfg *Config, embedder Embedder, index VectorIndex, recency RecencyStore, cat Catalog, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if embedder == nil {
		return nil, fmt.Errorf("memory: embedder is required")
	}
	if index == nil {
		return nil, fmt.Errorf("memory: vector index is required")
	}
	if recency == nil {
		return nil, fmt.Errorf("memory: recency store is required")
	}
	if cat == nil {
		return nil, fmt.Errorf("memory: catalog is required")
	}

	e := &Engine{
		cfg:       cfg,
		embedder:  embedder,
		index:     index,
		recency:   recency,
		catalog:   cat,
		heuristic: NewHeuristicExtractor(),
		counters:  NewCounters(),
		events:    newBroadcaster(),
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Subscribe returns a channel of memory lifecycle events and a cancel
// function. Delivery is best-effort.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.events.subscribe(buffer)
}

// IngestOutcome reports what ingestion did with one interaction.
type IngestOutcome struct {
	// Buffered is true when the raw interaction reached the recency store.
	Buffered bool
	// Stored lists the new active entries written to the semantic store.
	Stored []*Entry
	// Superseded counts prior entries retired by corrections.
	Superseded int
}

// Ingest appends the interaction to the recency store, then runs
// distillation and writes any durable facts to the semantic store.
//
// Ingestion is off the user-facing critical path and never returns an error
// for dependency failures: the recency append is attempted first and
// unconditionally, and embedding or index failures only skip the semantic
// write, logged as recoverable. An interaction without a user ID is a
// silent no-op (anonymous chat turns carry no memory).
func (e *Engine) Ingest(ctx context.Context, interaction Interaction) IngestOutcome {
	var out IngestOutcome
	if interaction.UserID == "" || interaction.UserMessage == "" {
		return out
	}
	if interaction.Timestamp.IsZero() {
		interaction.Timestamp = e.now()
	}

	if err := e.recency.Append(ctx, interaction.UserID, interaction); err != nil {
		e.log.Warn("recency append failed", "user_id", interaction.UserID, "error", err)
	} else {
		out.Buffered = true
	}

	count := e.counters.Incr(interaction.UserID)
	facts := e.extractFacts(ctx, interaction, count)

	for _, fact := range facts {
		source := SourceDistilled
		if fact.Correction {
			source = SourceCorrection
		}
		entry, created, superseded, err := e.storeFact(ctx, interaction.UserID, fact.Content, source)
		if err != nil {
			e.log.Warn("semantic write skipped", "user_id", interaction.UserID, "error", err)
			continue
		}
		if superseded {
			out.Superseded++
		}
		if created {
			out.Stored = append(out.Stored, entry)
		}
	}
	return out
}

func (e *Engine) extractFacts(ctx context.Context, interaction Interaction, count int) []Fact {
	facts, err := e.heuristic.Extract(ctx, interaction)
	if err != nil {
		e.log.Warn("heuristic extraction failed", "user_id", interaction.UserID, "error", err)
	}

	if e.extractor != nil && count%e.cfg.ExtractEvery == 0 {
		more, err := e.extractor.Extract(ctx, interaction)
		if err != nil {
			e.log.Warn("extractor failed, keeping heuristic facts", "user_id", interaction.UserID, "error", err)
		} else {
			facts = append(facts, more...)
		}
	}
	return facts
}

// Remember writes content unconditionally, bypassing the distillation
// heuristic. Identical content for the same user is deduplicated: created
// is false, the existing active entry is returned and no second entry is
// made. Correction phrasing still supersedes the best-matching prior entry.
func (e *Engine) Remember(ctx context.Context, userID, content string, source Source) (entry *Entry, created bool, stats Stats, err error) {
	if userID == "" {
		return nil, false, Stats{}, ErrInvalidUserID
	}
	if NormalizeContent(content) == "" {
		return nil, false, Stats{}, ErrEmptyContent
	}
	if source == "" {
		source = SourceExplicitRemember
	}

	entry, created, _, err = e.storeFact(ctx, userID, content, source)
	if err != nil {
		return nil, false, Stats{}, err
	}
	stats, serr := e.Stats(ctx, userID)
	if serr != nil {
		e.log.Warn("stats after remember failed", "user_id", userID, "error", serr)
	}
	return entry, created, stats, nil
}

// storeFact is the single write path shared by ingestion and Remember.
// It returns the active entry for the content (new or pre-existing),
// whether it was newly created, and whether a prior entry was superseded.
func (e *Engine) storeFact(ctx context.Context, userID, content string, source Source) (*Entry, bool, bool, error) {
	hash := HashContent(content)

	if existing, err := e.catalog.FindActiveByHash(ctx, userID, hash); err == nil {
		e.log.Debug("duplicate content, keeping existing entry",
			"user_id", userID, "entry_id", existing.ID)
		return existing, false, false, nil
	}

	embedding, err := e.embedder.Embed(ctx, content)
	if err != nil {
		return nil, false, false, fmt.Errorf("embed content: %w", err)
	}

	id := uuid.New().String()
	superseded := false
	supersedes := ""
	if source == SourceCorrection || LooksLikeCorrection(content) {
		if prior := e.supersedeMatch(ctx, userID, embedding, hash, id); prior != "" {
			superseded = true
			supersedes = prior
			source = SourceCorrection
		}
	}

	entry := &Entry{
		ID:         id,
		UserID:     userID,
		Content:    content,
		Hash:       hash,
		Embedding:  embedding,
		Source:     source,
		Status:     StatusActive,
		Supersedes: supersedes,
		CreatedAt:  e.now(),
	}

	if err := e.catalog.Insert(ctx, entry); err != nil {
		return nil, false, false, fmt.Errorf("catalog insert: %w", err)
	}
	if err := e.index.Upsert(ctx, entry); err != nil {
		return nil, false, false, fmt.Errorf("index upsert: %w", err)
	}

	e.events.publish(Event{Type: EventStored, UserID: userID, EntryID: entry.ID, Content: content, At: e.now()})
	e.log.Info("memory stored", "user_id", userID, "entry_id", entry.ID, "source", source)
	return entry, true, superseded, nil
}

// supersedeMatch retires the single best active entry matching a correction.
// At most one entry transitions per correction; below the threshold nothing
// happens and both facts coexist.
func (e *Engine) supersedeMatch(ctx context.Context, userID string, embedding []float32, newHash, byID string) string {
	cands, err := e.index.Query(ctx, userID, embedding, 3)
	if err != nil {
		e.log.Warn("correction lookup failed", "user_id", userID, "error", err)
		return ""
	}
	for _, c := range cands {
		if HashContent(c.Content) == newHash {
			continue
		}
		if c.Similarity < e.cfg.CorrectionThreshold {
			break
		}
		if err := e.catalog.MarkSuperseded(ctx, userID, c.ID, byID); err != nil {
			e.log.Warn("mark superseded failed", "user_id", userID, "entry_id", c.ID, "error", err)
			return ""
		}
		if err := e.index.Delete(ctx, userID, []string{c.ID}); err != nil {
			e.log.Warn("index delete of superseded entry failed", "user_id", userID, "entry_id", c.ID, "error", err)
		}
		e.events.publish(Event{Type: EventSuperseded, UserID: userID, EntryID: c.ID, Content: c.Content, At: e.now()})
		e.log.Info("memory superseded by correction", "user_id", userID, "entry_id", c.ID)
		return c.ID
	}
	return ""
}

// Forget embeds the query and removes matching entries from the semantic
// store with a stricter threshold than retrieval uses, plus a non-stopword
// overlap guard. Matching interactions are purged from the recency buffer
// as well. Returns how many entries were removed.
func (e *Engine) Forget(ctx context.Context, userID, forgetQuery string) (int, Stats, error) {
	if userID == "" {
		return 0, Stats{}, ErrInvalidUserID
	}
	if NormalizeContent(forgetQuery) == "" {
		return 0, Stats{}, ErrEmptyContent
	}

	embedding, err := e.embedder.Embed(ctx, forgetQuery)
	if err != nil {
		return 0, Stats{}, fmt.Errorf("embed forget query: %w", err)
	}

	removed, err := e.index.DeleteByQuery(ctx, userID, embedding, forgetQuery, e.cfg.ForgetThreshold)
	if err != nil {
		return 0, Stats{}, fmt.Errorf("delete by query: %w", err)
	}

	if len(removed) > 0 {
		ids := make([]string, 0, len(removed))
		for _, c := range removed {
			ids = append(ids, c.ID)
			e.events.publish(Event{Type: EventForgotten, UserID: userID, EntryID: c.ID, Content: c.Content, At: e.now()})
		}
		if err := e.catalog.MarkDeleted(ctx, userID, ids); err != nil {
			e.log.Warn("catalog delete failed", "user_id", userID, "error", err)
		}
	}

	tokens := GuardTokens(forgetQuery)
	purged, err := e.recency.Purge(ctx, userID, func(it Interaction) bool {
		return TokenMatch(it.UserMessage, tokens) || TokenMatch(it.AssistantResponse, tokens)
	})
	if err != nil {
		e.log.Warn("recency purge failed", "user_id", userID, "error", err)
	}

	e.log.Info("forget completed", "user_id", userID,
		"semantic_removed", len(removed), "recency_purged", purged)

	stats, err := e.Stats(ctx, userID)
	if err != nil {
		e.log.Warn("stats after forget failed", "user_id", userID, "error", err)
	}
	return len(removed), stats, nil
}

// Retrieve fuses semantic and recency results for a query into one ranked
// list. limit <= 0 and threshold < 0 fall back to config defaults.
//
// The call is bounded by cfg.RetrieveTimeout; both stores are queried
// concurrently and whatever arrived by the deadline is fused. A failing
// embedder or semantic store degrades to recency-only results; everything
// failing yields an empty list. No dependency error escapes to the caller —
// an empty result is the routine "no relevant memory" outcome.
func (e *Engine) Retrieve(ctx context.Context, userID, query string, limit int, threshold float64) ([]RetrievalResult, error) {
	if userID == "" || NormalizeContent(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = e.cfg.RetrieveLimit
	}
	if threshold < 0 {
		threshold = e.cfg.RetrieveThreshold
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RetrieveTimeout)
	defer cancel()

	semCh := make(chan []Candidate, 1)
	recCh := make(chan []Interaction, 1)

	go func() {
		embedding, err := e.embedder.Embed(ctx, query)
		if err != nil {
			e.log.Warn("query embedding failed, semantic tier skipped", "user_id", userID, "error", err)
			semCh <- nil
			return
		}
		cands, err := e.index.Query(ctx, userID, embedding, limit*e.cfg.TopKFactor)
		if err != nil {
			e.log.Warn("semantic query failed, recency only", "user_id", userID, "error", err)
			semCh <- nil
			return
		}
		semCh <- cands
	}()

	go func() {
		recents, err := e.recency.Recent(ctx, userID, e.cfg.RecencyLimit)
		if err != nil {
			e.log.Warn("recency fetch failed", "user_id", userID, "error", err)
			recCh <- nil
			return
		}
		recCh <- recents
	}()

	var cands []Candidate
	var recents []Interaction
collect:
	for i := 0; i < 2; i++ {
		select {
		case cands = <-semCh:
		case recents = <-recCh:
		case <-ctx.Done():
			e.log.Warn("retrieval deadline hit, returning partial results", "user_id", userID)
			break collect
		}
	}

	results := fuse(cands, recents, limit, threshold, e.cfg)
	e.log.Debug("retrieval fused", "user_id", userID,
		"semantic", len(cands), "recency", len(recents), "results", len(results))
	return results, nil
}

// Stats reports memory counts for one user, or across all users when userID
// is empty.
func (e *Engine) Stats(ctx context.Context, userID string) (Stats, error) {
	short, err := e.recency.Count(ctx, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("recency count: %w", err)
	}
	long, err := e.catalog.CountActive(ctx, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("catalog count: %w", err)
	}
	return Stats{ShortTerm: short, LongTerm: long, Total: short + long}, nil
}

// Close releases store resources.
func (e *Engine) Close() error {
	if err := e.index.Close(); err != nil {
		return err
	}
	return e.catalog.Close()
}
