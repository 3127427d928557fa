package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
	"unicode"
)

// Common errors returned by engine operations.
var (
	// ErrInvalidUserID is returned when an operation is called without a user ID.
	ErrInvalidUserID = errors.New("memory: user_id is required")

	// ErrEmptyContent is returned when content or a query is empty.
	ErrEmptyContent = errors.New("memory: content is empty")

	// ErrNotFound is returned when a requested entry does not exist.
	ErrNotFound = errors.New("memory: entry not found")
)

// Source records how an entry came to exist.
type Source string

const (
	SourceExplicitRemember Source = "explicit_remember"
	SourceDistilled        Source = "distilled_interaction"
	SourceCorrection       Source = "correction"
)

// Status is the lifecycle state of an entry. Superseded and deleted entries
// remain in the catalog for audit but are excluded from retrieval.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusDeleted    Status = "deleted"
)

// Origin identifies which store a retrieval result came from.
type Origin string

const (
	OriginSemantic Origin = "semantic"
	OriginRecency  Origin = "recency"
)

// Entry is a durable, user-scoped memory.
type Entry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Content    string    `json:"content"`
	Hash       string    `json:"hash"`
	Embedding  []float32 `json:"-"`
	Source     Source    `json:"source"`
	Status     Status    `json:"status"`
	Supersedes string    `json:"supersedes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Interaction is one conversational exchange, the unit of ingestion.
// It is always appended to the recency store; the semantic store only
// receives what the extractor judges durable.
type Interaction struct {
	UserID            string    `json:"user_id"`
	ConversationID    string    `json:"conversation_id,omitempty"`
	UserMessage       string    `json:"user_message"`
	AssistantResponse string    `json:"assistant_response,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// RetrievalResult is one fused, scored memory returned by Engine.Retrieve.
// Score is normalized to [0,1] across both stores.
type RetrievalResult struct {
	Content string  `json:"content"`
	Score   float64 `json:"relevance_score"`
	Origin  Origin  `json:"origin"`
}

// Stats reports per-user (or global, for an empty user ID) memory counts.
type Stats struct {
	ShortTerm int `json:"short_term"`
	LongTerm  int `json:"long_term"`
	Total     int `json:"total"`
}

// Fact is a durable statement produced by an Extractor. Correction marks
// facts phrased as corrections of an earlier statement; the engine will
// supersede the best-matching prior entry before storing them.
type Fact struct {
	Content    string
	Correction bool
}

// Embedder converts text to a fixed-length vector.
// Implementations: embedder/mock (tests), embedder/openai (HTTP provider),
// embedder/onnx (local model, build tag "onnx"). Wrap with embedder/cache
// so a given text is only embedded once.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Candidate is a raw similarity hit from the vector index.
type Candidate struct {
	ID         string
	Content    string
	Similarity float64
	Source     Source
	CreatedAt  time.Time
}

// VectorIndex is the semantic store adapter. All methods are partitioned by
// user ID; the index holds vectors for active entries only.
type VectorIndex interface {
	// Upsert stores or replaces the entry's vector and content.
	Upsert(ctx context.Context, entry *Entry) error

	// Query returns up to topK candidates ranked by similarity, highest first.
	Query(ctx context.Context, userID string, embedding []float32, topK int) ([]Candidate, error)

	// Delete removes the given entry IDs from the user's partition.
	Delete(ctx context.Context, userID string, ids []string) error

	// DeleteByQuery removes exactly the entries whose similarity to the
	// embedding meets the threshold and which share at least one
	// non-stopword token with queryText. Returns the removed candidates.
	DeleteByQuery(ctx context.Context, userID string, embedding []float32, queryText string, threshold float64) ([]Candidate, error)

	// Count returns the number of stored vectors for the user.
	Count(ctx context.Context, userID string) (int, error)

	Close() error
}

// RecencyStore is the ephemeral per-user buffer of raw interactions.
// Implementations bound both capacity and entry age.
type RecencyStore interface {
	Append(ctx context.Context, userID string, interaction Interaction) error

	// Recent returns up to limit interactions, most recent first.
	Recent(ctx context.Context, userID string, limit int) ([]Interaction, error)

	// Purge removes interactions for which match returns true and reports
	// how many were removed.
	Purge(ctx context.Context, userID string, match func(Interaction) bool) (int, error)

	// Count returns the buffered interaction count for the user, or the
	// total across all users when userID is empty.
	Count(ctx context.Context, userID string) (int, error)
}

// Catalog is the durable record of every entry, including superseded and
// deleted ones. It is the authority for entry status and for exact-content
// dedupe; the vector index holds only active entries.
type Catalog interface {
	Insert(ctx context.Context, entry *Entry) error
	FindActiveByHash(ctx context.Context, userID, hash string) (*Entry, error)
	Get(ctx context.Context, userID, id string) (*Entry, error)
	MarkSuperseded(ctx context.Context, userID, id, byID string) error
	MarkDeleted(ctx context.Context, userID string, ids []string) error

	// CountActive returns the active entry count for the user, or across
	// all users when userID is empty.
	CountActive(ctx context.Context, userID string) (int, error)

	Close() error
}

// Extractor distills an interaction into durable facts. The zero-value
// engine uses HeuristicExtractor; extract/claude provides an LLM-backed
// implementation.
type Extractor interface {
	Extract(ctx context.Context, interaction Interaction) ([]Fact, error)
}

// NormalizeContent canonicalizes text for dedupe: lowercase, collapsed
// whitespace, trailing punctuation stripped.
func NormalizeContent(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, ".!? ")
}

// HashContent returns the dedupe key for content: the hex SHA-256 of its
// normalized form.
func HashContent(s string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(s)))
	return hex.EncodeToString(sum[:])
}

// stopwords that never count as evidence of topical overlap. Keeping this
// list short errs on the side of precision: an unknown word counts.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "do": true, "for": true, "from": true,
	"have": true, "i": true, "in": true, "is": true, "it": true, "its": true,
	"me": true, "my": true, "no": true, "not": true, "of": true, "on": true,
	"or": true, "our": true, "so": true, "that": true, "the": true,
	"their": true, "this": true, "to": true, "was": true, "we": true,
	"what": true, "when": true, "where": true, "who": true, "will": true,
	"with": true, "you": true, "your": true,
}

// Tokenize splits text into lowercase alphanumeric tokens.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// GuardTokens returns the non-stopword tokens of a query. These are the
// tokens a forget request must share with an entry before the entry may be
// deleted, so that generic phrasing overlap alone never removes a memory.
func GuardTokens(query string) []string {
	var out []string
	for _, tok := range Tokenize(query) {
		if !stopwords[tok] {
			out = append(out, tok)
		}
	}
	return out
}

// TokenMatch reports whether content contains any of the given tokens.
// An empty token list matches nothing.
func TokenMatch(content string, tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	present := make(map[string]bool)
	for _, tok := range Tokenize(content) {
		present[tok] = true
	}
	for _, tok := range tokens {
		if present[tok] {
			return true
		}
	}
	return false
}
