// Package chromem implements the semantic store over chromem-go, a pure Go
// embedded vector database. Each user gets their own collection, so a query
// can never scan another user's partition.
package chromem

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/recallhq/recall/memory"
)

// deleteQueryK is how many candidates a delete-by-query inspects.
const deleteQueryK = 50

// Store implements memory.VectorIndex.
type Store struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
	log         *slog.Logger
}

// New creates an in-memory store.
func New() (*Store, error) {
	return newStore(chromem.NewDB()), nil
}

// NewPersistent creates a store persisted under path.
func NewPersistent(path string) (*Store, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	return newStore(db), nil
}

func newStore(db *chromem.DB) *Store {
	return &Store{
		db:          db,
		collections: make(map[string]*chromem.Collection),
		log:         slog.Default(),
	}
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.log = l
	}
}

// collection returns the per-user collection, creating it on first use.
func (s *Store) collection(userID string) (*chromem.Collection, error) {
	name := "user_" + userID
	if userID == "" {
		name = "anon"
	}

	s.mu.RLock()
	col, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	// nil embedding func: the engine always supplies vectors itself.
	col, err := s.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[name] = col
	return col, nil
}

// Upsert stores or replaces the entry's vector and content.
func (s *Store) Upsert(ctx context.Context, entry *memory.Entry) error {
	col, err := s.collection(entry.UserID)
	if err != nil {
		return err
	}

	// chromem has no update; replace means delete-then-add.
	_ = col.Delete(ctx, nil, nil, entry.ID)

	doc := chromem.Document{
		ID:        entry.ID,
		Content:   entry.Content,
		Embedding: entry.Embedding,
		Metadata: map[string]string{
			"user_id":    entry.UserID,
			"source":     string(entry.Source),
			"hash":       entry.Hash,
			"created_at": entry.CreatedAt.Format(time.RFC3339Nano),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	s.log.Debug("vector upserted", "user_id", entry.UserID, "entry_id", entry.ID)
	return nil
}

// Query returns up to topK candidates by cosine similarity, highest first.
func (s *Store) Query(ctx context.Context, userID string, embedding []float32, topK int) ([]memory.Candidate, error) {
	col, err := s.collection(userID)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults above the collection size.
	if count := col.Count(); count < topK {
		topK = count
	}
	if topK <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	cands := make([]memory.Candidate, 0, len(results))
	for _, r := range results {
		cands = append(cands, toCandidate(r))
	}
	return cands, nil
}

// Delete removes the given IDs from the user's collection.
func (s *Store) Delete(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := s.collection(userID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

// DeleteByQuery removes entries similar to the embedding. Precision over
// recall: a candidate must meet the threshold AND share a non-stopword token
// with the query text, so "forget my guitar" can never take an unrelated
// work memory with it.
func (s *Store) DeleteByQuery(ctx context.Context, userID string, embedding []float32, queryText string, threshold float64) ([]memory.Candidate, error) {
	cands, err := s.Query(ctx, userID, embedding, deleteQueryK)
	if err != nil {
		return nil, err
	}

	tokens := memory.GuardTokens(queryText)
	var matched []memory.Candidate
	var ids []string
	for _, c := range cands {
		if c.Similarity < threshold {
			break
		}
		if !memory.TokenMatch(c.Content, tokens) {
			s.log.Debug("delete-by-query guard rejected candidate",
				"user_id", userID, "entry_id", c.ID, "similarity", c.Similarity)
			continue
		}
		matched = append(matched, c)
		ids = append(ids, c.ID)
	}

	if err := s.Delete(ctx, userID, ids); err != nil {
		return nil, err
	}
	s.log.Info("delete-by-query removed entries", "user_id", userID, "count", len(ids))
	return matched, nil
}

// Count returns the number of stored vectors for the user.
func (s *Store) Count(_ context.Context, userID string) (int, error) {
	col, err := s.collection(userID)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// Close is a no-op: chromem flushes persistent writes as they happen.
func (s *Store) Close() error {
	return nil
}

func toCandidate(r chromem.Result) memory.Candidate {
	createdAt, _ := time.Parse(time.RFC3339Nano, r.Metadata["created_at"])
	return memory.Candidate{
		ID:         r.ID,
		Content:    r.Content,
		Similarity: float64(r.Similarity),
		Source:     memory.Source(r.Metadata["source"]),
		CreatedAt:  createdAt,
	}
}
