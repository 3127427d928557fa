package memory_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallhq/recall/memory"
	"github.com/recallhq/recall/memory/catalog"
	"github.com/recallhq/recall/memory/embedder/mock"
	"github.com/recallhq/recall/memory/store/chromem"
)

// fakeRecency is an in-process recency buffer, newest first.
type fakeRecency struct {
	mu    sync.Mutex
	items map[string][]memory.Interaction
}

func newFakeRecency() *fakeRecency {
	return &fakeRecency{items: make(map[string][]memory.Interaction)}
}

func (f *fakeRecency) Append(_ context.Context, userID string, it memory.Interaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[userID] = append([]memory.Interaction{it}, f.items[userID]...)
	return nil
}

func (f *fakeRecency) Recent(_ context.Context, userID string, limit int) ([]memory.Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.items[userID]
	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]memory.Interaction, len(items))
	copy(out, items)
	return out, nil
}

func (f *fakeRecency) Purge(_ context.Context, userID string, match func(memory.Interaction) bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []memory.Interaction
	removed := 0
	for _, it := range f.items[userID] {
		if match(it) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items[userID] = kept
	return removed, nil
}

func (f *fakeRecency) Count(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if userID != "" {
		return len(f.items[userID]), nil
	}
	total := 0
	for _, items := range f.items {
		total += len(items)
	}
	return total, nil
}

type testEnv struct {
	engine  *memory.Engine
	catalog *catalog.SQLite
	recency *fakeRecency
}

func newTestEnv(t *testing.T, opts ...memory.Option) *testEnv {
	t.Helper()

	idx, err := chromem.New()
	require.NoError(t, err)

	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	rec := newFakeRecency()
	opts = append([]memory.Option{
		memory.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)

	eng, err := memory.NewEngine(nil, mock.New(), idx, rec, cat, opts...)
	require.NoError(t, err)

	return &testEnv{engine: eng, catalog: cat, recency: rec}
}

func contents(results []memory.RetrievalResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Content)
	}
	return out
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	idx, err := chromem.New()
	require.NoError(t, err)
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()
	rec := newFakeRecency()

	_, err = memory.NewEngine(nil, nil, idx, rec, cat)
	assert.Error(t, err)
	_, err = memory.NewEngine(nil, mock.New(), nil, rec, cat)
	assert.Error(t, err)
	_, err = memory.NewEngine(nil, mock.New(), idx, nil, cat)
	assert.Error(t, err)
	_, err = memory.NewEngine(nil, mock.New(), idx, rec, nil)
	assert.Error(t, err)
}

func TestEngine_RememberRetrieveRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry, created, stats, err := env.engine.Remember(ctx, "alice", "I play guitar on weekends", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, memory.SourceExplicitRemember, entry.Source)
	assert.Equal(t, 1, stats.LongTerm)

	results, err := env.engine.Retrieve(ctx, "alice", "what do I play on weekends", 0, -1)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "I play guitar on weekends", results[0].Content)
	assert.Equal(t, memory.OriginSemantic, results[0].Origin)
	assert.Greater(t, results[0].Score, 0.5)
}

func TestEngine_UserIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, _, err := env.engine.Remember(ctx, "alice", "I play guitar on weekends", "")
	require.NoError(t, err)

	results, err := env.engine.Retrieve(ctx, "bob", "what do I play on weekends", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, results)

	stats, err := env.engine.Stats(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.LongTerm)
}

func TestEngine_Remember_DeduplicatesNormalizedContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, created, _, err := env.engine.Remember(ctx, "alice", "I play guitar", "")
	require.NoError(t, err)
	require.True(t, created)

	// Same content modulo case and trailing punctuation.
	second, created, stats, err := env.engine.Remember(ctx, "alice", "i play Guitar.", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, stats.LongTerm)
}

func TestEngine_Remember_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, _, err := env.engine.Remember(ctx, "", "something", "")
	assert.ErrorIs(t, err, memory.ErrInvalidUserID)

	_, _, _, err = env.engine.Remember(ctx, "alice", "  . ", "")
	assert.ErrorIs(t, err, memory.ErrEmptyContent)
}

func TestEngine_CorrectionSupersedesPriorFact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	blue, _, _, err := env.engine.Remember(ctx, "alice", "My favorite color is blue", "")
	require.NoError(t, err)

	green, created, stats, err := env.engine.Remember(ctx, "alice", "Actually, my favorite color is green", "")
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, memory.SourceCorrection, green.Source)
	assert.Equal(t, blue.ID, green.Supersedes)
	assert.Equal(t, 1, stats.LongTerm)

	results, err := env.engine.Retrieve(ctx, "alice", "what is my favorite color", 0, -1)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Content, "green")
	assert.NotContains(t, contents(results), "My favorite color is blue")

	// The retired entry stays in the catalog for audit.
	audited, err := env.catalog.Get(ctx, "alice", blue.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.StatusSuperseded, audited.Status)
}

func TestEngine_Forget_RemovesOnlyMatchingMemories(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	guitar, _, _, err := env.engine.Remember(ctx, "alice", "I play guitar on weekends", "")
	require.NoError(t, err)
	_, _, _, err = env.engine.Remember(ctx, "alice", "I work at a bakery in the mornings", "")
	require.NoError(t, err)

	require.NoError(t, env.recency.Append(ctx, "alice", memory.Interaction{
		UserMessage: "I play guitar on weekends", Timestamp: time.Now(),
	}))
	require.NoError(t, env.recency.Append(ctx, "alice", memory.Interaction{
		UserMessage: "the bakery opens at six", Timestamp: time.Now(),
	}))

	removed, stats, err := env.engine.Forget(ctx, "alice", "forget that I play guitar on weekends")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, stats.LongTerm)

	// The unrelated memory survives and is still retrievable.
	results, err := env.engine.Retrieve(ctx, "alice", "where do I work in the mornings", 0, -1)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Content, "bakery")
	for _, r := range results {
		assert.NotContains(t, r.Content, "guitar")
	}

	audited, err := env.catalog.Get(ctx, "alice", guitar.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.StatusDeleted, audited.Status)

	// The matching raw interaction left the recency buffer too.
	n, err := env.recency.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_Forget_NothingMatching(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, _, err := env.engine.Remember(ctx, "alice", "I work at a bakery in the mornings", "")
	require.NoError(t, err)

	removed, stats, err := env.engine.Forget(ctx, "alice", "forget everything about skiing")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, stats.LongTerm)
}

func TestEngine_Ingest_DistillsAndBuffers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	out := env.engine.Ingest(ctx, memory.Interaction{
		UserID:            "alice",
		UserMessage:       "Remember that I'm allergic to peanuts",
		AssistantResponse: "Noted.",
	})
	assert.True(t, out.Buffered)
	require.Len(t, out.Stored, 1)
	assert.Equal(t, "I'm allergic to peanuts", out.Stored[0].Content)
	assert.Equal(t, memory.SourceDistilled, out.Stored[0].Source)

	// Chit-chat is buffered but never reaches the semantic store.
	out = env.engine.Ingest(ctx, memory.Interaction{
		UserID:      "alice",
		UserMessage: "how's the weather today?",
	})
	assert.True(t, out.Buffered)
	assert.Empty(t, out.Stored)

	stats, err := env.engine.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ShortTerm)
	assert.Equal(t, 1, stats.LongTerm)
}

func TestEngine_Ingest_AnonymousIsNoOp(t *testing.T) {
	env := newTestEnv(t)

	out := env.engine.Ingest(context.Background(), memory.Interaction{
		UserMessage: "Remember that I'm allergic to peanuts",
	})
	assert.False(t, out.Buffered)
	assert.Empty(t, out.Stored)

	n, err := env.recency.Count(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEngine_Ingest_DuplicateFactStoredOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.engine.Ingest(ctx, memory.Interaction{
		UserID: "alice", UserMessage: "I live in Lisbon",
	})
	require.Len(t, first.Stored, 1)

	second := env.engine.Ingest(ctx, memory.Interaction{
		UserID: "alice", UserMessage: "I live in Lisbon",
	})
	assert.True(t, second.Buffered)
	assert.Empty(t, second.Stored)

	stats, err := env.engine.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.LongTerm)
}

func TestEngine_Retrieve_EmptyInputs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	results, err := env.engine.Retrieve(ctx, "", "anything", 0, -1)
	require.NoError(t, err)
	assert.Nil(t, results)

	results, err = env.engine.Retrieve(ctx, "alice", "   ", 0, -1)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestEngine_Retrieve_ThresholdMonotonicity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	facts := []string{
		"I play guitar on weekends",
		"I work at a bakery in the mornings",
		"My dog is called Biscuit",
	}
	for _, f := range facts {
		_, _, _, err := env.engine.Remember(ctx, "alice", f, "")
		require.NoError(t, err)
	}

	loose, err := env.engine.Retrieve(ctx, "alice", "what do I play on weekends", 10, 0.0)
	require.NoError(t, err)
	strict, err := env.engine.Retrieve(ctx, "alice", "what do I play on weekends", 10, 0.6)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(strict), len(loose))
	for _, r := range strict {
		assert.Contains(t, contents(loose), r.Content)
	}
}

func TestEngine_Retrieve_FusesRecency(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.engine.Ingest(ctx, memory.Interaction{
		UserID: "alice", UserMessage: "how's the weather today?",
	})

	// Threshold 0 lets the recency tier through without a semantic hit.
	results, err := env.engine.Retrieve(ctx, "alice", "anything at all", 5, 0.0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, memory.OriginRecency, results[0].Origin)
	assert.Equal(t, "how's the weather today?", results[0].Content)
}

type failingIndex struct{}

func (failingIndex) Upsert(context.Context, *memory.Entry) error { return errors.New("index down") }
func (failingIndex) Query(context.Context, string, []float32, int) ([]memory.Candidate, error) {
	return nil, errors.New("index down")
}
func (failingIndex) Delete(context.Context, string, []string) error { return errors.New("index down") }
func (failingIndex) DeleteByQuery(context.Context, string, []float32, string, float64) ([]memory.Candidate, error) {
	return nil, errors.New("index down")
}
func (failingIndex) Count(context.Context, string) (int, error) { return 0, errors.New("index down") }
func (failingIndex) Close() error                               { return nil }

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedder down")
}
func (failingEmbedder) Dimensions() int { return 0 }

func TestEngine_Retrieve_DegradesToRecencyOnIndexFailure(t *testing.T) {
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()

	rec := newFakeRecency()
	eng, err := memory.NewEngine(nil, mock.New(), failingIndex{}, rec, cat,
		memory.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	require.NoError(t, rec.Append(context.Background(), "alice", memory.Interaction{
		UserMessage: "I live in Lisbon", Timestamp: time.Now(),
	}))

	results, err := eng.Retrieve(context.Background(), "alice", "where do I live", 5, 0.0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, memory.OriginRecency, results[0].Origin)
}

func TestEngine_Retrieve_DegradesToRecencyOnEmbedderFailure(t *testing.T) {
	idx, err := chromem.New()
	require.NoError(t, err)
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()

	rec := newFakeRecency()
	eng, err := memory.NewEngine(nil, failingEmbedder{}, idx, rec, cat,
		memory.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	require.NoError(t, rec.Append(context.Background(), "alice", memory.Interaction{
		UserMessage: "I live in Lisbon", Timestamp: time.Now(),
	}))

	results, err := eng.Retrieve(context.Background(), "alice", "where do I live", 5, 0.0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, memory.OriginRecency, results[0].Origin)
}

func TestEngine_Ingest_SemanticFailureStillBuffers(t *testing.T) {
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()

	rec := newFakeRecency()
	eng, err := memory.NewEngine(nil, failingEmbedder{}, failingIndex{}, rec, cat,
		memory.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	out := eng.Ingest(context.Background(), memory.Interaction{
		UserID: "alice", UserMessage: "I live in Lisbon",
	})
	assert.True(t, out.Buffered)
	assert.Empty(t, out.Stored)
}

func TestEngine_Events(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	events, cancel := env.engine.Subscribe(8)
	defer cancel()

	_, _, _, err := env.engine.Remember(ctx, "alice", "I play guitar on weekends", "")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, memory.EventStored, ev.Type)
		assert.Equal(t, "alice", ev.UserID)
		assert.Equal(t, "I play guitar on weekends", ev.Content)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestEngine_EndToEndConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	turns := []string{
		"My name is J.P",
		"I work at a bakery in the mornings",
		"I play guitar on weekends",
		"how's the weather today?",
	}
	for _, msg := range turns {
		env.engine.Ingest(ctx, memory.Interaction{UserID: "alice", UserMessage: msg})
	}

	results, err := env.engine.Retrieve(ctx, "alice", "what is my name", 0, -1)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "My name is J.P", results[0].Content)

	stats, err := env.engine.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.ShortTerm)
	assert.Equal(t, 3, stats.LongTerm)
}
