package redisrec_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallhq/recall/memory"
	"github.com/recallhq/recall/memory/store/redisrec"
)

func newTestStore(t *testing.T, capacity int, ttl time.Duration) (*redisrec.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := redisrec.NewWithClient(client, capacity, ttl, nil)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestAppendAndRecent_NewestFirst(t *testing.T) {
	s, _ := newTestStore(t, 10, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(ctx, "alice", memory.Interaction{
			UserID:      "alice",
			UserMessage: "message " + strconv.Itoa(i),
			Timestamp:   time.Now(),
		}))
	}

	recents, err := s.Recent(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, recents, 3)
	assert.Equal(t, "message 2", recents[0].UserMessage)
	assert.Equal(t, "message 0", recents[2].UserMessage)
}

func TestAppend_TrimsToCapacity(t *testing.T) {
	s, _ := newTestStore(t, 3, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, "alice", memory.Interaction{
			UserMessage: "message " + strconv.Itoa(i),
			Timestamp:   time.Now(),
		}))
	}

	recents, err := s.Recent(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, recents, 3)
	assert.Equal(t, "message 4", recents[0].UserMessage)
	assert.Equal(t, "message 2", recents[2].UserMessage)
}

func TestRecent_LimitAndEmptyUser(t *testing.T) {
	s, _ := newTestStore(t, 10, 0)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(ctx, "alice", memory.Interaction{
			UserMessage: "message " + strconv.Itoa(i), Timestamp: time.Now(),
		}))
	}

	recents, err := s.Recent(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Len(t, recents, 2)

	none, err := s.Recent(ctx, "bob", 5)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.Recent(ctx, "", 5)
	assert.ErrorIs(t, err, memory.ErrInvalidUserID)
}

func TestRecent_FiltersExpiredEntries(t *testing.T) {
	s, _ := newTestStore(t, 10, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "alice", memory.Interaction{
		UserMessage: "stale", Timestamp: time.Now().Add(-2 * time.Hour),
	}))
	require.NoError(t, s.Append(ctx, "alice", memory.Interaction{
		UserMessage: "fresh", Timestamp: time.Now(),
	}))

	recents, err := s.Recent(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, recents, 1)
	assert.Equal(t, "fresh", recents[0].UserMessage)
}

func TestAppend_SetsKeyTTL(t *testing.T) {
	s, mr := newTestStore(t, 10, time.Hour)
	require.NoError(t, s.Append(context.Background(), "alice", memory.Interaction{
		UserMessage: "hello", Timestamp: time.Now(),
	}))
	assert.Equal(t, time.Hour, mr.TTL("recall:recent:alice"))
}

func TestPurge_RemovesMatchingOnly(t *testing.T) {
	s, _ := newTestStore(t, 10, 0)
	ctx := context.Background()

	messages := []string{"I play guitar", "the bakery opens at six", "guitar strings broke"}
	for _, m := range messages {
		require.NoError(t, s.Append(ctx, "alice", memory.Interaction{
			UserMessage: m, Timestamp: time.Now(),
		}))
	}

	tokens := memory.GuardTokens("forget about my guitar")
	removed, err := s.Purge(ctx, "alice", func(it memory.Interaction) bool {
		return memory.TokenMatch(it.UserMessage, tokens)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	recents, err := s.Recent(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, recents, 1)
	assert.Equal(t, "the bakery opens at six", recents[0].UserMessage)
}

func TestPurge_NoMatchLeavesBufferIntact(t *testing.T) {
	s, _ := newTestStore(t, 10, 0)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "alice", memory.Interaction{
		UserMessage: "the bakery opens at six", Timestamp: time.Now(),
	}))

	removed, err := s.Purge(ctx, "alice", func(memory.Interaction) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	n, err := s.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCount_PerUserAndGlobal(t *testing.T) {
	s, _ := newTestStore(t, 10, 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Append(ctx, "alice", memory.Interaction{
			UserMessage: "a", Timestamp: time.Now(),
		}))
	}
	require.NoError(t, s.Append(ctx, "bob", memory.Interaction{
		UserMessage: "b", Timestamp: time.Now(),
	}))

	n, err := s.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	total, err := s.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestAppend_RequiresUserID(t *testing.T) {
	s, _ := newTestStore(t, 10, 0)
	err := s.Append(context.Background(), "", memory.Interaction{UserMessage: "x"})
	assert.ErrorIs(t, err, memory.ErrInvalidUserID)
}
