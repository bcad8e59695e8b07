package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goinbox/internal/store"
)

func newTestStores(t *testing.T) *store.Stores {
	t.Helper()
	s, err := NewSQLiteStores(store.StoreConfig{SQLitePath: filepath.Join(t.TempDir(), "inbox.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChannelGetOrCreateOverwritesType(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	a, err := s.Channels.GetOrCreate(ctx, "outlook", "outlook")
	require.NoError(t, err)
	b, err := s.Channels.GetOrCreate(ctx, "outlook", "email")
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "email", b.Type)

	list, err := s.Channels.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateOpenAtMostOnePerCustomer(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	ch, err := s.Channels.GetOrCreate(ctx, "telegram", "telegram")
	require.NoError(t, err)

	p := store.CreateConversationParams{ChannelID: ch.ID, ExternalID: "42", CustomerName: "Ann"}
	first, created, err := s.Conversations.CreateOpen(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "telegram", first.ChannelName)
	assert.Nil(t, first.CustomerContactID)

	second, created, err := s.Conversations.CreateOpen(ctx, p)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, err = s.Conversations.SetStatus(ctx, first.ID, store.StatusClosed)
	require.NoError(t, err)

	third, created, err := s.Conversations.CreateOpen(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)

	_, err = s.Conversations.SetStatus(ctx, first.ID, store.StatusOpen)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestCreateOpenConcurrent(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	ch, err := s.Channels.GetOrCreate(ctx, "instagram", "instagram")
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[int64]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _, err := s.Conversations.CreateOpen(ctx, store.CreateConversationParams{
				ChannelID: ch.ID, ExternalID: "u1", CustomerName: "Instagram User",
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[c.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 1)

	open, err := s.Conversations.List(ctx, store.ListConversationsOpts{Status: store.StatusOpen})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestBackfillContactIDWriteOnce(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	ch, _ := s.Channels.GetOrCreate(ctx, "instagram", "instagram")
	c, _, err := s.Conversations.CreateOpen(ctx, store.CreateConversationParams{ChannelID: ch.ID, ExternalID: "x", CustomerName: "X"})
	require.NoError(t, err)

	ok, err := s.Conversations.BackfillContactID(ctx, c.ID, "c1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Conversations.BackfillContactID(ctx, c.ID, "c2")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Conversations.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ContactID())
}

func TestPickLeastLoadedTieBreaksOnLowestID(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	none, err := s.Agents.PickLeastLoaded(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	a, _ := s.Agents.MarkOnline(ctx, "A", "s-a")
	b, _ := s.Agents.MarkOnline(ctx, "B", "s-b")
	_, _ = s.Agents.MarkOnline(ctx, "C", "s-c")

	got, err := s.Agents.PickLeastLoaded(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	ch, _ := s.Channels.GetOrCreate(ctx, "web", "web")
	_, _, err = s.Conversations.CreateOpen(ctx, store.CreateConversationParams{
		ChannelID: ch.ID, ExternalID: "w1", CustomerName: "W", AssignedAgentID: &a.ID,
	})
	require.NoError(t, err)

	got, err = s.Agents.PickLeastLoaded(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
}

func TestMarkOfflineIgnoresStaleSocket(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	a, _ := s.Agents.MarkOnline(ctx, "A", "old")
	_, _ = s.Agents.MarkOnline(ctx, "A", "new")

	require.NoError(t, s.Agents.MarkOffline(ctx, a.ID, "old"))
	got, err := s.Agents.GetByName(ctx, "A")
	require.NoError(t, err)
	assert.True(t, got.Online)

	n, err := s.Agents.ClearStalePresence(ctx, []string{"other"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	got, _ = s.Agents.GetByName(ctx, "A")
	assert.False(t, got.Online)
	assert.Nil(t, got.SocketID)
}

func TestAssignBacklogTakesOldestUpToLimit(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	ch, _ := s.Channels.GetOrCreate(ctx, "telegram", "telegram")
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []int64
	for i := 0; i < 15; i++ {
		c, _, err := s.Conversations.CreateOpen(ctx, store.CreateConversationParams{
			ChannelID: ch.ID, ExternalID: string(rune('a' + i)), CustomerName: "T",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	agent, _ := s.Agents.MarkOnline(ctx, "A", "s1")

	claimed, err := s.Conversations.AssignBacklog(ctx, agent.ID, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 10)
	for i, c := range claimed {
		assert.Equal(t, ids[i], c.ID)
		require.NotNil(t, c.AssignedAgentID)
		assert.Equal(t, agent.ID, *c.AssignedAgentID)
	}

	rest, err := s.Conversations.List(ctx, store.ListConversationsOpts{Status: store.StatusOpen, Unassigned: true})
	require.NoError(t, err)
	assert.Len(t, rest, 5)
}

func TestMessagesExistsSinceAndSummary(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	ch, _ := s.Channels.GetOrCreate(ctx, "telegram", "telegram")
	c, _, _ := s.Conversations.CreateOpen(ctx, store.CreateConversationParams{ChannelID: ch.ID, ExternalID: "1", CustomerName: "T"})

	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Messages.Insert(ctx, &store.Message{
		ConversationID: &c.ID, Username: "T", Content: "hi", Sender: store.SenderCustomer, CreatedAt: at,
	}))

	ok, err := s.Messages.ExistsSince(ctx, c.ID, store.SenderCustomer, "hi", at.Add(-5*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Messages.ExistsSince(ctx, c.ID, store.SenderCustomer, "hi", at.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	msgs, err := s.Messages.ListByConversation(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].CreatedAt.Equal(at))

	sum, err := s.Conversations.Summary(ctx, at.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, sum.TotalOpen)
	assert.EqualValues(t, 1, sum.UnassignedOpen)
	assert.EqualValues(t, 1, sum.Messages24h)
}

func TestCloseIdle(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	ch, _ := s.Channels.GetOrCreate(ctx, "telegram", "telegram")
	old := time.Now().Add(-100 * time.Hour)
	c, _, _ := s.Conversations.CreateOpen(ctx, store.CreateConversationParams{ChannelID: ch.ID, ExternalID: "1", CustomerName: "T", CreatedAt: old})
	require.NoError(t, s.Conversations.TouchActivity(ctx, c.ID, store.SenderCustomer, old))
	fresh, _, _ := s.Conversations.CreateOpen(ctx, store.CreateConversationParams{ChannelID: ch.ID, ExternalID: "2", CustomerName: "T"})

	n, err := s.Conversations.CloseIdle(ctx, time.Now().Add(-72*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, _ := s.Conversations.Get(ctx, fresh.ID)
	assert.Equal(t, store.StatusOpen, got.Status)
}
