package inbox

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goinbox/internal/bus"
	"github.com/nextlevelbuilder/goinbox/internal/channels"
	"github.com/nextlevelbuilder/goinbox/internal/channels/telegram"
	"github.com/nextlevelbuilder/goinbox/internal/outbound"
	"github.com/nextlevelbuilder/goinbox/internal/presence"
	"github.com/nextlevelbuilder/goinbox/internal/resolver"
	"github.com/nextlevelbuilder/goinbox/internal/store"
	"github.com/nextlevelbuilder/goinbox/internal/store/sqlite"
	"github.com/nextlevelbuilder/goinbox/internal/tokencache"
	"github.com/nextlevelbuilder/goinbox/pkg/protocol"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type events struct {
	mu  sync.Mutex
	all []bus.Event
}

func (e *events) record(ev bus.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
}

func (e *events) named(name string) []bus.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []bus.Event
	for _, ev := range e.all {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	svc    *Service
	stores *store.Stores
	events *events
	clock  *clock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st, err := sqlite.NewSQLiteStores(store.StoreConfig{SQLitePath: filepath.Join(t.TempDir(), "inbox.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.New()
	rec := &events{}
	b.Subscribe("test", rec.record)
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return &harness{
		svc:    NewService(st, b, presence.NewRegistry(), opts...),
		stores: st,
		events: rec,
		clock:  clk,
	}
}

func (h *harness) ingest(t *testing.T, channel, extID, text string) *IngestResult {
	t.Helper()
	res, err := h.svc.Ingest(context.Background(), channel, channels.Inbound{ExternalID: extID, Text: text})
	require.NoError(t, err)
	return res
}

func (h *harness) messages(t *testing.T, convID int64) []store.Message {
	t.Helper()
	msgs, err := h.stores.Messages.ListByConversation(context.Background(), convID, 0)
	require.NoError(t, err)
	return msgs
}

func TestTelegramInboundEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	raw := []byte(`{"chat":{"id":"555"},"from":{"first_name":"Ann"},"text":"Hi"}`)

	parsed, err := telegram.Normalizer{}.Normalize(raw)
	require.NoError(t, err)
	require.Len(t, parsed, 1)

	res, err := h.svc.Ingest(ctx, channels.Telegram, parsed[0])
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "555", res.Conversation.CustomerExternalID)
	assert.Equal(t, "Ann", res.Conversation.CustomerName)
	assert.Equal(t, store.StatusOpen, res.Conversation.Status)
	assert.Nil(t, res.Conversation.AssignedAgentID)

	chans, err := h.stores.Channels.List(ctx)
	require.NoError(t, err)
	require.Len(t, chans, 1)
	assert.Equal(t, "telegram", chans[0].Name)

	msgs := h.messages(t, res.Conversation.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.SenderCustomer, msgs[0].Sender)
	assert.Equal(t, "Hi", msgs[0].Content)

	h.clock.Advance(2 * time.Second)
	again, err := h.svc.Ingest(ctx, channels.Telegram, parsed[0])
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Len(t, h.messages(t, res.Conversation.ID), 1)

	// the room got the message, everyone got the refresh signal
	msgEvents := h.events.named(protocol.EventConversationMessage)
	require.Len(t, msgEvents, 1)
	assert.Equal(t, protocol.RoomForConversation(res.Conversation.ID), msgEvents[0].Room)
	assert.Len(t, h.events.named(protocol.EventInboxUpdate), 1)
}

func TestDedupWindow(t *testing.T) {
	h := newHarness(t)
	first := h.ingest(t, "facebook", "u1", "hello")

	h.clock.Advance(5 * time.Second)
	assert.True(t, h.ingest(t, "facebook", "u1", "hello").Duplicate)

	h.clock.Advance(time.Second)
	assert.False(t, h.ingest(t, "facebook", "u1", "hello").Duplicate)
	assert.Len(t, h.messages(t, first.Conversation.ID), 2)
}

func TestDedupWindowIsConfigurable(t *testing.T) {
	h := newHarness(t, WithConfig(Config{DedupWindow: time.Second}))
	h.ingest(t, "facebook", "u1", "hello")
	h.clock.Advance(2 * time.Second)
	assert.False(t, h.ingest(t, "facebook", "u1", "hello").Duplicate)
}

func TestEmptyTextGetsPlaceholder(t *testing.T) {
	h := newHarness(t)
	res := h.ingest(t, "instagram", "u9", "   ")
	msgs := h.messages(t, res.Conversation.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, channels.NonTextPlaceholder, msgs[0].Content)
	assert.Equal(t, "Instagram User", res.Conversation.CustomerName)
}

func TestMissingExternalIDRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Ingest(context.Background(), "telegram", channels.Inbound{Text: "hi"})
	assert.ErrorIs(t, err, channels.ErrRejected)
}

func TestClosedConversationIsNotReused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.ingest(t, "telegram", "42", "one")
	_, err := h.svc.SetStatus(ctx, first.Conversation.ID, store.StatusClosed)
	require.NoError(t, err)

	second := h.ingest(t, "telegram", "42", "two")
	assert.True(t, second.Created)
	assert.NotEqual(t, first.Conversation.ID, second.Conversation.ID)

	_, err = h.svc.SetStatus(ctx, first.Conversation.ID, store.StatusOpen)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = h.svc.SetStatus(ctx, first.Conversation.ID, "archived")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestConcurrentIngestCreatesOneConversation(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	ids := make([]int64, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.svc.Ingest(context.Background(), "whatsapp", channels.Inbound{
				ExternalID: "+15550001",
				Text:       fmt.Sprintf("msg %d", i),
			})
			if assert.NoError(t, err) {
				ids[i] = res.Conversation.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	open, err := h.stores.Conversations.List(context.Background(), store.ListConversationsOpts{Status: store.StatusOpen})
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Len(t, h.messages(t, ids[0]), 8)
}

func TestNewConversationGoesToLeastLoadedAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, err := h.svc.RegisterAgent(ctx, "alice", "conn-a")
	require.NoError(t, err)
	b, err := h.svc.RegisterAgent(ctx, "bob", "conn-b")
	require.NoError(t, err)

	r1 := h.ingest(t, "telegram", "1", "hi")
	require.NotNil(t, r1.AssignedAgent)
	assert.Equal(t, a.ID, r1.AssignedAgent.ID)

	r2 := h.ingest(t, "telegram", "2", "hi")
	require.NotNil(t, r2.AssignedAgent)
	assert.Equal(t, b.ID, r2.AssignedAgent.ID)

	assigned := h.events.named(protocol.EventConversationAssigned)
	require.Len(t, assigned, 2)
	assert.Equal(t, "conn-a", assigned[0].Target)
	assert.Equal(t, "conn-b", assigned[1].Target)
}

func TestRegisterAgentDrainsBacklog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var oldest []int64
	for i := 0; i < 15; i++ {
		res := h.ingest(t, "instagram", fmt.Sprintf("c%d", i), "hello")
		if i < 10 {
			oldest = append(oldest, res.Conversation.ID)
		}
		h.clock.Advance(time.Second)
	}

	agent, err := h.svc.RegisterAgent(ctx, "carol", "conn-c")
	require.NoError(t, err)

	mine, err := h.stores.Conversations.ListOpenAssigned(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, mine, 10)
	var got []int64
	for _, c := range mine {
		got = append(got, c.ID)
	}
	assert.ElementsMatch(t, oldest, got)

	unassigned, err := h.stores.Conversations.List(ctx, store.ListConversationsOpts{Status: store.StatusOpen, Unassigned: true})
	require.NoError(t, err)
	assert.Len(t, unassigned, 5)

	reg := h.events.named(protocol.EventAgentRegistered)
	require.Len(t, reg, 1)
	assert.Equal(t, "conn-c", reg[0].Target)
	assert.Len(t, h.events.named(protocol.EventConversationAgent), 10)
	snap := h.events.named(protocol.EventAgentConversations)
	require.Len(t, snap, 1)
	assert.Len(t, snap[0].Payload, 10)
}

func TestAgentDisconnectClearsPresence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.RegisterAgent(ctx, "dave", "conn-d")
	require.NoError(t, err)
	require.NoError(t, h.svc.AgentDisconnected(ctx, "conn-d"))

	picked, err := h.stores.Agents.PickLeastLoaded(ctx)
	require.NoError(t, err)
	assert.Nil(t, picked)

	// unknown connections are a no-op
	assert.NoError(t, h.svc.AgentDisconnected(ctx, "conn-x"))
}

func TestClaimAndMissingRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.ingest(t, "telegram", "7", "hi")
	_, err := h.svc.RegisterAgent(ctx, "erin", "conn-e")
	require.NoError(t, err)

	// the backlog drain already took it; claiming again is idempotent
	conv, err := h.svc.Claim(ctx, res.Conversation.ID, "erin")
	require.NoError(t, err)
	require.NotNil(t, conv.AssignedAgentID)

	_, err = h.svc.Claim(ctx, res.Conversation.ID, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.svc.Claim(ctx, 9999, "erin")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, id int64, content string) outbound.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, content)
	return outbound.Result{Sent: true, Method: "fake"}
}

func TestPostMessage(t *testing.T) {
	d := &fakeDispatcher{}
	h := newHarness(t, WithDispatcher(d))
	ctx := context.Background()
	conv := h.ingest(t, "telegram", "8", "hi").Conversation

	res, err := h.svc.PostMessage(ctx, PostParams{ConversationID: conv.ID, Sender: "agent", Content: "  On it!  "})
	require.NoError(t, err)
	assert.Equal(t, "On it!", res.Message.Content)
	assert.Equal(t, "Agent", res.Message.Username)
	require.NotNil(t, res.Outbound)
	assert.True(t, res.Outbound.Sent)

	res, err = h.svc.PostMessage(ctx, PostParams{ConversationID: conv.ID, Sender: "robot", Content: "thanks"})
	require.NoError(t, err)
	assert.Equal(t, store.SenderCustomer, res.Message.Sender)
	assert.Nil(t, res.Outbound)
	assert.Equal(t, []string{"On it!"}, d.calls)

	_, err = h.svc.PostMessage(ctx, PostParams{ConversationID: conv.ID, Sender: "agent", Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyContent)
	_, err = h.svc.PostMessage(ctx, PostParams{ConversationID: 9999, Sender: "agent", Content: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := h.stores.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SenderCustomer, got.LastSender)
}

type strategyFunc struct {
	mu      sync.Mutex
	targets []outbound.Target
}

func (s *strategyFunc) Name() string { return "sendpulse" }

func (s *strategyFunc) Send(_ context.Context, t outbound.Target, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, t)
	return nil
}

func TestAgentReplyFallsBackToExternalID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/access_token" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"t","token_type":"Bearer","expires_in":3600}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	h := newHarness(t)
	tokens := tokencache.New(tokencache.Config{ClientID: "id", ClientSecret: "s", Bases: []string{srv.URL}})
	sp := &strategyFunc{}
	d := outbound.NewDispatcher(h.stores.Conversations, resolver.New(tokens, nil, resolver.Config{}), outbound.Options{})
	d.Register(channels.Instagram, sp)
	h.svc.dispatcher = d

	conv := h.ingest(t, channels.Instagram, "u123", "hello").Conversation
	require.Nil(t, conv.CustomerContactID)

	res, err := h.svc.PostMessage(context.Background(), PostParams{ConversationID: conv.ID, Sender: "agent", Content: "On it!"})
	require.NoError(t, err)
	require.Len(t, sp.targets, 1)
	assert.Equal(t, "u123", sp.targets[0].ContactID)
	assert.True(t, res.Outbound.Sent)
}

func TestStartWebConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent, err := h.svc.RegisterAgent(ctx, "fay", "conn-f")
	require.NoError(t, err)

	res, err := h.svc.StartWebConversation(ctx, "Visitor", "conn-web", nil)
	require.NoError(t, err)
	assert.Equal(t, "conn-web", res.Conversation.CustomerExternalID)
	require.NotNil(t, res.AssignedAgent)
	assert.Equal(t, agent.ID, res.AssignedAgent.ID)

	started := h.events.named(protocol.EventCustomerStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "conn-web", started[0].Target)

	again, err := h.svc.StartWebConversation(ctx, "Visitor", "conn-web", nil)
	require.NoError(t, err)
	assert.Equal(t, res.Conversation.ID, again.Conversation.ID)
}

func TestCloseIdle(t *testing.T) {
	h := newHarness(t)
	h.ingest(t, "telegram", "old", "hi")
	h.clock.Advance(73 * time.Hour)
	h.ingest(t, "telegram", "new", "hi")

	n, err := h.svc.CloseIdle(context.Background(), 72*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
