// ABOUTME: Tests for the Relay Engine using an in-memory store and a recording sender
// ABOUTME: Encodes the relay scenarios plus ordering, dedupe and failure isolation

package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-relay/internal/dedupe"
	"github.com/2389/support-relay/internal/session"
	"github.com/2389/support-relay/internal/store"
	"github.com/2389/support-relay/internal/transport"
)

type sentEvent struct {
	ConnID  string
	Event   string
	Payload any
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentEvent
	failFor map[string]error
}

func (f *fakeSender) Send(connID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[connID]; ok {
		return err
	}
	f.sent = append(f.sent, sentEvent{ConnID: connID, Event: event, Payload: payload})
	return nil
}

// to returns the events sent to connID, optionally filtered by name.
func (f *fakeSender) to(connID string, event string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, s := range f.sent {
		if s.ConnID == connID && (event == "" || s.Event == event) {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSender) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.Event == event {
			n++
		}
	}
	return n
}

type countingObserver struct {
	mu     sync.Mutex
	counts []int
}

func (o *countingObserver) AgentsChanged(count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts = append(o.counts, count)
}

type harness struct {
	t        *testing.T
	engine   *Engine
	store    *store.MemoryStore
	registry *session.Registry
	sender   *fakeSender
	observer *countingObserver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore(store.Options{Logger: logger})
	reg := session.NewRegistry(st, logger)
	sender := &fakeSender{}
	obs := &countingObserver{}
	cache := dedupe.New(time.Minute, 1000)
	t.Cleanup(cache.Close)

	engine := NewEngine(st, reg, sender, Options{Dedupe: cache, Observer: obs, Logger: logger})
	return &harness{t: t, engine: engine, store: st, registry: reg, sender: sender, observer: obs}
}

// emit delivers one frame that requests an ack and returns the ack payload.
func (h *harness) emit(peer transport.Peer, event string, data any) AckResult {
	h.t.Helper()
	return h.emitFrame(peer, event, "", data)
}

func (h *harness) emitFrame(peer transport.Peer, event, frameID string, data any) AckResult {
	h.t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(h.t, err)
		raw = b
	}
	ackNo := int64(1)
	var got any
	calls := 0
	h.engine.HandleEvent(h.t.Context(), peer, transport.Frame{Event: event, ID: frameID, Ack: &ackNo, Data: raw}, func(p any) {
		calls++
		got = p
	})
	require.Equal(h.t, 1, calls, "every event is acknowledged exactly once")
	res, ok := got.(AckResult)
	require.True(h.t, ok)
	return res
}

func clientPeer(id string) transport.Peer { return transport.Peer{ID: id} }
func agentPeer(id string) transport.Peer  { return transport.Peer{ID: id, AgentAllowed: true} }

func (h *harness) registerClient(connID, clientID, name string) {
	h.t.Helper()
	res := h.emit(clientPeer(connID), EventRegisterUser, RegisterUserPayload{ClientID: clientID, Name: name})
	require.True(h.t, res.Success, res.Error)
}

func (h *harness) registerAgent(connID string) {
	h.t.Helper()
	res := h.emit(agentPeer(connID), EventRegisterAgent, struct{}{})
	require.True(h.t, res.Success, res.Error)
}

func (h *harness) userMessage(connID, clientID, text string) AckResult {
	h.t.Helper()
	return h.emit(clientPeer(connID), EventUserMessage, MessagePayload{ClientID: clientID, Text: text})
}

func (h *harness) agentMessage(connID, clientID, text string) AckResult {
	h.t.Helper()
	return h.emit(agentPeer(connID), EventAgentMessage, MessagePayload{ClientID: clientID, Text: text})
}

func (h *harness) disconnect(connID string) {
	h.engine.HandleDisconnect(transport.Peer{ID: connID})
}

func (h *harness) lastSnapshot(agentConn string) ExistingConversations {
	h.t.Helper()
	events := h.sender.to(agentConn, EventExistingConversations)
	require.NotEmpty(h.t, events)
	snap, ok := events[len(events)-1].Payload.(ExistingConversations)
	require.True(h.t, ok)
	return snap
}

func TestRegisterAgent_SnapshotIncludesRegisteredClient(t *testing.T) {
	h := newHarness(t)

	h.registerClient("conn-c", "c1", "Ali")
	h.registerAgent("conn-a")

	snap := h.lastSnapshot("conn-a")
	require.Len(t, snap.Conversations, 1)
	conv := snap.Conversations[0]
	assert.Equal(t, "c1", conv.ClientID)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, 0, conv.Unread)

	require.Len(t, snap.Clients, 1)
	assert.Equal(t, "c1", snap.Clients[0].ID)
	assert.Equal(t, "Ali", snap.Clients[0].Name)
	assert.Equal(t, "conn-c", snap.Clients[0].ConnectionID)

	assert.Empty(t, h.sender.to("conn-c", EventExistingConversations), "snapshot is unicast to the agent only")
}

func TestRegisterAgent_SnapshotCarriesEarlierUnreadMessage(t *testing.T) {
	h := newHarness(t)

	h.registerClient("conn-c", "c1", "Ali")
	res := h.userMessage("conn-c", "c1", "hello")
	require.True(t, res.Success, res.Error)

	h.registerAgent("conn-a")

	snap := h.lastSnapshot("conn-a")
	require.Len(t, snap.Conversations, 1)
	conv := snap.Conversations[0]
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "hello", conv.Messages[0].Text)
	assert.False(t, conv.Messages[0].IsFromAgent)
	assert.Equal(t, 1, conv.Unread)
}

func TestGetClientConversations_ResetsUnreadThenCountsAgain(t *testing.T) {
	h := newHarness(t)

	h.registerAgent("conn-a")
	h.registerClient("conn-c", "c1", "Ali")
	require.True(t, h.userMessage("conn-c", "c1", "first").Success)

	res := h.emit(agentPeer("conn-a"), EventGetClientConversations, ClientRef{ClientID: "c1"})
	require.True(t, res.Success)
	conv, ok := res.Data.(store.Conversation)
	require.True(t, ok)
	assert.Equal(t, 0, conv.Unread)
	require.Len(t, conv.Messages, 1)

	require.True(t, h.userMessage("conn-c", "c1", "second").Success)

	updates := h.sender.to("conn-a", EventNewUserMessage)
	require.Len(t, updates, 2)
	latest := updates[1].Payload.(NewUserMessage).Conversation
	assert.Equal(t, 1, latest.Unread)
	assert.Len(t, latest.Messages, 2)
}

func TestAgentMessage_OfflineClientGetsItOnReconnect(t *testing.T) {
	h := newHarness(t)

	h.registerAgent("conn-a")
	h.registerClient("conn-c1", "c1", "Ali")
	h.disconnect("conn-c1")

	before := h.sender.count(EventMessage)
	res := h.agentMessage("conn-a", "c1", "hi")
	require.True(t, res.Success, "offline target is not an error")
	assert.Equal(t, before, h.sender.count(EventMessage), "no delivery while the client is offline")

	h.registerClient("conn-c2", "c1", "Ali")

	history := h.sender.to("conn-c2", EventHistory)
	require.Len(t, history, 1)
	msgs := history[0].Payload.(History).Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.True(t, msgs[0].IsFromAgent)
}

func TestRegisterUser_AckCarriesConversation(t *testing.T) {
	h := newHarness(t)

	res := h.emit(clientPeer("conn-c"), EventRegisterUser, RegisterUserPayload{ClientID: "c1", Name: "Ali"})
	require.True(t, res.Success)
	conv, ok := res.Data.(store.Conversation)
	require.True(t, ok)
	assert.Equal(t, "c1", conv.ClientID)
}

func TestRegisterUser_BroadcastsToAgents(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a1")
	h.registerAgent("conn-a2")

	h.registerClient("conn-c", "c1", "Ali")

	for _, agent := range []string{"conn-a1", "conn-a2"} {
		events := h.sender.to(agent, EventUserConnected)
		require.Len(t, events, 1, agent)
		payload := events[0].Payload.(UserConnected)
		assert.Equal(t, "c1", payload.ClientID)
		assert.Equal(t, "Ali", payload.Name)
		assert.Equal(t, "c1", payload.Conversation.ClientID)
	}
	assert.Empty(t, h.sender.to("conn-c", EventUserConnected))
}

func TestRegisterUser_EmptyNameRejected(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a")

	res := h.emit(clientPeer("conn-c"), EventRegisterUser, RegisterUserPayload{ClientID: "c1", Name: "   "})
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	assert.Empty(t, h.sender.to("conn-a", EventUserConnected))
	_, ok := h.store.Get("c1")
	assert.False(t, ok)
}

func TestRegisterUser_DuplicateOnSameConnectionIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a")
	h.registerClient("conn-c", "c1", "Ali")

	res := h.emit(clientPeer("conn-c"), EventRegisterUser, RegisterUserPayload{ClientID: "c1", Name: "Ali"})
	assert.True(t, res.Success, "duplicate registration is never fatal")
	assert.Len(t, h.sender.to("conn-a", EventUserConnected), 1, "no second broadcast")
}

func TestRegisterAgent_RequiresPermission(t *testing.T) {
	h := newHarness(t)

	res := h.emit(clientPeer("conn-x"), EventRegisterAgent, nil)
	assert.False(t, res.Success)
	assert.Equal(t, ErrAgentNotAllowed.Error(), res.Error)
	assert.Empty(t, h.registry.AllAgentConnections())
}

func TestRegisterAgent_NotifiesObserver(t *testing.T) {
	h := newHarness(t)

	h.registerAgent("conn-a1")
	h.registerAgent("conn-a2")
	h.disconnect("conn-a1")

	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	assert.Equal(t, []int{1, 2, 1}, h.observer.counts)
}

func TestUserMessage_RequiresRegistration(t *testing.T) {
	h := newHarness(t)

	res := h.userMessage("conn-c", "c1", "hello")
	assert.False(t, res.Success)
	assert.Equal(t, ErrNotRegistered.Error(), res.Error)

	_, ok := h.store.Get("c1")
	assert.False(t, ok)
}

func TestUserMessage_ClientIDMustMatchBinding(t *testing.T) {
	h := newHarness(t)
	h.registerClient("conn-c", "c1", "Ali")

	res := h.userMessage("conn-c", "c2", "spoofed")
	assert.False(t, res.Success)

	_, ok := h.store.Get("c2")
	assert.False(t, ok)

	res = h.userMessage("conn-c", "", "implicit")
	assert.True(t, res.Success, "empty client id falls back to the binding")
}

func TestUserMessage_BlankTextRejected(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a")
	h.registerClient("conn-c", "c1", "Ali")

	res := h.userMessage("conn-c", "c1", " \t ")
	assert.False(t, res.Success)

	conv, _ := h.store.Get("c1")
	assert.Empty(t, conv.Messages)
	assert.Equal(t, 0, conv.Unread)
	assert.Empty(t, h.sender.to("conn-a", EventNewUserMessage))
}

func TestUserMessage_EchoesToEveryTab(t *testing.T) {
	h := newHarness(t)
	h.registerClient("tab-1", "c1", "Ali")
	h.registerClient("tab-2", "c1", "Ali")

	res := h.userMessage("tab-1", "c1", "hello")
	require.True(t, res.Success)
	sentMsg := res.Data.(store.Message)

	for _, tab := range []string{"tab-1", "tab-2"} {
		events := h.sender.to(tab, EventMessage)
		require.Len(t, events, 1, tab)
		assert.Equal(t, sentMsg, events[0].Payload)
	}
}

func TestUserMessage_PreservesCallOrder(t *testing.T) {
	h := newHarness(t)
	h.registerClient("conn-c", "c1", "Ali")

	texts := []string{"a", "", "b", "   ", "c"}
	for _, text := range texts {
		h.userMessage("conn-c", "c1", text)
	}

	conv, _ := h.store.Get("c1")
	require.Len(t, conv.Messages, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, conv.Messages[i].Text)
	}
	assert.Equal(t, 3, conv.Unread)
}

func TestAgentMessage_DeliveredToOnlineClient(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a")
	h.registerClient("conn-c", "c1", "Ali")

	res := h.agentMessage("conn-a", "c1", "hi there")
	require.True(t, res.Success)

	events := h.sender.to("conn-c", EventMessage)
	require.Len(t, events, 1)
	msg := events[0].Payload.(store.Message)
	assert.Equal(t, "hi there", msg.Text)
	assert.True(t, msg.IsFromAgent)
	assert.Equal(t, "c1", msg.ClientID)

	conv, _ := h.store.Get("c1")
	assert.Equal(t, 0, conv.Unread, "agent messages never count as unread")
}

func TestAgentMessage_RequiresAgentRole(t *testing.T) {
	h := newHarness(t)
	h.registerClient("conn-c", "c1", "Ali")

	res := h.emit(clientPeer("conn-c"), EventAgentMessage, MessagePayload{ClientID: "c1", Text: "fake"})
	assert.False(t, res.Success)
	assert.Equal(t, ErrNotAgent.Error(), res.Error)

	conv, _ := h.store.Get("c1")
	assert.Empty(t, conv.Messages)
}

func TestAgentMessage_UnknownClientIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a")

	res := h.agentMessage("conn-a", "ghost", "hello?")
	assert.False(t, res.Success)

	_, ok := h.store.Get("ghost")
	assert.False(t, ok, "no conversation is created for an unknown client")
	assert.Equal(t, 0, h.sender.count(EventMessage))
}

func TestGetClientConversations_UnknownClient(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a")

	res := h.emit(agentPeer("conn-a"), EventGetClientConversations, ClientRef{ClientID: "ghost"})
	assert.False(t, res.Success)
	assert.Nil(t, res.Data)
}

func TestGetClientConversations_RequiresAgentRole(t *testing.T) {
	h := newHarness(t)
	h.registerClient("conn-c", "c1", "Ali")
	require.True(t, h.userMessage("conn-c", "c1", "hello").Success)

	res := h.emit(clientPeer("conn-c"), EventGetClientConversations, ClientRef{ClientID: "c1"})
	assert.False(t, res.Success)

	conv, _ := h.store.Get("c1")
	assert.Equal(t, 1, conv.Unread, "rejected fetch must not reset unread")
}

func TestGetClientConversations_PrefixConsistent(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a")
	h.registerClient("conn-c", "c1", "Ali")

	var seen []string
	for i := range 5 {
		text := fmt.Sprintf("m%d", i)
		require.True(t, h.userMessage("conn-c", "c1", text).Success)
		seen = append(seen, text)

		res := h.emit(agentPeer("conn-a"), EventGetClientConversations, ClientRef{ClientID: "c1"})
		require.True(t, res.Success)
		conv := res.Data.(store.Conversation)
		assert.Equal(t, 0, conv.Unread)
		require.Len(t, conv.Messages, len(seen))
		for j, msg := range conv.Messages {
			assert.Equal(t, seen[j], msg.Text)
		}
	}
}

func TestDisconnect_BroadcastsOnLastBindingOnly(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a")
	h.registerClient("tab-1", "c1", "Ali")
	h.registerClient("tab-2", "c1", "Ali")

	h.disconnect("tab-1")
	assert.Empty(t, h.sender.to("conn-a", EventUserDisconnected), "another tab is still open")

	h.disconnect("tab-2")
	events := h.sender.to("conn-a", EventUserDisconnected)
	require.Len(t, events, 1)
	assert.Equal(t, ClientRef{ClientID: "c1"}, events[0].Payload)
}

func TestDisconnect_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a")
	h.registerClient("conn-c", "c1", "Ali")
	require.True(t, h.userMessage("conn-c", "c1", "hello").Success)

	h.disconnect("conn-c")
	stats := h.engine.Stats()
	h.disconnect("conn-c")

	assert.Equal(t, stats, h.engine.Stats())
	assert.Len(t, h.sender.to("conn-a", EventUserDisconnected), 1)

	conv, ok := h.store.Get("c1")
	require.True(t, ok, "conversation survives disconnect")
	assert.Len(t, conv.Messages, 1)
}

func TestDisconnect_AgentDoesNotBroadcast(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a1")
	h.registerAgent("conn-a2")

	h.disconnect("conn-a1")
	assert.Equal(t, 0, h.sender.count(EventUserDisconnected))
	assert.Equal(t, []string{"conn-a2"}, h.registry.AllAgentConnections())
}

func TestReconnect_RecoversFullHistory(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a")
	h.registerClient("conn-c1", "c1", "Ali")
	require.True(t, h.userMessage("conn-c1", "c1", "one").Success)
	require.True(t, h.agentMessage("conn-a", "c1", "two").Success)
	require.True(t, h.userMessage("conn-c1", "c1", "three").Success)
	before, _ := h.store.Get("c1")

	h.disconnect("conn-c1")
	h.registerClient("conn-c2", "c1", "Ali")

	history := h.sender.to("conn-c2", EventHistory)
	require.Len(t, history, 1)
	assert.Equal(t, before.Messages, history[0].Payload.(History).Messages)
}

func TestBroadcast_PartialFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a1")
	h.registerAgent("conn-a2")
	h.registerAgent("conn-a3")
	h.registerClient("conn-c", "c1", "Ali")

	h.sender.mu.Lock()
	h.sender.failFor = map[string]error{"conn-a2": errors.New("write: broken pipe")}
	h.sender.mu.Unlock()

	res := h.userMessage("conn-c", "c1", "hello")
	require.True(t, res.Success, "a failed agent send must not fail the client's message")

	assert.Len(t, h.sender.to("conn-a1", EventNewUserMessage), 1)
	assert.Len(t, h.sender.to("conn-a3", EventNewUserMessage), 1)

	conv, _ := h.store.Get("c1")
	assert.Len(t, conv.Messages, 1)
}

func TestOrdering_AgentsObserveIdenticalSequence(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a1")
	h.registerAgent("conn-a2")
	for i := range 4 {
		h.registerClient(fmt.Sprintf("conn-c%d", i), "c-shared", "Ali")
	}

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Go(func() {
			connID := fmt.Sprintf("conn-c%d", i)
			for j := range 25 {
				h.engine.HandleEvent(t.Context(), clientPeer(connID), transport.Frame{
					Event: EventUserMessage,
					Data:  json.RawMessage(fmt.Sprintf(`{"text":"w%d-%d"}`, i, j)),
				}, func(any) {})
			}
		})
	}
	wg.Wait()

	ids := func(agent string) []string {
		var out []string
		for _, ev := range h.sender.to(agent, EventNewUserMessage) {
			msgs := ev.Payload.(NewUserMessage).Conversation.Messages
			out = append(out, msgs[len(msgs)-1].ID)
		}
		return out
	}
	a1, a2 := ids("conn-a1"), ids("conn-a2")
	require.Len(t, a1, 100)
	assert.Equal(t, a1, a2)

	conv, _ := h.store.Get("c-shared")
	stored := make([]string, len(conv.Messages))
	for i, m := range conv.Messages {
		stored[i] = m.ID
	}
	assert.Equal(t, stored, a1, "agents see appends in store order")
}

func TestDedupe_RedeliveredFrameIgnored(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a")
	h.registerClient("conn-c", "c1", "Ali")

	peer := clientPeer("conn-c")
	payload := MessagePayload{ClientID: "c1", Text: "hello"}
	first := h.emitFrame(peer, EventUserMessage, "frame-1", payload)
	second := h.emitFrame(peer, EventUserMessage, "frame-1", payload)

	assert.True(t, first.Success)
	assert.True(t, second.Success, "duplicates are acknowledged")
	conv, _ := h.store.Get("c1")
	assert.Len(t, conv.Messages, 1)
	assert.Equal(t, 1, conv.Unread)
	assert.Len(t, h.sender.to("conn-a", EventNewUserMessage), 1)

	third := h.emitFrame(peer, EventUserMessage, "frame-2", payload)
	assert.True(t, third.Success)
	conv, _ = h.store.Get("c1")
	assert.Len(t, conv.Messages, 2)
}

func TestDedupe_RejectedFrameCanBeRetried(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a")

	// Registration rejected for a blank name, then retried with the same id
	res := h.emitFrame(clientPeer("conn-c"), EventRegisterUser, "f1", RegisterUserPayload{ClientID: "c1", Name: ""})
	require.False(t, res.Success)
	res = h.emitFrame(clientPeer("conn-c"), EventRegisterUser, "f1", RegisterUserPayload{ClientID: "c1", Name: "Ali"})
	require.True(t, res.Success, res.Error)
	role, clientID := h.registry.RoleOf("conn-c")
	assert.Equal(t, session.RoleClient, role)
	assert.Equal(t, "c1", clientID)
	assert.Len(t, h.sender.to("conn-a", EventUserConnected), 1)

	// Message sent before registering, then resent once registered
	res = h.emitFrame(clientPeer("conn-d"), EventUserMessage, "m1", MessagePayload{Text: "hello"})
	require.False(t, res.Success)
	assert.Equal(t, ErrNotRegistered.Error(), res.Error)
	h.registerClient("conn-d", "c2", "Bea")
	res = h.emitFrame(clientPeer("conn-d"), EventUserMessage, "m1", MessagePayload{Text: "hello"})
	require.True(t, res.Success, res.Error)
	conv, ok := h.store.Get("c2")
	require.True(t, ok)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "hello", conv.Messages[0].Text)

	// Once accepted, the id is a duplicate
	res = h.emitFrame(clientPeer("conn-d"), EventUserMessage, "m1", MessagePayload{Text: "hello"})
	assert.True(t, res.Success)
	conv, _ = h.store.Get("c2")
	assert.Len(t, conv.Messages, 1)
}

func TestDedupe_BlankTextRetryIsProcessed(t *testing.T) {
	h := newHarness(t)
	h.registerClient("conn-c", "c1", "Ali")

	res := h.emitFrame(clientPeer("conn-c"), EventUserMessage, "m1", MessagePayload{Text: "   "})
	require.False(t, res.Success)

	res = h.emitFrame(clientPeer("conn-c"), EventUserMessage, "m1", MessagePayload{Text: "fixed"})
	require.True(t, res.Success, res.Error)
	conv, _ := h.store.Get("c1")
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "fixed", conv.Messages[0].Text)
}

func TestDedupe_ReadsAreAlwaysAnswered(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a")
	h.registerClient("conn-c", "c1", "Ali")

	for range 2 {
		res := h.emitFrame(agentPeer("conn-a"), EventGetClientConversations, "fetch-1", ClientRef{ClientID: "c1"})
		require.True(t, res.Success)
		assert.NotNil(t, res.Data)
	}
}

func TestDedupe_ForgottenOnDisconnect(t *testing.T) {
	h := newHarness(t)
	h.registerClient("conn-c", "c1", "Ali")
	h.emitFrame(clientPeer("conn-c"), EventUserMessage, "frame-1", MessagePayload{Text: "hello"})

	h.disconnect("conn-c")
	assert.Equal(t, 0, h.engine.dedupe.Len())
}

func TestUnknownEvent(t *testing.T) {
	h := newHarness(t)

	res := h.emit(clientPeer("conn-c"), "dance", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "unknown event", res.Error)
}

func TestInvalidPayload(t *testing.T) {
	h := newHarness(t)
	ackNo := int64(1)
	var got AckResult
	h.engine.HandleEvent(t.Context(), clientPeer("conn-c"), transport.Frame{
		Event: EventRegisterUser,
		Ack:   &ackNo,
		Data:  json.RawMessage(`"not an object"`),
	}, func(p any) { got = p.(AckResult) })

	assert.False(t, got.Success)
	assert.Contains(t, got.Error, ErrInvalidPayload.Error())
}

func TestEngine_StatsAndSnapshot(t *testing.T) {
	h := newHarness(t)
	h.registerAgent("conn-a")
	h.registerClient("conn-c1", "c1", "Ali")
	h.registerClient("conn-c2", "c2", "Bea")
	require.True(t, h.userMessage("conn-c1", "c1", "hello").Success)
	require.True(t, h.agentMessage("conn-a", "c2", "welcome").Success)
	h.disconnect("conn-c2")

	assert.Equal(t, Stats{
		Clients:           2,
		OnlineClients:     1,
		ClientConnections: 1,
		Agents:            1,
		Conversations:     2,
		Messages:          2,
		Unread:            1,
	}, h.engine.Stats())

	snap := h.engine.Snapshot()
	require.Len(t, snap.Conversations, 2)
	assert.Equal(t, "c1", snap.Conversations[0].ClientID)
	require.Len(t, snap.Clients, 2)
	assert.False(t, snap.Clients[1].Online())
}

func TestEngine_NilSenderIsSafe(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore(store.Options{Logger: logger})
	reg := session.NewRegistry(st, logger)
	engine := NewEngine(st, reg, nil, Options{Logger: logger})

	engine.HandleEvent(t.Context(), clientPeer("conn-c"), transport.Frame{
		Event: EventRegisterUser,
		Data:  json.RawMessage(`{"clientId":"c1","name":"Ali"}`),
	}, func(any) {})

	_, ok := st.Get("c1")
	assert.True(t, ok)

	sender := &fakeSender{}
	engine.SetSender(sender)
	engine.HandleEvent(t.Context(), clientPeer("conn-c"), transport.Frame{
		Event: EventUserMessage,
		Data:  json.RawMessage(`{"text":"hi"}`),
	}, func(any) {})
	assert.Len(t, sender.to("conn-c", EventMessage), 1)
}
