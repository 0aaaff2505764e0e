// ABOUTME: In-memory authoritative Conversation Store guarded by a single RWMutex
// ABOUTME: Owns all Client and Conversation records; hands out copies only

package store

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// conversation is the mutable record behind a Conversation snapshot.
type conversation struct {
	clientID string
	messages []Message
	unread   int
}

func (c *conversation) snapshot() Conversation {
	msgs := make([]Message, len(c.messages))
	copy(msgs, c.messages)
	return Conversation{
		ClientID: c.clientID,
		Messages: msgs,
		Unread:   c.unread,
	}
}

// Options configures a MemoryStore.
type Options struct {
	// MaxTextLength caps message text in runes. Zero means unlimited.
	MaxTextLength int

	// Recorder receives every committed mutation for durable archiving. Optional.
	Recorder *Recorder

	// NewID generates message ids. Defaults to UUIDv7.
	NewID func() string

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// MemoryStore is the single authoritative Conversation Store.
// Conversations are never deleted for the lifetime of the process and their
// message sequences are append-only.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
	clients       map[string]*Client
	convOrder     []string // creation order
	clientOrder   []string // creation order

	maxTextLength int
	recorder      *Recorder
	newID         func() string
	now           func() time.Time
	logger        *slog.Logger
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts Options) *MemoryStore {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := opts.NewID
	if newID == nil {
		newID = newMessageID
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		conversations: make(map[string]*conversation),
		clients:       make(map[string]*Client),
		maxTextLength: opts.MaxTextLength,
		recorder:      opts.Recorder,
		newID:         newID,
		now:           now,
		logger:        logger.With("component", "store"),
	}
}

// newMessageID returns a time-ordered UUIDv7, falling back to a random UUID
// if the v7 generator fails.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// getOrCreateLocked returns the record for clientID, creating it if needed.
// Must be called with mu held for writing.
func (s *MemoryStore) getOrCreateLocked(clientID string) *conversation {
	if conv, ok := s.conversations[clientID]; ok {
		return conv
	}
	conv := &conversation{clientID: clientID, messages: []Message{}}
	s.conversations[clientID] = conv
	s.convOrder = append(s.convOrder, clientID)
	s.recorder.conversationCreated(clientID)

	s.logger.Debug("conversation created", "client_id", clientID)
	return conv
}

// GetOrCreate returns the conversation for clientID, creating an empty one if
// none exists. There is never more than one record per client id.
func (s *MemoryStore) GetOrCreate(clientID string) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(clientID).snapshot()
}

// Get returns the conversation for clientID without creating it.
func (s *MemoryStore) Get(clientID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[clientID]
	if !ok {
		return Conversation{}, false
	}
	return conv.snapshot(), true
}

// validateText enforces the non-empty-after-trim and length rules.
func (s *MemoryStore) validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text is empty", ErrInvalidMessage)
	}
	if s.maxTextLength > 0 && utf8.RuneCountInString(text) > s.maxTextLength {
		return fmt.Errorf("%w: text exceeds %d characters", ErrInvalidMessage, s.maxTextLength)
	}
	return nil
}

// AppendMessage validates text, stamps a new Message with a fresh id and the
// current time, and appends it to the client's conversation. The conversation
// is created if it does not exist yet. Client-originated messages increment
// the unread counter by one in the same critical section as the append.
func (s *MemoryStore) AppendMessage(clientID, text string, isFromAgent bool) (Message, error) {
	if err := s.validateText(text); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.getOrCreateLocked(clientID)
	msg := Message{
		ID:          s.newID(),
		Text:        text,
		ClientID:    clientID,
		Timestamp:   s.now().UTC(),
		IsFromAgent: isFromAgent,
	}
	conv.messages = append(conv.messages, msg)
	if !isFromAgent {
		conv.unread++
	}

	s.recorder.messageAppended(msg, len(conv.messages)-1)
	if !isFromAgent {
		s.recorder.unreadChanged(clientID, conv.unread)
	}
	return msg, nil
}

// MarkViewed resets the unread counter of an existing conversation and
// returns a snapshot reflecting the reset.
func (s *MemoryStore) MarkViewed(clientID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[clientID]
	if !ok {
		return Conversation{}, ErrUnknownClient
	}
	if conv.unread != 0 {
		conv.unread = 0
		s.recorder.unreadChanged(clientID, 0)
	}
	return conv.snapshot(), nil
}

// SnapshotAll returns every conversation and client as of a single point in
// time, both in creation order.
func (s *MemoryStore) SnapshotAll() ([]Conversation, []Client) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs := make([]Conversation, 0, len(s.convOrder))
	for _, id := range s.convOrder {
		convs = append(convs, s.conversations[id].snapshot())
	}
	clients := make([]Client, 0, len(s.clientOrder))
	for _, id := range s.clientOrder {
		clients = append(clients, *s.clients[id])
	}
	return convs, clients
}

// UpsertClient creates or updates the client record and binds it to connID.
// The display name is replaced only when a non-empty one is supplied.
func (s *MemoryStore) UpsertClient(clientID, name, connID string) Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok {
		c = &Client{ID: clientID}
		s.clients[clientID] = c
		s.clientOrder = append(s.clientOrder, clientID)
	}
	if name != "" {
		c.Name = name
	}
	c.ConnectionID = connID

	s.recorder.clientSaved(*c)
	return *c
}

// SetConnection updates the bound connection of an existing client.
// An empty connID marks the client offline. Unknown clients are ignored.
func (s *MemoryStore) SetConnection(clientID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[clientID]; ok {
		c.ConnectionID = connID
	}
}

// LookupClient returns a copy of the client record.
func (s *MemoryStore) LookupClient(clientID string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// Stats summarises store contents.
type Stats struct {
	Conversations int `json:"conversations"`
	Clients       int `json:"clients"`
	Messages      int `json:"messages"`
	Unread        int `json:"unread"`
}

// Stats returns aggregate counts.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Conversations: len(s.conversations),
		Clients:       len(s.clients),
	}
	for _, conv := range s.conversations {
		st.Messages += len(conv.messages)
		st.Unread += conv.unread
	}
	return st
}

// Hydrate loads archived state into an empty store. Restored clients are
// offline. Records already present are left untouched.
func (s *MemoryStore) Hydrate(snap *Snapshot) {
	if snap == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range snap.Clients {
		if _, ok := s.clients[c.ID]; ok {
			continue
		}
		s.clients[c.ID] = &Client{ID: c.ID, Name: c.Name}
		s.clientOrder = append(s.clientOrder, c.ID)
	}
	for _, conv := range snap.Conversations {
		if _, ok := s.conversations[conv.ClientID]; ok {
			continue
		}
		msgs := make([]Message, len(conv.Messages))
		copy(msgs, conv.Messages)
		s.conversations[conv.ClientID] = &conversation{
			clientID: conv.ClientID,
			messages: msgs,
			unread:   conv.Unread,
		}
		s.convOrder = append(s.convOrder, conv.ClientID)
	}

	s.logger.Info("store hydrated",
		"conversations", len(snap.Conversations),
		"clients", len(snap.Clients))
}
