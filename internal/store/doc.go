// Package store holds the authoritative conversation state for the relay.
//
// # Architecture
//
// The store is split into an in-memory authority and an optional durable
// collaborator:
//
//   - MemoryStore: the single source of truth for Client and Conversation
//     records. Every read returns a copy.
//   - Archive: interface for durable persistence. SQLiteArchive implements it.
//   - Recorder: asynchronous write-behind queue from MemoryStore to an Archive.
//
// The relay never talks to the Archive directly. MemoryStore hands each
// committed mutation to the Recorder, which writes it from its own goroutine
// so disk latency never holds the store lock.
//
// # Data Models
//
//   - Client: end-user identity, display name and current connection id
//   - Message: immutable chat message (id, text, client id, timestamp, direction)
//   - Conversation: append-only message list plus unread counter
//
// # Invariants
//
//   - One Conversation per client id, never deleted for the process lifetime
//   - Messages are append-only; historical entries are never mutated
//   - Unread grows by one per client message and is reset by MarkViewed
//
// # SQLite Configuration
//
// The archive uses SQLite with WAL mode and a single connection:
//
//	PRAGMA journal_mode=WAL;
//
// Database file locations:
//
//   - Production: configured via database.path
//   - Testing: :memory: (in-memory database)
//
// At start-up the gateway loads the archive and calls MemoryStore.Hydrate,
// so conversation history survives restarts. Restored clients are offline
// until they register again.
//
// # Error Handling
//
//   - ErrInvalidMessage: text empty after trimming, or longer than the limit
//   - ErrUnknownClient: no conversation exists for the client id
package store
