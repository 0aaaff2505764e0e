// ABOUTME: SQLite implementation of the Archive interface using modernc.org/sqlite
// ABOUTME: Persists clients, conversations and messages so history survives restarts

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is RFC 3339 with a fixed nine-digit fraction so stored
// timestamps sort correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// SQLiteArchive implements Archive using SQLite.
type SQLiteArchive struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteArchive opens (or creates) an archive at the given path.
// The schema is created if it doesn't exist and parent directories are
// created as needed. ":memory:" opens a private in-memory database.
func NewSQLiteArchive(path string, logger *slog.Logger) (*SQLiteArchive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "archive")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and serialises
	// writers, which the recorder does anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	a := &SQLiteArchive{db: db, logger: logger}
	if err := a.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite archive initialized", "path", path)
	return a, nil
}

func (a *SQLiteArchive) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS clients (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			client_id TEXT PRIMARY KEY,
			unread INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			text TEXT NOT NULL,
			is_from_agent INTEGER NOT NULL,
			timestamp TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_seq
			ON messages(client_id, seq);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (a *SQLiteArchive) Close() error {
	a.logger.Info("closing SQLite archive")
	return a.db.Close()
}

// SaveClient inserts or updates a client. Connection ids are never persisted.
func (a *SQLiteArchive) SaveClient(ctx context.Context, client Client) error {
	now := formatTime(time.Now())
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at
	`, client.ID, client.Name, now, now)
	if err != nil {
		return fmt.Errorf("saving client: %w", err)
	}
	return nil
}

// SaveConversation records that a conversation exists. Repeated calls are no-ops.
func (a *SQLiteArchive) SaveConversation(ctx context.Context, clientID string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO conversations (client_id, unread, created_at) VALUES (?, 0, ?)
		ON CONFLICT(client_id) DO NOTHING
	`, clientID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	return nil
}

// SaveMessage appends a message at position seq of its conversation.
// Saving the same message twice is a no-op.
func (a *SQLiteArchive) SaveMessage(ctx context.Context, msg Message, seq int) error {
	fromAgent := 0
	if msg.IsFromAgent {
		fromAgent = 1
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO messages (id, client_id, seq, text, is_from_agent, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, msg.ID, msg.ClientID, seq, msg.Text, fromAgent, formatTime(msg.Timestamp))
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

// SaveUnread stores the unread counter of a conversation.
func (a *SQLiteArchive) SaveUnread(ctx context.Context, clientID string, unread int) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO conversations (client_id, unread, created_at) VALUES (?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET unread = excluded.unread
	`, clientID, unread, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving unread: %w", err)
	}
	return nil
}

// Load reads the full archive back, conversations and clients in creation order.
func (a *SQLiteArchive) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	clients, err := a.loadClients(ctx)
	if err != nil {
		return nil, err
	}
	snap.Clients = clients

	convs, err := a.loadConversations(ctx)
	if err != nil {
		return nil, err
	}

	byClient, err := a.loadMessages(ctx)
	if err != nil {
		return nil, err
	}
	for i := range convs {
		msgs := byClient[convs[i].ClientID]
		if msgs == nil {
			msgs = []Message{}
		}
		convs[i].Messages = msgs
	}
	snap.Conversations = convs

	a.logger.Debug("archive loaded",
		"conversations", len(snap.Conversations),
		"clients", len(snap.Clients))
	return snap, nil
}

func (a *SQLiteArchive) loadClients(ctx context.Context) ([]Client, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT id, name FROM clients ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("querying clients: %w", err)
	}
	defer rows.Close()

	var clients []Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("scanning client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (a *SQLiteArchive) loadConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT client_id, unread FROM conversations ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ClientID, &c.Unread); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (a *SQLiteArchive) loadMessages(ctx context.Context) (map[string][]Message, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, client_id, text, is_from_agent, timestamp
		FROM messages
		ORDER BY client_id, seq
	`)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	byClient := make(map[string][]Message)
	for rows.Next() {
		var (
			m         Message
			fromAgent int
			ts        string
		)
		if err := rows.Scan(&m.ID, &m.ClientID, &m.Text, &fromAgent, &ts); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.IsFromAgent = fromAgent != 0
		m.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		byClient[m.ClientID] = append(byClient[m.ClientID], m)
	}
	return byClient, rows.Err()
}
