// ABOUTME: Asynchronous write-behind queue from the in-memory store to an Archive
// ABOUTME: Keeps disk I/O off the store lock while preserving mutation order

package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Archive is the durable collaborator behind the in-memory store.
// Implementations must tolerate repeated saves of the same record.
type Archive interface {
	SaveClient(ctx context.Context, client Client) error
	SaveConversation(ctx context.Context, clientID string) error
	SaveMessage(ctx context.Context, msg Message, seq int) error
	SaveUnread(ctx context.Context, clientID string, unread int) error
	Load(ctx context.Context) (*Snapshot, error)
	Close() error
}

type recordKind int

const (
	recordClient recordKind = iota
	recordConversation
	recordMessage
	recordUnread
)

type record struct {
	kind     recordKind
	client   Client
	clientID string
	msg      Message
	seq      int
	unread   int
}

// Recorder forwards committed store mutations to an Archive from a single
// background goroutine. Enqueueing never blocks: pending records are held in
// an unbounded slice so a slow disk cannot stall message intake.
// A nil *Recorder is valid and discards everything.
type Recorder struct {
	archive Archive
	logger  *slog.Logger

	mu      sync.Mutex
	pending []record
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewRecorder starts a recorder writing to archive.
func NewRecorder(archive Archive, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		archive: archive,
		logger:  logger.With("component", "recorder"),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) enqueue(rec record) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.pending = append(r.pending, rec)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Recorder) clientSaved(c Client) {
	c.ConnectionID = ""
	r.enqueue(record{kind: recordClient, client: c})
}

func (r *Recorder) conversationCreated(clientID string) {
	r.enqueue(record{kind: recordConversation, clientID: clientID})
}

func (r *Recorder) messageAppended(msg Message, seq int) {
	r.enqueue(record{kind: recordMessage, msg: msg, seq: seq})
}

func (r *Recorder) unreadChanged(clientID string, unread int) {
	r.enqueue(record{kind: recordUnread, clientID: clientID, unread: unread})
}

// run drains pending records in batches until Close is called and the queue is empty.
func (r *Recorder) run() {
	defer close(r.done)

	for {
		r.mu.Lock()
		batch := r.pending
		r.pending = nil
		closed := r.closed
		r.mu.Unlock()

		for _, rec := range batch {
			r.write(rec)
		}

		if len(batch) == 0 {
			if closed {
				return
			}
			<-r.wake
		}
	}
}

// write persists one record with its own timeout so a stuck archive call
// cannot wedge the queue forever.
func (r *Recorder) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch rec.kind {
	case recordClient:
		err = r.archive.SaveClient(ctx, rec.client)
	case recordConversation:
		err = r.archive.SaveConversation(ctx, rec.clientID)
	case recordMessage:
		err = r.archive.SaveMessage(ctx, rec.msg, rec.seq)
	case recordUnread:
		err = r.archive.SaveUnread(ctx, rec.clientID, rec.unread)
	}
	if err != nil {
		r.logger.Error("failed to archive record",
			"error", err,
			"kind", rec.kind,
			"client_id", rec.clientID,
			"message_id", rec.msg.ID)
	}
}

// Close stops accepting records and waits until everything queued so far has
// been written or ctx is done. It is safe to call multiple times.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
