// Package queue is the client's ordered outbox of mailstore actions.
//
// Persistent entries live in the action_queue table until the home server
// answers them, so they survive restarts. Ephemeral entries share the same
// FIFO but exist only in memory and carry a Future for the server's reply.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/and161185/fanrelay/internal/mailstore"
)

// ErrNotHead is returned by Complete for anything but the current head.
var ErrNotHead = errors.New("queue: entry is not the head")

// ErrDiscarded resolves futures of ephemeral entries dropped by Close.
var ErrDiscarded = errors.New("queue: entry discarded")

// Entry is one pending action.
type Entry struct {
	Seq    uint64
	Kind   mailstore.ActionKind
	Action json.RawMessage // encoded once, retransmitted as is

	rowID  int64 // 0 for ephemeral entries
	future *Future
}

// Persistent reports whether the entry is stored in the database.
func (e Entry) Persistent() bool { return e.rowID != 0 }

// Frame is the stream message for e.
func (e Entry) Frame() *mailstore.ActionFrame {
	return &mailstore.ActionFrame{Seq: e.Seq, Action: e.Action}
}

// Reply is the server's answer to an action.
type Reply struct {
	Result json.RawMessage
	Bad    bool
	Error  string
}

// Future resolves with the reply to an ephemeral action.
type Future struct {
	done  chan struct{}
	reply Reply
	err   error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(r Reply, err error) {
	f.reply, f.err = r, err
	close(f.done)
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the reply arrives or ctx ends.
func (f *Future) Wait(ctx context.Context) (Reply, error) {
	select {
	case <-f.done:
		return f.reply, f.err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Queue is safe for concurrent use.
type Queue struct {
	db  *sqlx.DB
	log *zap.Logger

	mu       sync.Mutex
	entries  []Entry
	nextSeq  uint64
	onChange func()
}

type row struct {
	ID   int64  `db:"id"`
	Kind string `db:"kind"`
	Body []byte `db:"body"`
}

// Open loads persisted entries in insertion order.
func Open(ctx context.Context, db *sqlx.DB, log *zap.Logger) (*Queue, error) {
	var rows []row
	if err := db.SelectContext(ctx, &rows, `SELECT id, kind, body FROM action_queue ORDER BY id`); err != nil {
		return nil, fmt.Errorf("load action queue: %w", err)
	}
	q := &Queue{db: db, log: log}
	for _, r := range rows {
		q.nextSeq++
		q.entries = append(q.entries, Entry{
			Seq:    q.nextSeq,
			Kind:   mailstore.ActionKind(r.Kind),
			Action: r.Body,
			rowID:  r.ID,
		})
	}
	if len(rows) > 0 {
		log.Info("action queue restored", zap.Int("entries", len(rows)))
	}
	return q, nil
}

// OnChange registers f to run after every enqueue. f must not block.
func (q *Queue) OnChange(f func()) {
	q.mu.Lock()
	q.onChange = f
	q.mu.Unlock()
}

func (q *Queue) push(e Entry) {
	q.mu.Lock()
	q.nextSeq++
	e.Seq = q.nextSeq
	q.entries = append(q.entries, e)
	notify := q.onChange
	q.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// EnqueuePersistent stores a and appends it to the queue. It is delivered at
// least once, across reconnects and restarts.
func (q *Queue) EnqueuePersistent(ctx context.Context, a mailstore.Action) error {
	body, err := a.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", a.Kind, err)
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO action_queue (kind, body, created_at) VALUES (?, ?, ?)`,
		string(a.Kind), body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("persist %s: %w", a.Kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	q.push(Entry{Kind: a.Kind, Action: body, rowID: id})
	return nil
}

// EnqueueEphemeral appends a without storing it. The returned future
// resolves with the server's reply; a restart loses the entry.
func (q *Queue) EnqueueEphemeral(a mailstore.Action) (*Future, error) {
	body, err := a.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", a.Kind, err)
	}
	f := newFuture()
	q.push(Entry{Kind: a.Kind, Action: body, future: f})
	return f, nil
}

// Head returns the oldest pending entry.
func (q *Queue) Head() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// Len is the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Complete removes the head answered by the server and resolves its future.
func (q *Queue) Complete(ctx context.Context, seq uint64, r Reply) error {
	q.mu.Lock()
	if len(q.entries) == 0 || q.entries[0].Seq != seq {
		q.mu.Unlock()
		return ErrNotHead
	}
	head := q.entries[0]
	q.mu.Unlock()

	if head.rowID != 0 {
		if _, err := q.db.ExecContext(ctx, `DELETE FROM action_queue WHERE id = ?`, head.rowID); err != nil {
			return fmt.Errorf("remove action %d: %w", head.rowID, err)
		}
	}

	q.mu.Lock()
	q.entries = q.entries[1:]
	q.mu.Unlock()

	if head.future != nil {
		head.future.resolve(r, nil)
	}
	return nil
}

// Close resolves every pending ephemeral future with ErrDiscarded.
// Persistent entries stay in the database.
func (q *Queue) Close() {
	q.mu.Lock()
	pending := q.entries
	q.entries = nil
	q.mu.Unlock()
	for _, e := range pending {
		if e.future != nil {
			e.future.resolve(Reply{}, ErrDiscarded)
		}
	}
}
