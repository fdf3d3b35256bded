package table

import (
	"context"
	"sync"

	"github.com/mcdev12/livevote/go/internal/models"
)

const changeBuffer = 256

// MemoryTable keeps every room in process memory. It is the backend for a
// single gateway; a gateway crash loses the table together with every
// connection that owned a record in it.
type MemoryTable struct {
	mu      sync.Mutex
	rooms   map[string]models.VoteTable
	changes chan Change
	done    chan struct{}
	once    sync.Once
}

// NewMemoryTable creates an empty in-memory table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		rooms:   make(map[string]models.VoteTable),
		changes: make(chan Change, changeBuffer),
		done:    make(chan struct{}),
	}
}

func (t *MemoryTable) Set(ctx context.Context, room string, key models.ParticipantID, record models.VoteRecord) error {
	if !ValidRoom(room) {
		return ErrInvalidRoom
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isClosed() {
		return ErrClosed
	}

	votes, ok := t.rooms[room]
	if !ok {
		votes = make(models.VoteTable)
		t.rooms[room] = votes
	}
	if existing, ok := votes[key]; ok && existing.DisplayName != record.DisplayName {
		return ErrNameImmutable
	}
	votes[key] = record

	return t.emit(room, votes)
}

func (t *MemoryTable) Remove(ctx context.Context, room string, key models.ParticipantID) error {
	if !ValidRoom(room) {
		return ErrInvalidRoom
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isClosed() {
		return ErrClosed
	}

	votes, ok := t.rooms[room]
	if !ok {
		return nil
	}
	if _, ok := votes[key]; !ok {
		return nil
	}
	delete(votes, key)
	if len(votes) == 0 {
		delete(t.rooms, room)
	}

	return t.emit(room, votes)
}

func (t *MemoryTable) Snapshot(ctx context.Context, room string) (models.VoteTable, error) {
	if !ValidRoom(room) {
		return nil, ErrInvalidRoom
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	votes, ok := t.rooms[room]
	if !ok {
		return models.VoteTable{}, nil
	}
	return votes.Clone(), nil
}

func (t *MemoryTable) Changes() <-chan Change {
	return t.changes
}

func (t *MemoryTable) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

// emit must be called with t.mu held so changes leave in mutation order. It
// ignores the caller's context: once applied, a mutation is always announced.
func (t *MemoryTable) emit(room string, votes models.VoteTable) error {
	select {
	case t.changes <- Change{Room: room, Table: votes.Clone()}:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

func (t *MemoryTable) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
