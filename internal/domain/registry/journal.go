package registry

import (
	"context"
	"errors"
	"sync"
)

// ErrSeqConflict is returned by Journal.Append when the event's sequence
// number is already taken, usually because another writer got there first.
var ErrSeqConflict = errors.New("ledger sequence already taken")

// Journal is the durable, append-only store of registry events.
//
// Append must be atomic: either the whole event is stored or nothing is.
// Replay calls fn for every event with Seq >= from, in sequence order.
type Journal interface {
	Append(ctx context.Context, evt *Event) error
	Replay(ctx context.Context, from uint64, fn func(*Event) error) error
	Close() error
}

// MemJournal keeps events in memory. It is used by tests and by the
// "memory" storage backend.
type MemJournal struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemJournal() *MemJournal {
	return &MemJournal{}
}

func (j *MemJournal) Append(ctx context.Context, evt *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if evt.Seq != uint64(len(j.events)) {
		return ErrSeqConflict
	}
	j.events = append(j.events, *evt)
	return nil
}

func (j *MemJournal) Replay(ctx context.Context, from uint64, fn func(*Event) error) error {
	j.mu.RLock()
	if from > uint64(len(j.events)) {
		from = uint64(len(j.events))
	}
	snapshot := make([]Event, len(j.events)-int(from))
	copy(snapshot, j.events[from:])
	j.mu.RUnlock()

	for i := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(&snapshot[i]); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored events.
func (j *MemJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.events)
}

func (j *MemJournal) Close() error { return nil }
