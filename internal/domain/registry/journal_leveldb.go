package registry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB layout:
//
//	e/<seq as 8 bytes big-endian>  -> event JSON
//	m/height                       -> number of stored events, 8 bytes big-endian
var (
	eventPrefix = []byte("e/")
	heightKey   = []byte("m/height")
)

// LevelDBJournal stores the ledger in an embedded LevelDB database. Each
// append writes the event and the new height in one batch.
type LevelDBJournal struct {
	mu     sync.Mutex
	db     *leveldb.DB
	height uint64
	fsync  bool
}

// OpenLevelDBJournal opens or creates a journal at path. Appends are fsynced.
func OpenLevelDBJournal(path string) (*LevelDBJournal, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	j, err := NewLevelDBJournal(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	j.fsync = true
	return j, nil
}

// NewLevelDBJournal wraps an already opened database.
func NewLevelDBJournal(db *leveldb.DB) (*LevelDBJournal, error) {
	j := &LevelDBJournal{db: db}
	raw, err := db.Get(heightKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read ledger height: %w", err)
	case len(raw) != 8:
		return nil, fmt.Errorf("corrupt ledger height record (%d bytes)", len(raw))
	default:
		j.height = binary.BigEndian.Uint64(raw)
	}
	return j, nil
}

func eventKey(seq uint64) []byte {
	k := make([]byte, len(eventPrefix)+8)
	copy(k, eventPrefix)
	binary.BigEndian.PutUint64(k[len(eventPrefix):], seq)
	return k
}

func (j *LevelDBJournal) Append(ctx context.Context, evt *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if evt.Seq != j.height {
		return ErrSeqConflict
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", evt.Seq, err)
	}

	var h [8]byte
	binary.BigEndian.PutUint64(h[:], evt.Seq+1)

	batch := new(leveldb.Batch)
	batch.Put(eventKey(evt.Seq), raw)
	batch.Put(heightKey, h[:])
	if err := j.db.Write(batch, &opt.WriteOptions{Sync: j.fsync}); err != nil {
		return fmt.Errorf("write event %d: %w", evt.Seq, err)
	}
	j.height++
	return nil
}

func (j *LevelDBJournal) Replay(ctx context.Context, from uint64, fn func(*Event) error) error {
	rng := util.BytesPrefix(eventPrefix)
	rng.Start = eventKey(from)

	it := j.db.NewIterator(rng, nil)
	defer it.Release()

	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var evt Event
		if err := json.Unmarshal(it.Value(), &evt); err != nil {
			return fmt.Errorf("decode event at key %x: %w", it.Key(), err)
		}
		if err := fn(&evt); err != nil {
			return err
		}
	}
	return it.Error()
}

// Height returns the number of stored events.
func (j *LevelDBJournal) Height() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.height
}

func (j *LevelDBJournal) Close() error {
	return j.db.Close()
}
