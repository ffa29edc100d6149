// Package registry keeps the medical-record and insurance-claim registry:
// who may act (administrator, verified hospitals and insurers), the records
// hospitals write for patients, and the claims patients raise against them.
//
// Every mutation is validated under a single write lock, appended to a
// Journal as a hash-chained Event, and only then applied to memory. Reads take
// the read lock and therefore always observe a state between two events.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const maxCommitAttempts = 3

// Policy holds the configurable business rules.
type Policy struct {
	// RejectDuplicateRoles makes re-verifying an identity an InvalidInput
	// error instead of a successful no-op.
	RejectDuplicateRoles bool
	// MaxRecordsPerPatient caps how many records a patient may accumulate.
	// Zero means unlimited.
	MaxRecordsPerPatient int
}

// Notifier receives committed events, in commit order, while the write lock
// is held. Implementations must not block and must not call back into the
// registry.
type Notifier interface {
	Notify(evt Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(evt Event)

func (f NotifierFunc) Notify(evt Event) { f(evt) }

// Registry is the single serialization point for all registry state.
type Registry struct {
	mu        sync.RWMutex
	st        *state
	journal   Journal
	policy    Policy
	notifiers []Notifier
	synced    []Notifier
	opened    bool
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

func WithPolicy(p Policy) Option {
	return func(r *Registry) { r.policy = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l.With().Str("component", "registry").Logger() }
}

// WithNotifier adds a notifier for events committed by this process.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifiers = append(r.notifiers, n) }
}

// WithSyncNotifier adds a notifier for events another writer committed and
// this process picked up through Sync or a commit retry. Events replayed by
// Open are not delivered.
func WithSyncNotifier(n Notifier) Option {
	return func(r *Registry) { r.synced = append(r.synced, n) }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// ErrAdminMismatch is returned by Open when the ledger was created for a
// different administrator.
var ErrAdminMismatch = errors.New("ledger administrator does not match configured administrator")

// Open rebuilds the registry from journal, verifying the hash chain. An empty
// journal is initialised with a genesis event naming admin.
func Open(ctx context.Context, journal Journal, admin common.Address, opts ...Option) (*Registry, error) {
	if admin == (common.Address{}) {
		return nil, fmt.Errorf("administrator must not be the zero address")
	}
	r := &Registry{
		st:      newState(),
		journal: journal,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.catchUpLocked(ctx); err != nil {
		return nil, err
	}

	if r.st.height == 0 {
		genesis := &Event{Kind: EventGenesis, Caller: admin, Subject: admin}
		if err := r.commitLocked(ctx, genesis); err != nil {
			return nil, fmt.Errorf("write genesis event: %w", err)
		}
	} else if r.st.admin != admin {
		return nil, fmt.Errorf("%w: ledger has %s, configured %s", ErrAdminMismatch, r.st.admin.Hex(), admin.Hex())
	}

	r.opened = true
	r.logger.Info().
		Uint64("height", r.st.height).
		Str("head", r.st.head.Hex()).
		Str("admin", r.st.admin.Hex()).
		Msg("registry opened")
	return r, nil
}

// Sync applies events other writers have appended to the journal since the
// last commit. It is a no-op for a journal with a single writer.
func (r *Registry) Sync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.catchUpLocked(ctx)
}

func (r *Registry) catchUpLocked(ctx context.Context) error {
	v := ChainVerifier{next: r.st.height, head: r.st.head}
	applied := 0
	err := r.journal.Replay(ctx, r.st.height, func(evt *Event) error {
		if err := v.Check(evt); err != nil {
			return err
		}
		if err := r.st.apply(evt); err != nil {
			return err
		}
		applied++
		if r.opened {
			for _, n := range r.synced {
				n.Notify(*evt)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay ledger: %w", err)
	}
	if applied > 0 {
		r.logger.Debug().Int("events", applied).Uint64("height", r.st.height).Msg("ledger caught up")
	}
	return nil
}

// mutate runs build against the current state and commits the event it
// returns. build returning (nil, nil) means there is nothing to commit. When
// another writer took the sequence number first, the state is caught up and
// build runs again against the new state.
func (r *Registry) mutate(ctx context.Context, build func(st *state) (*Event, error)) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 1; ; attempt++ {
		evt, err := build(r.st)
		if err != nil || evt == nil {
			return nil, err
		}

		err = r.commitLocked(ctx, evt)
		if err == nil {
			return evt, nil
		}
		if !errors.Is(err, ErrSeqConflict) || attempt == maxCommitAttempts {
			return nil, err
		}
		r.logger.Warn().Uint64("seq", evt.Seq).Msg("ledger moved ahead, retrying")
		if err := r.catchUpLocked(ctx); err != nil {
			return nil, err
		}
	}
}

func (r *Registry) commitLocked(ctx context.Context, evt *Event) error {
	evt.Seq = r.st.height
	evt.Time = r.now().UTC().Truncate(time.Microsecond)
	if err := evt.seal(r.st.head); err != nil {
		return err
	}
	if err := r.journal.Append(ctx, evt); err != nil {
		return fmt.Errorf("append ledger event %d: %w", evt.Seq, err)
	}
	if err := r.st.apply(evt); err != nil {
		// The event is already durable; Open will refuse this ledger.
		r.logger.Error().Err(err).Uint64("seq", evt.Seq).Msg("committed event could not be applied")
		return fmt.Errorf("apply ledger event %d: %w", evt.Seq, err)
	}

	r.logger.Info().
		Uint64("seq", evt.Seq).
		Str("kind", string(evt.Kind)).
		Str("caller", evt.Caller.Hex()).
		Uint64("record_id", uint64(evt.RecordID)).
		Uint64("claim_id", uint64(evt.ClaimID)).
		Msg("ledger event committed")

	if r.opened {
		for _, n := range r.notifiers {
			n.Notify(*evt)
		}
	}
	return nil
}

// Height returns the number of committed ledger events.
func (r *Registry) Height() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.height
}

// Head returns the hash of the latest ledger event.
func (r *Registry) Head() common.Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.head
}

// Events replays committed events from the journal starting at from,
// returning at most limit of them (all when limit <= 0).
func (r *Registry) Events(ctx context.Context, from uint64, limit int) ([]Event, error) {
	var out []Event
	stop := errors.New("limit reached")
	err := r.journal.Replay(ctx, from, func(evt *Event) error {
		if limit > 0 && len(out) >= limit {
			return stop
		}
		out = append(out, *evt)
		return nil
	})
	if err != nil && !errors.Is(err, stop) {
		return nil, err
	}
	return out, nil
}

// VerifyJournal walks a journal from genesis and checks the hash chain.
// It returns the verified height and head hash.
func VerifyJournal(ctx context.Context, j Journal) (uint64, common.Hash, error) {
	var v ChainVerifier
	err := j.Replay(ctx, 0, v.Check)
	return v.Height(), v.Head(), err
}
