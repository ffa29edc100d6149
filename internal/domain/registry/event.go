package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EventKind names a committed registry mutation.
type EventKind string

const (
	EventGenesis         EventKind = "registry.genesis"
	EventHospitalAdded   EventKind = "hospital.added"
	EventInsurerAdded    EventKind = "insurer.added"
	EventRecordSubmitted EventKind = "record.submitted"
	EventClaimSubmitted  EventKind = "claim.submitted"
	EventClaimValidated  EventKind = "claim.validated"
)

// Event is one ledger entry. Only the fields relevant to Kind are set.
//
// Events form a hash chain: Hash = keccak256(PrevHash || json(event without Hash)).
// Seq starts at 0 with the genesis event naming the administrator.
type Event struct {
	Seq        uint64         `json:"seq"`
	Kind       EventKind      `json:"kind"`
	Caller     common.Address `json:"caller"`
	Subject    common.Address `json:"subject"`
	RecordID   RecordID       `json:"record_id,omitempty"`
	ClaimID    ClaimID        `json:"claim_id,omitempty"`
	ContentRef string         `json:"content_ref,omitempty"`
	Cost       int64          `json:"cost,omitempty"`
	Approve    bool           `json:"approve,omitempty"`
	Time       time.Time      `json:"time"`
	PrevHash   common.Hash    `json:"prev_hash"`
	Hash       common.Hash    `json:"hash"`
}

// Subject meaning per kind:
//
//	registry.genesis   administrator
//	hospital.added     hospital
//	insurer.added      insurer
//	record.submitted   patient
//	claim.submitted    insurer
//	claim.validated    (zero)

func (e *Event) digest() (common.Hash, error) {
	body := *e
	body.Hash = common.Hash{}
	raw, err := json.Marshal(&body)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode event %d: %w", e.Seq, err)
	}
	return crypto.Keccak256Hash(e.PrevHash.Bytes(), raw), nil
}

func (e *Event) seal(prev common.Hash) error {
	e.PrevHash = prev
	h, err := e.digest()
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// Verify checks that the event links to prev and that its hash matches its content.
func (e *Event) Verify(prev common.Hash) error {
	if e.PrevHash != prev {
		return fmt.Errorf("event %d: prev_hash %s does not link to %s", e.Seq, e.PrevHash.Hex(), prev.Hex())
	}
	h, err := e.digest()
	if err != nil {
		return err
	}
	if h != e.Hash {
		return fmt.Errorf("event %d: hash mismatch, stored %s computed %s", e.Seq, e.Hash.Hex(), h.Hex())
	}
	return nil
}

// ChainVerifier checks a stream of events in sequence order.
type ChainVerifier struct {
	next uint64
	head common.Hash
}

// Check verifies evt against the previous one seen.
func (v *ChainVerifier) Check(evt *Event) error {
	if evt.Seq != v.next {
		return fmt.Errorf("ledger gap: expected seq %d, got %d", v.next, evt.Seq)
	}
	if err := evt.Verify(v.head); err != nil {
		return err
	}
	v.next++
	v.head = evt.Hash
	return nil
}

// Height is the number of events verified so far.
func (v *ChainVerifier) Height() uint64 { return v.next }

// Head is the hash of the last verified event.
func (v *ChainVerifier) Head() common.Hash { return v.head }
