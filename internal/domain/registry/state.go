package registry

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// identitySet is an additive-only set that remembers insertion order.
type identitySet struct {
	members map[common.Address]struct{}
	order   []common.Address
}

func newIdentitySet() identitySet {
	return identitySet{members: make(map[common.Address]struct{})}
}

func (s *identitySet) has(a common.Address) bool {
	_, ok := s.members[a]
	return ok
}

func (s *identitySet) add(a common.Address) bool {
	if s.has(a) {
		return false
	}
	s.members[a] = struct{}{}
	s.order = append(s.order, a)
	return true
}

func (s *identitySet) list() []common.Address {
	out := make([]common.Address, len(s.order))
	copy(out, s.order)
	return out
}

// state is everything the registry knows. It is only changed by apply, which
// is only called with events that already passed validation or came from a
// verified ledger.
type state struct {
	admin     common.Address
	hospitals identitySet
	insurers  identitySet

	// records[i] has id i+1, claims likewise.
	records []MedicalRecord
	claims  []Claim

	idx index

	height uint64
	head   common.Hash
}

func newState() *state {
	return &state{
		hospitals: newIdentitySet(),
		insurers:  newIdentitySet(),
		idx:       newIndex(),
	}
}

func (s *state) nextRecordID() RecordID { return RecordID(len(s.records) + 1) }
func (s *state) nextClaimID() ClaimID   { return ClaimID(len(s.claims) + 1) }

func (s *state) record(id RecordID) (*MedicalRecord, bool) {
	if id == 0 || uint64(id) > uint64(len(s.records)) {
		return nil, false
	}
	return &s.records[id-1], true
}

func (s *state) claim(id ClaimID) (*Claim, bool) {
	if id == 0 || uint64(id) > uint64(len(s.claims)) {
		return nil, false
	}
	return &s.claims[id-1], true
}

// apply folds one event into the state. It checks the structural facts a
// ledger must satisfy so that a corrupted or foreign ledger is refused on
// replay, and it checks all of them before changing anything.
func (s *state) apply(e *Event) error {
	if e.Seq != s.height {
		return fmt.Errorf("event %d applied at height %d", e.Seq, s.height)
	}
	if e.Seq == 0 && e.Kind != EventGenesis {
		return fmt.Errorf("event 0 must be %s, got %s", EventGenesis, e.Kind)
	}

	switch e.Kind {
	case EventGenesis:
		if e.Seq != 0 {
			return fmt.Errorf("genesis event at seq %d", e.Seq)
		}
		if e.Subject == (common.Address{}) {
			return fmt.Errorf("genesis event without administrator")
		}
		s.admin = e.Subject

	case EventHospitalAdded, EventInsurerAdded:
		if e.Caller != s.admin {
			return fmt.Errorf("event %d: %s by non-administrator %s", e.Seq, e.Kind, e.Caller.Hex())
		}
		if e.Kind == EventHospitalAdded {
			s.hospitals.add(e.Subject)
		} else {
			s.insurers.add(e.Subject)
		}

	case EventRecordSubmitted:
		if e.RecordID != s.nextRecordID() {
			return fmt.Errorf("event %d: record id %d, expected %d", e.Seq, e.RecordID, s.nextRecordID())
		}
		if !s.hospitals.has(e.Caller) {
			return fmt.Errorf("event %d: record by unverified hospital %s", e.Seq, e.Caller.Hex())
		}
		rec := MedicalRecord{
			ID:         e.RecordID,
			Patient:    e.Subject,
			Hospital:   e.Caller,
			ContentRef: e.ContentRef,
			Cost:       e.Cost,
			CreatedAt:  e.Time,
		}
		s.records = append(s.records, rec)
		s.idx.addRecord(rec)

	case EventClaimSubmitted:
		if e.ClaimID != s.nextClaimID() {
			return fmt.Errorf("event %d: claim id %d, expected %d", e.Seq, e.ClaimID, s.nextClaimID())
		}
		rec, ok := s.record(e.RecordID)
		if !ok {
			return fmt.Errorf("event %d: claim for missing record %d", e.Seq, e.RecordID)
		}
		if rec.Patient != e.Caller {
			return fmt.Errorf("event %d: claim by non-owner %s", e.Seq, e.Caller.Hex())
		}
		if !s.insurers.has(e.Subject) {
			return fmt.Errorf("event %d: claim names unverified insurer %s", e.Seq, e.Subject.Hex())
		}
		cl := Claim{
			ID:        e.ClaimID,
			RecordID:  e.RecordID,
			Patient:   rec.Patient,
			Insurer:   e.Subject,
			Status:    StatusPending,
			CreatedAt: e.Time,
		}
		s.claims = append(s.claims, cl)
		s.idx.addClaim(cl)

	case EventClaimValidated:
		cl, ok := s.claim(e.ClaimID)
		if !ok {
			return fmt.Errorf("event %d: validation of missing claim %d", e.Seq, e.ClaimID)
		}
		if cl.Insurer != e.Caller {
			return fmt.Errorf("event %d: validation by non-insurer %s", e.Seq, e.Caller.Hex())
		}
		if cl.Status != StatusPending {
			return fmt.Errorf("event %d: claim %d already %s", e.Seq, e.ClaimID, cl.Status)
		}
		cl.Status = StatusRejected
		if e.Approve {
			cl.Status = StatusApproved
		}
		decided := e.Time
		cl.DecidedAt = &decided

	default:
		return fmt.Errorf("event %d: unknown kind %q", e.Seq, e.Kind)
	}

	s.height++
	s.head = e.Hash
	return nil
}

func (s *state) stats() Stats {
	st := Stats{
		Hospitals:    len(s.hospitals.order),
		Insurers:     len(s.insurers.order),
		Records:      len(s.records),
		Claims:       len(s.claims),
		LedgerHeight: s.height,
	}
	for i := range s.claims {
		switch s.claims[i].Status {
		case StatusPending:
			st.PendingClaims++
		case StatusApproved:
			st.ApprovedClaims++
		case StatusRejected:
			st.RejectedClaims++
		}
	}
	return st
}
