package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// SubmitClaim opens a Pending claim on a record. Only the record's patient
// may claim it, and only against a verified insurer. A record may be claimed
// more than once; the latest claim is the one GetRecordAndClaimDetails shows.
func (r *Registry) SubmitClaim(ctx context.Context, caller common.Address, recordID RecordID, insurer common.Address) (ClaimID, error) {
	evt, err := r.mutate(ctx, func(st *state) (*Event, error) {
		rec, ok := st.record(recordID)
		if !ok {
			return nil, notFound(msgRecordNotFound)
		}
		if rec.Patient != caller {
			return nil, unauthorized(msgNotOwner)
		}
		if !st.insurers.has(insurer) {
			return nil, invalid("insurer is not verified")
		}
		return &Event{
			Kind:     EventClaimSubmitted,
			Caller:   caller,
			Subject:  insurer,
			RecordID: recordID,
			ClaimID:  st.nextClaimID(),
		}, nil
	})
	if err != nil {
		return 0, err
	}
	return evt.ClaimID, nil
}

// ValidateClaim moves a Pending claim to Approved or Rejected. Only the
// insurer named on the claim may decide it, and only once: of any number of
// concurrent calls exactly one succeeds.
func (r *Registry) ValidateClaim(ctx context.Context, caller common.Address, claimID ClaimID, approve bool) error {
	_, err := r.mutate(ctx, func(st *state) (*Event, error) {
		cl, ok := st.claim(claimID)
		if !ok {
			return nil, notFound(msgClaimNotFound)
		}
		if cl.Insurer != caller {
			return nil, unauthorized(msgNotInsurer)
		}
		if cl.Status != StatusPending {
			return nil, &Error{Kind: KindAlreadyProcessed, Message: msgAlreadyProcessed}
		}
		return &Event{
			Kind:     EventClaimValidated,
			Caller:   caller,
			RecordID: cl.RecordID,
			ClaimID:  claimID,
			Approve:  approve,
		}, nil
	})
	return err
}

// GetClaim returns a copy of the claim, or NotFound.
func (r *Registry) GetClaim(id ClaimID) (*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cl, ok := r.st.claim(id)
	if !ok {
		return nil, notFound(msgClaimNotFound)
	}
	out := cl.clone()
	return &out, nil
}

func (c *Claim) clone() Claim {
	out := *c
	if c.DecidedAt != nil {
		at := *c.DecidedAt
		out.DecidedAt = &at
	}
	return out
}

// GetClaimStatus returns the claim's status, or NotFound.
func (r *Registry) GetClaimStatus(id ClaimID) (ClaimStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cl, ok := r.st.claim(id)
	if !ok {
		return 0, notFound(msgClaimNotFound)
	}
	return cl.Status, nil
}

// GetRecordAndClaimDetails joins a record with its latest claim.
func (r *Registry) GetRecordAndClaimDetails(id RecordID) (*RecordClaimView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.view(id)
}

func (s *state) view(id RecordID) (*RecordClaimView, error) {
	rec, ok := s.record(id)
	if !ok {
		return nil, notFound(msgRecordNotFound)
	}
	v := &RecordClaimView{
		RecordID:   rec.ID,
		Patient:    rec.Patient,
		Hospital:   rec.Hospital,
		ContentRef: rec.ContentRef,
		Cost:       rec.Cost,
		Status:     StatusNotClaimed,
	}
	if cid := s.idx.latestClaim(id); cid != 0 {
		cl, _ := s.claim(cid)
		v.ClaimID = cl.ID
		v.Insurer = cl.Insurer
		v.Status = cl.Status
	}
	return v, nil
}

// ClaimCount returns the number of claims ever submitted.
func (r *Registry) ClaimCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.st.claims)
}

// ClaimsOf returns the ids of every claim on patient's records, oldest first.
func (r *Registry) ClaimsOf(patient common.Address) []ClaimID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneIDs(r.st.idx.claimsByPatient[patient])
}

// ClaimsForRecord returns every claim raised against a record, oldest first.
func (r *Registry) ClaimsForRecord(id RecordID) []ClaimID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneIDs(r.st.idx.claimsByRecord[id])
}

// ClaimsForInsurer returns every claim naming insurer, oldest first.
func (r *Registry) ClaimsForInsurer(insurer common.Address) []ClaimID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneIDs(r.st.idx.claimsByInsurer[insurer])
}
