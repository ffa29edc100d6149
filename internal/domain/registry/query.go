package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// QueryFacade is the read-only view handed to HTTP handlers and dashboards.
// It holds no state of its own.
type QueryFacade struct {
	r *Registry
}

// Queries returns the read-only facade over r.
func (r *Registry) Queries() *QueryFacade {
	return &QueryFacade{r: r}
}

func (q *QueryFacade) Admin() common.Address {
	return q.r.Admin()
}

func (q *QueryFacade) IsHospital(a common.Address) bool {
	return q.r.IsHospital(a)
}

func (q *QueryFacade) IsInsurer(a common.Address) bool {
	return q.r.IsInsurer(a)
}

func (q *QueryFacade) ListHospitals() []common.Address {
	return q.r.ListHospitals()
}

func (q *QueryFacade) ListInsurers() []common.Address {
	return q.r.ListInsurers()
}

func (q *QueryFacade) RecordsOf(patient common.Address) []RecordID {
	return q.r.RecordsOf(patient)
}

func (q *QueryFacade) ClaimsOf(patient common.Address) []ClaimID {
	return q.r.ClaimsOf(patient)
}

func (q *QueryFacade) PatientsOf(hospital common.Address) []common.Address {
	return q.r.PatientsOf(hospital)
}

func (q *QueryFacade) ClaimsForInsurer(insurer common.Address) []ClaimID {
	return q.r.ClaimsForInsurer(insurer)
}

func (q *QueryFacade) ClaimsForRecord(id RecordID) []ClaimID {
	return q.r.ClaimsForRecord(id)
}

func (q *QueryFacade) GetRecord(id RecordID) (*MedicalRecord, error) {
	return q.r.GetRecord(id)
}

func (q *QueryFacade) GetClaim(id ClaimID) (*Claim, error) {
	return q.r.GetClaim(id)
}

func (q *QueryFacade) GetClaimStatus(id ClaimID) (ClaimStatus, error) {
	return q.r.GetClaimStatus(id)
}

func (q *QueryFacade) GetRecordAndClaimDetails(id RecordID) (*RecordClaimView, error) {
	return q.r.GetRecordAndClaimDetails(id)
}

// RoleOf names the strongest role a: admin, then hospital, then insurer.
// Everyone else is a patient.
func (q *QueryFacade) RoleOf(a common.Address) string {
	r := q.r
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case a == r.st.admin:
		return RoleAdmin
	case r.st.hospitals.has(a):
		return RoleHospital
	case r.st.insurers.has(a):
		return RoleInsurer
	default:
		return RolePatient
	}
}

// Stats summarises the registry.
func (q *QueryFacade) Stats() Stats {
	q.r.mu.RLock()
	defer q.r.mu.RUnlock()
	return q.r.st.stats()
}

// PatientOverview returns a view for each of patient's records, in one snapshot.
func (q *QueryFacade) PatientOverview(patient common.Address) []RecordClaimView {
	r := q.r
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.st.idx.recordsByPatient[patient]
	out := make([]RecordClaimView, 0, len(ids))
	for _, id := range ids {
		v, err := r.st.view(id)
		if err == nil {
			out = append(out, *v)
		}
	}
	return out
}

// InsurerQueue returns the claims naming insurer, optionally only those with
// the given status, in one snapshot.
func (q *QueryFacade) InsurerQueue(insurer common.Address, only *ClaimStatus) []Claim {
	r := q.r
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.st.idx.claimsByInsurer[insurer]
	out := make([]Claim, 0, len(ids))
	for _, id := range ids {
		cl, _ := r.st.claim(id)
		if only != nil && cl.Status != *only {
			continue
		}
		out = append(out, cl.clone())
	}
	return out
}

// ClaimsByStatus returns every claim with status, oldest first.
func (q *QueryFacade) ClaimsByStatus(status ClaimStatus) []Claim {
	r := q.r
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Claim
	for i := range r.st.claims {
		if r.st.claims[i].Status == status {
			out = append(out, r.st.claims[i].clone())
		}
	}
	return out
}

// Events returns committed ledger events starting at from.
func (q *QueryFacade) Events(ctx context.Context, from uint64, limit int) ([]Event, error) {
	return q.r.Events(ctx, from, limit)
}

// Height returns the ledger height.
func (q *QueryFacade) Height() uint64 { return q.r.Height() }
