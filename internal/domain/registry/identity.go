package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// AddHospital verifies address as a hospital. Only the administrator may call
// it. Re-adding a hospital succeeds without a new ledger event unless the
// policy rejects duplicates.
func (r *Registry) AddHospital(ctx context.Context, caller, address common.Address) error {
	_, err := r.mutate(ctx, func(st *state) (*Event, error) {
		return r.buildRoleGrant(st, caller, address, &st.hospitals, EventHospitalAdded, "hospital")
	})
	return err
}

// AddInsurance verifies address as an insurer, with the same rules as AddHospital.
func (r *Registry) AddInsurance(ctx context.Context, caller, address common.Address) error {
	_, err := r.mutate(ctx, func(st *state) (*Event, error) {
		return r.buildRoleGrant(st, caller, address, &st.insurers, EventInsurerAdded, "insurer")
	})
	return err
}

func (r *Registry) buildRoleGrant(st *state, caller, address common.Address, set *identitySet, kind EventKind, role string) (*Event, error) {
	if caller != st.admin {
		return nil, unauthorized(msgNotAdmin)
	}
	if address == (common.Address{}) {
		return nil, invalid(role + " address must not be the zero address")
	}
	if set.has(address) {
		if r.policy.RejectDuplicateRoles {
			return nil, invalid(role + " already verified")
		}
		return nil, nil
	}
	return &Event{Kind: kind, Caller: caller, Subject: address}, nil
}

// Admin returns the administrator identity.
func (r *Registry) Admin() common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.admin
}

func (r *Registry) IsAdmin(a common.Address) bool {
	return r.Admin() == a
}

func (r *Registry) IsHospital(a common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.hospitals.has(a)
}

func (r *Registry) IsInsurer(a common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.insurers.has(a)
}

// ListHospitals returns verified hospitals in the order they were added.
func (r *Registry) ListHospitals() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.hospitals.list()
}

// ListInsurers returns verified insurers in the order they were added.
func (r *Registry) ListInsurers() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.insurers.list()
}
