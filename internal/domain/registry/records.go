package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// SubmitMedicalRecord stores a record written by caller, which must be a
// verified hospital, for patient. It returns the new record id.
func (r *Registry) SubmitMedicalRecord(ctx context.Context, caller, patient common.Address, contentRef string, cost int64) (RecordID, error) {
	evt, err := r.mutate(ctx, func(st *state) (*Event, error) {
		if !st.hospitals.has(caller) {
			return nil, unauthorized(msgNotHospital)
		}
		if patient == (common.Address{}) {
			return nil, invalid("patient address must not be the zero address")
		}
		if strings.TrimSpace(contentRef) == "" {
			return nil, invalid("content reference must not be empty")
		}
		if cost < 0 {
			return nil, invalid("cost must not be negative")
		}
		if limit := r.policy.MaxRecordsPerPatient; limit > 0 && len(st.idx.recordsByPatient[patient]) >= limit {
			return nil, invalid(fmt.Sprintf("patient already has the maximum of %d records", limit))
		}
		return &Event{
			Kind:       EventRecordSubmitted,
			Caller:     caller,
			Subject:    patient,
			RecordID:   st.nextRecordID(),
			ContentRef: contentRef,
			Cost:       cost,
		}, nil
	})
	if err != nil {
		return 0, err
	}
	return evt.RecordID, nil
}

// GetRecord returns a copy of the record, or NotFound.
func (r *Registry) GetRecord(id RecordID) (*MedicalRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.st.record(id)
	if !ok {
		return nil, notFound(msgRecordNotFound)
	}
	out := *rec
	return &out, nil
}

// RecordCount returns the number of records ever submitted.
func (r *Registry) RecordCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.st.records)
}

// RecordsOf returns the ids of every record held for patient, oldest first.
func (r *Registry) RecordsOf(patient common.Address) []RecordID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneIDs(r.st.idx.recordsByPatient[patient])
}

// PatientsOf returns each patient hospital has written a record for, once,
// in order of the first such record.
func (r *Registry) PatientsOf(hospital common.Address) []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneIDs(r.st.idx.patientsByHospital[hospital])
}
