package registry

import "github.com/ethereum/go-ethereum/common"

type hospitalPatient struct {
	hospital common.Address
	patient  common.Address
}

// index holds the derived lookups. It is written only from state.apply, in
// the same step that stores the primary entity.
type index struct {
	recordsByPatient   map[common.Address][]RecordID
	claimsByPatient    map[common.Address][]ClaimID
	claimsByInsurer    map[common.Address][]ClaimID
	claimsByRecord     map[RecordID][]ClaimID
	patientsByHospital map[common.Address][]common.Address
	seenPair           map[hospitalPatient]struct{}
}

func newIndex() index {
	return index{
		recordsByPatient:   make(map[common.Address][]RecordID),
		claimsByPatient:    make(map[common.Address][]ClaimID),
		claimsByInsurer:    make(map[common.Address][]ClaimID),
		claimsByRecord:     make(map[RecordID][]ClaimID),
		patientsByHospital: make(map[common.Address][]common.Address),
		seenPair:           make(map[hospitalPatient]struct{}),
	}
}

func (x *index) addRecord(r MedicalRecord) {
	x.recordsByPatient[r.Patient] = append(x.recordsByPatient[r.Patient], r.ID)

	key := hospitalPatient{hospital: r.Hospital, patient: r.Patient}
	if _, ok := x.seenPair[key]; !ok {
		x.seenPair[key] = struct{}{}
		x.patientsByHospital[r.Hospital] = append(x.patientsByHospital[r.Hospital], r.Patient)
	}
}

// addClaim files the claim under the record owner, which is the claimant.
func (x *index) addClaim(c Claim) {
	x.claimsByPatient[c.Patient] = append(x.claimsByPatient[c.Patient], c.ID)
	x.claimsByInsurer[c.Insurer] = append(x.claimsByInsurer[c.Insurer], c.ID)
	x.claimsByRecord[c.RecordID] = append(x.claimsByRecord[c.RecordID], c.ID)
}

func (x *index) latestClaim(id RecordID) ClaimID {
	ids := x.claimsByRecord[id]
	if len(ids) == 0 {
		return 0
	}
	return ids[len(ids)-1]
}

func cloneIDs[T any](in []T) []T {
	out := make([]T, len(in))
	copy(out, in)
	return out
}
