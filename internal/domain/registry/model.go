package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RecordID identifies a medical record. Zero means "does not exist".
type RecordID uint64

// ClaimID identifies a claim. Zero means "does not exist".
type ClaimID uint64

func (id RecordID) String() string { return strconv.FormatUint(uint64(id), 10) }
func (id ClaimID) String() string  { return strconv.FormatUint(uint64(id), 10) }

// ParseRecordID parses a decimal record id. It does not check existence.
func ParseRecordID(s string) (RecordID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid record id %q", s)
	}
	return RecordID(v), nil
}

// ParseClaimID parses a decimal claim id. It does not check existence.
func ParseClaimID(s string) (ClaimID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid claim id %q", s)
	}
	return ClaimID(v), nil
}

// ClaimStatus is the lifecycle state of a claim. The numeric values match the
// codes dashboards already use: Pending=0, Approved=1, Rejected=2.
type ClaimStatus uint8

const (
	StatusPending  ClaimStatus = 0
	StatusApproved ClaimStatus = 1
	StatusRejected ClaimStatus = 2

	// StatusNotClaimed only appears in RecordClaimView when a record has no
	// claim. No claim is ever stored with it.
	StatusNotClaimed ClaimStatus = 255
)

var statusNames = map[ClaimStatus]string{
	StatusPending:    "pending",
	StatusApproved:   "approved",
	StatusRejected:   "rejected",
	StatusNotClaimed: "not_claimed",
}

func (s ClaimStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// Terminal reports whether the status can no longer change.
func (s ClaimStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// ParseClaimStatus accepts the names returned by String.
func ParseClaimStatus(s string) (ClaimStatus, error) {
	for st, name := range statusNames {
		if strings.EqualFold(s, name) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown claim status %q", s)
}

func (s ClaimStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ClaimStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseClaimStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MedicalRecord is an immutable treatment event written by a hospital for a
// patient. ContentRef points at the clinical document held elsewhere.
type MedicalRecord struct {
	ID         RecordID       `json:"id"`
	Patient    common.Address `json:"patient"`
	Hospital   common.Address `json:"hospital"`
	ContentRef string         `json:"content_ref"`
	Cost       int64          `json:"cost"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Claim asks an insurer to cover one record.
type Claim struct {
	ID        ClaimID        `json:"id"`
	RecordID  RecordID       `json:"record_id"`
	Patient   common.Address `json:"patient"`
	Insurer   common.Address `json:"insurer"`
	Status    ClaimStatus    `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
}

// RecordClaimView joins a record with its latest claim. ClaimID is zero,
// Insurer is the zero address and Status is StatusNotClaimed when the record
// has never been claimed.
type RecordClaimView struct {
	RecordID   RecordID       `json:"record_id"`
	Patient    common.Address `json:"patient"`
	Hospital   common.Address `json:"hospital"`
	ContentRef string         `json:"content_ref"`
	Cost       int64          `json:"cost"`
	ClaimID    ClaimID        `json:"claim_id"`
	Insurer    common.Address `json:"insurer"`
	Status     ClaimStatus    `json:"status"`
}

// Claimed reports whether the record has at least one claim.
func (v *RecordClaimView) Claimed() bool {
	return v.ClaimID != 0
}

// Role names returned by RoleOf and carried in session tokens.
const (
	RoleAdmin    = "admin"
	RoleHospital = "hospital"
	RoleInsurer  = "insurer"
	RolePatient  = "patient"
)

// Stats is a point-in-time summary for dashboards.
type Stats struct {
	Hospitals      int    `json:"hospitals"`
	Insurers       int    `json:"insurers"`
	Records        int    `json:"records"`
	Claims         int    `json:"claims"`
	PendingClaims  int    `json:"pending_claims"`
	ApprovedClaims int    `json:"approved_claims"`
	RejectedClaims int    `json:"rejected_claims"`
	LedgerHeight   uint64 `json:"ledger_height"`
}
