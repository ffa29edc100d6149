package fhir

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Version is the FHIR release the projections conform to.
const Version = "4.0.1"

// Resource is the base FHIR resource representation.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Profile     []string   `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Concept is a CodeableConcept with a single coding.
func Concept(system, code, display string) *CodeableConcept {
	return &CodeableConcept{Coding: []Coding{{System: system, Code: code, Display: display}}}
}

type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

type Identifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Money is an amount in Currency. Value encodes as a JSON number, never a
// string, as FHIR requires for decimals.
type Money struct {
	Value    decimal.Decimal
	Currency string
}

type moneyJSON struct {
	Value    json.RawMessage `json:"value"`
	Currency string          `json:"currency,omitempty"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Value: json.RawMessage(m.Value.String()), Currency: m.Currency})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var w moneyJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	v, err := decimal.NewFromString(string(w.Value))
	if err != nil {
		return fmt.Errorf("money value: %w", err)
	}
	m.Value, m.Currency = v, w.Currency
	return nil
}

type Extension struct {
	URL         string `json:"url"`
	ValueString string `json:"valueString,omitempty"`
	ValueCode   string `json:"valueCode,omitempty"`
}

// WalletSystem is the identifier system for wallet-addressed parties.
const WalletSystem = "urn:ethereum:address"

// WalletReference refers to a party by wallet address. Parties have no FHIR
// resource of their own, so the reference is logical.
func WalletReference(resourceType, address string) *Reference {
	return &Reference{
		Type:       resourceType,
		Identifier: &Identifier{System: WalletSystem, Value: address},
	}
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// Claim is the subset of the R4 Claim resource the registry projects.
type Claim struct {
	Resource
	Identifier     []Identifier          `json:"identifier,omitempty"`
	Status         string                `json:"status"`
	Type           *CodeableConcept      `json:"type"`
	Use            string                `json:"use"`
	Patient        *Reference            `json:"patient"`
	Created        time.Time             `json:"created"`
	Provider       *Reference            `json:"provider"`
	Insurer        *Reference            `json:"insurer,omitempty"`
	Priority       *CodeableConcept      `json:"priority"`
	SupportingInfo []ClaimSupportingInfo `json:"supportingInfo,omitempty"`
	Insurance      []ClaimInsurance      `json:"insurance"`
	Total          *Money                `json:"total,omitempty"`
}

type ClaimSupportingInfo struct {
	Sequence       int              `json:"sequence"`
	Category       *CodeableConcept `json:"category"`
	ValueReference *Reference       `json:"valueReference,omitempty"`
	ValueString    string           `json:"valueString,omitempty"`
}

type ClaimInsurance struct {
	Sequence int        `json:"sequence"`
	Focal    bool       `json:"focal"`
	Coverage *Reference `json:"coverage"`
}

// ClaimResponse is the subset of the R4 ClaimResponse resource the registry
// projects for decided claims.
type ClaimResponse struct {
	Resource
	Status      string           `json:"status"`
	Type        *CodeableConcept `json:"type"`
	Use         string           `json:"use"`
	Patient     *Reference       `json:"patient"`
	Created     time.Time        `json:"created"`
	Insurer     *Reference       `json:"insurer"`
	Request     *Reference       `json:"request,omitempty"`
	Outcome     string           `json:"outcome"`
	Disposition string           `json:"disposition,omitempty"`
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

// Issue type codes used by the registry.
const (
	IssueTypeInvalid   = "invalid"
	IssueTypeNotFound  = "not-found"
	IssueTypeSecurity  = "security"
	IssueTypeConflict  = "conflict"
	IssueTypeException = "exception"
)

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(code, diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", code, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", IssueTypeNotFound, resourceType+"/"+id+" not found")
}
