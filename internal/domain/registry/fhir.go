package registry

import (
	"github.com/shopspring/decimal"

	"github.com/medclaim/medclaim/internal/platform/fhir"
)

const (
	claimTypeSystem   = "http://terminology.hl7.org/CodeSystem/claim-type"
	processPriority   = "http://terminology.hl7.org/CodeSystem/processpriority"
	supportInfoSystem = "http://terminology.hl7.org/CodeSystem/claiminformationcategory"
	claimProfile      = "http://hl7.org/fhir/StructureDefinition/Claim"
	responseProfile   = "http://hl7.org/fhir/StructureDefinition/ClaimResponse"
	costCurrency      = "USD"
)

// ToFHIR projects a claim and the record it covers onto an R4 Claim. The
// record's content reference is carried as supporting information.
func (cl *Claim) ToFHIR(rec *MedicalRecord) fhir.Claim {
	out := fhir.Claim{
		Resource: fhir.Resource{
			ResourceType: "Claim",
			ID:           cl.ID.String(),
			Meta:         &fhir.Meta{Profile: []string{claimProfile}},
		},
		Identifier: []fhir.Identifier{{System: "urn:medclaim:claim", Value: cl.ID.String()}},
		Status:     "active",
		Type:       fhir.Concept(claimTypeSystem, "institutional", "Institutional"),
		Use:        "claim",
		Patient:    fhir.WalletReference("Patient", cl.Patient.Hex()),
		Created:    cl.CreatedAt,
		Insurer:    fhir.WalletReference("Organization", cl.Insurer.Hex()),
		Priority:   fhir.Concept(processPriority, "normal", "Normal"),
		Insurance: []fhir.ClaimInsurance{{
			Sequence: 1,
			Focal:    true,
			Coverage: &fhir.Reference{Display: "coverage held by " + cl.Insurer.Hex()},
		}},
	}
	if cl.DecidedAt != nil {
		out.Meta.LastUpdated = cl.DecidedAt
	}
	if rec != nil {
		out.Provider = fhir.WalletReference("Organization", rec.Hospital.Hex())
		out.Total = &fhir.Money{Value: decimal.NewFromInt(rec.Cost), Currency: costCurrency}
		out.SupportingInfo = []fhir.ClaimSupportingInfo{{
			Sequence:    1,
			Category:    fhir.Concept(supportInfoSystem, "info", "Information"),
			ValueString: rec.ContentRef,
		}}
	}
	return out
}

// ToFHIRResponse projects a decided claim onto an R4 ClaimResponse. It
// returns nil while the claim is pending.
func (cl *Claim) ToFHIRResponse() *fhir.ClaimResponse {
	if !cl.Status.Terminal() || cl.DecidedAt == nil {
		return nil
	}
	return &fhir.ClaimResponse{
		Resource: fhir.Resource{
			ResourceType: "ClaimResponse",
			ID:           cl.ID.String(),
			Meta:         &fhir.Meta{Profile: []string{responseProfile}, LastUpdated: cl.DecidedAt},
		},
		Status:      "active",
		Type:        fhir.Concept(claimTypeSystem, "institutional", "Institutional"),
		Use:         "claim",
		Patient:     fhir.WalletReference("Patient", cl.Patient.Hex()),
		Created:     *cl.DecidedAt,
		Insurer:     fhir.WalletReference("Organization", cl.Insurer.Hex()),
		Request:     &fhir.Reference{Reference: fhir.FormatReference("Claim", cl.ID.String())},
		Outcome:     "complete",
		Disposition: cl.Status.String(),
	}
}
