package registry

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"

	"github.com/medclaim/medclaim/internal/platform/auth"
	"github.com/medclaim/medclaim/internal/platform/fhir"
	"github.com/medclaim/medclaim/pkg/pagination"
)

type Handler struct {
	reg *Registry
	q   *QueryFacade
}

func NewHandler(reg *Registry) *Handler {
	return &Handler{reg: reg, q: reg.Queries()}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	// Writes need a caller; the registry decides what that caller may do.
	caller := auth.RequireCaller()
	api.POST("/hospitals", h.AddHospital, caller)
	api.POST("/insurers", h.AddInsurance, caller)
	api.POST("/records", h.SubmitMedicalRecord, caller)
	api.POST("/claims", h.SubmitClaim, caller)
	api.POST("/claims/:id/validate", h.ValidateClaim, caller)

	api.GET("/hospitals", h.ListHospitals)
	api.GET("/insurers", h.ListInsurers)
	api.GET("/identities/:address", h.GetIdentity)
	api.GET("/records/:id", h.GetRecord)
	api.GET("/records/:id/details", h.GetRecordDetails)
	api.GET("/records/:id/claims", h.ListRecordClaims)
	api.GET("/claims/:id", h.GetClaim)
	api.GET("/claims/:id/status", h.GetClaimStatus)
	api.GET("/patients/:address/records", h.ListPatientRecords)
	api.GET("/patients/:address/claims", h.ListPatientClaims)
	api.GET("/patients/:address/overview", h.PatientOverview)
	api.GET("/hospitals/:address/patients", h.ListHospitalPatients)
	api.GET("/insurers/:address/claims", h.InsurerQueue)
	api.GET("/stats", h.Stats)
	api.GET("/ledger/events", h.ListEvents, auth.RequireRole(RoleAdmin))

	fhirGroup.GET("/Claim", h.SearchClaimsFHIR)
	fhirGroup.GET("/Claim/:id", h.GetClaimFHIR)
	fhirGroup.GET("/ClaimResponse/:id", h.GetClaimResponseFHIR)
}

// httpError maps registry error kinds onto status codes. Anything else is
// left for echo to render as a 500.
func httpError(err error) error {
	switch KindOf(err) {
	case KindUnauthorized:
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case KindNotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case KindAlreadyProcessed:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case KindInvalidInput:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return err
}

func addressParam(c echo.Context, name string) (common.Address, error) {
	return parseAddress(c.Param(name), name)
}

func parseAddress(s, field string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, echo.NewHTTPError(http.StatusBadRequest, "invalid "+field)
	}
	return common.HexToAddress(s), nil
}

func callerOf(c echo.Context) common.Address {
	addr, _ := auth.CallerFromContext(c.Request().Context())
	return addr
}

// -- Identity Handlers --

type identityRequest struct {
	Address string `json:"address"`
}

func (h *Handler) AddHospital(c echo.Context) error {
	return h.grantRole(c, h.reg.AddHospital)
}

func (h *Handler) AddInsurance(c echo.Context) error {
	return h.grantRole(c, h.reg.AddInsurance)
}

func (h *Handler) grantRole(c echo.Context, grant func(ctx context.Context, caller, address common.Address) error) error {
	var req identityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	addr, err := parseAddress(req.Address, "address")
	if err != nil {
		return err
	}
	if err := grant(c.Request().Context(), callerOf(c), addr); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, h.identity(addr))
}

func (h *Handler) ListHospitals(c echo.Context) error {
	return c.JSON(http.StatusOK, pagination.Respond(h.q.ListHospitals(), pagination.FromContext(c)))
}

func (h *Handler) ListInsurers(c echo.Context) error {
	return c.JSON(http.StatusOK, pagination.Respond(h.q.ListInsurers(), pagination.FromContext(c)))
}

type identityResponse struct {
	Address    common.Address `json:"address"`
	Role       string         `json:"role"`
	IsAdmin    bool           `json:"is_admin"`
	IsHospital bool           `json:"is_hospital"`
	IsInsurer  bool           `json:"is_insurer"`
}

func (h *Handler) identity(addr common.Address) identityResponse {
	return identityResponse{
		Address:    addr,
		Role:       h.q.RoleOf(addr),
		IsAdmin:    addr == h.q.Admin(),
		IsHospital: h.q.IsHospital(addr),
		IsInsurer:  h.q.IsInsurer(addr),
	}
}

func (h *Handler) GetIdentity(c echo.Context) error {
	addr, err := addressParam(c, "address")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.identity(addr))
}

// -- Record Handlers --

type recordRequest struct {
	Patient    string `json:"patient"`
	ContentRef string `json:"content_ref"`
	Cost       int64  `json:"cost"`
}

func (h *Handler) SubmitMedicalRecord(c echo.Context) error {
	var req recordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	patient, err := parseAddress(req.Patient, "patient")
	if err != nil {
		return err
	}
	id, err := h.reg.SubmitMedicalRecord(c.Request().Context(), callerOf(c), patient, req.ContentRef, req.Cost)
	if err != nil {
		return httpError(err)
	}
	rec, err := h.q.GetRecord(id)
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set("Location", "/api/v1/records/"+id.String())
	return c.JSON(http.StatusCreated, rec)
}

func recordIDParam(c echo.Context) (RecordID, error) {
	id, err := ParseRecordID(c.Param("id"))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := recordIDParam(c)
	if err != nil {
		return err
	}
	rec, err := h.q.GetRecord(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetRecordDetails(c echo.Context) error {
	id, err := recordIDParam(c)
	if err != nil {
		return err
	}
	view, err := h.q.GetRecordAndClaimDetails(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) ListRecordClaims(c echo.Context) error {
	id, err := recordIDParam(c)
	if err != nil {
		return err
	}
	if _, err := h.q.GetRecord(id); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Respond(h.q.ClaimsForRecord(id), pagination.FromContext(c)))
}

// -- Claim Handlers --

type claimRequest struct {
	RecordID RecordID `json:"record_id"`
	Insurer  string   `json:"insurer"`
}

func (h *Handler) SubmitClaim(c echo.Context) error {
	var req claimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	insurer, err := parseAddress(req.Insurer, "insurer")
	if err != nil {
		return err
	}
	id, err := h.reg.SubmitClaim(c.Request().Context(), callerOf(c), req.RecordID, insurer)
	if err != nil {
		return httpError(err)
	}
	cl, err := h.q.GetClaim(id)
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set("Location", "/api/v1/claims/"+id.String())
	return c.JSON(http.StatusCreated, cl)
}

type validateRequest struct {
	Approve *bool `json:"approve"`
}

func claimIDParam(c echo.Context) (ClaimID, error) {
	id, err := ParseClaimID(c.Param("id"))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) ValidateClaim(c echo.Context) error {
	id, err := claimIDParam(c)
	if err != nil {
		return err
	}
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Approve == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "approve is required")
	}
	if err := h.reg.ValidateClaim(c.Request().Context(), callerOf(c), id, *req.Approve); err != nil {
		return httpError(err)
	}
	cl, err := h.q.GetClaim(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := claimIDParam(c)
	if err != nil {
		return err
	}
	cl, err := h.q.GetClaim(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

type statusResponse struct {
	ClaimID ClaimID     `json:"claim_id"`
	Status  ClaimStatus `json:"status"`
	Code    uint8       `json:"code"`
}

func (h *Handler) GetClaimStatus(c echo.Context) error {
	id, err := claimIDParam(c)
	if err != nil {
		return err
	}
	st, err := h.q.GetClaimStatus(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, statusResponse{ClaimID: id, Status: st, Code: uint8(st)})
}

// -- Party Views --

func (h *Handler) ListPatientRecords(c echo.Context) error {
	patient, err := addressParam(c, "address")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Respond(h.q.RecordsOf(patient), pagination.FromContext(c)))
}

func (h *Handler) ListPatientClaims(c echo.Context) error {
	patient, err := addressParam(c, "address")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Respond(h.q.ClaimsOf(patient), pagination.FromContext(c)))
}

func (h *Handler) PatientOverview(c echo.Context) error {
	patient, err := addressParam(c, "address")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Respond(h.q.PatientOverview(patient), pagination.FromContext(c)))
}

func (h *Handler) ListHospitalPatients(c echo.Context) error {
	hospital, err := addressParam(c, "address")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Respond(h.q.PatientsOf(hospital), pagination.FromContext(c)))
}

func (h *Handler) InsurerQueue(c echo.Context) error {
	insurer, err := addressParam(c, "address")
	if err != nil {
		return err
	}
	var only *ClaimStatus
	if s := c.QueryParam("status"); s != "" {
		st, err := ParseClaimStatus(s)
		if err != nil || st == StatusNotClaimed {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
		only = &st
	}
	return c.JSON(http.StatusOK, pagination.Respond(h.q.InsurerQueue(insurer, only), pagination.FromContext(c)))
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.q.Stats())
}

// -- Ledger --

const maxEventsPerPage = 500

type eventsResponse struct {
	Events []Event `json:"events"`
	Height uint64  `json:"height"`
	Next   uint64  `json:"next"`
}

func (h *Handler) ListEvents(c echo.Context) error {
	var from uint64
	if s := c.QueryParam("from"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from")
		}
		from = v
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > maxEventsPerPage {
		limit = maxEventsPerPage
	}
	events, err := h.q.Events(c.Request().Context(), from, limit)
	if err != nil {
		return err
	}
	if events == nil {
		events = []Event{}
	}
	return c.JSON(http.StatusOK, eventsResponse{
		Events: events,
		Height: h.q.Height(),
		Next:   from + uint64(len(events)),
	})
}

// -- FHIR Handlers --

func fhirError(c echo.Context, err error) error {
	switch KindOf(err) {
	case KindNotFound:
		return c.JSON(http.StatusNotFound, fhir.ErrorOutcome(fhir.IssueTypeNotFound, err.Error()))
	case KindInvalidInput:
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(fhir.IssueTypeInvalid, err.Error()))
	}
	return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(fhir.IssueTypeException, err.Error()))
}

func (h *Handler) claimResource(id ClaimID) (fhir.Claim, error) {
	cl, err := h.q.GetClaim(id)
	if err != nil {
		return fhir.Claim{}, err
	}
	rec, err := h.q.GetRecord(cl.RecordID)
	if err != nil {
		return fhir.Claim{}, err
	}
	return cl.ToFHIR(rec), nil
}

func (h *Handler) GetClaimFHIR(c echo.Context) error {
	id, err := ParseClaimID(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Claim", c.Param("id")))
	}
	res, err := h.claimResource(id)
	if err != nil {
		return fhirError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetClaimResponseFHIR(c echo.Context) error {
	id, err := ParseClaimID(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("ClaimResponse", c.Param("id")))
	}
	cl, err := h.q.GetClaim(id)
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("ClaimResponse", c.Param("id")))
	}
	resp := cl.ToFHIRResponse()
	if resp == nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("ClaimResponse", c.Param("id")))
	}
	return c.JSON(http.StatusOK, resp)
}

// SearchClaimsFHIR answers Claim?patient=<address> or Claim?insurer=<address>.
func (h *Handler) SearchClaimsFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)

	var (
		ids   []ClaimID
		query string
	)
	switch {
	case c.QueryParam("patient") != "":
		patient, err := parseAddress(c.QueryParam("patient"), "patient")
		if err != nil {
			return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(fhir.IssueTypeInvalid, "invalid patient"))
		}
		ids = h.q.ClaimsOf(patient)
		query = "patient=" + patient.Hex()
	case c.QueryParam("insurer") != "":
		insurer, err := parseAddress(c.QueryParam("insurer"), "insurer")
		if err != nil {
			return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(fhir.IssueTypeInvalid, "invalid insurer"))
		}
		ids = h.q.ClaimsForInsurer(insurer)
		query = "insurer=" + insurer.Hex()
	default:
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(fhir.IssueTypeInvalid, "patient or insurer search parameter is required"))
	}

	window := pagination.Page(ids, pg)
	resources := make([]fhir.Identified, 0, len(window))
	for _, id := range window {
		res, err := h.claimResource(id)
		if err != nil {
			return fhirError(c, err)
		}
		resources = append(resources, res)
	}
	bundle, err := fhir.NewSearchBundle(resources, fhir.SearchBundleParams{
		BaseURL:  "/fhir/Claim",
		QueryStr: query,
		Count:    pg.Limit,
		Offset:   pg.Offset,
		Total:    len(ids),
	})
	if err != nil {
		return fhirError(c, err)
	}
	return c.JSON(http.StatusOK, bundle)
}
