package openapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

type claimsHandler struct{}

func (claimsHandler) GetClaim(c echo.Context) error      { return c.NoContent(http.StatusOK) }
func (claimsHandler) SubmitClaim(c echo.Context) error   { return c.NoContent(http.StatusCreated) }
func (claimsHandler) ValidateClaim(c echo.Context) error { return c.NoContent(http.StatusOK) }

func newTestEcho() *echo.Echo {
	e := echo.New()
	h := claimsHandler{}
	api := e.Group("/api/v1")
	api.GET("/claims/:id", h.GetClaim)
	api.POST("/claims", h.SubmitClaim)
	api.POST("/claims/:id/validate", h.ValidateClaim)
	e.Group("/fhir").GET("/Claim/:id", h.GetClaim)
	e.GET("/static/*", func(c echo.Context) error { return nil })
	NewGenerator("medclaim registry API", "0.1.0", "http://localhost:8000", e.Routes).RegisterRoutes(api)
	return e
}

func paths(t *testing.T, spec map[string]interface{}) map[string]interface{} {
	t.Helper()
	p, ok := spec["paths"].(map[string]interface{})
	if !ok {
		t.Fatal("expected paths object")
	}
	return p
}

func TestGenerateSpec_Structure(t *testing.T) {
	e := newTestEcho()
	spec := NewGenerator("medclaim registry API", "0.1.0", "http://localhost:8000", e.Routes).GenerateSpec()

	if spec["openapi"] != "3.0.3" {
		t.Errorf("expected openapi '3.0.3', got %v", spec["openapi"])
	}
	info := spec["info"].(map[string]interface{})
	if info["title"] != "medclaim registry API" || info["version"] != "0.1.0" {
		t.Errorf("unexpected info %v", info)
	}
	servers := spec["servers"].([]map[string]string)
	if len(servers) != 1 || servers[0]["url"] != "http://localhost:8000" {
		t.Errorf("unexpected servers %v", servers)
	}

	schemes := spec["components"].(map[string]interface{})["securitySchemes"].(map[string]interface{})
	if _, ok := schemes["bearerAuth"]; !ok {
		t.Error("missing bearerAuth scheme")
	}
	wallet := schemes["walletHeader"].(map[string]string)
	if wallet["name"] != "X-Wallet-Address" {
		t.Errorf("unexpected wallet header scheme %v", wallet)
	}
}

func TestGenerateSpec_Paths(t *testing.T) {
	e := newTestEcho()
	p := paths(t, NewGenerator("t", "v", "", e.Routes).GenerateSpec())

	item, ok := p["/api/v1/claims/{id}"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected converted path, got keys %v", keys(p))
	}
	get := item["get"].(map[string]interface{})
	if get["operationId"] != "GetClaim" {
		t.Errorf("expected operationId GetClaim, got %v", get["operationId"])
	}
	if tags := get["tags"].([]string); len(tags) != 1 || tags[0] != "claims" {
		t.Errorf("unexpected tags %v", tags)
	}
	params := get["parameters"].([]map[string]interface{})
	if len(params) != 1 || params[0]["name"] != "id" || params[0]["in"] != "path" {
		t.Errorf("unexpected parameters %v", params)
	}
	if _, ok := get["requestBody"]; ok {
		t.Error("GET should have no request body")
	}

	post := p["/api/v1/claims"].(map[string]interface{})["post"].(map[string]interface{})
	if _, ok := post["requestBody"]; !ok {
		t.Error("POST should declare a request body")
	}
	if _, ok := post["responses"].(map[string]interface{})["201"]; !ok {
		t.Error("submit should answer 201")
	}

	validate := p["/api/v1/claims/{id}/validate"].(map[string]interface{})["post"].(map[string]interface{})
	if _, ok := validate["responses"].(map[string]interface{})["200"]; !ok {
		t.Error("validate should answer 200")
	}

	fhirGet := p["/fhir/Claim/{id}"].(map[string]interface{})["get"].(map[string]interface{})
	if tags := fhirGet["tags"].([]string); tags[0] != "fhir" {
		t.Errorf("expected fhir tag, got %v", tags)
	}
	notFound := fhirGet["responses"].(map[string]interface{})["404"].(map[string]interface{})
	ref := notFound["content"].(map[string]interface{})["application/json"].(map[string]interface{})["schema"].(map[string]string)["$ref"]
	if !strings.HasSuffix(ref, "OperationOutcome") {
		t.Errorf("FHIR errors should be OperationOutcomes, got %s", ref)
	}
}

func TestGenerateSpec_SkipsInternalRoutes(t *testing.T) {
	e := newTestEcho()
	p := paths(t, NewGenerator("t", "v", "", e.Routes).GenerateSpec())
	for path := range p {
		if strings.Contains(path, "*") || strings.HasSuffix(path, "/openapi.json") || strings.HasSuffix(path, "/docs") {
			t.Errorf("path %s should not be documented", path)
		}
	}
}

func TestGenerateSpec_SeesLateRoutes(t *testing.T) {
	e := newTestEcho()
	g := NewGenerator("t", "v", "", e.Routes)
	e.GET("/api/v1/records/:id", claimsHandler{}.GetClaim)

	if _, ok := paths(t, g.GenerateSpec())["/api/v1/records/{id}"]; !ok {
		t.Error("routes mounted after the generator should be documented")
	}
}

func TestOperationID_Fallback(t *testing.T) {
	got := operationID(&echo.Route{Method: http.MethodGet, Path: "/api/v1/claims/:id", Name: "main.newServer.func1"})
	if got != "get_api_v1_claims_id" {
		t.Errorf("unexpected fallback id %q", got)
	}
}

func TestRegisterRoutes(t *testing.T) {
	e := newTestEcho()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/openapi.json", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var spec map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &spec); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if spec["openapi"] != "3.0.3" {
		t.Errorf("unexpected spec %v", spec["openapi"])
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/docs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `url: "/api/v1/openapi.json"`) {
		t.Error("docs page should load the spec from the API group")
	}
	if csp := rec.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "https://unpkg.com") {
		t.Errorf("docs page needs a policy that allows the Swagger UI assets, got %q", csp)
	}
}

func keys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
