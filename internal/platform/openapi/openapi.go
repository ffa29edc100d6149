// Package openapi serves an OpenAPI 3.0 description of the routes mounted on
// an echo instance.
package openapi

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/medclaim/medclaim/internal/platform/auth"
)

// Generator builds an OpenAPI 3.0 spec from the live route table.
type Generator struct {
	title   string
	version string
	baseURL string
	routes  func() []*echo.Route
}

// NewGenerator creates a generator. routes is read on every request, so
// routes mounted after the generator still show up; pass (*echo.Echo).Routes.
func NewGenerator(title, version, baseURL string, routes func() []*echo.Route) *Generator {
	return &Generator{title: title, version: version, baseURL: baseURL, routes: routes}
}

// GenerateSpec produces the OpenAPI 3.0 spec as a map.
func (g *Generator) GenerateSpec() map[string]interface{} {
	paths := make(map[string]interface{})

	routes := g.routes()
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})

	for _, r := range routes {
		if !documented(r) {
			continue
		}
		path, params := convertPath(r.Path)
		item, _ := paths[path].(map[string]interface{})
		if item == nil {
			item = make(map[string]interface{})
			paths[path] = item
		}

		op := map[string]interface{}{
			"operationId": operationID(r),
			"tags":        []string{tagFor(r.Path)},
			"responses":   responsesFor(r.Method, r.Path),
		}
		if len(params) > 0 {
			op["parameters"] = params
		}
		if r.Method == http.MethodPost {
			op["requestBody"] = map[string]interface{}{
				"required": true,
				"content": map[string]interface{}{
					"application/json": map[string]interface{}{
						"schema": map[string]string{"type": "object"},
					},
				},
			}
		}
		item[strings.ToLower(r.Method)] = op
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   g.title,
			"version": g.version,
		},
		"servers": []map[string]string{
			{"url": g.baseURL},
		},
		"paths": paths,
		"components": map[string]interface{}{
			"schemas": map[string]interface{}{
				"Error": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"message": map[string]string{"type": "string"},
					},
				},
				"OperationOutcome": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"resourceType": map[string]string{"type": "string"},
						"issue":        map[string]interface{}{"type": "array", "items": map[string]string{"type": "object"}},
					},
				},
			},
			"securitySchemes": map[string]interface{}{
				"bearerAuth":   map[string]string{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"},
				"walletHeader": map[string]string{"type": "apiKey", "in": "header", "name": auth.WalletHeader},
			},
		},
		"security": []map[string][]string{
			{"bearerAuth": {}},
			{"walletHeader": {}},
		},
	}
}

func documented(r *echo.Route) bool {
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return false
	}
	if strings.Contains(r.Path, "*") {
		return false
	}
	return !strings.HasSuffix(r.Path, "/openapi.json") && !strings.HasSuffix(r.Path, "/docs")
}

// convertPath turns echo's :name segments into {name} and lists them as
// path parameters.
func convertPath(p string) (string, []map[string]interface{}) {
	segs := strings.Split(p, "/")
	var params []map[string]interface{}
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			name := s[1:]
			segs[i] = "{" + name + "}"
			params = append(params, map[string]interface{}{
				"name":     name,
				"in":       "path",
				"required": true,
				"schema":   map[string]string{"type": "string"},
			})
		}
	}
	return strings.Join(segs, "/"), params
}

// operationID derives an id from the handler name echo recorded, e.g.
// "pkg.(*Handler).GetClaim-fm" becomes "GetClaim".
func operationID(r *echo.Route) string {
	name := r.Name
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	if name == "" || strings.HasPrefix(name, "func") {
		return strings.ToLower(r.Method) + strings.NewReplacer("/", "_", ":", "").Replace(r.Path)
	}
	return name
}

// tagFor groups routes by their first segment below the API prefix.
func tagFor(p string) string {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(segs) >= 3 && segs[0] == "api":
		return segs[2]
	case len(segs) >= 2 && segs[0] == "fhir":
		return "fhir"
	case len(segs) >= 1 && segs[0] != "":
		return segs[0]
	}
	return "default"
}

func responsesFor(method, path string) map[string]interface{} {
	errSchema := "#/components/schemas/Error"
	if strings.HasPrefix(path, "/fhir") {
		errSchema = "#/components/schemas/OperationOutcome"
	}
	errResp := func(desc string) map[string]interface{} {
		return map[string]interface{}{
			"description": desc,
			"content": map[string]interface{}{
				"application/json": map[string]interface{}{
					"schema": map[string]string{"$ref": errSchema},
				},
			},
		}
	}

	ok := "200"
	if method == http.MethodPost && !strings.HasSuffix(path, "/validate") {
		ok = "201"
	}
	return map[string]interface{}{
		ok:    map[string]string{"description": "Success"},
		"400": errResp("Invalid input"),
		"403": errResp("Caller lacks the required role"),
		"404": errResp("Not found"),
	}
}

// docsCSP replaces the API-wide deny-all policy on the Swagger UI page, which
// loads its assets from unpkg and runs one inline script.
const docsCSP = "default-src 'self'; script-src 'self' 'unsafe-inline' https://unpkg.com; " +
	"style-src 'self' 'unsafe-inline' https://unpkg.com; img-src 'self' data:; frame-ancestors 'none'"

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>%s - Swagger UI</title>
  <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" >
  <style>
    html { box-sizing: border-box; overflow-y: scroll; }
    *, *:before, *:after { box-sizing: inherit; }
    body { margin: 0; background: #fafafa; }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "%s",
      dom_id: '#swagger-ui',
      deepLinking: true,
      presets: [
        SwaggerUIBundle.presets.apis,
        SwaggerUIBundle.SwaggerUIStandalonePreset
      ],
      layout: "BaseLayout"
    })
  </script>
</body>
</html>`

// RegisterRoutes registers the OpenAPI endpoints.
func (g *Generator) RegisterRoutes(apiGroup *echo.Group) {
	apiGroup.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	})
	apiGroup.GET("/docs", func(c echo.Context) error {
		c.Response().Header().Set("Content-Security-Policy", docsCSP)
		specURL := strings.TrimSuffix(c.Path(), "/docs") + "/openapi.json"
		return c.HTML(http.StatusOK, fmt.Sprintf(swaggerUIHTML, g.title, specURL))
	})
}
