package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medclaim/medclaim/internal/platform/auth"
)

// AuditEntry records who touched which registry resource and how it ended.
type AuditEntry struct {
	Caller     string
	Roles      []string
	Resource   string // records, claims, hospitals, ...
	ResourceID string
	Action     string // read, write, decide
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1 and /fhir request with the authenticated caller.
// Patient data is only ever referenced by id, never copied into the entry.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			resource, id := splitResource(path)
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: statusOf(c, err),
				Resource:   resource,
				ResourceID: id,
				Action:     actionFor(req.Method, path),
				Roles:      auth.RolesFromContext(req.Context()),
			}
			if caller, ok := auth.CallerFromContext(req.Context()); ok {
				entry.Caller = caller.Hex()
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.StatusCode == http.StatusForbidden || entry.StatusCode == http.StatusUnauthorized {
				evt = logger.Warn()
			}
			evt.
				Str("type", "registry_audit").
				Str("request_id", entry.RequestID).
				Str("caller", entry.Caller).
				Strs("roles", entry.Roles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("registry_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/") || strings.HasPrefix(path, "/fhir/")
}

func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// actionFor maps a request to read, write or decide (claim validation).
func actionFor(method, path string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return "read"
	}
	if strings.HasSuffix(path, "/validate") {
		return "decide"
	}
	return "write"
}

// splitResource extracts the collection and the numeric or address id.
//
//	/api/v1/records/12/details     -> records, 12
//	/api/v1/patients/0xabc/claims  -> patients, 0xabc
//	/api/v1/fhir/Claim/3           -> Claim, 3
func splitResource(path string) (string, string) {
	rest := strings.TrimPrefix(path, "/api/v1/")
	rest = strings.TrimPrefix(strings.TrimPrefix(rest, "/fhir/"), "fhir/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "unknown", ""
	}
	if len(segments) > 1 && looksLikeID(segments[1]) {
		return segments[0], segments[1]
	}
	return segments[0], ""
}

func looksLikeID(s string) bool {
	if strings.HasPrefix(s, "0x") && len(s) == 42 {
		return true
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}
