package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/vitalwatch/internal/platform/auth"
	"github.com/ehr/vitalwatch/internal/platform/db"
)

// AccessEntry describes one access to patient data.
type AccessEntry struct {
	RequestID string
	UserID    string
	UserRoles []string
	TenantID  string
	PatientID string
	Action    string // read, create, update, list
	Method    string
	Path      string
	RemoteIP  string
	Status    int
}

// Audit logs an access entry for every request under /patients, after the
// handler has run. Entries go to logger with type "phi_access". Identity and
// tenant are read from the request context once next returns, so Audit may
// sit ahead of the auth and tenant middleware.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/patients") {
				return next(c)
			}

			err := next(c)

			entry := accessEntry(c, err)
			evt := logger.Info()
			if entry.Status >= http.StatusBadRequest {
				evt = logger.Warn()
			}
			evt.
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("tenant_id", entry.TenantID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.RemoteIP).
				Int("status", entry.Status).
				Msg("phi_access")

			return err
		}
	}
}

func accessEntry(c echo.Context, err error) AccessEntry {
	req := c.Request()
	ctx := req.Context()

	entry := AccessEntry{
		UserID:    auth.UserIDFromContext(ctx),
		UserRoles: auth.RolesFromContext(ctx),
		Method:    req.Method,
		Path:      req.URL.Path,
		RemoteIP:  c.RealIP(),
		Status:    c.Response().Status,
		PatientID: patientIDFromPath(req.URL.Path),
		TenantID:  db.TenantFromContext(ctx),
	}
	entry.RequestID, _ = c.Get(RequestIDKey).(string)
	if he, ok := err.(*echo.HTTPError); ok {
		entry.Status = he.Code
	}

	switch {
	case req.Method == http.MethodPost:
		entry.Action = "create"
	case req.Method == http.MethodPut || req.Method == http.MethodPatch:
		entry.Action = "update"
	case entry.PatientID == "":
		entry.Action = "list"
	default:
		entry.Action = "read"
	}
	return entry
}

// patientIDFromPath returns the id segment of /patients/<uuid>[/...].
func patientIDFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/patients/")
	if !ok {
		return ""
	}
	seg, _, _ := strings.Cut(rest, "/")
	if _, err := uuid.Parse(seg); err != nil {
		return ""
	}
	return seg
}
