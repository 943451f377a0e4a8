package middleware

import (
	"errors"
	"net/http"
	"path"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medportal/portal/internal/platform/auth"
)

// AccessEntry describes one read of patient data.
type AccessEntry struct {
	Timestamp     time.Time
	RequestID     string
	UserID        string
	ProviderID    string
	PatientID     string
	Resource      string
	AccessTokenID string
	Method        string
	Path          string
	IPAddress     string
	UserAgent     string
	StatusCode    int
}

// AccessLog records every request on the routes it wraps as a "phi_access"
// event, whether or not the read was allowed. The handler runs first so the
// final status is known.
func AccessLog(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			entry := accessEntry(c, err)

			evt := logger.Info()
			if entry.StatusCode >= http.StatusBadRequest {
				evt = logger.Warn()
			}
			evt.
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("provider_id", entry.ProviderID).
				Str("patient_id", entry.PatientID).
				Str("resource", entry.Resource).
				Str("access_token_id", entry.AccessTokenID).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Str("user_agent", entry.UserAgent).
				Int("status", entry.StatusCode).
				Msg("phi_access")
			return err
		}
	}
}

func accessEntry(c echo.Context, err error) AccessEntry {
	req := c.Request()
	caller, _ := auth.CallerFromContext(req.Context())
	entry := AccessEntry{
		Timestamp:  time.Now().UTC(),
		UserID:     caller.UserID,
		ProviderID: caller.ProviderID,
		PatientID:  c.Param("patient_id"),
		Resource:   path.Base(req.URL.Path),
		Method:     req.Method,
		Path:       req.URL.Path,
		IPAddress:  c.RealIP(),
		UserAgent:  req.UserAgent(),
		StatusCode: c.Response().Status,
	}
	entry.RequestID, _ = c.Get("request_id").(string)
	entry.AccessTokenID, _ = c.Get("access_token_id").(string)

	var he *echo.HTTPError
	if errors.As(err, &he) {
		entry.StatusCode = he.Code
	} else if err != nil {
		entry.StatusCode = http.StatusInternalServerError
	}
	return entry
}
