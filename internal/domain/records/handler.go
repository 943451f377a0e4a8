package records

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medportal/portal/internal/domain/access"
	"github.com/medportal/portal/internal/domain/provider"
	"github.com/medportal/portal/pkg/pagination"
)

type Handler struct {
	store  Store
	logger zerolog.Logger
}

func NewHandler(store Store, logger zerolog.Logger) *Handler {
	return &Handler{store: store, logger: logger.With().Str("component", "records").Logger()}
}

// RegisterRoutes mounts the record endpoints behind mw, which must include
// access.RequireAccessToken.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	g := api.Group("/records/:patient_id", mw...)
	g.GET("/prescriptions", h.Prescriptions)
	g.GET("/health-metrics", h.HealthMetrics)
}

// authorize checks the request's access token against the path patient and
// the scope the endpoint serves.
func authorize(c echo.Context, scope string) (uuid.UUID, error) {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	tok, ok := access.TokenFromContext(c.Request().Context())
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
	}
	if tok.PatientID != patientID {
		return uuid.Nil, fmt.Errorf("%w: token issued for another patient", ErrUnauthorized)
	}
	if !tok.Covers(scope) {
		return uuid.Nil, fmt.Errorf("%w: scope %q not granted", ErrUnauthorized, scope)
	}
	return patientID, nil
}

func (h *Handler) denied(c echo.Context, err error) error {
	if errors.Is(err, ErrUnauthorized) {
		h.logger.Warn().Err(err).
			Str("path", c.Path()).
			Str("patient_id", c.Param("patient_id")).
			Msg("record access refused")
		return echo.NewHTTPError(http.StatusForbidden, "Unauthorized")
	}
	return err
}

func (h *Handler) Prescriptions(c echo.Context) error {
	patientID, err := authorize(c, provider.ScopePrescriptions)
	if err != nil {
		return h.denied(c, err)
	}
	pg := pagination.FromContext(c)
	items, total, err := h.store.Prescriptions(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) HealthMetrics(c echo.Context) error {
	patientID, err := authorize(c, provider.ScopeHealthMetrics)
	if err != nil {
		return h.denied(c, err)
	}
	pg := pagination.FromContext(c)
	items, total, err := h.store.HealthMetrics(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
