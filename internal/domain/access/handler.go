package access

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medportal/portal/internal/platform/auth"
)

type Handler struct {
	gate *Gate
}

func NewHandler(gate *Gate) *Handler {
	return &Handler{gate: gate}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/access/authorize", h.Authorize)
}

type authorizeRequest struct {
	ProviderID string `json:"provider_id"`
	PatientID  string `json:"patient_id"`
}

func (h *Handler) Authorize(c echo.Context) error {
	var req authorizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	caller, _ := auth.CallerFromContext(c.Request().Context())
	if !caller.CanActFor(providerID.String()) {
		return echo.NewHTTPError(http.StatusForbidden, "caller may not act for this provider")
	}

	grant, err := h.gate.Authorize(c.Request().Context(), providerID, patientID)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, grant)
	case errors.Is(err, ErrProviderNotVerified), errors.Is(err, ErrNoValidConsent):
		return echo.NewHTTPError(http.StatusForbidden, Reason(err))
	}
	return err
}
