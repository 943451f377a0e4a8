package consent

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medportal/portal/internal/domain/patient"
	"github.com/medportal/portal/internal/domain/provider"
	"github.com/medportal/portal/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the consent endpoints. mw is applied to the consent
// group only, typically a stricter rate limit.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	g := api.Group("/consent", mw...)
	g.POST("/issue", h.Issue)
	g.POST("/resend", h.Resend)
	g.POST("/verify", h.Verify)
	g.GET("/session", h.Status)
}

type pairRequest struct {
	ProviderID string `json:"provider_id" query:"provider_id"`
	PatientID  string `json:"patient_id" query:"patient_id"`
	Code       string `json:"code"`
}

// bindPair parses the pair and checks the caller may act for the provider.
func bindPair(c echo.Context) (pairRequest, uuid.UUID, uuid.UUID, error) {
	var req pairRequest
	if err := c.Bind(&req); err != nil {
		return req, uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil {
		return req, uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		return req, uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	caller, _ := auth.CallerFromContext(c.Request().Context())
	if !caller.CanActFor(providerID.String()) {
		return req, uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "caller may not act for this provider")
	}
	return req, providerID, patientID, nil
}

type issueResponse struct {
	SessionIssued bool      `json:"session_issued"`
	SessionID     uuid.UUID `json:"session_id"`
}

type deliveryFailedResponse struct {
	Error     string    `json:"error"`
	SessionID uuid.UUID `json:"session_id"`
}

func (h *Handler) Issue(c echo.Context) error {
	_, providerID, patientID, err := bindPair(c)
	if err != nil {
		return err
	}
	id, err := h.svc.Issue(c.Request().Context(), providerID, patientID)
	return h.issued(c, id, err)
}

func (h *Handler) Resend(c echo.Context) error {
	_, providerID, patientID, err := bindPair(c)
	if err != nil {
		return err
	}
	id, err := h.svc.Resend(c.Request().Context(), providerID, patientID)
	return h.issued(c, id, err)
}

func (h *Handler) issued(c echo.Context, id uuid.UUID, err error) error {
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, issueResponse{SessionIssued: true, SessionID: id})
	case errors.Is(err, ErrDeliveryFailed):
		return c.JSON(http.StatusBadGateway, deliveryFailedResponse{Error: "DeliveryFailed", SessionID: id})
	case errors.Is(err, provider.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "ProviderNotFound")
	case errors.Is(err, patient.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "PatientNotFound")
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, Reason(err))
	case errors.Is(err, ErrNoActiveSession):
		return echo.NewHTTPError(http.StatusConflict, Reason(err))
	}
	return err
}

type verifyResponse struct {
	Granted bool `json:"granted"`
}

func (h *Handler) Verify(c echo.Context) error {
	req, providerID, patientID, err := bindPair(c)
	if err != nil {
		return err
	}
	if req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}

	err = h.svc.Verify(c.Request().Context(), providerID, patientID, req.Code)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, verifyResponse{Granted: true})
	case errors.Is(err, ErrCodeExpired):
		return echo.NewHTTPError(http.StatusGone, Reason(err))
	case errors.Is(err, ErrTooManyAttempts):
		return echo.NewHTTPError(http.StatusTooManyRequests, Reason(err))
	case errors.Is(err, ErrCodeMismatch):
		return echo.NewHTTPError(http.StatusBadRequest, Reason(err))
	}
	return err
}

func (h *Handler) Status(c echo.Context) error {
	_, providerID, patientID, err := bindPair(c)
	if err != nil {
		return err
	}
	view, err := h.svc.Status(c.Request().Context(), providerID, patientID)
	if errors.Is(err, ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, Reason(err))
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}
