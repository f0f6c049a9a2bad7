package patient

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/vitalwatch/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	clinical := g.Group("", auth.RequireRole(auth.RoleClinician))
	clinical.POST("/patients", h.CreatePatient)
	clinical.GET("/patients/critical", h.ListCriticalPatients)
	clinical.GET("/patients/:id", h.GetPatient)
	clinical.PUT("/patients/:id/clinical-data", h.AddObservation)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var in CreatePatientInput
	if err := c.Bind(&in); err != nil {
		return httpError(bindError(err), http.StatusBadRequest)
	}
	p, err := h.svc.CreatePatient(c.Request().Context(), in)
	if err != nil {
		return httpError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.svc.GetPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err, http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) AddObservation(c echo.Context) error {
	var in ObservationInput
	if err := c.Bind(&in); err != nil {
		return httpError(bindError(err), http.StatusBadRequest)
	}
	p, err := h.svc.AddObservation(c.Request().Context(), c.Param("id"), in)
	if err != nil {
		return httpError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListCriticalPatients(c echo.Context) error {
	patients, err := h.svc.ListCriticalPatients(c.Request().Context())
	if err != nil {
		return httpError(err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, patients)
}

// bindError turns a malformed request body into a ValidationError.
func bindError(err error) error {
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if s, ok := he.Message.(string); ok {
			msg = s
		}
	}
	return newValidationError("body", msg, err)
}

// httpError maps domain errors to HTTP errors. fallback is the status for
// errors of no known kind.
func httpError(err error, fallback int) error {
	var verr *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
	case errors.Is(err, ErrInvalidID):
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid patient id")
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]any{
			"message": "Validation failed",
			"errors":  verr.Fields,
		}).SetInternal(err)
	case errors.Is(err, ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Patient store unavailable").SetInternal(err)
	}
	return echo.NewHTTPError(fallback, err.Error()).SetInternal(err)
}
