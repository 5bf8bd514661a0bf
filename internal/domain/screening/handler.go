package screening

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/visionpath/screening/internal/domain"
	"github.com/visionpath/screening/internal/domain/assessment"
	"github.com/visionpath/screening/internal/domain/decision"
	"github.com/visionpath/screening/internal/domain/manufacturing"
	"github.com/visionpath/screening/internal/domain/prescription"
	"github.com/visionpath/screening/internal/domain/registration"
	"github.com/visionpath/screening/internal/platform/auth"
	"github.com/visionpath/screening/pkg/pagination"
)

// Roles recognised by the API. Admin passes every guard.
const (
	RoleExaminer    = "examiner"
	RoleClinician   = "clinician"
	RoleOptician    = "optician"
	RoleCoordinator = "coordinator"
)

type Handler struct {
	c *Coordinator
}

func NewHandler(c *Coordinator) *Handler {
	return &Handler{c: c}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := auth.RequireRole(RoleExaminer, RoleClinician, RoleOptician, RoleCoordinator)
	exam := auth.RequireRole(RoleExaminer, RoleClinician)
	clinical := auth.RequireRole(RoleClinician)
	lab := auth.RequireRole(RoleClinician, RoleOptician)
	care := auth.RequireRole(RoleExaminer, RoleClinician, RoleCoordinator)
	manage := auth.RequireRole(RoleClinician, RoleCoordinator)

	api.GET("/sessions", h.ListSessions, read)
	api.POST("/sessions", h.StartSession, exam)
	api.GET("/sessions/stale", h.ListStaleSessions, manage)
	api.GET("/sessions/:id", h.GetSession, read)
	api.GET("/sessions/:id/detail", h.GetSessionDetail, read)
	api.GET("/sessions/:id/audit", h.GetAuditTrail, manage)

	api.POST("/sessions/:id/assessment", h.BeginAssessment, exam)
	api.POST("/sessions/:id/assessment/paths", h.SubmitAssessmentPath, exam)
	api.POST("/sessions/:id/decisions", h.RecordClinicalDecision, clinical)
	api.POST("/sessions/:id/decisions/:decisionId/supersede", h.SupersedeDecision, clinical)
	api.POST("/sessions/:id/detailed-measurement", h.RecordDetailedMeasurement, clinical)
	api.POST("/sessions/:id/prescription", h.CreatePrescription, clinical)
	api.PUT("/sessions/:id/prescription", h.UpdatePrescription, clinical)
	api.POST("/sessions/:id/orders", h.PlaceOrder, lab)
	api.POST("/sessions/:id/orders/advance", h.AdvanceOrder, lab)
	api.POST("/sessions/:id/orders/remake", h.RequestRemake, lab)
	api.POST("/sessions/:id/followups", h.ScheduleFollowUp, care)
	api.POST("/sessions/:id/abandon", h.Abandon, manage)
	api.POST("/sessions/:id/cancel", h.Cancel, manage)

	api.GET("/followups/due", h.ListDueFollowUps, care)
	api.POST("/followups/:id/resolve", h.ResolveFollowUp, care)
}

// httpError maps the domain taxonomy onto status codes.
func httpError(err error) error {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return &echo.HTTPError{Code: http.StatusUnprocessableEntity, Message: map[string]interface{}{
			"message": "validation failed",
			"fields":  ve.Fields,
		}}
	case errors.Is(err, domain.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrDuplicateActiveSession),
		errors.Is(err, domain.ErrStaleWrite):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrDependencyUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "record store unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func actor(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	return nil
}

func (h *Handler) StartSession(c echo.Context) error {
	var in registration.Intake
	if err := bind(c, &in); err != nil {
		return err
	}
	if in.ExaminerRef == "" {
		in.ExaminerRef = actor(c)
	}
	s, err := h.c.StartSession(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, s)
}

func (h *Handler) ListSessions(c echo.Context) error {
	patient := c.QueryParam("patient_ref")
	if patient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_ref is required")
	}
	pg := pagination.FromContext(c)
	items, err := h.c.ListSessionsByPatient(c.Request().Context(), patient, pg.Fetch(), pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pg))
}

func (h *Handler) GetSession(c echo.Context) error {
	s, err := h.c.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) GetSessionDetail(c echo.Context) error {
	d, err := h.c.GetSessionDetail(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) GetAuditTrail(c echo.Context) error {
	entries, err := h.c.AuditTrail(c.Request().Context(), c.Param("id"))
	if errors.Is(err, domain.ErrCorrupt) && entries != nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries, "verified": false, "error": err.Error()})
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries, "verified": true})
}

func (h *Handler) ListStaleSessions(c echo.Context) error {
	stale, err := h.c.FindStaleSessions(c.Request().Context(), h.c.now())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stale)
}

func (h *Handler) BeginAssessment(c echo.Context) error {
	var r registration.Readiness
	if err := bind(c, &r); err != nil {
		return err
	}
	s, err := h.c.BeginAssessment(c.Request().Context(), c.Param("id"), r, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) SubmitAssessmentPath(c echo.Context) error {
	var p assessment.PathResult
	if err := bind(c, &p); err != nil {
		return err
	}
	out, err := h.c.SubmitAssessmentPath(c.Request().Context(), c.Param("id"), p, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) RecordClinicalDecision(c echo.Context) error {
	var in decision.Input
	if err := bind(c, &in); err != nil {
		return err
	}
	d, err := h.c.RecordClinicalDecision(c.Request().Context(), c.Param("id"), in, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

type supersedeRequest struct {
	decision.Input
	Reason string `json:"reason"`
}

func (h *Handler) SupersedeDecision(c echo.Context) error {
	var req supersedeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	d, err := h.c.SupersedeDecision(c.Request().Context(), c.Param("id"), c.Param("decisionId"), req.Input, req.Reason, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) RecordDetailedMeasurement(c echo.Context) error {
	var m decision.DetailedMeasurement
	if err := bind(c, &m); err != nil {
		return err
	}
	rec, err := h.c.RecordDetailedMeasurement(c.Request().Context(), c.Param("id"), m, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) CreatePrescription(c echo.Context) error {
	var in prescription.Input
	if err := bind(c, &in); err != nil {
		return err
	}
	p, err := h.c.CreatePrescription(c.Request().Context(), c.Param("id"), in, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) UpdatePrescription(c echo.Context) error {
	var in prescription.Input
	if err := bind(c, &in); err != nil {
		return err
	}
	p, err := h.c.UpdatePrescription(c.Request().Context(), c.Param("id"), in, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) PlaceOrder(c echo.Context) error {
	var pl manufacturing.Placement
	if err := bind(c, &pl); err != nil {
		return err
	}
	o, err := h.c.PlaceManufacturingOrder(c.Request().Context(), c.Param("id"), pl, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) AdvanceOrder(c echo.Context) error {
	var req AdvanceRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	o, err := h.c.AdvanceManufacturing(c.Request().Context(), c.Param("id"), req, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) RequestRemake(c echo.Context) error {
	var req RemakeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	o, err := h.c.RequestRemake(c.Request().Context(), c.Param("id"), req, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, o)
}

type scheduleRequest struct {
	DueAt time.Time `json:"due_at"`
	Note  string    `json:"note"`
}

func (h *Handler) ScheduleFollowUp(c echo.Context) error {
	var req scheduleRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	f, err := h.c.ScheduleFollowUp(c.Request().Context(), c.Param("id"), req.DueAt, req.Note, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, f)
}

func (h *Handler) ResolveFollowUp(c echo.Context) error {
	var r FollowUpResolution
	if err := bind(c, &r); err != nil {
		return err
	}
	r.By = actor(c)
	f, err := h.c.ResolveFollowUp(c.Request().Context(), c.Param("id"), r)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) ListDueFollowUps(c echo.Context) error {
	asOf := h.c.now()
	if v := c.QueryParam("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "as_of must be RFC3339")
		}
		asOf = t
	}
	pg := pagination.FromContext(c)
	items, err := h.c.ListDueFollowUps(c.Request().Context(), asOf, pg.Fetch(), pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pg))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Abandon(c echo.Context) error {
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	s, err := h.c.Abandon(c.Request().Context(), c.Param("id"), req.Reason, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) Cancel(c echo.Context) error {
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	s, err := h.c.Cancel(c.Request().Context(), c.Param("id"), req.Reason, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}
