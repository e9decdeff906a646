package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labgate/labgate/internal/dispatch"
	"github.com/labgate/labgate/internal/domain/audit"
	"github.com/labgate/labgate/internal/domain/results"
	"github.com/labgate/labgate/internal/mapping"
	"github.com/labgate/labgate/internal/platform/metrics"
	"github.com/labgate/labgate/internal/platform/middleware"
)

// Handler exposes the operator API: inspection of the pipeline, manual
// resend, forced closure, and mapping reload.
type Handler struct {
	repo       results.Repository
	ingestor   *results.Ingestor
	audit      *audit.Service
	resolver   *mapping.Resolver
	dispatcher *dispatch.Dispatcher
	log        zerolog.Logger
}

func NewHandler(repo results.Repository, ingestor *results.Ingestor, auditSvc *audit.Service, resolver *mapping.Resolver, dispatcher *dispatch.Dispatcher, log zerolog.Logger) *Handler {
	return &Handler{
		repo:       repo,
		ingestor:   ingestor,
		audit:      auditSvc,
		resolver:   resolver,
		dispatcher: dispatcher,
		log:        log,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo, api *echo.Group) {
	e.GET("/healthz", h.Health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api.GET("/observations", h.ListObservations)
	api.GET("/observations/:id", h.GetObservation)
	api.GET("/observations/:id/timeline", h.ObservationTimeline)
	api.POST("/observations/:id/resend", h.ResendObservation)

	api.GET("/exams/:id", h.GetExam)
	api.GET("/exams/:id/timeline", h.ExamTimeline)
	api.POST("/exams/:id/close", h.ForceCloseExam)

	api.GET("/messages/:id", h.GetRawMessage)
	api.GET("/messages/:id/timeline", h.RawMessageTimeline)

	api.POST("/mapping/reload", h.ReloadMapping)
	api.POST("/dispatch/run", h.RunDispatch)
	api.GET("/stats", h.Stats)
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ListObservations(c echo.Context) error {
	filter := results.ObservationFilter{
		Status:   results.DeliveryStatus(c.QueryParam("status")),
		Analyzer: c.QueryParam("analyzer"),
		Limit:    intParam(c, "limit", 100),
		Offset:   intParam(c, "offset", 0),
	}
	if v := c.QueryParam("exam_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid exam_id")
		}
		filter.ExamID = &id
	}

	items, total, err := h.repo.ListObservations(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"items":  items,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (h *Handler) GetObservation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	o, err := h.repo.GetObservation(c.Request().Context(), id)
	if errors.Is(err, results.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "observation not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ObservationTimeline(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	entries, err := h.audit.TimelineByObservation(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *Handler) ResendObservation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	ctx := c.Request().Context()
	err = h.ingestor.RequestResend(ctx, id, middleware.UserID(ctx))
	switch {
	case errors.Is(err, results.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "observation not found")
	case errors.Is(err, results.ErrInFlight):
		return echo.NewHTTPError(http.StatusConflict, "observation delivery is in flight")
	case errors.Is(err, results.ErrExamClosed):
		return echo.NewHTTPError(http.StatusConflict, "exam is closed")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handler) GetExam(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	ctx := c.Request().Context()
	exam, err := h.repo.GetExam(ctx, id)
	if errors.Is(err, results.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "exam not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	obs, err := h.repo.ListByExam(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	patient, err := h.repo.GetPatient(ctx, exam.PatientID)
	if err != nil && !errors.Is(err, results.ErrNotFound) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"exam":         exam,
		"patient":      patient,
		"observations": obs,
	})
}

func (h *Handler) ExamTimeline(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	entries, err := h.audit.TimelineByExam(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries})
}

// ForceCloseExam closes an exam without waiting for the closure rule, for
// cases where an unmapped analyte will never be delivered and the operator
// decides the exam is done.
func (h *Handler) ForceCloseExam(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	ctx := c.Request().Context()
	actor := middleware.UserID(ctx)

	err = h.repo.CloseExam(ctx, id, actor, time.Now())
	if errors.Is(err, results.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "exam not found or already closed")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	h.audit.Record(ctx, &audit.Entry{
		Action: audit.ActionExamClosed,
		Actor:  actor,
		ExamID: &id,
		Detail: map[string]interface{}{"forced": true},
	})

	return c.JSON(http.StatusOK, map[string]string{"status": "closed"})
}

func (h *Handler) GetRawMessage(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	m, err := h.repo.GetRawMessage(c.Request().Context(), id)
	if errors.Is(err, results.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": m,
		"payload": string(m.Payload),
	})
}

func (h *Handler) RawMessageTimeline(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	entries, err := h.audit.TimelineByRawMessage(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *Handler) ReloadMapping(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.resolver.Reload(); err != nil {
		metrics.RecordMappingReload("error")
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	metrics.RecordMappingReload("ok")

	snapshot := h.resolver.Snapshot()
	h.audit.Record(ctx, &audit.Entry{
		Action: audit.ActionMappingReloaded,
		Actor:  middleware.UserID(ctx),
		Detail: map[string]interface{}{"entries": snapshot.Size()},
	})

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "reloaded",
		"entries": snapshot.Size(),
	})
}

// RunDispatch triggers a dispatcher pass outside the regular schedule. The
// pass mutex inside the dispatcher prevents overlap with the ticker.
func (h *Handler) RunDispatch(c echo.Context) error {
	go h.dispatcher.RunPass(context.Background())
	return c.JSON(http.StatusAccepted, map[string]string{"status": "pass started"})
}

func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.repo.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func intParam(c echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
