package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
)

// ConsultationHandler serves consultation REST routes and the live stream.
type ConsultationHandler struct {
	service ports.ConsultationService
	log     zerolog.Logger
}

func NewConsultationHandler(service ports.ConsultationService, log zerolog.Logger) *ConsultationHandler {
	return &ConsultationHandler{service: service, log: log}
}

// Create opens a consultation between a villager and a doctor.
//
// @Summary      Create a consultation
// @Tags         consultations
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        body  body      createConsultationRequest  true  "Participants; doctorId defaults to the caller for doctors"
// @Success      201   {object}  domain.Consultation
// @Failure      400   {object}  errorResponse
// @Failure      403   {object}  errorResponse
// @Failure      422   {object}  errorResponse
// @Router       /v1/consultations [post]
func (h *ConsultationHandler) Create(c echo.Context) error {
	actor, err := ctxActor(c)
	if err != nil {
		return err
	}
	var req createConsultationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if req.DoctorID == "" && actor.Role == domain.RoleDoctor {
		req.DoctorID = actor.ID
	}

	consultation, err := h.service.Create(c.Request().Context(), ports.CreateConsultationInput{
		VillagerID: req.VillagerID,
		DoctorID:   req.DoctorID,
		Actor:      actor,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, consultation)
}

// Get returns one consultation to its participants.
//
// @Summary      Get a consultation
// @Tags         consultations
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Consultation id"
// @Success      200  {object}  domain.Consultation
// @Failure      403  {object}  errorResponse
// @Failure      404  {object}  errorResponse
// @Router       /v1/consultations/{id} [get]
func (h *ConsultationHandler) Get(c echo.Context) error {
	actor, err := ctxActor(c)
	if err != nil {
		return err
	}
	consultation, err := h.service.Get(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, consultation)
}

// History returns messages with after < sequenceNumber <= upto.
//
// @Summary      Consultation history
// @Tags         consultations
// @Produce      json
// @Security     BearerAuth
// @Param        id     path      string  true   "Consultation id"
// @Param        after  query     int     false  "Exclusive lower bound"
// @Param        upto   query     int     false  "Inclusive upper bound"
// @Param        limit  query     int     false  "Maximum messages (default 200, max 1000)"
// @Success      200    {object}  historyResponse
// @Failure      403    {object}  errorResponse
// @Failure      404    {object}  errorResponse
// @Router       /v1/consultations/{id}/messages [get]
func (h *ConsultationHandler) History(c echo.Context) error {
	actor, err := ctxActor(c)
	if err != nil {
		return err
	}
	after, err := int64Query(c, "after")
	if err != nil {
		return err
	}
	upto, err := int64Query(c, "upto")
	if err != nil {
		return err
	}
	limit, err := int64Query(c, "limit")
	if err != nil {
		return err
	}

	msgs, err := h.service.History(c.Request().Context(), c.Param("id"), actor, after, upto, int(limit))
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return c.JSON(http.StatusOK, historyResponse{Messages: msgs})
}

// Close ends the consultation (doctor) or requests that it end (villager).
//
// @Summary      Close a consultation
// @Tags         consultations
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Consultation id"
// @Success      200  {object}  domain.CloseOutcome
// @Failure      403  {object}  errorResponse
// @Failure      404  {object}  errorResponse
// @Failure      409  {object}  errorResponse
// @Router       /v1/consultations/{id}/close [post]
func (h *ConsultationHandler) Close(c echo.Context) error {
	actor, err := ctxActor(c)
	if err != nil {
		return err
	}
	outcome, err := h.service.Close(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, outcome)
}

func int64Query(c echo.Context, name string) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, &domain.ValidationError{Field: name, Message: name + " must be a non-negative integer"}
	}
	return v, nil
}
