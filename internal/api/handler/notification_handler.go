package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
	"github.com/villagehealth/portal/internal/pkg/wire"
)

// NotificationDispatcher is the interface the handler uses to enqueue
// external notifications.
type NotificationDispatcher interface {
	Enqueue(ctx context.Context, in ports.NotificationInput) error
	EnqueueBatch(ctx context.Context, inputs []ports.NotificationInput) error
}

// NotificationHandler serves the notification stream, the unread list and
// the admin ingest routes.
type NotificationHandler struct {
	hub        ports.NotificationService
	dispatcher NotificationDispatcher
	log        zerolog.Logger
}

func NewNotificationHandler(hub ports.NotificationService, dispatcher NotificationDispatcher, log zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{hub: hub, dispatcher: dispatcher, log: log}
}

// Unread lists the caller's unread persistent notifications, oldest first.
//
// @Summary      Unread notifications
// @Tags         notifications
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  notificationsResponse
// @Failure      401  {object}  errorResponse
// @Router       /v1/notifications [get]
func (h *NotificationHandler) Unread(c echo.Context) error {
	actor, err := ctxActor(c)
	if err != nil {
		return err
	}
	list, err := h.hub.Unread(c.Request().Context(), actor.ID)
	if err != nil {
		return err
	}
	if list == nil {
		list = []domain.Notification{}
	}
	return c.JSON(http.StatusOK, notificationsResponse{Notifications: list})
}

// MarkRead acknowledges one of the caller's notifications. Repeating it is
// harmless.
//
// @Summary      Mark a notification read
// @Tags         notifications
// @Security     BearerAuth
// @Param        id   path  string  true  "Notification id"
// @Success      204
// @Failure      403  {object}  errorResponse
// @Failure      404  {object}  errorResponse
// @Router       /v1/notifications/{id}/read [post]
func (h *NotificationHandler) MarkRead(c echo.Context) error {
	actor, err := ctxActor(c)
	if err != nil {
		return err
	}
	if err := h.hub.MarkRead(c.Request().Context(), actor.ID, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Ingest queues one notification for a recipient, returns 202.
//
// @Summary      Publish a notification
// @Tags         notifications
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        body  body      notificationRequest  true  "Notification"
// @Success      202   {object}  acceptedResponse
// @Failure      400   {object}  errorResponse
// @Failure      403   {object}  errorResponse
// @Failure      422   {object}  errorResponse
// @Router       /v1/notifications [post]
func (h *NotificationHandler) Ingest(c echo.Context) error {
	var req notificationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	if err := h.dispatcher.Enqueue(c.Request().Context(), toNotificationInput(req)); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "notification queue unavailable")
	}
	return c.JSON(http.StatusAccepted, acceptedResponse{Message: "notification accepted"})
}

// IngestBatch queues a batch of notifications, returns 202.
//
// @Summary      Publish a batch of notifications
// @Tags         notifications
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        body  body      []notificationRequest  true  "Notifications"
// @Success      202   {object}  acceptedResponse
// @Failure      400   {object}  errorResponse
// @Failure      403   {object}  errorResponse
// @Failure      422   {object}  errorResponse
// @Router       /v1/notifications/batch [post]
func (h *NotificationHandler) IngestBatch(c echo.Context) error {
	var reqs []notificationRequest
	if err := c.Bind(&reqs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if len(reqs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "batch cannot be empty")
	}

	inputs := make([]ports.NotificationInput, 0, len(reqs))
	for i, req := range reqs {
		if err := c.Validate(&req); err != nil {
			var ve *domain.ValidationError
			if errors.As(err, &ve) {
				return &domain.ValidationError{Field: fmt.Sprintf("[%d].%s", i, ve.Field), Message: ve.Message}
			}
			return err
		}
		inputs = append(inputs, toNotificationInput(req))
	}

	if err := h.dispatcher.EnqueueBatch(c.Request().Context(), inputs); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "notification queue unavailable")
	}
	return c.JSON(http.StatusAccepted, acceptedResponse{
		Message: "notifications accepted",
		Count:   len(inputs),
	})
}

func toNotificationInput(r notificationRequest) ports.NotificationInput {
	return ports.NotificationInput{
		RecipientID: r.RecipientID,
		Kind:        r.Kind,
		Severity:    r.Severity,
		Message:     r.Message,
	}
}

// Stream upgrades to the caller's notification feed: unread persistent
// notifications first, then live ones. A newer stream for the same user
// supersedes this one.
//
// @Summary      Notification stream (WebSocket)
// @Tags         notifications
// @Security     BearerAuth
// @Success      101
// @Router       /v1/notifications/ws [get]
func (h *NotificationHandler) Stream(c echo.Context) error {
	actor, err := ctxActor(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	websocket.Handler(func(ws *websocket.Conn) {
		h.serveFeed(ctx, ws, actor.ID)
	}).ServeHTTP(c.Response(), c.Request())
	return nil
}

func (h *NotificationHandler) serveFeed(ctx context.Context, ws *websocket.Conn, recipientID string) {
	defer ws.Close()
	w := &frameWriter{ws: ws}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := h.hub.Subscribe(ctx, recipientID)
	if err != nil {
		_ = w.writeError("", err)
		return
	}
	defer sub.Close()

	// The client sends nothing; reading only detects the hang-up.
	go func() {
		defer cancel()
		var discard wire.Frame
		for {
			if err := websocket.JSON.Receive(ws, &discard); err != nil {
				return
			}
		}
	}()

	for {
		n, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrEndOfStream) && ctx.Err() == nil {
				_ = w.write(wire.TypeSuperseded, "", nil)
				h.log.Debug().Str("recipient_id", recipientID).Msg("notification stream superseded")
			}
			return
		}
		if err := w.write(wire.TypeNotification, "", n); err != nil {
			return
		}
	}
}
