package handler

import (
	"context"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/net/websocket"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/pkg/wire"
)

const closeGrace = 5 * time.Second

// frameWriter serialises writes to one WebSocket connection.
type frameWriter struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (w *frameWriter) send(f wire.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return websocket.JSON.Send(w.ws, f)
}

func (w *frameWriter) write(typ, requestID string, payload any) error {
	f, err := wire.NewFrame(typ, requestID, payload)
	if err != nil {
		return err
	}
	return w.send(f)
}

func (w *frameWriter) writeError(requestID string, err error) error {
	return w.write(wire.TypeError, requestID, wire.ErrorFor(err))
}

// Stream upgrades to the consultation's live channel. The first frame is
// either joined (with the backlog after ?after=N) or error.
//
// @Summary      Consultation live channel (WebSocket)
// @Tags         consultations
// @Security     BearerAuth
// @Param        id     path   string  true   "Consultation id"
// @Param        after  query  int     false  "Replay messages after this sequence number"
// @Success      101
// @Router       /v1/consultations/{id}/ws [get]
func (h *ConsultationHandler) Stream(c echo.Context) error {
	actor, err := ctxActor(c)
	if err != nil {
		return err
	}
	after, err := int64Query(c, "after")
	if err != nil {
		return err
	}
	id := c.Param("id")
	ctx := c.Request().Context()

	websocket.Handler(func(ws *websocket.Conn) {
		h.serveChannel(ctx, ws, id, actor, after)
	}).ServeHTTP(c.Response(), c.Request())
	return nil
}

func (h *ConsultationHandler) serveChannel(ctx context.Context, ws *websocket.Conn, id string, actor domain.Actor, after int64) {
	defer ws.Close()
	log := h.log.With().Str("consultation_id", id).Str("user_id", actor.ID).Logger()
	w := &frameWriter{ws: ws}

	p, err := h.service.Join(ctx, id, actor, after)
	if err != nil {
		_ = w.writeError("", err)
		log.Debug().Err(err).Msg("join rejected")
		return
	}
	defer p.Leave()

	joined := p.Joined()
	backlog := joined.Backlog
	if backlog == nil {
		backlog = []domain.Message{}
	}
	if err := w.write(wire.TypeJoined, "", wire.JoinedPayload{
		Consultation: joined.Consultation,
		Backlog:      backlog,
		Online:       joined.Online,
	}); err != nil {
		return
	}

	go func() {
		for ev := range p.Events() {
			f, err := wire.EventFrame(ev)
			if err != nil {
				log.Warn().Err(err).Msg("skipping channel event")
				continue
			}
			if err := w.send(f); err != nil {
				_ = ws.Close()
				return
			}
		}
		// Events closes when the consultation ends. Pending replies may still
		// be written; the client hangs up once it sees the closed frame.
		_ = ws.SetReadDeadline(time.Now().Add(closeGrace))
	}()

	for {
		var f wire.Frame
		if err := websocket.JSON.Receive(ws, &f); err != nil {
			return
		}

		switch f.Type {
		case wire.TypeSend:
			var req wire.SendPayload
			if err := f.Decode(&req); err != nil {
				_ = w.writeError(f.RequestID, &domain.ValidationError{Field: "payload", Message: err.Error()})
				continue
			}
			msg, err := h.service.Send(ctx, id, actor, req.ClientMessageID, req.Body)
			if err != nil {
				_ = w.writeError(f.RequestID, err)
				continue
			}
			_ = w.write(wire.TypeAck, f.RequestID, msg)
		case wire.TypeClose:
			outcome, err := h.service.Close(ctx, id, actor)
			if err != nil {
				_ = w.writeError(f.RequestID, err)
				continue
			}
			_ = w.write(wire.TypeCloseResult, f.RequestID, outcome)
		default:
			_ = w.writeError(f.RequestID, &domain.ValidationError{Field: "type", Message: "unknown frame type " + f.Type})
		}
	}
}
