package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
	"github.com/villagehealth/portal/internal/pkg/wire"
)

const (
	joinTimeout  = 10 * time.Second
	eventBacklog = 64
)

// ChannelTransport dials consultation streams over WebSocket and fetches
// history over REST.
type ChannelTransport struct {
	api *Client
	log zerolog.Logger
}

func NewChannelTransport(api *Client, log zerolog.Logger) *ChannelTransport {
	return &ChannelTransport{api: api, log: log}
}

var _ ports.ChannelTransport = (*ChannelTransport)(nil)

func (t *ChannelTransport) FetchHistory(ctx context.Context, session *domain.Session, consultationID string, after, upto int64) ([]domain.Message, error) {
	return t.api.History(ctx, session, consultationID, after, upto)
}

// Connect opens the stream and waits for the joined frame. A refused
// upgrade is explained through the REST API so access errors surface as
// domain errors.
func (t *ChannelTransport) Connect(ctx context.Context, req ports.ConnectRequest) (ports.ChannelConn, *ports.Joined, error) {
	if req.Session == nil {
		return nil, nil, domain.ErrUnauthorized
	}
	path := "/v1/consultations/" + url.PathEscape(req.ConsultationID) + "/ws"
	query := url.Values{"after": {strconv.FormatInt(req.AfterSequence, 10)}}

	ws, err := t.api.dial(ctx, path, query, req.Session.Token)
	if err != nil {
		if refused(err) {
			if _, perr := t.api.Consultation(ctx, req.Session, req.ConsultationID); perr != nil {
				return nil, nil, perr
			}
		}
		return nil, nil, fmt.Errorf("connect %s: %w", req.ConsultationID, err)
	}

	first, err := receiveFirst(ctx, ws)
	if err != nil {
		ws.Close()
		return nil, nil, fmt.Errorf("connect %s: %w", req.ConsultationID, err)
	}
	switch first.Type {
	case wire.TypeJoined:
	case wire.TypeError:
		ws.Close()
		var p wire.ErrorPayload
		if err := first.Decode(&p); err != nil {
			return nil, nil, err
		}
		return nil, nil, p.Err()
	default:
		ws.Close()
		return nil, nil, fmt.Errorf("connect %s: unexpected %s frame", req.ConsultationID, first.Type)
	}

	var jp wire.JoinedPayload
	if err := first.Decode(&jp); err != nil {
		ws.Close()
		return nil, nil, err
	}

	conn := newChannelConn(ws, t.log.With().Str("consultation_id", req.ConsultationID).Logger())
	go conn.readLoop()
	return conn, &ports.Joined{Consultation: jp.Consultation, Backlog: jp.Backlog, Online: jp.Online}, nil
}

// dial opens a WebSocket to path on the API host.
func (c *Client) dial(ctx context.Context, path string, query url.Values, token string) (*websocket.Conn, error) {
	target, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, err
	}
	origin := target.Scheme + "://" + target.Host
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.RawQuery = query.Encode()

	cfg, err := websocket.NewConfig(target.String(), origin)
	if err != nil {
		return nil, err
	}
	cfg.Header.Set("Authorization", "Bearer "+token)
	return cfg.DialContext(ctx)
}

// refused reports whether the server answered the upgrade with a non-101
// status, as the auth and role middleware do.
func refused(err error) bool {
	var de *websocket.DialError
	return errors.As(err, &de) && de.Err == websocket.ErrBadStatus
}

func receiveFirst(ctx context.Context, ws *websocket.Conn) (wire.Frame, error) {
	deadline := time.Now().Add(joinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)
	defer ws.SetReadDeadline(time.Time{})

	var f wire.Frame
	err := websocket.JSON.Receive(ws, &f)
	return f, err
}

// channelConn multiplexes request replies and pushed events on one socket.
type channelConn struct {
	ws  *websocket.Conn
	log zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wire.Frame

	events    chan domain.ChannelEvent
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func newChannelConn(ws *websocket.Conn, log zerolog.Logger) *channelConn {
	return &channelConn{
		ws:      ws,
		log:     log,
		pending: make(map[string]chan wire.Frame),
		events:  make(chan domain.ChannelEvent, eventBacklog),
		done:    make(chan struct{}),
	}
}

func (c *channelConn) readLoop() {
	for {
		var f wire.Frame
		if err := websocket.JSON.Receive(c.ws, &f); err != nil {
			c.shutdown(err)
			return
		}

		if f.RequestID != "" {
			c.mu.Lock()
			reply, ok := c.pending[f.RequestID]
			delete(c.pending, f.RequestID)
			c.mu.Unlock()
			if ok {
				reply <- f
				continue
			}
		}

		ev, ok, err := wire.ParseEvent(f)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed channel frame")
			continue
		}
		if !ok {
			c.log.Debug().Str("type", f.Type).Msg("ignoring unsolicited frame")
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *channelConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.EOF
		}
		c.err = err
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *channelConn) request(ctx context.Context, typ string, payload any) (wire.Frame, error) {
	id := uuid.NewString()
	f, err := wire.NewFrame(typ, id, payload)
	if err != nil {
		return wire.Frame{}, err
	}

	reply := make(chan wire.Frame, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = websocket.JSON.Send(c.ws, f)
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(err)
		return wire.Frame{}, fmt.Errorf("%s: %w", typ, err)
	}

	select {
	case r := <-reply:
		if r.Type == wire.TypeError {
			var p wire.ErrorPayload
			if err := r.Decode(&p); err != nil {
				return wire.Frame{}, err
			}
			return wire.Frame{}, p.Err()
		}
		return r, nil
	case <-c.done:
		return wire.Frame{}, fmt.Errorf("%s: %w", typ, c.err)
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	}
}

func (c *channelConn) Send(ctx context.Context, req ports.SendRequest) (domain.Message, error) {
	r, err := c.request(ctx, wire.TypeSend, wire.SendPayload{ClientMessageID: req.ClientMessageID, Body: req.Body})
	if err != nil {
		return domain.Message{}, err
	}
	var msg domain.Message
	if err := r.Decode(&msg); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func (c *channelConn) End(ctx context.Context) (domain.CloseOutcome, error) {
	r, err := c.request(ctx, wire.TypeClose, nil)
	if err != nil {
		return domain.CloseOutcome{}, err
	}
	var out domain.CloseOutcome
	if err := r.Decode(&out); err != nil {
		return domain.CloseOutcome{}, err
	}
	return out, nil
}

// Recv returns buffered events before reporting a dead connection.
func (c *channelConn) Recv(ctx context.Context) (domain.ChannelEvent, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.done:
		return domain.ChannelEvent{}, c.err
	case <-ctx.Done():
		return domain.ChannelEvent{}, ctx.Err()
	}
}

func (c *channelConn) Close() error {
	c.shutdown(nil)
	return nil
}
