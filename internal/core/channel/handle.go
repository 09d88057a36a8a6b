package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
	"github.com/villagehealth/portal/internal/pkg/metrics"
)

// State is the connection state of a handle.
type State int

const (
	StateConnected State = iota
	StateDisconnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handle is one open consultation. It is safe for concurrent use.
type Handle struct {
	mgr            *Manager
	consultationID string
	self           string
	log            zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	outboxSignal chan struct{}
	wake         chan struct{}

	mu               sync.Mutex
	state            State
	seq              *sequencer
	inbox            []domain.Message
	outbox           []*outgoing
	link             *link
	consultation     domain.Consultation
	online           map[string]bool
	closeRequestedBy string
	closedBy         string
	ended            bool
	endErr           error
	changed          chan struct{}
}

type sendResult struct {
	msg domain.Message
	err error
}

type outgoing struct {
	req    ports.SendRequest
	result chan sendResult
	once   sync.Once
}

func (o *outgoing) resolve(msg domain.Message, err error) {
	o.once.Do(func() { o.result <- sendResult{msg: msg, err: err} })
}

// link is one underlying connection and the two loops serving it.
type link struct {
	conn   ports.ChannelConn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	err    error
}

func (l *link) fail(err error) {
	l.once.Do(func() {
		l.err = err
		l.cancel()
	})
}

func newHandle(m *Manager, consultationID, self string) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		mgr:            m,
		consultationID: consultationID,
		self:           self,
		log:            m.log.With().Str("consultation_id", consultationID).Logger(),
		ctx:            ctx,
		cancel:         cancel,
		outboxSignal:   make(chan struct{}, 1),
		wake:           make(chan struct{}, 1),
		seq:            newSequencer(),
		online:         make(map[string]bool),
		changed:        make(chan struct{}),
	}
}

// ConsultationID returns the id the handle was opened for.
func (h *Handle) ConsultationID() string { return h.consultationID }

// State returns the current connection state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns why the handle ended, or nil while it is live.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endErr
}

// Consultation returns the consultation as last reported by the server.
func (h *Handle) Consultation() domain.Consultation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consultation
}

// PeerOnline reports whether the other participant is connected.
func (h *Handle) PeerOnline() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, on := range h.online {
		if on && id != h.self {
			return true
		}
	}
	return false
}

// CloseRequestedBy returns the villager who asked to close, if any.
func (h *Handle) CloseRequestedBy() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeRequestedBy
}

// LastDelivered is the highest sequence number handed to the inbox.
func (h *Handle) LastDelivered() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq.lastDelivered()
}

// WaitForState blocks until the handle reaches want or ctx ends.
func (h *Handle) WaitForState(ctx context.Context, want State) error {
	for {
		h.mu.Lock()
		state, ch := h.state, h.changed
		h.mu.Unlock()
		if state == want {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("wait for %s (at %s): %w", want, state, ctx.Err())
		}
	}
}

// Send queues body and blocks until the server sequenced it. While
// disconnected the message waits in order; if the reconnect budget runs out
// it fails with *domain.UndeliveredError, which keeps the body.
func (h *Handle) Send(ctx context.Context, body string) (domain.Message, error) {
	if strings.TrimSpace(body) == "" {
		return domain.Message{}, &domain.ValidationError{Field: "body", Message: "message body is required"}
	}

	item := &outgoing{
		req:    ports.SendRequest{ClientMessageID: uuid.NewString(), Body: body},
		result: make(chan sendResult, 1),
	}

	h.mu.Lock()
	if h.ended {
		err := h.endErr
		h.mu.Unlock()
		return domain.Message{}, err
	}
	h.outbox = append(h.outbox, item)
	h.mu.Unlock()

	signal(h.outboxSignal)
	signal(h.wake)

	select {
	case r := <-item.result:
		return r.msg, r.err
	case <-ctx.Done():
		return domain.Message{}, ctx.Err()
	}
}

// Receive returns the next message in sequence order. It returns
// domain.ErrEndOfStream once the handle is released, or once the
// consultation has ended and every received message was consumed.
func (h *Handle) Receive(ctx context.Context) (domain.Message, error) {
	for {
		h.mu.Lock()
		if len(h.inbox) > 0 {
			m := h.inbox[0]
			h.inbox = h.inbox[1:]
			h.mu.Unlock()
			return m, nil
		}
		if h.ended {
			h.mu.Unlock()
			return domain.Message{}, domain.ErrEndOfStream
		}
		ch := h.changed
		h.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return domain.Message{}, ctx.Err()
		}
	}
}

// Close asks the server to end the consultation. A doctor's close is final;
// a villager's is recorded as a request until the doctor closes too.
func (h *Handle) Close(ctx context.Context) (domain.CloseOutcome, error) {
	h.mu.Lock()
	if h.ended {
		err := h.endErr
		h.mu.Unlock()
		return domain.CloseOutcome{}, err
	}
	l, state := h.link, h.state
	h.mu.Unlock()

	if l == nil || state != StateConnected {
		return domain.CloseOutcome{}, fmt.Errorf("close consultation while %s: %w", state, domain.ErrDeliveryFailed)
	}

	outcome, err := l.conn.End(ctx)
	if err != nil {
		// The closed event can tear the link down before the reply lands.
		if h.closedBySelf() {
			return domain.CloseOutcome{Status: domain.ConsultationClosed}, nil
		}
		if errors.Is(err, domain.ErrAlreadyClosed) {
			h.finish(domain.ErrAlreadyClosed)
		}
		return domain.CloseOutcome{}, err
	}
	if outcome.Status == domain.ConsultationClosed {
		h.finish(domain.ErrAlreadyClosed)
	} else if outcome.Pending {
		h.update(func() { h.closeRequestedBy = h.self })
	}
	return outcome, nil
}

// Release detaches from the consultation without closing it. Pending
// Receive calls return domain.ErrEndOfStream; queued sends fail with
// *domain.UndeliveredError.
func (h *Handle) Release() {
	h.mu.Lock()
	if !h.ended {
		h.ended = true
		h.endErr = domain.ErrEndOfStream
	}
	queued := h.outbox
	h.outbox = nil
	h.state = StateClosed
	h.notifyLocked()
	h.mu.Unlock()

	h.cancel()
	h.failItems(queued, domain.ErrEndOfStream)
}

// run supervises the handle's connection until the handle ends.
func (h *Handle) run(l *link) {
	defer h.mgr.forget(h)
	for {
		l.wg.Add(2)
		go h.readLoop(l)
		go h.writeLoop(l)

		<-l.ctx.Done()
		_ = l.conn.Close()
		l.wg.Wait()

		if h.isEnded() {
			h.log.Debug().Msg("channel ended")
			return
		}

		h.log.Warn().Err(l.err).Int64("last_seq", h.LastDelivered()).Msg("channel disconnected")
		h.setState(StateDisconnected)

		if l = h.reconnect(); l == nil {
			return
		}
	}
}

// reconnect dials until it succeeds, hits a terminal error, or the handle
// ends. When the attempt budget is exhausted, queued sends fail and the
// handle idles in Disconnected until the next Send.
func (h *Handle) reconnect() *link {
	policy := h.mgr.policy
	b := policy.newBackOff()
	attempts := 0

	for {
		if h.ctx.Err() != nil {
			return nil
		}
		h.setState(StateReconnecting)

		sess, err := h.mgr.sessions.Current()
		if err != nil {
			h.finish(err)
			return nil
		}

		conn, joined, err := h.mgr.transport.Connect(h.ctx, ports.ConnectRequest{
			ConsultationID: h.consultationID,
			AfterSequence:  h.LastDelivered(),
			Session:        sess,
		})
		if err == nil {
			metrics.ChannelReconnectsTotal.WithLabelValues("ok").Inc()
			h.log.Info().Int("attempts", attempts+1).Msg("channel reconnected")
			return h.attach(conn, joined)
		}
		if h.ctx.Err() != nil {
			return nil
		}
		if terminal(err) {
			h.finish(err)
			return nil
		}

		attempts++
		metrics.ChannelReconnectsTotal.WithLabelValues("failed").Inc()
		h.log.Debug().Err(err).Int("attempt", attempts).Msg("reconnect failed")

		if attempts >= policy.MaxAttempts {
			metrics.ChannelReconnectsTotal.WithLabelValues("exhausted").Inc()
			h.log.Warn().Err(err).Int("attempts", attempts).Msg("reconnect budget exhausted")
			h.setState(StateDisconnected)
			if queued := h.takeQueued(); len(queued) > 0 {
				h.mgr.toast(h.ctx, h.self, domain.SeverityError, "Message could not be delivered")
				h.failItems(queued, err)
			}

			if !h.awaitOutbox() {
				return nil
			}
			attempts = 0
			b.Reset()
			continue
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-timer.C:
		case <-h.ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// attach installs a fresh connection and its replayed backlog.
func (h *Handle) attach(conn ports.ChannelConn, joined *ports.Joined) *link {
	ctx, cancel := context.WithCancel(h.ctx)
	l := &link{conn: conn, ctx: ctx, cancel: cancel}

	h.mu.Lock()
	defer h.mu.Unlock()

	if joined != nil {
		h.consultation = joined.Consultation
		h.closeRequestedBy = joined.Consultation.CloseRequestedBy
		h.online = make(map[string]bool, len(joined.Online))
		for _, id := range joined.Online {
			h.online[id] = true
		}
		for _, m := range joined.Backlog {
			h.deliverLocked(h.seq.offer(m))
		}
	}
	h.link = l
	if !h.ended {
		h.state = StateConnected
	}
	h.notifyLocked()
	return l
}

func (h *Handle) readLoop(l *link) {
	defer l.wg.Done()
	for {
		ev, err := l.conn.Recv(l.ctx)
		if err != nil {
			l.fail(err)
			return
		}

		switch ev.Kind {
		case domain.EventMessage:
			if ev.Message == nil {
				continue
			}
			if err := h.ingest(l.ctx, *ev.Message); err != nil {
				l.fail(err)
				return
			}
		case domain.EventPresence:
			h.update(func() { h.online[ev.ParticipantID] = ev.Online })
		case domain.EventCloseRequested:
			h.update(func() { h.closeRequestedBy = ev.By })
			if ev.By != h.self {
				h.mgr.toast(l.ctx, h.self, domain.SeverityWarning, "Your patient asked to close the consultation")
			}
		case domain.EventClosed:
			h.update(func() { h.closedBy = ev.By })
			h.finish(domain.ErrAlreadyClosed)
			if ev.By != h.self {
				h.mgr.toast(l.ctx, h.self, domain.SeverityInfo, "The consultation has been closed")
			}
			l.fail(domain.ErrAlreadyClosed)
			return
		}
	}
}

// ingest sequences m. When m leaves a gap behind it, the missing range is
// fetched before anything newer is delivered.
func (h *Handle) ingest(ctx context.Context, m domain.Message) error {
	h.mu.Lock()
	h.deliverLocked(h.seq.offer(m))
	from, to, gapped := h.seq.gap()
	h.mu.Unlock()
	if !gapped {
		return nil
	}

	metrics.ChannelResyncsTotal.Inc()
	h.log.Debug().Int64("from", from).Int64("to", to).Msg("sequence gap, resyncing")

	sess, err := h.mgr.sessions.Current()
	if err != nil {
		return err
	}
	missing, err := h.mgr.transport.FetchHistory(ctx, sess, h.consultationID, from-1, to)
	if err != nil {
		return fmt.Errorf("resync %d..%d: %w", from, to, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, fm := range missing {
		h.deliverLocked(h.seq.offer(fm))
	}
	if from, to, gapped := h.seq.gap(); gapped && from <= to {
		return fmt.Errorf("resync %d..%d: history incomplete", from, to)
	}
	return nil
}

func (h *Handle) writeLoop(l *link) {
	defer l.wg.Done()
	for {
		item := h.nextOutgoing(l)
		if item == nil {
			return
		}

		msg, err := l.conn.Send(l.ctx, item.req)
		if err != nil {
			if !rejected(err) {
				l.fail(err)
				return
			}
			h.popOutgoing(item)
			item.resolve(domain.Message{}, err)
			if errors.Is(err, domain.ErrAlreadyClosed) {
				h.finish(domain.ErrAlreadyClosed)
				l.fail(err)
				return
			}
			continue
		}

		h.popOutgoing(item)
		item.resolve(msg, nil)
	}
}

func (h *Handle) nextOutgoing(l *link) *outgoing {
	for {
		h.mu.Lock()
		if len(h.outbox) > 0 {
			item := h.outbox[0]
			h.mu.Unlock()
			return item
		}
		h.mu.Unlock()

		select {
		case <-h.outboxSignal:
		case <-l.ctx.Done():
			return nil
		}
	}
}

func (h *Handle) popOutgoing(item *outgoing) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.outbox) > 0 && h.outbox[0] == item {
		h.outbox = h.outbox[1:]
	}
}

// takeQueued empties the outbox.
func (h *Handle) takeQueued() []*outgoing {
	h.mu.Lock()
	defer h.mu.Unlock()
	queued := h.outbox
	h.outbox = nil
	return queued
}

// awaitOutbox idles until a send is queued. It returns false when the
// handle is released first.
func (h *Handle) awaitOutbox() bool {
	for {
		h.mu.Lock()
		n := len(h.outbox)
		h.mu.Unlock()
		if n > 0 {
			return true
		}
		select {
		case <-h.wake:
		case <-h.ctx.Done():
			return false
		}
	}
}

func (h *Handle) failItems(items []*outgoing, cause error) {
	for _, item := range items {
		item.resolve(domain.Message{}, &domain.UndeliveredError{
			ConsultationID:  h.consultationID,
			ClientMessageID: item.req.ClientMessageID,
			Body:            item.req.Body,
			Cause:           cause,
		})
	}
}

// finish ends the handle for reason. Queued sends fail with reason.
func (h *Handle) finish(reason error) {
	h.mu.Lock()
	if !h.ended {
		h.ended = true
		h.endErr = reason
	}
	if errors.Is(reason, domain.ErrAlreadyClosed) {
		h.consultation.Status = domain.ConsultationClosed
	}
	queued := h.outbox
	h.outbox = nil
	h.state = StateClosed
	h.notifyLocked()
	h.mu.Unlock()

	for _, item := range queued {
		item.resolve(domain.Message{}, reason)
	}
}

func (h *Handle) closedBySelf() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closedBy != "" && h.closedBy == h.self
}

func (h *Handle) isEnded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended || h.state == s {
		return
	}
	h.state = s
	h.notifyLocked()
}

func (h *Handle) update(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn()
	h.notifyLocked()
}

func (h *Handle) deliverLocked(ready []domain.Message) {
	if len(ready) == 0 {
		return
	}
	h.inbox = append(h.inbox, ready...)
	h.notifyLocked()
}

// notifyLocked wakes everyone waiting on a change. Caller holds h.mu.
func (h *Handle) notifyLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
