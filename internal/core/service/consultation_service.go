package service

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

const (
	participantBuffer   = 256
	defaultHistoryLimit = 200
	maxHistoryLimit     = 1000
)

// ConsultationService sequences and fans out consultation messages. Each
// consultation has its own room lock; the service lock only guards the room
// index.
type ConsultationService struct {
	consultations ports.ConsultationRepository
	messages      ports.MessageRepository
	users         ports.UserRepository
	notifier      ports.Notifier
	log           zerolog.Logger
	now           func() time.Time
	newID         func() string

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	mu           sync.Mutex
	loaded       bool
	retired      bool // removed from the index; lockers must look it up again
	consultation domain.Consultation
	lastSeq      int64
	participants map[*participation]struct{}
}

func NewConsultationService(
	consultations ports.ConsultationRepository,
	messages ports.MessageRepository,
	users ports.UserRepository,
	notifier ports.Notifier,
	log zerolog.Logger,
) *ConsultationService {
	return &ConsultationService{
		consultations: consultations,
		messages:      messages,
		users:         users,
		notifier:      notifier,
		log:           log,
		now:           time.Now,
		newID:         uuid.NewString,
		rooms:         make(map[string]*room),
	}
}

// lockRoom returns the room for id with its lock held, loading the
// consultation and its last sequence number on first use.
func (s *ConsultationService) lockRoom(ctx context.Context, id string) (*room, error) {
	for {
		s.mu.Lock()
		r, ok := s.rooms[id]
		if !ok {
			r = &room{participants: make(map[*participation]struct{})}
			s.rooms[id] = r
		}
		s.mu.Unlock()

		r.mu.Lock()
		if r.retired {
			r.mu.Unlock()
			continue
		}
		if r.loaded {
			return r, nil
		}
		c, err := s.consultations.FindByID(ctx, id)
		if err != nil {
			r.retired = true
			s.forgetRoom(id, r)
			r.mu.Unlock()
			return nil, err
		}
		last, err := s.messages.LastSequence(ctx, id)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("load last sequence: %w", err)
		}
		r.consultation = *c
		r.lastSeq = last
		r.loaded = true
		return r, nil
	}
}

// unlockRoom releases r.mu. A closed room nobody is joined to is dropped
// from the index; its state lives in the repositories.
func (s *ConsultationService) unlockRoom(r *room) {
	if r.loaded && !r.retired && !r.consultation.IsOpen() && len(r.participants) == 0 {
		r.retired = true
		s.forgetRoom(r.consultation.ID, r)
	}
	r.mu.Unlock()
}

func (s *ConsultationService) forgetRoom(id string, r *room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[id] == r {
		delete(s.rooms, id)
	}
}

// lockParticipantRoom additionally checks that actor is one of the two
// participants, in the role they were assigned.
func (s *ConsultationService) lockParticipantRoom(ctx context.Context, id string, actor domain.Actor) (*room, error) {
	r, err := s.lockRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isParticipant(&r.consultation, actor) {
		s.unlockRoom(r)
		return nil, domain.ErrUnauthorized
	}
	return r, nil
}

func isParticipant(c *domain.Consultation, actor domain.Actor) bool {
	switch actor.Role {
	case domain.RoleVillager:
		return actor.ID != "" && actor.ID == c.VillagerID
	case domain.RoleDoctor:
		return actor.ID != "" && actor.ID == c.DoctorID
	default:
		return false
	}
}

// Create opens a consultation between a villager and a doctor. Doctors may
// only create consultations they take part in.
func (s *ConsultationService) Create(ctx context.Context, in ports.CreateConsultationInput) (*domain.Consultation, error) {
	switch in.Actor.Role {
	case domain.RoleDoctor:
		if in.DoctorID == "" {
			in.DoctorID = in.Actor.ID
		}
		if in.DoctorID != in.Actor.ID {
			return nil, domain.ErrUnauthorized
		}
	case domain.RoleAdmin:
	default:
		return nil, domain.ErrUnauthorized
	}

	if err := s.expectRole(ctx, in.VillagerID, domain.RoleVillager, "villagerId"); err != nil {
		return nil, err
	}
	if err := s.expectRole(ctx, in.DoctorID, domain.RoleDoctor, "doctorId"); err != nil {
		return nil, err
	}

	c := &domain.Consultation{
		ID:         s.newID(),
		VillagerID: in.VillagerID,
		DoctorID:   in.DoctorID,
		Status:     domain.ConsultationOpen,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.consultations.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create consultation: %w", err)
	}

	s.log.Info().Str("consultation_id", c.ID).Str("villager_id", c.VillagerID).Str("doctor_id", c.DoctorID).Msg("consultation created")
	s.notify(ctx, c.VillagerID, domain.KindPersistent, domain.SeverityInfo, "A new consultation has been scheduled with your doctor")
	return c, nil
}

func (s *ConsultationService) expectRole(ctx context.Context, userID string, role domain.Role, field string) error {
	if strings.TrimSpace(userID) == "" {
		return &domain.ValidationError{Field: field, Message: field + " is required"}
	}
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.ValidationError{Field: field, Message: "user does not exist"}
		}
		return err
	}
	if u.Role != role {
		return &domain.ValidationError{Field: field, Message: "user is not a " + string(role)}
	}
	return nil
}

// Get returns the consultation if actor takes part in it.
func (s *ConsultationService) Get(ctx context.Context, id string, actor domain.Actor) (*domain.Consultation, error) {
	r, err := s.lockParticipantRoom(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	defer s.unlockRoom(r)
	c := r.consultation
	return &c, nil
}

// Join attaches actor to the live stream of an open consultation. The
// returned backlog holds every message after afterSequence; live events
// follow on the participation's channel without a gap.
func (s *ConsultationService) Join(ctx context.Context, id string, actor domain.Actor, afterSequence int64) (ports.Participation, error) {
	r, err := s.lockParticipantRoom(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	defer s.unlockRoom(r)

	if !r.consultation.IsOpen() {
		return nil, domain.ErrAlreadyClosed
	}

	backlog, err := s.messages.Range(ctx, id, afterSequence, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("join: load backlog: %w", err)
	}

	online := make([]string, 0, 2)
	seen := map[string]bool{}
	for p := range r.participants {
		if !seen[p.actor.ID] {
			seen[p.actor.ID] = true
			online = append(online, p.actor.ID)
		}
	}
	if !seen[actor.ID] {
		r.broadcast(domain.ChannelEvent{Kind: domain.EventPresence, ParticipantID: actor.ID, Online: true})
	}

	p := &participation{
		svc:    s,
		room:   r,
		actor:  actor,
		events: make(chan domain.ChannelEvent, participantBuffer),
		joined: ports.Joined{Consultation: r.consultation, Backlog: backlog, Online: online},
	}
	r.participants[p] = struct{}{}
	metrics.ConsultationParticipants.Inc()

	s.log.Debug().Str("consultation_id", id).Str("user_id", actor.ID).Int64("after", afterSequence).Int("backlog", len(backlog)).Msg("participant joined")
	return p, nil
}

// Send sequences and stores a message, then pushes it to every joined
// participant. A repeated clientMessageID returns the original message.
func (s *ConsultationService) Send(ctx context.Context, id string, actor domain.Actor, clientMessageID, body string) (domain.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Message{}, &domain.ValidationError{Field: "body", Message: "message body is required"}
	}
	if len(body) > domain.MaxMessageBody {
		return domain.Message{}, &domain.ValidationError{Field: "body", Message: "message body is too long"}
	}

	r, err := s.lockParticipantRoom(ctx, id, actor)
	if err != nil {
		return domain.Message{}, err
	}

	if clientMessageID != "" {
		existing, err := s.messages.FindByClientID(ctx, id, clientMessageID)
		if err == nil {
			s.unlockRoom(r)
			return *existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.unlockRoom(r)
			return domain.Message{}, fmt.Errorf("send: lookup client id: %w", err)
		}
	}

	if !r.consultation.IsOpen() {
		s.unlockRoom(r)
		return domain.Message{}, domain.ErrAlreadyClosed
	}

	msg := domain.Message{
		ID:              s.newID(),
		ConsultationID:  id,
		SenderID:        actor.ID,
		SenderRole:      actor.Role,
		Body:            body,
		SequenceNumber:  r.lastSeq + 1,
		SentAt:          s.now().UTC(),
		ClientMessageID: clientMessageID,
	}
	if err := s.appendMessage(ctx, r, &msg); err != nil {
		s.unlockRoom(r)
		return domain.Message{}, err
	}
	r.lastSeq = msg.SequenceNumber
	r.broadcast(domain.ChannelEvent{Kind: domain.EventMessage, Message: &msg})
	counterpart := r.consultation.Counterpart(actor.ID)
	s.unlockRoom(r)

	metrics.MessagesSentTotal.WithLabelValues(string(actor.Role)).Inc()
	s.log.Debug().Str("consultation_id", id).Int64("seq", msg.SequenceNumber).Str("sender_id", actor.ID).Msg("message sequenced")
	s.notify(ctx, counterpart, domain.KindToast, domain.SeverityInfo, "New message in your consultation")
	return msg, nil
}

// appendMessage persists msg. If another writer took the sequence number,
// the room resynchronises with storage and retries once.
func (s *ConsultationService) appendMessage(ctx context.Context, r *room, msg *domain.Message) error {
	err := s.messages.Append(ctx, msg)
	if !errors.Is(err, domain.ErrConflict) {
		if err != nil {
			return fmt.Errorf("send: append: %w", err)
		}
		return nil
	}

	last, lerr := s.messages.LastSequence(ctx, msg.ConsultationID)
	if lerr != nil {
		return fmt.Errorf("send: reload sequence: %w", lerr)
	}
	r.lastSeq = last
	msg.SequenceNumber = last + 1
	if err := s.messages.Append(ctx, msg); err != nil {
		return fmt.Errorf("send: append retry: %w", err)
	}
	return nil
}

// History returns stored messages with after < seq <= upto. Closed
// consultations stay readable.
func (s *ConsultationService) History(ctx context.Context, id string, actor domain.Actor, after, upto int64, limit int) ([]domain.Message, error) {
	r, err := s.lockParticipantRoom(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	s.unlockRoom(r)

	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.messages.Range(ctx, id, after, upto, limit)
}

// Close ends a consultation. A doctor closes immediately. A villager records a
// close request that the doctor acknowledges by closing.
func (s *ConsultationService) Close(ctx context.Context, id string, actor domain.Actor) (domain.CloseOutcome, error) {
	r, err := s.lockParticipantRoom(ctx, id, actor)
	if err != nil {
		return domain.CloseOutcome{}, err
	}
	if !r.consultation.IsOpen() {
		s.unlockRoom(r)
		return domain.CloseOutcome{}, domain.ErrAlreadyClosed
	}

	updated := r.consultation
	var outcome domain.CloseOutcome
	switch actor.Role {
	case domain.RoleDoctor:
		closedAt := s.now().UTC()
		updated.Status = domain.ConsultationClosed
		updated.ClosedAt = &closedAt
		outcome = domain.CloseOutcome{Status: domain.ConsultationClosed}
	default:
		if updated.CloseRequestedBy == actor.ID {
			s.unlockRoom(r)
			return domain.CloseOutcome{Status: domain.ConsultationOpen, Pending: true}, nil
		}
		updated.CloseRequestedBy = actor.ID
		outcome = domain.CloseOutcome{Status: domain.ConsultationOpen, Pending: true}
	}

	if err := s.consultations.Update(ctx, &updated); err != nil {
		s.unlockRoom(r)
		return domain.CloseOutcome{}, fmt.Errorf("close consultation: %w", err)
	}
	r.consultation = updated

	if outcome.Pending {
		r.broadcast(domain.ChannelEvent{Kind: domain.EventCloseRequested, By: actor.ID})
	} else {
		r.broadcast(domain.ChannelEvent{Kind: domain.EventClosed, By: actor.ID})
		r.endAll()
	}
	c := r.consultation
	s.unlockRoom(r)

	if outcome.Pending {
		s.log.Info().Str("consultation_id", id).Str("by", actor.ID).Msg("close requested")
		s.notify(ctx, c.DoctorID, domain.KindPersistent, domain.SeverityWarning, "Your patient asked to close the consultation")
	} else {
		s.log.Info().Str("consultation_id", id).Str("by", actor.ID).Msg("consultation closed")
		s.notify(ctx, c.VillagerID, domain.KindPersistent, domain.SeverityInfo, "Your consultation was completed by the doctor")
	}
	return outcome, nil
}

func (s *ConsultationService) notify(ctx context.Context, recipientID string, kind domain.NotificationKind, severity domain.Severity, msg string) {
	if s.notifier == nil || recipientID == "" {
		return
	}
	if _, err := s.notifier.Publish(ctx, domain.Notification{
		RecipientID: recipientID,
		Kind:        kind,
		Severity:    severity,
		Message:     msg,
	}); err != nil {
		s.log.Warn().Err(err).Str("recipient_id", recipientID).Msg("failed to publish consultation notification")
	}
}

// broadcast pushes ev to every participant without blocking. A participant
// whose buffer is full misses the event and recovers it by resyncing.
// Caller holds r.mu.
func (r *room) broadcast(ev domain.ChannelEvent) {
	for p := range r.participants {
		select {
		case p.events <- ev:
		default:
			metrics.ChannelEventsDroppedTotal.Inc()
		}
	}
}

// endAll detaches every participant. Caller holds r.mu.
func (r *room) endAll() {
	for p := range r.participants {
		delete(r.participants, p)
		close(p.events)
		metrics.ConsultationParticipants.Dec()
	}
}

type participation struct {
	svc    *ConsultationService
	room   *room
	actor  domain.Actor
	events chan domain.ChannelEvent
	joined ports.Joined
}

func (p *participation) Joined() ports.Joined               { return p.joined }
func (p *participation) Events() <-chan domain.ChannelEvent { return p.events }

// Leave detaches the participant. It is safe to call more than once.
func (p *participation) Leave() {
	r := p.room
	r.mu.Lock()
	defer p.svc.unlockRoom(r)

	if _, ok := r.participants[p]; !ok {
		return
	}
	delete(r.participants, p)
	close(p.events)
	metrics.ConsultationParticipants.Dec()

	for other := range r.participants {
		if other.actor.ID == p.actor.ID {
			return
		}
	}
	r.broadcast(domain.ChannelEvent{Kind: domain.EventPresence, ParticipantID: p.actor.ID, Online: false})
	p.svc.log.Debug().Str("consultation_id", r.consultation.ID).Str("user_id", p.actor.ID).Msg("participant left")
}
