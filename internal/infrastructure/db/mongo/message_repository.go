package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/villagehealth/portal/internal/core/domain"
)

const messagesCollection = "messages"

type MessageRepository struct {
	coll *mongo.Collection
}

func NewMessageRepository(db *mongo.Database) *MessageRepository {
	return &MessageRepository{coll: db.Collection(messagesCollection)}
}

type mongoMessage struct {
	ID              string    `bson:"_id"`
	ConsultationID  string    `bson:"consultation_id"`
	SenderID        string    `bson:"sender_id"`
	SenderRole      string    `bson:"sender_role"`
	Body            string    `bson:"body"`
	SequenceNumber  int64     `bson:"sequence_number"`
	SentAt          time.Time `bson:"sent_at"`
	ClientMessageID string    `bson:"client_message_id,omitempty"`
}

func (mm mongoMessage) toDomain() domain.Message {
	return domain.Message{
		ID:              mm.ID,
		ConsultationID:  mm.ConsultationID,
		SenderID:        mm.SenderID,
		SenderRole:      domain.Role(mm.SenderRole),
		Body:            mm.Body,
		SequenceNumber:  mm.SequenceNumber,
		SentAt:          mm.SentAt,
		ClientMessageID: mm.ClientMessageID,
	}
}

// Append inserts m. The unique (consultation_id, sequence_number) index turns
// a lost sequencing race into domain.ErrConflict.
func (r *MessageRepository) Append(ctx context.Context, m *domain.Message) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := r.coll.InsertOne(ctx, mongoMessage{
		ID:              m.ID,
		ConsultationID:  m.ConsultationID,
		SenderID:        m.SenderID,
		SenderRole:      string(m.SenderRole),
		Body:            m.Body,
		SequenceNumber:  m.SequenceNumber,
		SentAt:          m.SentAt.UTC(),
		ClientMessageID: m.ClientMessageID,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *MessageRepository) Range(ctx context.Context, consultationID string, after, upto int64, limit int) ([]domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	seq := bson.M{"$gt": after}
	if upto > 0 {
		seq["$lte"] = upto
	}
	opts := options.Find().SetSort(bson.D{{Key: "sequence_number", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := r.coll.Find(ctx, bson.M{"consultation_id": consultationID, "sequence_number": seq}, opts)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	defer cur.Close(ctx)

	var docs []mongoMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	out := make([]domain.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	return out, nil
}

func (r *MessageRepository) LastSequence(ctx context.Context, consultationID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	opts := options.FindOne().
		SetSort(bson.D{{Key: "sequence_number", Value: -1}}).
		SetProjection(bson.M{"sequence_number": 1})

	var mm mongoMessage
	if err := r.coll.FindOne(ctx, bson.M{"consultation_id": consultationID}, opts).Decode(&mm); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return mm.SequenceNumber, nil
}

func (r *MessageRepository) FindByClientID(ctx context.Context, consultationID, clientMessageID string) (*domain.Message, error) {
	if clientMessageID == "" {
		return nil, domain.ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var mm mongoMessage
	filter := bson.M{"consultation_id": consultationID, "client_message_id": clientMessageID}
	if err := r.coll.FindOne(ctx, filter).Decode(&mm); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find message: %w", err)
	}
	m := mm.toDomain()
	return &m, nil
}

func (r *MessageRepository) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()

	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "consultation_id", Value: 1}, {Key: "sequence_number", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "consultation_id", Value: 1}, {Key: "client_message_id", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(bson.M{
				"client_message_id": bson.M{"$exists": true},
			}),
		},
	})
	return err
}
