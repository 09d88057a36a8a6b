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

const notificationsCollection = "notifications"

// NotificationStore keeps persistent notifications. Toasts never reach it.
type NotificationStore struct {
	coll *mongo.Collection
}

func NewNotificationStore(db *mongo.Database) *NotificationStore {
	return &NotificationStore{coll: db.Collection(notificationsCollection)}
}

type mongoNotification struct {
	ID          string    `bson:"_id"`
	RecipientID string    `bson:"recipient_id"`
	Kind        string    `bson:"kind"`
	Severity    string    `bson:"severity"`
	Message     string    `bson:"message"`
	CreatedAt   time.Time `bson:"created_at"`
	Read        bool      `bson:"read"`
}

func (mn mongoNotification) toDomain() domain.Notification {
	return domain.Notification{
		ID:          mn.ID,
		RecipientID: mn.RecipientID,
		Kind:        domain.NotificationKind(mn.Kind),
		Severity:    domain.Severity(mn.Severity),
		Message:     mn.Message,
		CreatedAt:   mn.CreatedAt,
		Read:        mn.Read,
	}
}

func (s *NotificationStore) Save(ctx context.Context, n *domain.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := s.coll.InsertOne(ctx, mongoNotification{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Kind:        string(n.Kind),
		Severity:    string(n.Severity),
		Message:     n.Message,
		CreatedAt:   n.CreatedAt.UTC(),
		Read:        n.Read,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *NotificationStore) FindByID(ctx context.Context, id string) (*domain.Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var mn mongoNotification
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&mn); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find notification: %w", err)
	}
	n := mn.toDomain()
	return &n, nil
}

func (s *NotificationStore) Unread(ctx context.Context, recipientID string) ([]domain.Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.M{"recipient_id": recipientID, "read": false}, opts)
	if err != nil {
		return nil, fmt.Errorf("find unread: %w", err)
	}
	defer cur.Close(ctx)

	var docs []mongoNotification
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	out := make([]domain.Notification, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	return out, nil
}

func (s *NotificationStore) MarkRead(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *NotificationStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()

	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "read", Value: 1}, {Key: "created_at", Value: 1}},
	})
	return err
}
