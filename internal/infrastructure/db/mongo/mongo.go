package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultTimeout = 10 * time.Second
	indexTimeout   = 30 * time.Second
)

// Config captures the minimal settings required to establish a MongoDB connection.
type Config struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// Connect establishes a MongoDB client, verifies connectivity with a ping, and
// returns both the client and the selected database. A default timeout is
// applied when none is provided.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, *mongo.Database, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}

	return client, client.Database(cfg.Database), nil
}

// Store groups the portal's repositories over one database.
type Store struct {
	Users         *UserRepository
	Consultations *ConsultationRepository
	Messages      *MessageRepository
	Notifications *NotificationStore
}

func NewStore(db *mongo.Database) *Store {
	return &Store{
		Users:         NewUserRepository(db),
		Consultations: NewConsultationRepository(db),
		Messages:      NewMessageRepository(db),
		Notifications: NewNotificationStore(db),
	}
}

// EnsureIndexes creates every collection's indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for name, ensure := range map[string]func(context.Context) error{
		usersCollection:         s.Users.EnsureIndexes,
		consultationsCollection: s.Consultations.EnsureIndexes,
		messagesCollection:      s.Messages.EnsureIndexes,
		notificationsCollection: s.Notifications.EnsureIndexes,
	} {
		if err := ensure(ctx); err != nil {
			return fmt.Errorf("ensure %s indexes: %w", name, err)
		}
	}
	return nil
}

func unixToTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}
