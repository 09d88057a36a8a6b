package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/villagehealth/portal/internal/core/domain"
)

const usersCollection = "users"

type UserRepository struct {
	coll *mongo.Collection
}

func NewUserRepository(db *mongo.Database) *UserRepository {
	return &UserRepository{coll: db.Collection(usersCollection)}
}

type mongoUser struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	Email          string             `bson:"email"`
	FullName       string             `bson:"full_name"`
	Role           string             `bson:"role"`
	PhoneNumber    string             `bson:"phone_number"`
	PasswordHash   string             `bson:"password_hash"`
	Village        string             `bson:"village,omitempty"`
	Specialization string             `bson:"specialization,omitempty"`
	LicenseNumber  string             `bson:"license_number,omitempty"`
	CreatedAt      int64              `bson:"created_at"`
	UpdatedAt      int64              `bson:"updated_at"`
}

func toMongoUser(u *domain.User) mongoUser {
	doc := mongoUser{
		Email:        strings.ToLower(u.Email),
		FullName:     u.FullName,
		Role:         string(u.Role),
		PhoneNumber:  u.PhoneNumber,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt.Unix(),
		UpdatedAt:    u.UpdatedAt.Unix(),
	}
	if u.Attributes != nil {
		domain.MatchRole(u.Attributes,
			func(a domain.VillagerAttributes) struct{} {
				doc.Village = a.Village
				return struct{}{}
			},
			func(a domain.DoctorAttributes) struct{} {
				doc.Specialization = a.Specialization
				doc.LicenseNumber = a.LicenseNumber
				return struct{}{}
			},
			func(domain.AdminAttributes) struct{} { return struct{}{} },
		)
	}
	return doc
}

func (mu mongoUser) toDomain() (*domain.User, error) {
	role, err := domain.ParseRole(mu.Role)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", mu.ID.Hex(), err)
	}
	u := &domain.User{
		ID:           mu.ID.Hex(),
		Email:        mu.Email,
		FullName:     mu.FullName,
		Role:         role,
		PhoneNumber:  mu.PhoneNumber,
		PasswordHash: mu.PasswordHash,
		CreatedAt:    unixToTime(mu.CreatedAt),
		UpdatedAt:    unixToTime(mu.UpdatedAt),
	}
	switch role {
	case domain.RoleVillager:
		u.Attributes = domain.VillagerAttributes{Village: mu.Village}
	case domain.RoleDoctor:
		u.Attributes = domain.DoctorAttributes{Specialization: mu.Specialization, LicenseNumber: mu.LicenseNumber}
	default:
		u.Attributes = domain.AdminAttributes{}
	}
	return u, nil
}

func (r *UserRepository) Create(ctx context.Context, user *domain.User) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := r.coll.InsertOne(ctx, toMongoUser(user))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, domain.ErrUserExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	created := *user
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		created.ID = oid.Hex()
	}
	created.Email = strings.ToLower(user.Email)
	return &created, nil
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"email": strings.ToLower(email)})
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	return r.findOne(ctx, bson.M{"_id": oid})
}

func (r *UserRepository) findOne(ctx context.Context, filter bson.M) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var mu mongoUser
	if err := r.coll.FindOne(ctx, filter).Decode(&mu); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return mu.toDomain()
}

// EnsureIndexes makes email unique.
func (r *UserRepository) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()

	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}
