package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/villagehealth/portal/internal/core/domain"
)

const consultationsCollection = "consultations"

type ConsultationRepository struct {
	coll *mongo.Collection
}

func NewConsultationRepository(db *mongo.Database) *ConsultationRepository {
	return &ConsultationRepository{coll: db.Collection(consultationsCollection)}
}

type mongoConsultation struct {
	ID               string     `bson:"_id"`
	VillagerID       string     `bson:"villager_id"`
	DoctorID         string     `bson:"doctor_id"`
	Status           string     `bson:"status"`
	CreatedAt        time.Time  `bson:"created_at"`
	ClosedAt         *time.Time `bson:"closed_at,omitempty"`
	CloseRequestedBy string     `bson:"close_requested_by,omitempty"`
}

func toMongoConsultation(c *domain.Consultation) mongoConsultation {
	return mongoConsultation{
		ID:               c.ID,
		VillagerID:       c.VillagerID,
		DoctorID:         c.DoctorID,
		Status:           string(c.Status),
		CreatedAt:        c.CreatedAt.UTC(),
		ClosedAt:         c.ClosedAt,
		CloseRequestedBy: c.CloseRequestedBy,
	}
}

func (mc mongoConsultation) toDomain() *domain.Consultation {
	return &domain.Consultation{
		ID:               mc.ID,
		VillagerID:       mc.VillagerID,
		DoctorID:         mc.DoctorID,
		Status:           domain.ConsultationStatus(mc.Status),
		CreatedAt:        mc.CreatedAt,
		ClosedAt:         mc.ClosedAt,
		CloseRequestedBy: mc.CloseRequestedBy,
	}
}

func (r *ConsultationRepository) Create(ctx context.Context, c *domain.Consultation) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if _, err := r.coll.InsertOne(ctx, toMongoConsultation(c)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert consultation: %w", err)
	}
	return nil
}

func (r *ConsultationRepository) FindByID(ctx context.Context, id string) (*domain.Consultation, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var mc mongoConsultation
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&mc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find consultation: %w", err)
	}
	return mc.toDomain(), nil
}

// Update replaces the mutable lifecycle fields.
func (r *ConsultationRepository) Update(ctx context.Context, c *domain.Consultation) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	set := bson.M{
		"status":             string(c.Status),
		"close_requested_by": c.CloseRequestedBy,
	}
	if c.ClosedAt != nil {
		set["closed_at"] = c.ClosedAt.UTC()
	}
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": c.ID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update consultation: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *ConsultationRepository) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()

	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "villager_id", Value: 1}}},
		{Keys: bson.D{{Key: "doctor_id", Value: 1}}},
	})
	return err
}
