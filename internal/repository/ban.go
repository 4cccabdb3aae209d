package repository

import (
	"context"
	"fmt"
	"time"

	"quota-backend/pkg/ratelimit"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// BanRepository keeps one document per banned identifier, keyed by the identifier
type BanRepository struct {
	collection *mongo.Collection
}

var _ ratelimit.BanRegistry = (*BanRepository)(nil)

func NewBanRepository(db *mongo.Database) *BanRepository {
	return &BanRepository{
		collection: db.Collection(BanCollection),
	}
}

func (r *BanRepository) Active(ctx context.Context, identifier string, now time.Time) (*ratelimit.Ban, error) {
	var ban ratelimit.Ban
	err := r.collection.FindOne(ctx, bson.M{
		"_id":        identifier,
		"expires_at": bson.M{"$gt": now},
	}).Decode(&ban)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("find ban: %w", err)
	}
	return &ban, nil
}

// Put upserts ban only over a shorter existing ban. When a ban that lasts at least as
// long is already stored the filter misses, the upsert collides on _id, and the stored
// ban is returned unchanged.
func (r *BanRepository) Put(ctx context.Context, ban ratelimit.Ban) (ratelimit.Ban, error) {
	filter := bson.M{
		"_id":        ban.Identifier,
		"expires_at": bson.M{"$lt": ban.ExpiresAt},
	}
	update := bson.M{"$set": bson.M{
		"reason":     ban.Reason,
		"created_at": ban.CreatedAt,
		"expires_at": ban.ExpiresAt,
	}}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err == nil {
		return ban, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return ratelimit.Ban{}, fmt.Errorf("upsert ban: %w", err)
	}

	var existing ratelimit.Ban
	if err := r.collection.FindOne(ctx, bson.M{"_id": ban.Identifier}).Decode(&existing); err != nil {
		return ratelimit.Ban{}, fmt.Errorf("find ban: %w", err)
	}
	return existing, nil
}

func (r *BanRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now}})
	if err != nil {
		return 0, fmt.Errorf("purge bans: %w", err)
	}
	return result.DeletedCount, nil
}
