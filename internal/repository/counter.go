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

const (
	CounterCollection = "rate_limit_records"
	BanCollection     = "rate_limit_bans"
)

// CounterRepository stores one document per window per admission in MongoDB.
// Checks read then write, so the engine runs in approximate mode on top of it.
type CounterRepository struct {
	collection *mongo.Collection
}

var _ ratelimit.CounterStore = (*CounterRepository)(nil)

func NewCounterRepository(db *mongo.Database) *CounterRepository {
	return &CounterRepository{
		collection: db.Collection(CounterCollection),
	}
}

func (r *CounterRepository) Mode() ratelimit.ConsistencyMode { return ratelimit.ModeApproximate }

func (r *CounterRepository) Count(ctx context.Context, identifier string, category ratelimit.Category, window string, since time.Time) (ratelimit.Usage, error) {
	filter := bson.M{
		"identifier": identifier,
		"category":   category,
		"window":     window,
		"timestamp":  bson.M{"$gte": since},
	}

	count, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		return ratelimit.Usage{}, fmt.Errorf("count records: %w", err)
	}
	if count == 0 {
		return ratelimit.Usage{}, nil
	}

	var oldest ratelimit.CounterRecord
	opts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	err = r.collection.FindOne(ctx, filter, opts).Decode(&oldest)
	if err != nil {
		// purged between the two reads
		if err == mongo.ErrNoDocuments {
			return ratelimit.Usage{}, nil
		}
		return ratelimit.Usage{}, fmt.Errorf("find oldest record: %w", err)
	}

	return ratelimit.Usage{Count: int(count), Oldest: oldest.Timestamp}, nil
}

func (r *CounterRepository) Append(ctx context.Context, identifier string, category ratelimit.Category, windows []string, at time.Time) error {
	docs := make([]interface{}, 0, len(windows))
	for _, w := range windows {
		docs = append(docs, ratelimit.CounterRecord{
			Identifier: identifier,
			Category:   category,
			Window:     w,
			Timestamp:  at,
		})
	}

	if _, err := r.collection.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert records: %w", err)
	}
	return nil
}

func (r *CounterRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	return result.DeletedCount, nil
}
