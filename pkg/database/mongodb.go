package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quota-backend/internal/repository"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

// Connect establishes a connection to MongoDB and ensures the rate limit indexes exist
func Connect(ctx context.Context, mongoURI string) (*mongo.Database, error) {
	// Parse the URI to extract database name
	cs, err := connstring.ParseAndValidate(mongoURI)
	if err != nil {
		return nil, fmt.Errorf("invalid MongoDB URI: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	slog.Info("connected to MongoDB", "database", cs.Database)

	dbName := cs.Database
	if dbName == "" {
		dbName = "quota"
	}

	db := client.Database(dbName)

	if err := createIndexes(ctx, db); err != nil {
		slog.Warn("failed to create indexes", "error", err)
	}

	return db, nil
}

// createIndexes creates the indexes counter lookups and purges depend on
func createIndexes(ctx context.Context, db *mongo.Database) error {
	counterIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "identifier", Value: 1},
				{Key: "category", Value: 1},
				{Key: "window", Value: 1},
				{Key: "timestamp", Value: 1},
			},
		},
		{
			Keys: bson.D{{Key: "timestamp", Value: 1}},
		},
	}
	if _, err := db.Collection(repository.CounterCollection).Indexes().CreateMany(ctx, counterIndexes); err != nil {
		return fmt.Errorf("counter indexes: %w", err)
	}

	banIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "expires_at", Value: 1}},
		},
	}
	if _, err := db.Collection(repository.BanCollection).Indexes().CreateMany(ctx, banIndexes); err != nil {
		return fmt.Errorf("ban indexes: %w", err)
	}

	slog.Debug("database indexes created")
	return nil
}

// Disconnect closes the MongoDB connection
func Disconnect(client *mongo.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}

	slog.Info("disconnected from MongoDB")
	return nil
}

// Health checks the database connection health
func Health(ctx context.Context, db *mongo.Database) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return db.Client().Ping(ctx, nil)
}
