package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/erp-bridge/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const defaultMongoCollection = "integration_events"

var NewSpannerRepositoryFactory = func(client *spanner.Client) EventRepository {
	return &SpannerRepository{client: client}
}

func NewRepository(ctx context.Context, cfg config.DbSettings) (EventRepository, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &PostgresRepository{Db: db}, nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		repo := NewMongoRepository(client, cfg.Name, defaultMongoCollection)
		if err := repo.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerRepositoryFactory(client), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}
