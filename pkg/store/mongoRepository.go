package store

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"

	"github.com/zoff-tech/erp-bridge/pkg/event"
)

type MongoRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoRepository(client *mongo.Client, database, collection string) *MongoRepository {
	return &MongoRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

// mongoEvent is the BSON shape of an integration event. PayloadHash is
// stored as int64 because BSON has no unsigned integer type.
type mongoEvent struct {
	EventID       string    `bson:"event_id"`
	SourceChannel string    `bson:"source_channel"`
	EntityType    string    `bson:"entity_type"`
	Operation     string    `bson:"operation"`
	EntityKey     string    `bson:"entity_key"`
	Payload       []byte    `bson:"payload"`
	PayloadHash   int64     `bson:"payload_hash"`
	ReceivedAt    time.Time `bson:"received_at"`
	Status        string    `bson:"status"`
	AttemptCount  int       `bson:"attempt_count"`
	LastError     *string   `bson:"last_error,omitempty"`
	NextRetryAt   time.Time `bson:"next_retry_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

func (m mongoEvent) toEvent() event.IntegrationEvent {
	return event.IntegrationEvent{
		EventID:       m.EventID,
		SourceChannel: event.SourceChannel(m.SourceChannel),
		EntityType:    event.EntityType(m.EntityType),
		Operation:     event.Operation(m.Operation),
		EntityKey:     m.EntityKey,
		Payload:       json.RawMessage(m.Payload),
		PayloadHash:   uint64(m.PayloadHash),
		ReceivedAt:    m.ReceivedAt,
		Status:        event.Status(m.Status),
		AttemptCount:  m.AttemptCount,
		LastError:     m.LastError,
		NextRetryAt:   m.NextRetryAt,
	}
}

// EnsureIndexes creates the unique ingestion index and the access paths
// used by the claim and retry scans.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	coll := m.client.Database(m.database).Collection(m.collection)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "event_id", Value: 1}, {Key: "source_channel", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "entity_key", Value: 1}, {Key: "received_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_retry_at", Value: 1}}},
		{Keys: bson.D{
			{Key: "entity_type", Value: 1}, {Key: "operation", Value: 1},
			{Key: "entity_key", Value: 1}, {Key: "payload_hash", Value: 1},
			{Key: "received_at", Value: 1},
		}},
	})
	return err
}

func (m *MongoRepository) InsertIfAbsent(ctx context.Context, ev *event.IntegrationEvent) (bool, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "InsertIfAbsent")
	defer span.End()

	coll := m.client.Database(m.database).Collection(m.collection)
	doc := mongoEvent{
		EventID:       ev.EventID,
		SourceChannel: string(ev.SourceChannel),
		EntityType:    string(ev.EntityType),
		Operation:     string(ev.Operation),
		EntityKey:     ev.EntityKey,
		Payload:       []byte(ev.Payload),
		PayloadHash:   int64(ev.PayloadHash),
		ReceivedAt:    ev.ReceivedAt,
		Status:        string(event.StatusPending),
		AttemptCount:  0,
		NextRetryAt:   ev.ReceivedAt,
		UpdatedAt:     time.Now(),
	}
	_, err := coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return true, nil
}

func (m *MongoRepository) FindRecentMatch(ctx context.Context, entityType event.EntityType, op event.Operation, entityKey string, payloadHash uint64, window time.Duration) (bool, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FindRecentMatch")
	defer span.End()

	coll := m.client.Database(m.database).Collection(m.collection)
	filter := bson.M{
		"entity_type":  string(entityType),
		"operation":    string(op),
		"entity_key":   entityKey,
		"payload_hash": int64(payloadHash),
		"received_at":  bson.M{"$gte": time.Now().Add(-window)},
	}
	err := coll.FindOne(ctx, filter).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return true, nil
}

func (m *MongoRepository) ClaimNextBatch(ctx context.Context, batchSize int) ([]event.IntegrationEvent, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "ClaimNextBatch")
	defer span.End()

	startTime := time.Now()
	coll := m.client.Database(m.database).Collection(m.collection)

	unresolved := make([]string, 0, len(unresolvedStatuses))
	for _, s := range unresolvedStatuses {
		unresolved = append(unresolved, string(s))
	}

	// Head of each entity-key chain: the oldest unresolved event. Only a
	// chain whose head is pending may be claimed; anything else means the
	// chain is blocked on an in-flight or parked sibling.
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"status": bson.M{"$in": unresolved}}}},
		{{Key: "$sort", Value: bson.D{{Key: "received_at", Value: 1}}}},
		{{Key: "$group", Value: bson.M{"_id": "$entity_key", "head": bson.M{"$first": "$$ROOT"}}}},
		{{Key: "$match", Value: bson.M{"head.status": string(event.StatusPending)}}},
		{{Key: "$sort", Value: bson.D{{Key: "head.received_at", Value: 1}}}},
		{{Key: "$limit", Value: int64(batchSize)}},
		{{Key: "$replaceRoot", Value: bson.M{"newRoot": "$head"}}},
	}

	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var candidates []mongoEvent
	if err := cursor.All(ctx, &candidates); err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := time.Now()
	var events []event.IntegrationEvent
	for _, cand := range candidates {
		// Conditional update is the claim: a concurrent worker that won
		// the race flipped the status first and this filter misses.
		filter := bson.M{
			"event_id":       cand.EventID,
			"source_channel": cand.SourceChannel,
			"status":         string(event.StatusPending),
		}
		update := bson.M{
			"$set": bson.M{"status": string(event.StatusInFlight), "updated_at": now},
			"$inc": bson.M{"attempt_count": 1},
		}
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

		var claimed mongoEvent
		err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&claimed)
		if err == mongo.ErrNoDocuments {
			continue
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		events = append(events, claimed.toEvent())
	}
	orderBatch(events)

	addDBStatsToSpan(span, "mongodb", "ClaimNextBatch", len(events), time.Since(startTime))
	return events, nil
}

func (m *MongoRepository) MarkApplied(ctx context.Context, eventID string, channel event.SourceChannel) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "MarkApplied")
	defer span.End()

	coll := m.client.Database(m.database).Collection(m.collection)
	filter := bson.M{
		"event_id":       eventID,
		"source_channel": string(channel),
		"status":         bson.M{"$nin": terminalStatusStrings()},
	}
	update := bson.M{"$set": bson.M{
		"status":     string(event.StatusApplied),
		"last_error": nil,
		"updated_at": time.Now(),
	}}
	_, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (m *MongoRepository) MarkFailed(ctx context.Context, eventID string, channel event.SourceChannel, lastError string, terminal bool, nextRetryAt time.Time) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "MarkFailed")
	defer span.End()

	status := event.StatusFailedRetryable
	if terminal {
		status = event.StatusFailedTerminal
	}
	coll := m.client.Database(m.database).Collection(m.collection)
	filter := bson.M{
		"event_id":       eventID,
		"source_channel": string(channel),
		"status":         bson.M{"$nin": terminalStatusStrings()},
	}
	update := bson.M{"$set": bson.M{
		"status":        string(status),
		"last_error":    lastError,
		"next_retry_at": nextRetryAt,
		"updated_at":    time.Now(),
	}}
	_, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (m *MongoRepository) ReleaseDueRetries(ctx context.Context, now time.Time) (int64, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "ReleaseDueRetries")
	defer span.End()

	coll := m.client.Database(m.database).Collection(m.collection)
	filter := bson.M{
		"status":        string(event.StatusFailedRetryable),
		"next_retry_at": bson.M{"$lte": now},
	}
	update := bson.M{"$set": bson.M{"status": string(event.StatusPending), "updated_at": now}}
	res, err := coll.UpdateMany(ctx, filter, update)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (m *MongoRepository) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "RecoverStale")
	defer span.End()

	now := time.Now()
	coll := m.client.Database(m.database).Collection(m.collection)
	filter := bson.M{
		"status":     string(event.StatusInFlight),
		"updated_at": bson.M{"$lt": now.Add(-olderThan)},
	}
	update := bson.M{"$set": bson.M{"status": string(event.StatusPending), "updated_at": now}}
	res, err := coll.UpdateMany(ctx, filter, update)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (m *MongoRepository) StatusCounts(ctx context.Context) (map[event.Status]int64, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "StatusCounts")
	defer span.End()

	coll := m.client.Database(m.database).Collection(m.collection)
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	}
	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	counts := make(map[event.Status]int64)
	for cursor.Next(ctx) {
		var row struct {
			Status string `bson:"_id"`
			Count  int64  `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			span.RecordError(err)
			return nil, err
		}
		counts[event.Status(row.Status)] = row.Count
	}
	return counts, cursor.Err()
}

func (m *MongoRepository) OldestUnresolved(ctx context.Context) (*time.Time, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "OldestUnresolved")
	defer span.End()

	unresolved := make([]string, 0, len(unresolvedStatuses))
	for _, s := range unresolvedStatuses {
		unresolved = append(unresolved, string(s))
	}
	coll := m.client.Database(m.database).Collection(m.collection)
	opts := options.FindOne().SetSort(bson.D{{Key: "received_at", Value: 1}})

	var doc mongoEvent
	err := coll.FindOne(ctx, bson.M{"status": bson.M{"$in": unresolved}}, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &doc.ReceivedAt, nil
}

func (m *MongoRepository) LastTerminalFailures(ctx context.Context) (map[event.EntityType]string, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "LastTerminalFailures")
	defer span.End()

	coll := m.client.Database(m.database).Collection(m.collection)
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"status":     string(event.StatusFailedTerminal),
			"last_error": bson.M{"$ne": nil},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "updated_at", Value: -1}}}},
		{{Key: "$group", Value: bson.M{"_id": "$entity_type", "message": bson.M{"$first": "$last_error"}}}},
	}
	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	failures := make(map[event.EntityType]string)
	for cursor.Next(ctx) {
		var row struct {
			EntityType string `bson:"_id"`
			Message    string `bson:"message"`
		}
		if err := cursor.Decode(&row); err != nil {
			span.RecordError(err)
			return nil, err
		}
		failures[event.EntityType(row.EntityType)] = row.Message
	}
	return failures, cursor.Err()
}

func terminalStatusStrings() []string {
	return []string{string(event.StatusApplied), string(event.StatusFailedTerminal)}
}
