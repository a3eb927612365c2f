package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/PratikDhanave/tally/internal/models"
)

const (
	ttlIndexName    = "timestamp_ttl"
	uniqueIndexName = "project_event_unique"
	rangeIndexName  = "project_timestamp"
)

// Server error codes returned when an index exists with different options.
const (
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86
)

// EventStore is the append-only raw event collection.
//
// Every event becomes unobservable once it is older than the retention window: the
// TTL index deletes it, and reads clamp their lower bound to now-retention so that
// documents the TTL monitor has not reached yet are not returned either.
type EventStore struct {
	client    *mongo.Client
	coll      *mongo.Collection
	retention time.Duration
	clock     quartz.Clock
}

// EventStoreOption customizes an EventStore.
type EventStoreOption func(*EventStore)

// WithClock overrides the clock used for the retention read bound.
func WithClock(c quartz.Clock) EventStoreOption {
	return func(s *EventStore) { s.clock = c }
}

// NewEventStore connects to MongoDB and fails fast if it is unreachable.
func NewEventStore(uri, database, collection string, retention time.Duration, opts ...EventStoreOption) (*EventStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &EventStore{
		client:    client,
		coll:      client.Database(database).Collection(collection),
		retention: retention,
		clock:     quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureIndexes creates the uniqueness, range and TTL indexes. An existing TTL index
// with a different expiry is updated in place.
func (s *EventStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "projectId", Value: 1}, {Key: "eventId", Value: 1}},
			Options: options.Index().SetName(uniqueIndexName).SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "projectId", Value: 1}, {Key: "timestamp", Value: 1}},
			Options: options.Index().SetName(rangeIndexName),
		},
	})
	if err != nil {
		return fmt.Errorf("create event indexes: %w", err)
	}

	expire := int32(s.retention / time.Second)
	_, err = s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "timestamp", Value: 1}},
		Options: options.Index().SetName(ttlIndexName).SetExpireAfterSeconds(expire),
	})
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && (cmdErr.Code == codeIndexOptionsConflict || cmdErr.Code == codeIndexKeySpecsConflict) {
		err = s.coll.Database().RunCommand(ctx, bson.D{
			{Key: "collMod", Value: s.coll.Name()},
			{Key: "index", Value: bson.D{
				{Key: "name", Value: ttlIndexName},
				{Key: "expireAfterSeconds", Value: expire},
			}},
		}).Err()
	}
	if err != nil {
		return fmt.Errorf("ensure ttl index: %w", err)
	}
	return nil
}

// Ping checks connectivity for the readiness probe.
func (s *EventStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *EventStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// InsertEvent persists ev and returns inserted=false when (projectId, eventId) already
// exists. A duplicate is a successful no-op, which makes at-least-once delivery safe.
func (s *EventStore) InsertEvent(ctx context.Context, ev models.Event) (bool, error) {
	if ev.ProjectID == "" || ev.EventID == "" || ev.Name == "" {
		return false, errors.New("projectID/eventID/name required")
	}

	_, err := s.coll.InsertOne(ctx, ev)
	if err == nil {
		return true, nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	return false, fmt.Errorf("insert event: %w", err)
}

// ScanEvents streams every event with timestamp in [from, to) to fn. When projectIDs is
// non-empty only those projects are read. A non-nil error from fn stops the scan.
func (s *EventStore) ScanEvents(ctx context.Context, from, to time.Time, projectIDs []string, fn func(*models.Event) error) error {
	if horizon := s.clock.Now().Add(-s.retention); from.Before(horizon) {
		from = horizon
	}
	if !from.Before(to) {
		return nil
	}

	filter := bson.D{{Key: "timestamp", Value: bson.D{
		{Key: "$gte", Value: from},
		{Key: "$lt", Value: to},
	}}}
	if len(projectIDs) > 0 {
		filter = append(filter, bson.E{Key: "projectId", Value: bson.D{{Key: "$in", Value: projectIDs}}})
	}

	cur, err := s.coll.Find(ctx, filter, options.Find().SetBatchSize(1000))
	if err != nil {
		return fmt.Errorf("find events: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var ev models.Event
		if err := cur.Decode(&ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
	return cur.Err()
}

// CountEvents returns how many observable events project has in [from, to).
func (s *EventStore) CountEvents(ctx context.Context, projectID string, from, to time.Time) (int64, error) {
	var n int64
	err := s.ScanEvents(ctx, from, to, []string{projectID}, func(*models.Event) error {
		n++
		return nil
	})
	return n, err
}
