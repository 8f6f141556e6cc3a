package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/weftworks/loom/features/mongodb"
	"github.com/weftworks/loom/runtime/ingest/syncs"
)

const defaultCollection = "syncs"

// Options configures the Mongo sync store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements syncs.Store on MongoDB.
type Store struct {
	coll    mongodb.Collection
	timeout time.Duration
}

var _ syncs.Store = (*Store)(nil)

// New ensures the sync indexes and returns a store bound to the database.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = mongodb.DefaultTimeout
	}
	coll := mongodb.Wrap(opts.Client.Database(opts.Database).Collection(name))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newStore(coll, timeout), nil
}

func newStore(coll mongodb.Collection, timeout time.Duration) *Store {
	return &Store{coll: coll, timeout: timeout}
}

// Create inserts a sync. IDs must be unique.
func (s *Store) Create(ctx context.Context, rec syncs.Sync) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.ModifiedAt = rec.CreatedAt
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, fromSync(rec)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("syncs: id %s already exists", rec.ID)
		}
		return fmt.Errorf("syncs create: %w", err)
	}
	return nil
}

// Get returns the sync scoped to org.
func (s *Store) Get(ctx context.Context, org, id string) (syncs.Sync, error) {
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.get(ctx, org, id)
}

// Update persists mutable fields, rejecting changes to immutable bindings.
func (s *Store) Update(ctx context.Context, org string, rec syncs.Sync) error {
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	stored, err := s.get(ctx, org, rec.ID)
	if err != nil {
		return err
	}
	if err := syncs.ValidateUpdate(stored, rec); err != nil {
		return err
	}
	update := bson.M{"$set": bson.M{
		"name":        rec.Name,
		"description": rec.Description,
		"schedule":    rec.Schedule,
		"modified_at": time.Now().UTC(),
	}}
	if _, err := s.coll.UpdateOne(ctx, bson.M{"id": rec.ID}, update); err != nil {
		return fmt.Errorf("syncs update: %w", err)
	}
	return nil
}

// Delete removes the sync scoped to org.
func (s *Store) Delete(ctx context.Context, org, id string) error {
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.get(ctx, org, id); err != nil {
		return err
	}
	if _, err := s.coll.DeleteOne(ctx, bson.M{"id": id}); err != nil {
		return fmt.Errorf("syncs delete: %w", err)
	}
	return nil
}

// List returns the org's syncs ordered by ID.
func (s *Store) List(ctx context.Context, org string) ([]syncs.Sync, error) {
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "id", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.M{"org": org}, opts)
	if err != nil {
		return nil, fmt.Errorf("syncs list: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []syncs.Sync
	for cur.Next(ctx) {
		var doc syncDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("syncs list: %w", err)
		}
		out = append(out, doc.toSync())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("syncs list: %w", err)
	}
	return out, nil
}

// get fetches by ID alone so a cross-org hit is reported as permission
// denied rather than not found.
func (s *Store) get(ctx context.Context, org, id string) (syncs.Sync, error) {
	var doc syncDocument
	if err := s.coll.FindOne(ctx, bson.M{"id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return syncs.Sync{}, syncs.ErrNotFound
		}
		return syncs.Sync{}, fmt.Errorf("syncs get: %w", err)
	}
	if doc.Org != org {
		return syncs.Sync{}, syncs.ErrPermissionDenied
	}
	return doc.toSync(), nil
}

type syncDocument struct {
	ID                       string    `bson:"id"`
	Name                     string    `bson:"name"`
	Description              string    `bson:"description,omitempty"`
	Org                      string    `bson:"org"`
	SourceConnectionID       string    `bson:"source_connection_id"`
	DestinationConnectionIDs []string  `bson:"destination_connection_ids"`
	EmbeddingModelID         string    `bson:"embedding_model_id"`
	DAGID                    string    `bson:"dag_id"`
	Schedule                 string    `bson:"schedule,omitempty"`
	CreatedAt                time.Time `bson:"created_at"`
	ModifiedAt               time.Time `bson:"modified_at"`
}

func fromSync(s syncs.Sync) syncDocument {
	return syncDocument{
		ID:                       s.ID,
		Name:                     s.Name,
		Description:              s.Description,
		Org:                      s.Org,
		SourceConnectionID:       s.SourceConnectionID,
		DestinationConnectionIDs: s.DestinationConnectionIDs,
		EmbeddingModelID:         s.EmbeddingModelID,
		DAGID:                    s.DAGID,
		Schedule:                 s.Schedule,
		CreatedAt:                s.CreatedAt.UTC(),
		ModifiedAt:               s.ModifiedAt.UTC(),
	}
}

func (doc syncDocument) toSync() syncs.Sync {
	return syncs.Sync{
		ID:                       doc.ID,
		Name:                     doc.Name,
		Description:              doc.Description,
		Org:                      doc.Org,
		SourceConnectionID:       doc.SourceConnectionID,
		DestinationConnectionIDs: doc.DestinationConnectionIDs,
		EmbeddingModelID:         doc.EmbeddingModelID,
		DAGID:                    doc.DAGID,
		Schedule:                 doc.Schedule,
		CreatedAt:                doc.CreatedAt.UTC(),
		ModifiedAt:               doc.ModifiedAt.UTC(),
	}
}

func ensureIndexes(ctx context.Context, coll mongodb.Collection) error {
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idIndex); err != nil {
		return err
	}
	orgIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "org", Value: 1}, {Key: "id", Value: 1}},
	}
	if _, err := coll.Indexes().CreateOne(ctx, orgIndex); err != nil {
		return err
	}
	return nil
}
