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
	"github.com/weftworks/loom/runtime/ingest/credentials"
)

const defaultCollection = "credentials"

// Options configures the Mongo credential store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements credentials.Store on MongoDB.
type Store struct {
	coll    mongodb.Collection
	timeout time.Duration
}

var _ credentials.Store = (*Store)(nil)

// New ensures the credential indexes and returns a store bound to the
// database.
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

// Get returns the credential or credentials.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (credentials.Credential, error) {
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc credentialDocument
	if err := s.coll.FindOne(ctx, bson.M{"id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return credentials.Credential{}, credentials.ErrNotFound
		}
		return credentials.Credential{}, fmt.Errorf("credentials get: %w", err)
	}
	return doc.toCredential(), nil
}

// Put stores the credential, preserving the original creation time on
// overwrite.
func (s *Store) Put(ctx context.Context, cred credentials.Credential) error {
	now := time.Now().UTC()
	createdAt := cred.CreatedAt.UTC()
	if cred.CreatedAt.IsZero() {
		createdAt = now
	}
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	update := bson.M{
		"$set": bson.M{
			"short_name": cred.ShortName,
			"payload":    cred.Payload,
			"updated_at": now,
		},
		"$setOnInsert": bson.M{
			"id":         cred.ID,
			"created_at": createdAt,
		},
	}
	if _, err := s.coll.UpdateOne(ctx, bson.M{"id": cred.ID}, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("credentials put: %w", err)
	}
	return nil
}

// CompareAndSwapPayload replaces the payload only while it still equals old.
func (s *Store) CompareAndSwapPayload(ctx context.Context, id string, old, new []byte) error {
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{"id": id, "payload": old}
	update := bson.M{"$set": bson.M{
		"payload":    new,
		"updated_at": time.Now().UTC(),
	}}
	var doc credentialDocument
	err := s.coll.FindOneAndUpdate(ctx, filter, update).Decode(&doc)
	if err == nil {
		return nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return fmt.Errorf("credentials swap: %w", err)
	}
	if _, gerr := s.Get(ctx, id); gerr != nil {
		return gerr
	}
	return credentials.ErrStale
}

type credentialDocument struct {
	ID        string    `bson:"id"`
	ShortName string    `bson:"short_name"`
	Payload   []byte    `bson:"payload"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (doc credentialDocument) toCredential() credentials.Credential {
	return credentials.Credential{
		ID:        doc.ID,
		ShortName: doc.ShortName,
		Payload:   doc.Payload,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}

func ensureIndexes(ctx context.Context, coll mongodb.Collection) error {
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, idIndex)
	return err
}
