// Package mongodb hosts the thin collection seam shared by the Mongo-backed
// stores. Stores depend on the narrow interfaces here instead of the driver
// types so their tests can run against the in-memory fake in mongodbtest.
package mongodb

import (
	"context"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"
)

// DefaultTimeout bounds a single store operation when the caller's context
// carries no tighter deadline.
const DefaultTimeout = 5 * time.Second

// Collection is the slice of the driver collection API the stores use.
type Collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) SingleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (Cursor, error)
	Aggregate(ctx context.Context, pipeline any, opts ...*options.AggregateOptions) (Cursor, error)
	InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	FindOneAndUpdate(ctx context.Context, filter, update any, opts ...*options.FindOneAndUpdateOptions) SingleResult
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	BulkWrite(ctx context.Context, models []mongodriver.WriteModel, opts ...*options.BulkWriteOptions) (*mongodriver.BulkWriteResult, error)
	Indexes() IndexView
}

// SingleResult mirrors mongo.SingleResult.
type SingleResult interface {
	Decode(val any) error
}

// Cursor mirrors the iteration surface of mongo.Cursor.
type Cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

// IndexView mirrors the index-creation surface of mongo.IndexView.
type IndexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

// Wrap adapts a driver collection to the Collection seam.
func Wrap(coll *mongodriver.Collection) Collection {
	return driverCollection{coll: coll}
}

// WithTimeout derives a bounded context for one store operation. A zero or
// negative timeout leaves ctx untouched.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// Pinger adapts a driver client to a clue health pinger under the given
// dependency name.
func Pinger(client *mongodriver.Client, name string) health.Pinger {
	return pinger{client: client, name: name}
}

type pinger struct {
	client *mongodriver.Client
	name   string
}

func (p pinger) Name() string { return p.name }

func (p pinger) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.client.Ping(ctx, readpref.Primary())
}

type driverCollection struct {
	coll *mongodriver.Collection
}

func (c driverCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) SingleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c driverCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (Cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c driverCollection) Aggregate(ctx context.Context, pipeline any, opts ...*options.AggregateOptions) (Cursor, error) {
	cur, err := c.coll.Aggregate(ctx, pipeline, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c driverCollection) InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c driverCollection) UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c driverCollection) FindOneAndUpdate(ctx context.Context, filter, update any, opts ...*options.FindOneAndUpdateOptions) SingleResult {
	return c.coll.FindOneAndUpdate(ctx, filter, update, opts...)
}

func (c driverCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c driverCollection) DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c driverCollection) BulkWrite(ctx context.Context, models []mongodriver.WriteModel, opts ...*options.BulkWriteOptions) (*mongodriver.BulkWriteResult, error) {
	return c.coll.BulkWrite(ctx, models, opts...)
}

func (c driverCollection) Indexes() IndexView {
	return c.coll.Indexes()
}
