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
	"github.com/weftworks/loom/runtime/ingest/job"
)

const defaultCollection = "sync_jobs"

// activeStatuses are the non-terminal statuses covered by the partial
// unique index.
var activeStatuses = []job.Status{job.StatusPending, job.StatusRunning}

// Options configures the Mongo job store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements job.Store on MongoDB.
type Store struct {
	jobs    mongodb.Collection
	timeout time.Duration
}

var _ job.Store = (*Store)(nil)

// New ensures the job indexes and returns a store bound to the database.
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
	jobs := mongodb.Wrap(opts.Client.Database(opts.Database).Collection(name))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, jobs); err != nil {
		return nil, err
	}
	return newStore(jobs, timeout), nil
}

func newStore(jobs mongodb.Collection, timeout time.Duration) *Store {
	return &Store{jobs: jobs, timeout: timeout}
}

// Create inserts a record, enforcing one active job per sync through the
// partial unique index.
func (s *Store) Create(ctx context.Context, rec job.Record) error {
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.jobs.InsertOne(ctx, fromRecord(rec))
	if err == nil {
		return nil
	}
	if mongodriver.IsDuplicateKeyError(err) {
		if _, aerr := s.ActiveForSync(ctx, rec.SyncID); aerr == nil {
			return job.ErrActive
		}
	}
	return fmt.Errorf("job create: %w", err)
}

// Get returns the record or job.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (job.Record, error) {
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc jobDocument
	if err := s.jobs.FindOne(ctx, bson.M{"id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return job.Record{}, job.ErrNotFound
		}
		return job.Record{}, fmt.Errorf("job get: %w", err)
	}
	return doc.toRecord(), nil
}

// ActiveForSync returns the sync's non-terminal job or job.ErrNotFound.
func (s *Store) ActiveForSync(ctx context.Context, syncID string) (job.Record, error) {
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{"sync_id": syncID, "status": bson.M{"$in": activeStatuses}}
	var doc jobDocument
	if err := s.jobs.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return job.Record{}, job.ErrNotFound
		}
		return job.Record{}, fmt.Errorf("job active lookup: %w", err)
	}
	return doc.toRecord(), nil
}

// MarkRunning transitions the job to running.
func (s *Store) MarkRunning(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, bson.M{
		"status":     job.StatusRunning,
		"started_at": at.UTC(),
	}, false)
}

// MarkCompleted finalizes the job with its counters.
func (s *Store) MarkCompleted(ctx context.Context, id string, c job.Counters, at time.Time) error {
	return s.transition(ctx, id, bson.M{
		"status":       job.StatusCompleted,
		"counters":     fromCounters(c),
		"completed_at": at.UTC(),
	}, false)
}

// MarkFailed finalizes the job with its counters and failure message.
func (s *Store) MarkFailed(ctx context.Context, id string, c job.Counters, errMsg string, at time.Time) error {
	return s.transition(ctx, id, bson.M{
		"status":       job.StatusFailed,
		"counters":     fromCounters(c),
		"error":        errMsg,
		"completed_at": at.UTC(),
	}, false)
}

// MarkCancelled finalizes a non-terminal job as cancelled. Jobs already in a
// terminal status are left untouched.
func (s *Store) MarkCancelled(ctx context.Context, id, reason string, at time.Time) error {
	return s.transition(ctx, id, bson.M{
		"status":       job.StatusCancelled,
		"error":        reason,
		"completed_at": at.UTC(),
	}, true)
}

// transition applies set to the job only while it is still active, then
// classifies a miss as not-found or terminal.
func (s *Store) transition(ctx context.Context, id string, set bson.M, idempotent bool) error {
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{"id": id, "status": bson.M{"$in": activeStatuses}}
	res, err := s.jobs.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("job transition: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if idempotent {
		return nil
	}
	return job.ErrTerminal
}

type jobDocument struct {
	ID            string          `bson:"id"`
	SyncID        string          `bson:"sync_id"`
	WorkflowID    string          `bson:"workflow_id,omitempty"`
	Status        job.Status      `bson:"status"`
	ForceFullSync bool            `bson:"force_full_sync"`
	Counters      counterDocument `bson:"counters"`
	Error         string          `bson:"error,omitempty"`
	CreatedAt     time.Time       `bson:"created_at"`
	StartedAt     *time.Time      `bson:"started_at,omitempty"`
	CompletedAt   *time.Time      `bson:"completed_at,omitempty"`
}

type counterDocument struct {
	Inserted    int `bson:"inserted"`
	Updated     int `bson:"updated"`
	Kept        int `bson:"kept"`
	Deleted     int `bson:"deleted"`
	Skipped     int `bson:"skipped"`
	Encountered int `bson:"encountered"`
}

func fromRecord(rec job.Record) jobDocument {
	return jobDocument{
		ID:            rec.ID,
		SyncID:        rec.SyncID,
		WorkflowID:    rec.WorkflowID,
		Status:        rec.Status,
		ForceFullSync: rec.ForceFullSync,
		Counters:      fromCounters(rec.Counters),
		Error:         rec.Error,
		CreatedAt:     rec.CreatedAt.UTC(),
		StartedAt:     utcPtr(rec.StartedAt),
		CompletedAt:   utcPtr(rec.CompletedAt),
	}
}

func (doc jobDocument) toRecord() job.Record {
	return job.Record{
		ID:            doc.ID,
		SyncID:        doc.SyncID,
		WorkflowID:    doc.WorkflowID,
		Status:        doc.Status,
		ForceFullSync: doc.ForceFullSync,
		Counters:      doc.Counters.toCounters(),
		Error:         doc.Error,
		CreatedAt:     doc.CreatedAt.UTC(),
		StartedAt:     utcPtr(doc.StartedAt),
		CompletedAt:   utcPtr(doc.CompletedAt),
	}
}

func fromCounters(c job.Counters) counterDocument {
	return counterDocument{
		Inserted:    c.Inserted,
		Updated:     c.Updated,
		Kept:        c.Kept,
		Deleted:     c.Deleted,
		Skipped:     c.Skipped,
		Encountered: c.Encountered,
	}
}

func (doc counterDocument) toCounters() job.Counters {
	return job.Counters{
		Inserted:    doc.Inserted,
		Updated:     doc.Updated,
		Kept:        doc.Kept,
		Deleted:     doc.Deleted,
		Skipped:     doc.Skipped,
		Encountered: doc.Encountered,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func ensureIndexes(ctx context.Context, jobs mongodb.Collection) error {
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := jobs.Indexes().CreateOne(ctx, idIndex); err != nil {
		return err
	}
	activeIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "sync_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{
			"status": bson.M{"$in": activeStatuses},
		}),
	}
	if _, err := jobs.Indexes().CreateOne(ctx, activeIndex); err != nil {
		return err
	}
	return nil
}
