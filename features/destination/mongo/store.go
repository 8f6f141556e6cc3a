package mongo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/weftworks/loom/features/mongodb"
	"github.com/weftworks/loom/runtime/ingest/destination"
	"github.com/weftworks/loom/runtime/ingest/entity"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
)

// Name is the registry short name.
const Name = "mongodb"

const metaCollection = "collections"

// timeNow is a seam for decay tests.
var timeNow = time.Now

// Options configures the Mongo destination.
type Options struct {
	Client *mongodriver.Client
	// Database holds one Mongo collection per logical collection plus the
	// shared collection registry.
	Database string
	// CollectionID names the logical collection the instance is bound to.
	CollectionID string
	// VectorIndex names the Atlas vector search index covering the vector
	// field. Empty means searches run an exact cosine scan.
	VectorIndex string
	Timeout     time.Duration
	Logger      telemetry.Logger
}

// Store implements destination.Destination on MongoDB.
type Store struct {
	collectionID string
	records      mongodb.Collection
	meta         mongodb.Collection
	vectorIndex  string
	timeout      time.Duration
	logger       telemetry.Logger
}

var _ destination.Destination = (*Store)(nil)

// New returns a destination bound to opts.CollectionID. Indexes are created
// by SetupCollection, not here, so construction never touches the server.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	if opts.CollectionID == "" {
		return nil, errors.New("collection id is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = mongodb.DefaultTimeout
	}
	db := opts.Client.Database(opts.Database)
	records := mongodb.Wrap(db.Collection(collectionName(opts.CollectionID)))
	meta := mongodb.Wrap(db.Collection(metaCollection))
	return newStore(opts.CollectionID, records, meta, opts.VectorIndex, timeout, opts.Logger), nil
}

// Factory returns a registry factory binding adapters to collections in the
// given database. Per-destination settings may carry a "vector_index" name
// to route searches through Atlas.
func Factory(client *mongodriver.Client, database string) destination.Factory {
	return destination.Factory{
		New: func(_ context.Context, cfg destination.Config) (destination.Destination, error) {
			vectorIndex, _ := cfg.Settings["vector_index"].(string)
			return New(Options{
				Client:       client,
				Database:     database,
				CollectionID: cfg.CollectionID,
				VectorIndex:  vectorIndex,
				Logger:       cfg.Logger,
			})
		},
	}
}

func newStore(collectionID string, records, meta mongodb.Collection, vectorIndex string, timeout time.Duration, logger telemetry.Logger) *Store {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{
		collectionID: collectionID,
		records:      records,
		meta:         meta,
		vectorIndex:  vectorIndex,
		timeout:      timeout,
		logger:       logger,
	}
}

// Name returns the registry short name.
func (s *Store) Name() string { return Name }

// SetupCollection registers the collection's vector size and ensures the
// write indexes. Rebinding an existing collection to a different size is
// rejected.
func (s *Store) SetupCollection(ctx context.Context, vectorSize int) error {
	if vectorSize <= 0 {
		return fmt.Errorf("setup collection %s: vector size must be positive", s.collectionID)
	}
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()

	metaIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "collection_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.meta.Indexes().CreateOne(ctx, metaIndex); err != nil {
		return fmt.Errorf("setup collection %s: %w", s.collectionID, err)
	}

	filter := bson.M{"collection_id": s.collectionID}
	update := bson.M{"$setOnInsert": bson.M{
		"collection_id": s.collectionID,
		"vector_size":   vectorSize,
	}}
	if _, err := s.meta.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("setup collection %s: %w", s.collectionID, err)
	}
	var doc metaDocument
	if err := s.meta.FindOne(ctx, filter).Decode(&doc); err != nil {
		return fmt.Errorf("setup collection %s: %w", s.collectionID, err)
	}
	if doc.VectorSize != vectorSize {
		return fmt.Errorf("setup collection %s: vector size %d conflicts with existing %d",
			s.collectionID, vectorSize, doc.VectorSize)
	}
	if err := s.ensureRecordIndexes(ctx); err != nil {
		return err
	}
	s.logger.Debug(ctx, "mongo destination ready",
		"collection", s.collectionID, "vector_size", vectorSize)
	return nil
}

// BulkInsert upserts records by DBEntityID.
func (s *Store) BulkInsert(ctx context.Context, recs []*destination.Record) error {
	if len(recs) == 0 {
		return nil
	}
	models := make([]mongodriver.WriteModel, 0, len(recs))
	for _, r := range recs {
		if r == nil || r.DBEntityID == "" {
			return fmt.Errorf("bulk insert into %s: record without db entity id", s.collectionID)
		}
		models = append(models, mongodriver.NewReplaceOneModel().
			SetFilter(bson.M{"db_entity_id": r.DBEntityID}).
			SetReplacement(fromRecord(r)).
			SetUpsert(true))
	}
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.records.BulkWrite(ctx, models); err != nil {
		return fmt.Errorf("bulk insert into %s: %w", s.collectionID, err)
	}
	return nil
}

// BulkDelete removes records by DBEntityID. Absent identities are ignored.
func (s *Store) BulkDelete(ctx context.Context, dbEntityIDs []string) error {
	if len(dbEntityIDs) == 0 {
		return nil
	}
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{"db_entity_id": bson.M{"$in": dbEntityIDs}}
	if _, err := s.records.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("bulk delete from %s: %w", s.collectionID, err)
	}
	return nil
}

// BulkDeleteByParentID removes the sync's records derived from the given
// parent entity.
func (s *Store) BulkDeleteByParentID(ctx context.Context, syncID, parentEntityID string) error {
	if parentEntityID == "" {
		return nil
	}
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{"sync_id": syncID, "parent_entity_id": parentEntityID}
	if _, err := s.records.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("cascade delete from %s: %w", s.collectionID, err)
	}
	return nil
}

// DeleteBySyncID removes every record the sync owns.
func (s *Store) DeleteBySyncID(ctx context.Context, syncID string) error {
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.records.DeleteMany(ctx, bson.M{"sync_id": syncID}); err != nil {
		return fmt.Errorf("sync delete from %s: %w", s.collectionID, err)
	}
	return nil
}

// Search returns the records most similar to vector, ordered by descending
// score after the optional recency decay.
func (s *Store) Search(ctx context.Context, vector []float32, f destination.Filter, decay *destination.DecayConfig) ([]destination.SearchResult, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = destination.DefaultSearchLimit
	}
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()

	var results []destination.SearchResult
	var err error
	if s.vectorIndex != "" {
		results, err = s.vectorSearch(ctx, vector, f, limit)
	} else {
		results, err = s.exactScan(ctx, vector, f)
	}
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", s.collectionID, err)
	}

	if decay != nil {
		now := timeNow()
		for i := range results {
			if ts := decay.Timestamp(results[i].Record); ts != nil {
				results[i].Score *= decay.Weight(now.Sub(*ts))
			}
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// exactScan fetches every matching record and scores it by cosine
// similarity in process.
func (s *Store) exactScan(ctx context.Context, vector []float32, f destination.Filter) ([]destination.SearchResult, error) {
	filter := bson.M{}
	if f.SyncID != "" {
		filter["sync_id"] = f.SyncID
	}
	if f.EntityType != "" {
		filter["entity_type"] = f.EntityType
	}
	cur, err := s.records.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var results []destination.SearchResult
	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rec := doc.toRecord()
		results = append(results, destination.SearchResult{
			Record: rec,
			Score:  cosine(vector, rec.Vector),
		})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// vectorSearch runs the Atlas $vectorSearch pipeline and keeps the server
// assigned similarity score.
func (s *Store) vectorSearch(ctx context.Context, vector []float32, f destination.Filter, limit int) ([]destination.SearchResult, error) {
	search := bson.M{
		"index":         s.vectorIndex,
		"path":          "vector",
		"queryVector":   vector,
		"limit":         limit,
		"numCandidates": limit * 10,
	}
	match := bson.M{}
	if f.SyncID != "" {
		match["sync_id"] = bson.M{"$eq": f.SyncID}
	}
	if f.EntityType != "" {
		match["entity_type"] = bson.M{"$eq": f.EntityType}
	}
	if len(match) > 0 {
		search["filter"] = match
	}
	pipeline := mongodriver.Pipeline{
		{{Key: "$vectorSearch", Value: search}},
		{{Key: "$addFields", Value: bson.M{"score": bson.M{"$meta": "vectorSearchScore"}}}},
	}
	cur, err := s.records.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var results []destination.SearchResult
	for cur.Next(ctx) {
		var doc scoredDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		results = append(results, destination.SearchResult{
			Record: doc.Record.toRecord(),
			Score:  doc.Score,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) ensureRecordIndexes(ctx context.Context) error {
	indexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "db_entity_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "sync_id", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "sync_id", Value: 1}, {Key: "parent_entity_id", Value: 1}},
		},
	}
	for _, model := range indexes {
		if _, err := s.records.Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("setup collection %s: %w", s.collectionID, err)
		}
	}
	return nil
}

func collectionName(collectionID string) string {
	return "col_" + collectionID
}

type metaDocument struct {
	CollectionID string `bson:"collection_id"`
	VectorSize   int    `bson:"vector_size"`
}

type recordDocument struct {
	DBEntityID     string               `bson:"db_entity_id"`
	EntityID       string               `bson:"entity_id"`
	EntityType     string               `bson:"entity_type"`
	SyncID         string               `bson:"sync_id"`
	SyncJobID      string               `bson:"sync_job_id"`
	SourceName     string               `bson:"source_name"`
	ParentEntityID string               `bson:"parent_entity_id,omitempty"`
	Breadcrumbs    []breadcrumbDocument `bson:"breadcrumbs,omitempty"`
	Payload        map[string]any       `bson:"payload"`
	ContentHash    string               `bson:"content_hash"`
	Vector         []float32            `bson:"vector,omitempty"`
	CreatedAt      *time.Time           `bson:"created_at,omitempty"`
	UpdatedAt      *time.Time           `bson:"updated_at,omitempty"`
}

// scoredDocument carries the $vectorSearch score alongside the record
// fields. The record lives in a named exported field because the driver
// cannot decode into an embedded unexported struct type.
type scoredDocument struct {
	Record recordDocument `bson:",inline"`
	Score  float64        `bson:"score"`
}

type breadcrumbDocument struct {
	ID   string `bson:"id"`
	Name string `bson:"name"`
	Type string `bson:"type"`
}

func fromRecord(r *destination.Record) recordDocument {
	doc := recordDocument{
		DBEntityID:     r.DBEntityID,
		EntityID:       r.EntityID,
		EntityType:     r.EntityType,
		SyncID:         r.SyncID,
		SyncJobID:      r.SyncJobID,
		SourceName:     r.SourceName,
		ParentEntityID: r.ParentEntityID,
		Payload:        r.Payload,
		ContentHash:    r.ContentHash,
		Vector:         r.Vector,
		CreatedAt:      utcPtr(r.CreatedAt),
		UpdatedAt:      utcPtr(r.UpdatedAt),
	}
	if len(r.Breadcrumbs) > 0 {
		doc.Breadcrumbs = make([]breadcrumbDocument, len(r.Breadcrumbs))
		for i, b := range r.Breadcrumbs {
			doc.Breadcrumbs[i] = breadcrumbDocument{ID: b.ID, Name: b.Name, Type: b.Type}
		}
	}
	return doc
}

func (doc recordDocument) toRecord() *destination.Record {
	rec := &destination.Record{
		DBEntityID:     doc.DBEntityID,
		EntityID:       doc.EntityID,
		EntityType:     doc.EntityType,
		SyncID:         doc.SyncID,
		SyncJobID:      doc.SyncJobID,
		SourceName:     doc.SourceName,
		ParentEntityID: doc.ParentEntityID,
		Payload:        doc.Payload,
		ContentHash:    doc.ContentHash,
		Vector:         doc.Vector,
		CreatedAt:      utcPtr(doc.CreatedAt),
		UpdatedAt:      utcPtr(doc.UpdatedAt),
	}
	if len(doc.Breadcrumbs) > 0 {
		rec.Breadcrumbs = make([]entity.Breadcrumb, len(doc.Breadcrumbs))
		for i, b := range doc.Breadcrumbs {
			rec.Breadcrumbs[i] = entity.Breadcrumb{ID: b.ID, Name: b.Name, Type: b.Type}
		}
	}
	return rec
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
