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
	"github.com/weftworks/loom/runtime/ingest/ledger"
)

const (
	defaultEntitiesCollection = "entities"
	defaultCursorsCollection  = "sync_cursors"
)

// Options configures the Mongo ledger store.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	EntitiesCollection string
	CursorsCollection  string
	Timeout            time.Duration
}

// Store implements ledger.Store and ledger.CursorStore on MongoDB.
type Store struct {
	entities mongodb.Collection
	cursors  mongodb.Collection
	timeout  time.Duration
}

var (
	_ ledger.Store       = (*Store)(nil)
	_ ledger.CursorStore = (*Store)(nil)
)

// New ensures the ledger indexes and returns a store bound to the database.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	entitiesName := opts.EntitiesCollection
	if entitiesName == "" {
		entitiesName = defaultEntitiesCollection
	}
	cursorsName := opts.CursorsCollection
	if cursorsName == "" {
		cursorsName = defaultCursorsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = mongodb.DefaultTimeout
	}
	db := opts.Client.Database(opts.Database)
	entities := mongodb.Wrap(db.Collection(entitiesName))
	cursors := mongodb.Wrap(db.Collection(cursorsName))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, entities, cursors); err != nil {
		return nil, err
	}
	return newStore(entities, cursors, timeout), nil
}

func newStore(entities, cursors mongodb.Collection, timeout time.Duration) *Store {
	return &Store{entities: entities, cursors: cursors, timeout: timeout}
}

// Get returns the row for (syncID, entityID) or ledger.ErrNotFound.
func (s *Store) Get(ctx context.Context, syncID, entityID string) (ledger.Row, error) {
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc rowDocument
	err := s.entities.FindOne(ctx, bson.M{"sync_id": syncID, "entity_id": entityID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return ledger.Row{}, ledger.ErrNotFound
		}
		return ledger.Row{}, fmt.Errorf("ledger get: %w", err)
	}
	return doc.toRow(), nil
}

// UpsertMany writes rows last-write-wins, keyed by (sync_id, entity_id).
func (s *Store) UpsertMany(ctx context.Context, rows []ledger.Row) error {
	if len(rows) == 0 {
		return nil
	}
	models := make([]mongodriver.WriteModel, 0, len(rows))
	for _, row := range rows {
		doc := fromRow(row)
		models = append(models, mongodriver.NewUpdateOneModel().
			SetFilter(bson.M{"sync_id": doc.SyncID, "entity_id": doc.EntityID}).
			SetUpdate(bson.M{
				"$set": bson.M{
					"content_hash": doc.ContentHash,
					"db_entity_id": doc.DBEntityID,
					"modified_at":  doc.ModifiedAt,
				},
				"$setOnInsert": bson.M{
					"sync_id":   doc.SyncID,
					"entity_id": doc.EntityID,
				},
			}).
			SetUpsert(true))
	}
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.entities.BulkWrite(ctx, models); err != nil {
		return fmt.Errorf("ledger upsert: %w", err)
	}
	return nil
}

// List returns every row the sync owns.
func (s *Store) List(ctx context.Context, syncID string) ([]ledger.Row, error) {
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.entities.Find(ctx, bson.M{"sync_id": syncID})
	if err != nil {
		return nil, fmt.Errorf("ledger list: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []ledger.Row
	for cur.Next(ctx) {
		var doc rowDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("ledger list: %w", err)
		}
		out = append(out, doc.toRow())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("ledger list: %w", err)
	}
	return out, nil
}

// Delete removes the sync's rows for the given entity IDs. Absent IDs are
// ignored.
func (s *Store) Delete(ctx context.Context, syncID string, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{"sync_id": syncID, "entity_id": bson.M{"$in": entityIDs}}
	if _, err := s.entities.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("ledger delete: %w", err)
	}
	return nil
}

// LoadCursor returns the sync's cursor, or nil when none was saved.
func (s *Store) LoadCursor(ctx context.Context, syncID string) ([]byte, error) {
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc cursorDocument
	err := s.cursors.FindOne(ctx, bson.M{"sync_id": syncID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger load cursor: %w", err)
	}
	return doc.CursorData, nil
}

// SaveCursor replaces the sync's cursor.
func (s *Store) SaveCursor(ctx context.Context, syncID string, cursor []byte) error {
	ctx, cancel := mongodb.WithTimeout(ctx, s.timeout)
	defer cancel()
	update := bson.M{
		"$set":         bson.M{"cursor_data": cursor},
		"$setOnInsert": bson.M{"sync_id": syncID},
	}
	_, err := s.cursors.UpdateOne(ctx, bson.M{"sync_id": syncID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("ledger save cursor: %w", err)
	}
	return nil
}

type rowDocument struct {
	SyncID      string    `bson:"sync_id"`
	EntityID    string    `bson:"entity_id"`
	ContentHash string    `bson:"content_hash"`
	DBEntityID  string    `bson:"db_entity_id"`
	ModifiedAt  time.Time `bson:"modified_at"`
}

type cursorDocument struct {
	SyncID     string `bson:"sync_id"`
	CursorData []byte `bson:"cursor_data"`
}

func fromRow(row ledger.Row) rowDocument {
	return rowDocument{
		SyncID:      row.SyncID,
		EntityID:    row.EntityID,
		ContentHash: row.ContentHash,
		DBEntityID:  row.DBEntityID,
		ModifiedAt:  row.ModifiedAt.UTC(),
	}
}

func (doc rowDocument) toRow() ledger.Row {
	return ledger.Row{
		SyncID:      doc.SyncID,
		EntityID:    doc.EntityID,
		ContentHash: doc.ContentHash,
		DBEntityID:  doc.DBEntityID,
		ModifiedAt:  doc.ModifiedAt.UTC(),
	}
}

func ensureIndexes(ctx context.Context, entities, cursors mongodb.Collection) error {
	rowIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "sync_id", Value: 1},
			{Key: "entity_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := entities.Indexes().CreateOne(ctx, rowIndex); err != nil {
		return err
	}
	cursorIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "sync_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := cursors.Indexes().CreateOne(ctx, cursorIndex); err != nil {
		return err
	}
	return nil
}
