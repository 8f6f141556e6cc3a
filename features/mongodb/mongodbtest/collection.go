// Package mongodbtest provides an in-memory Collection fake for store tests.
// Documents, filters, and updates are normalized through a bson round trip so
// the fake sees exactly the types the server would: strings, primitive.A,
// primitive.Binary, primitive.DateTime. Unique indexes, including partial
// ones, are enforced on every write.
package mongodbtest

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/weftworks/loom/features/mongodb"
)

// Collection is an in-memory mongodb.Collection. Safe for concurrent use.
type Collection struct {
	mu      sync.Mutex
	docs    []bson.M
	indexes []mongodriver.IndexModel

	// AggregateFunc serves Aggregate calls. Tests that exercise pipeline
	// paths install one; without it Aggregate panics so an untested pipeline
	// cannot silently return nothing.
	AggregateFunc func(ctx context.Context, pipeline any) ([]bson.M, error)
}

var _ mongodb.Collection = (*Collection)(nil)

// NewCollection returns an empty fake collection.
func NewCollection() *Collection {
	return &Collection{}
}

// Count reports how many documents the collection holds.
func (c *Collection) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}

// Docs returns deep copies of every stored document.
func (c *Collection) Docs() []bson.M {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bson.M, len(c.docs))
	for i, doc := range c.docs {
		out[i] = clone(doc)
	}
	return out
}

// IndexModels returns the index models registered through Indexes().
func (c *Collection) IndexModels() []mongodriver.IndexModel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mongodriver.IndexModel(nil), c.indexes...)
}

// FindOne implements mongodb.Collection.
func (c *Collection) FindOne(_ context.Context, filter any, opts ...*options.FindOneOptions) mongodb.SingleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := normalize(filter)
	matches := c.matchesLocked(f)
	if len(opts) > 0 && opts[0] != nil && opts[0].Sort != nil {
		sortDocs(matches, opts[0].Sort)
	}
	if len(matches) == 0 {
		return singleResult{err: mongodriver.ErrNoDocuments}
	}
	return singleResult{doc: matches[0]}
}

// Find implements mongodb.Collection.
func (c *Collection) Find(_ context.Context, filter any, opts ...*options.FindOptions) (mongodb.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	matches := c.matchesLocked(normalize(filter))
	if len(opts) > 0 && opts[0] != nil {
		if opts[0].Sort != nil {
			sortDocs(matches, opts[0].Sort)
		}
		if opts[0].Limit != nil && int64(len(matches)) > *opts[0].Limit {
			matches = matches[:*opts[0].Limit]
		}
	}
	return &cursor{docs: matches, idx: -1}, nil
}

// Aggregate implements mongodb.Collection by delegating to AggregateFunc.
func (c *Collection) Aggregate(ctx context.Context, pipeline any, _ ...*options.AggregateOptions) (mongodb.Cursor, error) {
	if c.AggregateFunc == nil {
		panic("mongodbtest: Aggregate called without AggregateFunc")
	}
	docs, err := c.AggregateFunc(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	copies := make([]bson.M, len(docs))
	for i, doc := range docs {
		copies[i] = clone(doc)
	}
	return &cursor{docs: copies, idx: -1}, nil
}

// InsertOne implements mongodb.Collection.
func (c *Collection) InsertOne(_ context.Context, doc any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidate := normalize(doc)
	if _, ok := candidate["_id"]; !ok {
		candidate["_id"] = primitive.NewObjectID()
	}
	if err := c.checkUniqueLocked(candidate, -1); err != nil {
		return nil, err
	}
	c.docs = append(c.docs, candidate)
	return &mongodriver.InsertOneResult{InsertedID: candidate["_id"]}, nil
}

// UpdateOne implements mongodb.Collection.
func (c *Collection) UpdateOne(_ context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	upsert := len(opts) > 0 && opts[0] != nil && opts[0].Upsert != nil && *opts[0].Upsert
	return c.updateOneLocked(normalize(filter), normalize(update), upsert)
}

// FindOneAndUpdate implements mongodb.Collection.
func (c *Collection) FindOneAndUpdate(_ context.Context, filter, update any, opts ...*options.FindOneAndUpdateOptions) mongodb.SingleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := normalize(filter)
	idx := c.firstMatchLocked(f)
	if idx < 0 {
		return singleResult{err: mongodriver.ErrNoDocuments}
	}
	before := clone(c.docs[idx])
	updated, err := applyUpdate(c.docs[idx], normalize(update), false)
	if err != nil {
		return singleResult{err: err}
	}
	if err := c.checkUniqueLocked(updated, idx); err != nil {
		return singleResult{err: err}
	}
	c.docs[idx] = updated
	after := len(opts) > 0 && opts[0] != nil && opts[0].ReturnDocument != nil &&
		*opts[0].ReturnDocument == options.After
	if after {
		return singleResult{doc: clone(updated)}
	}
	return singleResult{doc: before}
}

// DeleteOne implements mongodb.Collection.
func (c *Collection) DeleteOne(_ context.Context, filter any, _ ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.firstMatchLocked(normalize(filter))
	if idx < 0 {
		return &mongodriver.DeleteResult{}, nil
	}
	c.docs = append(c.docs[:idx], c.docs[idx+1:]...)
	return &mongodriver.DeleteResult{DeletedCount: 1}, nil
}

// DeleteMany implements mongodb.Collection.
func (c *Collection) DeleteMany(_ context.Context, filter any, _ ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := normalize(filter)
	var kept []bson.M
	var deleted int64
	for _, doc := range c.docs {
		if matchDoc(doc, f) {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}
	c.docs = kept
	return &mongodriver.DeleteResult{DeletedCount: deleted}, nil
}

// BulkWrite implements mongodb.Collection for update and replace models.
func (c *Collection) BulkWrite(_ context.Context, models []mongodriver.WriteModel, _ ...*options.BulkWriteOptions) (*mongodriver.BulkWriteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := &mongodriver.BulkWriteResult{UpsertedIDs: make(map[int64]any)}
	for i, model := range models {
		switch m := model.(type) {
		case *mongodriver.UpdateOneModel:
			upsert := m.Upsert != nil && *m.Upsert
			one, err := c.updateOneLocked(normalize(m.Filter), normalize(m.Update), upsert)
			if err != nil {
				return nil, err
			}
			res.MatchedCount += one.MatchedCount
			res.ModifiedCount += one.ModifiedCount
			if one.UpsertedCount > 0 {
				res.UpsertedCount++
				res.UpsertedIDs[int64(i)] = one.UpsertedID
			}
		case *mongodriver.ReplaceOneModel:
			upsert := m.Upsert != nil && *m.Upsert
			matched, upserted, err := c.replaceOneLocked(normalize(m.Filter), normalize(m.Replacement), upsert)
			if err != nil {
				return nil, err
			}
			res.MatchedCount += matched
			res.ModifiedCount += matched
			if upserted != nil {
				res.UpsertedCount++
				res.UpsertedIDs[int64(i)] = upserted
			}
		default:
			panic(fmt.Sprintf("mongodbtest: unsupported write model %T", model))
		}
	}
	return res, nil
}

// Indexes implements mongodb.Collection.
func (c *Collection) Indexes() mongodb.IndexView {
	return indexView{coll: c}
}

type indexView struct {
	coll *Collection
}

func (v indexView) CreateOne(_ context.Context, model mongodriver.IndexModel, _ ...*options.CreateIndexesOptions) (string, error) {
	keys, ok := model.Keys.(bson.D)
	if !ok || len(keys) == 0 {
		return "", fmt.Errorf("mongodbtest: index keys must be a non-empty bson.D, got %T", model.Keys)
	}
	v.coll.mu.Lock()
	defer v.coll.mu.Unlock()
	v.coll.indexes = append(v.coll.indexes, model)
	name := ""
	for _, k := range keys {
		name += k.Key + "_1_"
	}
	return name, nil
}

func (c *Collection) updateOneLocked(filter, update bson.M, upsert bool) (*mongodriver.UpdateResult, error) {
	idx := c.firstMatchLocked(filter)
	if idx >= 0 {
		updated, err := applyUpdate(c.docs[idx], update, false)
		if err != nil {
			return nil, err
		}
		if err := c.checkUniqueLocked(updated, idx); err != nil {
			return nil, err
		}
		modified := int64(0)
		if !reflect.DeepEqual(c.docs[idx], updated) {
			modified = 1
		}
		c.docs[idx] = updated
		return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: modified}, nil
	}
	if !upsert {
		return &mongodriver.UpdateResult{}, nil
	}
	// The server seeds an upserted document with the filter's equality
	// fields before applying the update.
	seed := bson.M{}
	for k, v := range filter {
		if cond, ok := v.(bson.M); ok && hasOperator(cond) {
			continue
		}
		seed[k] = v
	}
	candidate, err := applyUpdate(seed, update, true)
	if err != nil {
		return nil, err
	}
	if _, ok := candidate["_id"]; !ok {
		candidate["_id"] = primitive.NewObjectID()
	}
	if err := c.checkUniqueLocked(candidate, -1); err != nil {
		return nil, err
	}
	c.docs = append(c.docs, candidate)
	return &mongodriver.UpdateResult{UpsertedCount: 1, UpsertedID: candidate["_id"]}, nil
}

func (c *Collection) replaceOneLocked(filter, replacement bson.M, upsert bool) (matched int64, upsertedID any, err error) {
	idx := c.firstMatchLocked(filter)
	if idx >= 0 {
		candidate := clone(replacement)
		candidate["_id"] = c.docs[idx]["_id"]
		if err := c.checkUniqueLocked(candidate, idx); err != nil {
			return 0, nil, err
		}
		c.docs[idx] = candidate
		return 1, nil, nil
	}
	if !upsert {
		return 0, nil, nil
	}
	candidate := clone(replacement)
	if _, ok := candidate["_id"]; !ok {
		candidate["_id"] = primitive.NewObjectID()
	}
	if err := c.checkUniqueLocked(candidate, -1); err != nil {
		return 0, nil, err
	}
	c.docs = append(c.docs, candidate)
	return 0, candidate["_id"], nil
}

func (c *Collection) matchesLocked(filter bson.M) []bson.M {
	var out []bson.M
	for _, doc := range c.docs {
		if matchDoc(doc, filter) {
			out = append(out, clone(doc))
		}
	}
	return out
}

func (c *Collection) firstMatchLocked(filter bson.M) int {
	for i, doc := range c.docs {
		if matchDoc(doc, filter) {
			return i
		}
	}
	return -1
}

func (c *Collection) checkUniqueLocked(candidate bson.M, self int) error {
	for _, model := range c.indexes {
		if model.Options == nil || model.Options.Unique == nil || !*model.Options.Unique {
			continue
		}
		var partial bson.M
		if model.Options.PartialFilterExpression != nil {
			partial = normalize(model.Options.PartialFilterExpression)
		}
		if partial != nil && !matchDoc(candidate, partial) {
			continue
		}
		keys := model.Keys.(bson.D)
		for i, doc := range c.docs {
			if i == self {
				continue
			}
			if partial != nil && !matchDoc(doc, partial) {
				continue
			}
			same := true
			for _, k := range keys {
				if !reflect.DeepEqual(doc[k.Key], candidate[k.Key]) {
					same = false
					break
				}
			}
			if same {
				return mongodriver.WriteException{WriteErrors: []mongodriver.WriteError{{
					Code:    11000,
					Message: "E11000 duplicate key error",
				}}}
			}
		}
	}
	return nil
}

type singleResult struct {
	doc bson.M
	err error
}

func (r singleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	return decodeInto(r.doc, val)
}

type cursor struct {
	docs []bson.M
	idx  int
}

func (c *cursor) Close(context.Context) error { return nil }

func (c *cursor) Decode(val any) error {
	if c.idx < 0 || c.idx >= len(c.docs) {
		return fmt.Errorf("mongodbtest: no current document")
	}
	return decodeInto(c.docs[c.idx], val)
}

func (c *cursor) Err() error { return nil }

func (c *cursor) Next(context.Context) bool {
	if c.idx+1 >= len(c.docs) {
		return false
	}
	c.idx++
	return true
}

func normalize(v any) bson.M {
	raw, err := bson.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mongodbtest: marshal %T: %v", v, err))
	}
	var out bson.M
	if err := bson.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("mongodbtest: unmarshal %T: %v", v, err))
	}
	return out
}

func decodeInto(doc bson.M, val any) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func clone(doc bson.M) bson.M {
	return normalize(doc)
}

func matchDoc(doc, filter bson.M) bool {
	for field, want := range filter {
		got, exists := doc[field]
		if cond, ok := want.(bson.M); ok && hasOperator(cond) {
			if !matchCond(got, exists, cond) {
				return false
			}
			continue
		}
		if !exists || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func matchCond(got any, exists bool, cond bson.M) bool {
	for op, arg := range cond {
		switch op {
		case "$in":
			if !exists || !containsValue(arg, got) {
				return false
			}
		case "$nin":
			if exists && containsValue(arg, got) {
				return false
			}
		case "$ne":
			if exists && reflect.DeepEqual(got, arg) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if want != exists {
				return false
			}
		default:
			panic(fmt.Sprintf("mongodbtest: unsupported operator %q", op))
		}
	}
	return true
}

func containsValue(arr, v any) bool {
	items, ok := arr.(primitive.A)
	if !ok {
		panic(fmt.Sprintf("mongodbtest: operator argument must be an array, got %T", arr))
	}
	for _, item := range items {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}

func hasOperator(m bson.M) bool {
	for k := range m {
		if len(k) > 0 && k[0] == '$' {
			return true
		}
	}
	return false
}

func applyUpdate(doc, update bson.M, inserting bool) (bson.M, error) {
	out := clone(doc)
	for op, arg := range update {
		fields, ok := arg.(bson.M)
		if !ok {
			return nil, fmt.Errorf("mongodbtest: %s payload must be a document, got %T", op, arg)
		}
		switch op {
		case "$set":
			for k, v := range fields {
				out[k] = v
			}
		case "$setOnInsert":
			if inserting {
				for k, v := range fields {
					out[k] = v
				}
			}
		case "$unset":
			for k := range fields {
				delete(out, k)
			}
		default:
			return nil, fmt.Errorf("mongodbtest: unsupported update operator %q", op)
		}
	}
	return out, nil
}

func sortDocs(docs []bson.M, sortSpec any) {
	keys, ok := sortSpec.(bson.D)
	if !ok || len(keys) == 0 {
		panic(fmt.Sprintf("mongodbtest: sort must be a non-empty bson.D, got %T", sortSpec))
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			cmp := compareValues(docs[i][k.Key], docs[j][k.Key])
			if cmp == 0 {
				continue
			}
			if direction(k.Value) < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func direction(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	default:
		return 1
	}
}

func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case primitive.DateTime:
		bv, _ := b.(primitive.DateTime)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	default:
		af, aok := toFloat(a)
		bf, bok := toFloat(b)
		if aok && bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	panic(fmt.Sprintf("mongodbtest: cannot compare %T and %T", a, b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
