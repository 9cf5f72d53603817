package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// fakeCollection is an in-memory stand-in for the handful of collection
// operations the repositories use. Filters are equality matches on top-level
// fields; updates understand $set and $inc.
type fakeCollection struct {
	t    *testing.T
	mu   sync.Mutex
	docs []bson.M

	insertErr error
	findErr   error
	updateErr error
}

func newFakeCollection(t *testing.T) *fakeCollection {
	t.Helper()
	return &fakeCollection{t: t}
}

func (f *fakeCollection) seed(docs ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range docs {
		f.docs = append(f.docs, toM(f.t, doc))
	}
}

func (f *fakeCollection) InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc := toM(f.t, document)
	if id, ok := doc["_id"]; ok {
		for _, existing := range f.docs {
			if fmt.Sprint(existing["_id"]) == fmt.Sprint(id) {
				return nil, errors.New("duplicate key")
			}
		}
	}
	f.docs = append(f.docs, doc)
	return &mongo.InsertOneResult{InsertedID: doc["_id"]}, nil
}

func (f *fakeCollection) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult {
	if f.findErr != nil {
		return mongo.NewSingleResultFromDocument(bson.M{}, f.findErr, nil)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, doc := range f.docs {
		if matches(doc, filter.(bson.M)) {
			return mongo.NewSingleResultFromDocument(doc, nil, nil)
		}
	}
	return mongo.NewSingleResultFromDocument(bson.M{}, mongo.ErrNoDocuments, nil)
}

func (f *fakeCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]interface{}, 0, len(f.docs))
	for _, doc := range f.docs {
		if matches(doc, filter.(bson.M)) {
			out = append(out, doc)
		}
	}
	return mongo.NewCursorFromDocuments(out, nil, nil)
}

func (f *fakeCollection) UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, doc := range f.docs {
		if !matches(doc, filter.(bson.M)) {
			continue
		}
		applyUpdate(doc, update.(bson.M))
		return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}
	return &mongo.UpdateResult{}, nil
}

func (f *fakeCollection) get(field string, value interface{}) bson.M {
	f.t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, doc := range f.docs {
		if fmt.Sprint(doc[field]) == fmt.Sprint(value) {
			return doc
		}
	}
	f.t.Fatalf("no document stored for %s=%v", field, value)
	return nil
}

func matches(doc, filter bson.M) bool {
	for key, want := range filter {
		got, ok := doc[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func applyUpdate(doc, update bson.M) {
	if set, ok := update["$set"].(bson.M); ok {
		for key, value := range set {
			doc[key] = value
		}
	}
	if inc, ok := update["$inc"].(bson.M); ok {
		for key, value := range inc {
			current, _ := doc[key].(int64)
			doc[key] = current + value.(int64)
		}
	}
}

func toM(t *testing.T, document interface{}) bson.M {
	t.Helper()

	if doc, ok := document.(bson.M); ok {
		return doc
	}

	raw, err := bson.Marshal(document)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var out bson.M
	if err := bson.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	return out
}
