package user

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_script_gateway_bot/internal/domain"
)

func TestEnsureUserCreatesFreeRecord(t *testing.T) {
	hookLogger, hook := logtest.NewNullLogger()
	coll := newFakeUserCollection(t)
	registrar := NewRegistrar(coll, logrus.NewEntry(hookLogger))

	ctx := context.Background()
	created, err := registrar.EnsureUser(ctx, 111)
	if err != nil {
		t.Fatalf("EnsureUser returned error: %v", err)
	}
	if !created {
		t.Fatalf("expected created to be true for new user")
	}

	doc := coll.docFor(t, 111)

	assertFieldEquals(t, doc, "user_id", int64(111))
	assertFieldEquals(t, doc, "plan", domain.PlanFree)
	assertFieldEquals(t, doc, "bot_count", int64(0))

	createdAt := assertTimeField(t, doc, "created_at")
	updatedAt := assertTimeField(t, doc, "updated_at")
	if !createdAt.Equal(updatedAt) {
		t.Fatalf("expected timestamps to match on insert, got created_at=%v updated_at=%v", createdAt, updatedAt)
	}

	if len(coll.calls) != 1 || !coll.calls[0].upsert {
		t.Fatalf("expected a single upsert call, got %+v", coll.calls)
	}

	last := hook.LastEntry()
	if last == nil || last.Data["event"] != "user_registered" || last.Data["user_id"] != int64(111) {
		t.Fatalf("expected user_registered log, got %v", last)
	}
}

func TestEnsureUserLeavesExistingRecordUntouched(t *testing.T) {
	hookLogger, _ := logtest.NewNullLogger()
	coll := newFakeUserCollection(t)

	createdAt := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	coll.seed(t, bson.M{
		"user_id":    int64(777),
		"plan":       domain.PlanPremium,
		"bot_count":  int64(3),
		"created_at": createdAt,
		"updated_at": createdAt,
	})

	registrar := NewRegistrar(coll, logrus.NewEntry(hookLogger))

	for i := 0; i < 2; i++ {
		created, err := registrar.EnsureUser(context.Background(), 777)
		if err != nil {
			t.Fatalf("EnsureUser returned error: %v", err)
		}
		if created {
			t.Fatalf("expected created=false for existing user")
		}
	}

	doc := coll.docFor(t, 777)
	assertFieldEquals(t, doc, "plan", domain.PlanPremium)
	assertFieldEquals(t, doc, "bot_count", int64(3))
	assertFieldEquals(t, doc, "created_at", createdAt)
	assertFieldEquals(t, doc, "updated_at", createdAt)
}

func TestEnsureUserValidatesAndPropagatesErrors(t *testing.T) {
	hookLogger, _ := logtest.NewNullLogger()
	tests := []struct {
		name      string
		registrar *Registrar
		ctx       context.Context
		userID    int64
		expectErr string
	}{
		{name: "nil registrar", registrar: nil, ctx: context.Background(), userID: 1, expectErr: "not initialized"},
		{name: "nil collection", registrar: NewRegistrar(nil, logrus.NewEntry(hookLogger)), ctx: context.Background(), userID: 1, expectErr: "not initialized"},
		{name: "nil context", registrar: NewRegistrar(newFakeUserCollection(t), logrus.NewEntry(hookLogger)), ctx: nil, userID: 1, expectErr: "context is required"},
		{name: "zero user id", registrar: NewRegistrar(newFakeUserCollection(t), logrus.NewEntry(hookLogger)), ctx: context.Background(), userID: 0, expectErr: "user id is required"},
		{
			name:      "update error",
			registrar: NewRegistrar(&fakeUserCollection{t: t, docs: map[int64]bson.M{}, err: errors.New("upsert fail")}, logrus.NewEntry(hookLogger)),
			ctx:       context.Background(),
			userID:    5,
			expectErr: "upsert fail",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.registrar.EnsureUser(tt.ctx, tt.userID)
			if err == nil || !strings.Contains(err.Error(), tt.expectErr) {
				t.Fatalf("expected error containing %q, got %v", tt.expectErr, err)
			}
		})
	}
}

type updateCall struct {
	userID int64
	upsert bool
}

type fakeUserCollection struct {
	t     *testing.T
	docs  map[int64]bson.M
	calls []updateCall
	err   error
}

func newFakeUserCollection(t *testing.T) *fakeUserCollection {
	t.Helper()
	return &fakeUserCollection{
		t:    t,
		docs: make(map[int64]bson.M),
	}
}

func (f *fakeUserCollection) UpdateOne(_ context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	filterDoc, ok := filter.(bson.M)
	if !ok {
		return nil, f.Errorf("unexpected filter type %T", filter)
	}

	userID := readInt64(f.t, filterDoc["user_id"])

	updateDoc, ok := update.(bson.M)
	if !ok {
		return nil, f.Errorf("unexpected update type %T", update)
	}

	setDoc, _ := updateDoc["$set"].(bson.M)
	setOnInsertDoc, _ := updateDoc["$setOnInsert"].(bson.M)

	upsert := len(opts) > 0 && opts[0] != nil && opts[0].Upsert != nil && *opts[0].Upsert
	f.calls = append(f.calls, updateCall{userID: userID, upsert: upsert})
	if f.err != nil {
		return nil, f.err
	}

	doc, found := f.docs[userID]
	if !found && !upsert {
		return &mongo.UpdateResult{
			MatchedCount:  0,
			ModifiedCount: 0,
		}, nil
	}
	if !found {
		doc = bson.M{}
		merge(doc, setOnInsertDoc)
	}

	merge(doc, setDoc)
	f.docs[userID] = doc

	result := &mongo.UpdateResult{
		MatchedCount: 1,
	}
	if len(setDoc) > 0 {
		result.ModifiedCount = 1
	}

	if !found && upsert {
		result.MatchedCount = 0
		result.UpsertedCount = 1
		result.UpsertedID = userID
	}

	return result, nil
}

func (f *fakeUserCollection) docFor(t *testing.T, userID int64) bson.M {
	t.Helper()

	doc, ok := f.docs[userID]
	if !ok {
		t.Fatalf("no document stored for user_id=%d", userID)
	}

	return doc
}

func (f *fakeUserCollection) seed(t *testing.T, doc bson.M) {
	t.Helper()
	idVal, ok := doc["user_id"]
	if !ok {
		t.Fatalf("seed document missing user_id: %v", doc)
	}

	userID := readInt64(t, idVal)
	f.docs[userID] = doc
}

func (f *fakeUserCollection) Errorf(format string, args ...interface{}) error {
	f.t.Helper()
	f.t.Fatalf(format, args...)
	return nil
}

func merge(dst bson.M, updates bson.M) {
	for k, v := range updates {
		dst[k] = v
	}
}

func readInt64(t *testing.T, value interface{}) int64 {
	t.Helper()

	switch v := value.(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	default:
		t.Fatalf("expected int64-compatible value, got %T", value)
		return 0
	}
}

func assertFieldEquals(t *testing.T, doc bson.M, field string, expected interface{}) {
	t.Helper()

	val, ok := doc[field]
	if !ok {
		t.Fatalf("expected field %s to be set", field)
	}

	if val != expected {
		t.Fatalf("expected %s=%v, got %v", field, expected, val)
	}
}

func assertTimeField(t *testing.T, doc bson.M, field string) time.Time {
	t.Helper()

	val, ok := doc[field]
	if !ok {
		t.Fatalf("expected field %s to be set", field)
	}

	ts, ok := val.(time.Time)
	if !ok {
		t.Fatalf("expected field %s to be time.Time, got %T", field, val)
	}

	if ts.IsZero() {
		t.Fatalf("expected field %s to be non-zero", field)
	}

	return ts
}
