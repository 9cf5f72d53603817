package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type documentCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// UserRepository reads and mutates user records in MongoDB. Records are
// created by the user registrar once the membership gate admits someone.
type UserRepository struct {
	collection documentCollection
}

// NewUserRepository constructs a UserRepository.
func NewUserRepository(collection documentCollection) *UserRepository {
	return &UserRepository{collection: collection}
}

// GetByID fetches a user by Telegram user_id. A missing record wraps ErrNotFound.
func (r *UserRepository) GetByID(ctx context.Context, userID int64) (User, error) {
	if r == nil || r.collection == nil {
		return User{}, errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return User{}, errors.New("context is required")
	}
	if userID == 0 {
		return User{}, errors.New("user_id is required")
	}

	var user User
	if err := findOne(ctx, r.collection, bson.M{"user_id": userID}, &user); err != nil {
		return User{}, fmt.Errorf("find user %d: %w", userID, err)
	}

	return user, nil
}

// List returns every user ordered by registration time.
func (r *UserRepository) List(ctx context.Context) ([]User, error) {
	if r == nil || r.collection == nil {
		return nil, errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	cursor, err := r.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	users := make([]User, 0)
	if err := cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}

	return users, nil
}

// SetPlan changes the tier of an existing user. It never creates a record.
func (r *UserRepository) SetPlan(ctx context.Context, userID int64, plan string) error {
	if r == nil || r.collection == nil {
		return errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if !ValidPlan(plan) {
		return fmt.Errorf("unknown plan %q: %w", plan, ErrMalformedInput)
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{
			"plan":       plan,
			"updated_at": now(),
		}},
	)
	if err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	if result == nil || result.MatchedCount == 0 {
		return fmt.Errorf("set plan for user %d: %w", userID, ErrNotFound)
	}

	return nil
}

// IncrementBotCount bumps bot_count for the owner of a newly approved script.
func (r *UserRepository) IncrementBotCount(ctx context.Context, userID int64) error {
	if r == nil || r.collection == nil {
		return errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$inc": bson.M{"bot_count": int64(1)},
			"$set": bson.M{"updated_at": now()},
		},
	)
	if err != nil {
		return fmt.Errorf("increment bot count: %w", err)
	}
	if result == nil || result.MatchedCount == 0 {
		return fmt.Errorf("increment bot count for user %d: %w", userID, ErrNotFound)
	}

	return nil
}

// SubmissionRepository persists submissions and their moderation state.
type SubmissionRepository struct {
	collection documentCollection
}

// NewSubmissionRepository constructs a SubmissionRepository.
func NewSubmissionRepository(collection documentCollection) *SubmissionRepository {
	return &SubmissionRepository{collection: collection}
}

// Create inserts a pending submission. The caller supplies the identifier.
func (r *SubmissionRepository) Create(ctx context.Context, sub Submission) (Submission, error) {
	if r == nil || r.collection == nil {
		return Submission{}, errors.New("submission repository is not initialized")
	}
	if ctx == nil {
		return Submission{}, errors.New("context is required")
	}
	if sub.ID == "" {
		return Submission{}, errors.New("submission id is required")
	}
	if sub.OwnerID == 0 {
		return Submission{}, errors.New("owner_id is required")
	}

	sub.Status = StatusPending
	sub.DecidedAt = nil
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now()
	}

	if _, err := r.collection.InsertOne(ctx, sub); err != nil {
		return Submission{}, fmt.Errorf("insert submission: %w", err)
	}

	return sub, nil
}

// GetByID fetches a submission. A missing record wraps ErrNotFound.
func (r *SubmissionRepository) GetByID(ctx context.Context, id string) (Submission, error) {
	if r == nil || r.collection == nil {
		return Submission{}, errors.New("submission repository is not initialized")
	}
	if ctx == nil {
		return Submission{}, errors.New("context is required")
	}

	var sub Submission
	if err := findOne(ctx, r.collection, bson.M{"_id": id}, &sub); err != nil {
		return Submission{}, fmt.Errorf("find submission %s: %w", id, err)
	}

	return sub, nil
}

// List returns all submissions, oldest first.
func (r *SubmissionRepository) List(ctx context.Context) ([]Submission, error) {
	if r == nil || r.collection == nil {
		return nil, errors.New("submission repository is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	cursor, err := r.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	subs := make([]Submission, 0)
	if err := cursor.All(ctx, &subs); err != nil {
		return nil, fmt.Errorf("decode submissions: %w", err)
	}

	return subs, nil
}

// Decide moves a pending submission to status. The update only matches while
// the stored status is still pending, so a second decision fails with
// ErrAlreadyDecided rather than overwriting the first.
func (r *SubmissionRepository) Decide(ctx context.Context, id, status string) (Submission, error) {
	if r == nil || r.collection == nil {
		return Submission{}, errors.New("submission repository is not initialized")
	}
	if ctx == nil {
		return Submission{}, errors.New("context is required")
	}
	if status != StatusApproved && status != StatusRejected {
		return Submission{}, fmt.Errorf("invalid decision %q: %w", status, ErrMalformedInput)
	}

	decidedAt := now()
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": StatusPending},
		bson.M{"$set": bson.M{
			"status":     status,
			"decided_at": decidedAt,
		}},
	)
	if err != nil {
		return Submission{}, fmt.Errorf("decide submission: %w", err)
	}

	if result == nil || result.MatchedCount == 0 {
		current, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return Submission{}, getErr
		}
		return current, fmt.Errorf("submission %s is %s: %w", id, current.Status, ErrAlreadyDecided)
	}

	return r.GetByID(ctx, id)
}

func findOne(ctx context.Context, collection documentCollection, filter bson.M, out interface{}) error {
	result := collection.FindOne(ctx, filter)
	if result == nil {
		return errors.New("find returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrNotFound
		}
		return err
	}

	if err := result.Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	return nil
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
