package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type countCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// StatsProvider exposes collection counts for the admin listings without
// leaking MongoDB internals to callers.
type StatsProvider struct {
	users       countCollection
	submissions countCollection
}

// NewStatsProvider constructs a StatsProvider backed by the provided user and
// submission collections.
func NewStatsProvider(users, submissions countCollection) *StatsProvider {
	return &StatsProvider{
		users:       users,
		submissions: submissions,
	}
}

// CountUsers returns the number of registered users.
func (p *StatsProvider) CountUsers(ctx context.Context) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || p.users == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	count, err := p.users.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}

	return count, nil
}

// CountSubmissions returns the number of submissions in status, or all of
// them when status is empty.
func (p *StatsProvider) CountSubmissions(ctx context.Context, status string) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || p.submissions == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	filter := bson.D{}
	if status != "" {
		filter = bson.D{{Key: "status", Value: status}}
	}

	count, err := p.submissions.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}

	return count, nil
}
