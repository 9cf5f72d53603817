// Package broadcast delivers a moderator message to every registered user.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tg_script_gateway_bot/internal/chat"
	"tg_script_gateway_bot/internal/domain"
	"tg_script_gateway_bot/internal/logging"
)

// DefaultConcurrency bounds in-flight sends.
const DefaultConcurrency = 8

// UserLister enumerates recipients.
type UserLister interface {
	List(ctx context.Context) ([]domain.User, error)
}

// Report summarizes one broadcast.
type Report struct {
	Attempted int
	Delivered int
	Failed    int
}

func (r Report) String() string {
	return fmt.Sprintf("Broadcast finished: %d delivered, %d failed (of %d).", r.Delivered, r.Failed, r.Attempted)
}

// Broadcaster fans a message out to all users.
type Broadcaster struct {
	users       UserLister
	sender      chat.Sender
	moderatorID int64
	concurrency int
	logger      *logrus.Entry
}

// NewBroadcaster constructs a Broadcaster. concurrency <= 0 uses
// DefaultConcurrency.
func NewBroadcaster(users UserLister, sender chat.Sender, moderatorID int64, concurrency int, logger *logrus.Entry) *Broadcaster {
	if logger == nil {
		logger = logging.Logger()
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	return &Broadcaster{
		users:       users,
		sender:      sender,
		moderatorID: moderatorID,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Broadcast attempts delivery to each user once. A failed recipient is
// logged and counted; it never stops the rest.
func (b *Broadcaster) Broadcast(ctx context.Context, actorID int64, msg string) (Report, error) {
	if b == nil || b.users == nil || b.sender == nil {
		return Report{}, errors.New("broadcaster is not initialized")
	}
	if ctx == nil {
		return Report{}, errors.New("context is required")
	}
	if actorID != b.moderatorID {
		b.logger.WithFields(logging.Fields{
			"event":   "broadcast_denied",
			"user_id": actorID,
		}).Warn("non-moderator attempted broadcast")
		return Report{}, fmt.Errorf("broadcast: %w", domain.ErrUnauthorized)
	}
	if strings.TrimSpace(msg) == "" {
		return Report{}, fmt.Errorf("empty broadcast: %w", domain.ErrMalformedInput)
	}

	users, err := b.users.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list recipients: %w", err)
	}

	var delivered, failed atomic.Int64

	// Workers never return an error, so the group only bounds concurrency.
	group := new(errgroup.Group)
	group.SetLimit(b.concurrency)
	for _, user := range users {
		userID := user.UserID
		group.Go(func() error {
			if err := b.sender.SendText(ctx, userID, msg); err != nil {
				failed.Add(1)
				b.logger.WithFields(logging.Fields{
					"event":   "broadcast_delivery_failed",
					"user_id": userID,
				}).WithError(err).Warn("broadcast delivery failed")
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = group.Wait()

	report := Report{
		Attempted: len(users),
		Delivered: int(delivered.Load()),
		Failed:    int(failed.Load()),
	}

	b.logger.WithFields(logging.Fields{
		"event":     "broadcast_completed",
		"attempted": report.Attempted,
		"delivered": report.Delivered,
		"failed":    report.Failed,
	}).Info("broadcast completed")

	return report, nil
}
