// Package tier manages the premium plan: the manual purchase request and the
// moderator's grant.
package tier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"tg_script_gateway_bot/internal/chat"
	"tg_script_gateway_bot/internal/domain"
	"tg_script_gateway_bot/internal/logging"
)

const (
	msgContactOwner   = "Please contact the bot owner to make the payment and get premium access."
	msgGranted        = "Congratulations! You have been upgraded to premium."
	msgPurchaseNotice = "User %d wants to buy premium. Grant it from the admin panel once the payment is settled."
)

// PlanSetter changes a user's plan.
type PlanSetter interface {
	SetPlan(ctx context.Context, userID int64, plan string) error
}

// Granter upgrades users to premium on the moderator's behalf.
type Granter struct {
	users       PlanSetter
	sender      chat.Sender
	moderatorID int64
	logger      *logrus.Entry
}

// NewGranter constructs a Granter.
func NewGranter(users PlanSetter, sender chat.Sender, moderatorID int64, logger *logrus.Entry) *Granter {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Granter{
		users:       users,
		sender:      sender,
		moderatorID: moderatorID,
		logger:      logger,
	}
}

// ParseUserID reads a Telegram user id typed by the moderator.
func ParseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("user id %q: %w", raw, domain.ErrMalformedInput)
	}
	return id, nil
}

// GrantPremium sets the target's plan to premium and tells them. The target
// must already have a record; nothing is created here.
func (g *Granter) GrantPremium(ctx context.Context, actorID int64, rawTarget string) (int64, error) {
	if g == nil || g.users == nil || g.sender == nil {
		return 0, errors.New("premium granter is not initialized")
	}
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if actorID != g.moderatorID {
		g.logger.WithFields(logging.Fields{
			"event":   "premium_grant_denied",
			"user_id": actorID,
		}).Warn("non-moderator attempted premium grant")
		return 0, fmt.Errorf("grant premium: %w", domain.ErrUnauthorized)
	}

	targetID, err := ParseUserID(rawTarget)
	if err != nil {
		return 0, err
	}

	if err := g.users.SetPlan(ctx, targetID, domain.PlanPremium); err != nil {
		return targetID, err
	}

	log := g.logger.WithFields(logging.Fields{
		"event":     "premium_granted",
		"target_id": targetID,
	})
	if err := g.sender.SendText(ctx, targetID, msgGranted); err != nil {
		log.WithError(err).Warn("premium granted but user could not be notified")
	} else {
		log.Info("premium granted")
	}

	return targetID, nil
}

// RequestPremium records a purchase intent: the user is told to contact the
// owner and the moderator is notified. Payment itself happens out of band.
func (g *Granter) RequestPremium(ctx context.Context, userID int64) error {
	if g == nil || g.sender == nil {
		return errors.New("premium granter is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	if err := g.sender.SendText(ctx, userID, msgContactOwner); err != nil {
		return fmt.Errorf("reply to premium request: %w", err)
	}

	log := g.logger.WithFields(logging.Fields{
		"event":   "premium_requested",
		"user_id": userID,
	})
	if err := g.sender.SendText(ctx, g.moderatorID, fmt.Sprintf(msgPurchaseNotice, userID)); err != nil {
		log.WithError(err).Warn("failed to notify moderator of premium request")
		return nil
	}
	log.Info("premium purchase requested")

	return nil
}
