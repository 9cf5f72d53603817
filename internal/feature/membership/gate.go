// Package membership admits users who belong to every required channel.
package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"tg_script_gateway_bot/internal/domain"
	"tg_script_gateway_bot/internal/logging"
)

// Status is a user's standing in a channel as reported by the oracle.
type Status string

const (
	StatusMember Status = "member"
	StatusAdmin  Status = "admin"
	StatusOwner  Status = "owner"
	StatusNone   Status = "none"
)

// Admitted reports whether the status counts as membership.
func (s Status) Admitted() bool {
	return s == StatusMember || s == StatusAdmin || s == StatusOwner
}

// Oracle answers whether a user belongs to a channel.
type Oracle interface {
	MemberStatus(ctx context.Context, channel string, userID int64) (Status, error)
}

// Registrar creates the user record once access is granted.
type Registrar interface {
	EnsureUser(ctx context.Context, userID int64) (bool, error)
}

// Result describes the outcome of a membership check.
type Result struct {
	Granted     bool
	Missing     []string // channels the user has not joined
	Unavailable []string // channels the oracle could not answer for
	Created     bool     // a user record was inserted by this check
}

// Gate checks the required channels and registers admitted users.
type Gate struct {
	oracle    Oracle
	registrar Registrar
	channels  []string
	logger    *logrus.Entry
}

// NewGate constructs a Gate over the required channels.
func NewGate(oracle Oracle, registrar Registrar, channels []string, logger *logrus.Entry) *Gate {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Gate{
		oracle:    oracle,
		registrar: registrar,
		channels:  channels,
		logger:    logger,
	}
}

// Channels returns the required channel identifiers.
func (g *Gate) Channels() []string {
	return g.channels
}

// Check queries every required channel once. Access is granted only when all
// of them report member, admin or owner; a failed query counts as not granted
// and the returned error wraps domain.ErrOracleUnavailable. Granted users
// without a record get one on the free plan.
func (g *Gate) Check(ctx context.Context, userID int64) (Result, error) {
	if g == nil || g.oracle == nil || g.registrar == nil {
		return Result{}, errors.New("membership gate is not initialized")
	}
	if ctx == nil {
		return Result{}, errors.New("context is required")
	}
	if len(g.channels) == 0 {
		return Result{}, errors.New("no required channels configured")
	}

	var result Result
	for _, channel := range g.channels {
		status, err := g.oracle.MemberStatus(ctx, channel, userID)
		if err != nil {
			g.logger.WithFields(logging.Fields{
				"event":   "membership_query_failed",
				"user_id": userID,
				"channel": channel,
			}).WithError(err).Warn("membership query failed")
			result.Unavailable = append(result.Unavailable, channel)
			continue
		}
		if !status.Admitted() {
			result.Missing = append(result.Missing, channel)
		}
	}

	if len(result.Unavailable) > 0 {
		return result, fmt.Errorf("check %s: %w", strings.Join(result.Unavailable, ", "), domain.ErrOracleUnavailable)
	}

	if len(result.Missing) > 0 {
		g.logger.WithFields(logging.Fields{
			"event":   "membership_denied",
			"user_id": userID,
			"missing": result.Missing,
		}).Info("membership check denied")
		return result, nil
	}

	result.Granted = true
	created, err := g.registrar.EnsureUser(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("register user: %w", err)
	}
	result.Created = created

	g.logger.WithFields(logging.Fields{
		"event":   "membership_granted",
		"user_id": userID,
		"created": created,
	}).Info("membership check granted")

	return result, nil
}
