// Package submission accepts script submissions and drives them through
// moderation: pending until the moderator approves or rejects, exactly once.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"tg_script_gateway_bot/internal/chat"
	"tg_script_gateway_bot/internal/domain"
	"tg_script_gateway_bot/internal/idgen"
	"tg_script_gateway_bot/internal/logging"
	"tg_script_gateway_bot/internal/supervisor"
)

// FenceMarker opens a fenced code block in a chat message.
const FenceMarker = "```python"

const fence = "```"

// Telegram caps messages at 4096 characters; leave room for the prompt.
const maxPreview = 3500

// Callback token prefixes for moderation buttons.
const (
	ApprovePrefix = domain.ActionApprove + ":"
	RejectPrefix  = domain.ActionReject + ":"
)

// Outbound texts.
const (
	msgSubmitted     = "Your bot code has been submitted for approval. Please wait for an admin to review it."
	msgApproved      = "Your bot code has been approved and is now running!"
	msgRejected      = "Your bot code has been rejected."
	msgSpawnFailed   = "Your bot code was approved but could not be started. The admin has been notified."
	promptHeader     = "New bot code received:"
	promptFooter     = "Approve or reject:"
	previewTruncated = "\n... (truncated)"
)

// Store persists submissions.
type Store interface {
	Create(ctx context.Context, sub domain.Submission) (domain.Submission, error)
	GetByID(ctx context.Context, id string) (domain.Submission, error)
	List(ctx context.Context) ([]domain.Submission, error)
	Decide(ctx context.Context, id, status string) (domain.Submission, error)
}

// Runner materializes, launches and stops approved scripts.
type Runner interface {
	Materialize(submissionID, source string) (string, error)
	Run(submissionID, script string) error
	Stop(submissionID string) error
}

// BotCounter tracks how many approved scripts a user owns.
type BotCounter interface {
	IncrementBotCount(ctx context.Context, userID int64) error
}

// Queue is the moderation workflow.
type Queue struct {
	store       Store
	runner      Runner
	users       BotCounter
	sender      chat.Sender
	moderatorID int64
	logger      *logrus.Entry
	locks       *keyedMutex
	newID       func() (string, error)
}

// NewQueue wires the moderation workflow.
func NewQueue(store Store, runner Runner, users BotCounter, sender chat.Sender, moderatorID int64, logger *logrus.Entry) *Queue {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Queue{
		store:       store,
		runner:      runner,
		users:       users,
		sender:      sender,
		moderatorID: moderatorID,
		logger:      logger,
		locks:       newKeyedMutex(),
		newID:       idgen.NewSubmissionID,
	}
}

// StripFence removes every code fence when the message contains the python
// marker anywhere. Text without the marker is returned unchanged.
func StripFence(raw string) string {
	if !strings.Contains(raw, FenceMarker) {
		return raw
	}
	return strings.ReplaceAll(strings.ReplaceAll(raw, FenceMarker, ""), fence, "")
}

// ParseToken splits a moderation callback token into its action and
// submission id.
func ParseToken(data string) (string, string, error) {
	action, id, ok := strings.Cut(data, ":")
	if !ok {
		return "", "", fmt.Errorf("token %q: %w", data, domain.ErrMalformedInput)
	}
	if _, known := domain.StatusForAction(action); !known {
		return "", "", fmt.Errorf("action %q: %w", action, domain.ErrMalformedInput)
	}
	if !idgen.Valid(id) {
		return "", "", fmt.Errorf("submission id %q: %w", id, domain.ErrMalformedInput)
	}
	return action, id, nil
}

// Submit stores raw as a pending submission, prompts the moderator and
// acknowledges the owner.
func (q *Queue) Submit(ctx context.Context, ownerID int64, raw string) (domain.Submission, error) {
	if q == nil || q.store == nil || q.sender == nil {
		return domain.Submission{}, errors.New("submission queue is not initialized")
	}

	id, err := q.newID()
	if err != nil {
		return domain.Submission{}, err
	}

	sub, err := q.store.Create(ctx, domain.Submission{
		ID:         id,
		OwnerID:    ownerID,
		SourceCode: StripFence(raw),
	})
	if err != nil {
		return domain.Submission{}, fmt.Errorf("create submission: %w", err)
	}

	log := logging.Context{UserID: ownerID, SubmissionID: sub.ID}.On(q.logger)

	if err := q.sender.SendKeyboard(ctx, q.moderatorID, decisionPrompt(sub), DecisionKeyboard(sub.ID)); err != nil {
		log.WithField("event", "moderator_prompt_failed").WithError(err).Warn("failed to send decision prompt")
	}
	if err := q.sender.SendText(ctx, ownerID, msgSubmitted); err != nil {
		log.WithField("event", "submit_ack_failed").WithError(err).Warn("failed to acknowledge submission")
	}

	log.WithFields(logging.Fields{
		"event": "submission_created",
		"bytes": len(sub.SourceCode),
	}).Info("submission queued for moderation")

	return sub, nil
}

// Moderate applies the moderator's decision. Only the designated moderator
// may decide, each submission is decided at most once, and decisions on the
// same submission are serialized. An approved script that fails to start
// leaves the submission pending.
func (q *Queue) Moderate(ctx context.Context, actorID int64, action, id string) (domain.Submission, error) {
	if q == nil || q.store == nil || q.runner == nil || q.sender == nil {
		return domain.Submission{}, errors.New("submission queue is not initialized")
	}
	if actorID != q.moderatorID {
		logging.Context{UserID: actorID, SubmissionID: id, Event: "moderation_denied"}.On(q.logger).
			Warn("non-moderator attempted moderation")
		return domain.Submission{}, fmt.Errorf("moderate %s: %w", id, domain.ErrUnauthorized)
	}

	status, ok := domain.StatusForAction(action)
	if !ok {
		return domain.Submission{}, fmt.Errorf("action %q: %w", action, domain.ErrMalformedInput)
	}
	if !idgen.Valid(id) {
		return domain.Submission{}, fmt.Errorf("submission id %q: %w", id, domain.ErrMalformedInput)
	}

	unlock := q.locks.Lock(id)
	defer unlock()

	sub, err := q.store.GetByID(ctx, id)
	if err != nil {
		return domain.Submission{}, err
	}
	if sub.Decided() {
		return sub, fmt.Errorf("submission %s is %s: %w", id, sub.Status, domain.ErrAlreadyDecided)
	}

	log := logging.Context{OwnerID: sub.OwnerID, SubmissionID: id}.On(q.logger).WithField("action", action)

	if status == domain.StatusApproved {
		if err := q.launch(sub); err != nil {
			log.WithField("event", "submission_launch_failed").WithError(err).Error("approved script failed to start")
			q.notify(ctx, log, sub.OwnerID, msgSpawnFailed)
			return sub, err
		}
	}

	decided, err := q.store.Decide(ctx, id, status)
	if err != nil {
		if status == domain.StatusApproved {
			q.abortLaunch(log, id)
		}
		return sub, err
	}

	if status == domain.StatusApproved {
		if q.users != nil {
			if err := q.users.IncrementBotCount(ctx, sub.OwnerID); err != nil {
				log.WithField("event", "bot_count_failed").WithError(err).Warn("failed to increment bot count")
			}
		}
		q.notify(ctx, log, sub.OwnerID, msgApproved)
	} else {
		q.notify(ctx, log, sub.OwnerID, msgRejected)
	}

	log.WithField("event", "submission_decided").Info("submission " + decided.Status)

	return decided, nil
}

// List returns every submission to the moderator.
func (q *Queue) List(ctx context.Context, actorID int64) ([]domain.Submission, error) {
	if q == nil || q.store == nil {
		return nil, errors.New("submission queue is not initialized")
	}
	if actorID != q.moderatorID {
		return nil, fmt.Errorf("list submissions: %w", domain.ErrUnauthorized)
	}

	return q.store.List(ctx)
}

// ReportExit tells the moderator and the owner that an approved script ended.
func (q *Queue) ReportExit(ctx context.Context, exit supervisor.Exit) {
	if q == nil || q.store == nil || q.sender == nil {
		return
	}

	log := logging.Context{SubmissionID: exit.SubmissionID, Event: "script_exit_reported"}.On(q.logger).WithFields(logging.Fields{
		"exit_code": exit.ExitCode,
		"stopped":   exit.Stopped,
	})

	outcome := fmt.Sprintf("exited with code %d after %s", exit.ExitCode, exit.Runtime.Round(time.Second))
	if exit.Stopped {
		outcome = "was stopped"
	}

	var ownerID int64
	if sub, err := q.store.GetByID(ctx, exit.SubmissionID); err == nil {
		ownerID = sub.OwnerID
	} else {
		log.WithError(err).Warn("exit reported for unknown submission")
	}

	if err := q.sender.SendText(ctx, q.moderatorID, fmt.Sprintf("Bot %s (owner %d) %s.", exit.SubmissionID, ownerID, outcome)); err != nil {
		log.WithError(err).Warn("failed to notify moderator of script exit")
	}
	if ownerID != 0 && ownerID != q.moderatorID {
		q.notify(ctx, log, ownerID, fmt.Sprintf("Your bot %s %s.", exit.SubmissionID, outcome))
	}

	log.Info("script exit reported")
}

func (q *Queue) launch(sub domain.Submission) error {
	script, err := q.runner.Materialize(sub.ID, sub.SourceCode)
	if err != nil {
		return fmt.Errorf("materialize: %w: %w", domain.ErrSpawnFailure, err)
	}
	return q.runner.Run(sub.ID, script)
}

// abortLaunch stops a script whose approval could not be recorded, so a
// pending submission never has a live process behind it.
func (q *Queue) abortLaunch(log *logrus.Entry, id string) {
	log = log.WithField("event", "submission_launch_aborted")
	if err := q.runner.Stop(id); err != nil {
		log.WithError(err).Error("failed to stop script after decision error")
		return
	}
	log.Warn("stopped script because the approval was not recorded")
}

func (q *Queue) notify(ctx context.Context, log *logrus.Entry, chatID int64, text string) {
	if err := q.sender.SendText(ctx, chatID, text); err != nil {
		log.WithField("event", "owner_notify_failed").WithError(err).Warn("failed to notify submission owner")
	}
}

// DecisionKeyboard returns the approve/reject buttons for a submission.
func DecisionKeyboard(id string) chat.Keyboard {
	return chat.Keyboard{{
		{Text: "Approve", CallbackData: ApprovePrefix + id},
		{Text: "Reject", CallbackData: RejectPrefix + id},
	}}
}

func decisionPrompt(sub domain.Submission) string {
	code := sub.SourceCode
	if len(code) > maxPreview {
		cut := maxPreview
		for cut > 0 && !utf8.RuneStart(code[cut]) {
			cut--
		}
		code = code[:cut] + previewTruncated
	}
	return fmt.Sprintf("%s\n\nID: %s\nFrom: %d\n\n%s\n\n%s", promptHeader, sub.ID, sub.OwnerID, code, promptFooter)
}
