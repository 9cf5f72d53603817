package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"tg_script_gateway_bot/internal/chat"
	"tg_script_gateway_bot/internal/dispatch"
	"tg_script_gateway_bot/internal/domain"
	"tg_script_gateway_bot/internal/feature/broadcast"
	"tg_script_gateway_bot/internal/feature/membership"
	"tg_script_gateway_bot/internal/feature/submission"
	"tg_script_gateway_bot/internal/logging"
	"tg_script_gateway_bot/internal/session"
	"tg_script_gateway_bot/internal/supervisor"
)

// Menu labels double as routed commands.
const (
	LabelCreateBot   = "Create New Bot"
	LabelMyBot       = "My Bot"
	LabelBuyPremium  = "Buy Premium"
	LabelViewUsers   = "View All Users"
	LabelViewBots    = "View All Hosted Bots"
	LabelBroadcast   = "Broadcast to All"
	LabelGivePremium = "Give Premium"
	CallbackCheck    = "check_membership"
	CallbackBuy      = "buy_premium"
	maxMessageRunes  = 4000
)

const (
	msgWelcomeBack     = "Welcome back! Use /menu to access the main menu."
	msgJoinChannels    = "Please join our required channels to use this bot."
	msgJoinedThanks    = "Thank you for joining the channels! Use /menu to access the main menu."
	msgJoinBoth        = "You need to join all required channels to use this bot. Please try again after joining."
	msgRegisterFirst   = "Please use /start and join the required channels first."
	msgMainMenu        = "Main Menu:"
	msgAdminPanel      = "Admin Panel:"
	msgSendCode        = "Send me the Python code for the bot you want to create."
	msgUnderDev        = "This feature is under development."
	msgConfirmPremium  = "Do you really want to buy premium?"
	msgSendBroadcast   = "Send me the message you want to broadcast."
	msgSendPremiumUser = "Send me the user ID of the user you want to give premium access to."
	msgPremiumDone     = "Premium access granted to user %d."
	msgDecided         = "Bot code has been %s."
	msgAlreadyDecided  = "Bot code was already %s."
	msgNoUsers         = "No users yet."
	msgNoBots          = "No hosted bots yet."

	msgUnauthorized  = "You are not authorized to perform this action."
	msgNotFound      = "No matching record was found."
	msgMalformed     = "That input is not valid. Please check it and try again."
	msgBadPremiumID  = "Please send a numeric Telegram user ID."
	msgOracleDown    = "Could not verify your channel membership right now. Please try again later."
	msgSpawnFailed   = "The bot was approved but its process could not be started. It stays pending."
	msgDecidedBefore = "This submission has already been decided."
	msgTryLater      = "Something went wrong. Please try again later."
)

var (
	mainMenu = chat.Menu{
		{LabelCreateBot, LabelMyBot},
		{LabelBuyPremium},
	}
	adminMenu = chat.Menu{
		{LabelViewUsers, LabelViewBots},
		{LabelBroadcast, LabelGivePremium},
	}
)

// Replier is the outbound surface handlers use.
type Replier interface {
	chat.Sender
	AnswerCallback(ctx context.Context, callbackID, text string) error
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
}

// MembershipGate admits users who joined the required channels.
type MembershipGate interface {
	Check(ctx context.Context, userID int64) (membership.Result, error)
	Channels() []string
}

// UserDirectory reads user records.
type UserDirectory interface {
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	List(ctx context.Context) ([]domain.User, error)
}

// Moderation is the submission workflow.
type Moderation interface {
	Submit(ctx context.Context, ownerID int64, raw string) (domain.Submission, error)
	Moderate(ctx context.Context, actorID int64, action, id string) (domain.Submission, error)
	List(ctx context.Context, actorID int64) ([]domain.Submission, error)
}

// Broadcaster sends one message to every user.
type Broadcaster interface {
	Broadcast(ctx context.Context, actorID int64, msg string) (broadcast.Report, error)
}

// PremiumDesk handles premium requests and grants.
type PremiumDesk interface {
	GrantPremium(ctx context.Context, actorID int64, rawTarget string) (int64, error)
	RequestPremium(ctx context.Context, userID int64) error
}

// ProcessRegistry reports launched scripts.
type ProcessRegistry interface {
	Get(submissionID string) (supervisor.Process, bool)
}

// Stats reports collection totals.
type Stats interface {
	CountUsers(ctx context.Context) (int64, error)
	CountSubmissions(ctx context.Context, status string) (int64, error)
}

// Deps groups what the routes need.
type Deps struct {
	Gate        MembershipGate
	Users       UserDirectory
	Submissions Moderation
	Broadcaster Broadcaster
	Premium     PremiumDesk
	Processes   ProcessRegistry
	Stats       Stats
	Reply       Replier
	ModeratorID int64
	Logger      *logrus.Entry
}

// Routes holds the bot's handlers.
type Routes struct {
	Deps
}

// NewRoutes validates deps and returns the handler set.
func NewRoutes(deps Deps) (*Routes, error) {
	switch {
	case deps.Gate == nil:
		return nil, errors.New("membership gate is required")
	case deps.Users == nil:
		return nil, errors.New("user directory is required")
	case deps.Submissions == nil:
		return nil, errors.New("submission queue is required")
	case deps.Broadcaster == nil:
		return nil, errors.New("broadcaster is required")
	case deps.Premium == nil:
		return nil, errors.New("premium desk is required")
	case deps.Reply == nil:
		return nil, errors.New("replier is required")
	case deps.ModeratorID == 0:
		return nil, errors.New("moderator id is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Logger()
	}

	return &Routes{Deps: deps}, nil
}

// Register installs every rule on d along with the error replies. Commands and
// callbacks come first, then exact menu labels, then the free-text
// continuations keyed on session state.
func (r *Routes) Register(d *dispatch.Dispatcher) {
	d.SetErrorHandler(r.HandleError)

	d.Handle("start", dispatch.Command("start"), r.start)
	d.Handle("menu", dispatch.Command("menu"), r.menu)
	d.Handle("admin", dispatch.Command("admin"), r.admin)

	d.Handle("check_membership", dispatch.CallbackPrefix(CallbackCheck), r.checkMembership)
	d.Handle("buy_premium", dispatch.CallbackPrefix(CallbackBuy), r.confirmPremium)
	d.Handle("approve", dispatch.CallbackPrefix(submission.ApprovePrefix), r.moderate)
	d.Handle("reject", dispatch.CallbackPrefix(submission.RejectPrefix), r.moderate)

	d.Handle("create_bot", dispatch.Label(LabelCreateBot), r.createBot)
	d.Handle("my_bot", dispatch.Label(LabelMyBot), r.myBot)
	d.Handle("buy_premium_menu", dispatch.Label(LabelBuyPremium), r.buyPremium)
	d.Handle("view_users", dispatch.Label(LabelViewUsers), r.moderatorOnly(r.viewUsers))
	d.Handle("view_bots", dispatch.Label(LabelViewBots), r.moderatorOnly(r.viewBots))
	d.Handle("broadcast_menu", dispatch.Label(LabelBroadcast), r.moderatorOnly(r.awaitBroadcast))
	d.Handle("give_premium_menu", dispatch.Label(LabelGivePremium), r.moderatorOnly(r.awaitPremiumTarget))

	d.Handle("receive_code", dispatch.Awaiting(session.AwaitingCode), r.receiveCode)
	d.Handle("receive_broadcast", dispatch.Awaiting(session.AwaitingBroadcast), r.receiveBroadcast)
	d.Handle("receive_premium_target", dispatch.Awaiting(session.AwaitingPremiumTarget), r.receivePremiumTarget)
}

func (r *Routes) moderatorOnly(next dispatch.HandlerFunc) dispatch.HandlerFunc {
	return func(ctx context.Context, ev dispatch.Event, state *session.State) error {
		if ev.UserID != r.ModeratorID {
			return fmt.Errorf("moderator action by %d: %w", ev.UserID, domain.ErrUnauthorized)
		}
		return next(ctx, ev, state)
	}
}

func (r *Routes) start(ctx context.Context, ev dispatch.Event, state *session.State) error {
	state.Reset()

	if _, err := r.Users.GetByID(ctx, ev.UserID); err == nil {
		return r.Reply.SendText(ctx, ev.ChatID, msgWelcomeBack)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	return r.Reply.SendKeyboard(ctx, ev.ChatID, msgJoinChannels, joinKeyboard(r.Gate.Channels()))
}

func joinKeyboard(channels []string) chat.Keyboard {
	var links []chat.Button
	for i, channel := range channels {
		if url := channelJoinURL(channel); url != "" {
			links = append(links, chat.Button{Text: fmt.Sprintf("Join Channel %d", i+1), URL: url})
		}
	}

	keyboard := chat.Keyboard{}
	if len(links) > 0 {
		keyboard = append(keyboard, links)
	}
	return append(keyboard, []chat.Button{{Text: "Check Membership", CallbackData: CallbackCheck}})
}

func (r *Routes) checkMembership(ctx context.Context, ev dispatch.Event, _ *session.State) error {
	r.answer(ctx, ev)

	result, err := r.Gate.Check(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if !result.Granted {
		return r.Reply.SendText(ctx, ev.ChatID, msgJoinBoth)
	}
	return r.Reply.SendText(ctx, ev.ChatID, msgJoinedThanks)
}

func (r *Routes) menu(ctx context.Context, ev dispatch.Event, state *session.State) error {
	state.Reset()
	return r.Reply.SendMenu(ctx, ev.ChatID, msgMainMenu, mainMenu)
}

func (r *Routes) admin(ctx context.Context, ev dispatch.Event, state *session.State) error {
	state.Reset()
	if ev.UserID != r.ModeratorID {
		return fmt.Errorf("admin panel for %d: %w", ev.UserID, domain.ErrUnauthorized)
	}
	return r.Reply.SendMenu(ctx, ev.ChatID, msgAdminPanel, adminMenu)
}

func (r *Routes) createBot(ctx context.Context, ev dispatch.Event, state *session.State) error {
	if _, err := r.Users.GetByID(ctx, ev.UserID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return r.Reply.SendText(ctx, ev.ChatID, msgRegisterFirst)
		}
		return err
	}

	state.Await(session.AwaitingCode)
	return r.Reply.SendText(ctx, ev.ChatID, msgSendCode)
}

func (r *Routes) myBot(ctx context.Context, ev dispatch.Event, _ *session.State) error {
	return r.Reply.SendText(ctx, ev.ChatID, msgUnderDev)
}

func (r *Routes) buyPremium(ctx context.Context, ev dispatch.Event, _ *session.State) error {
	return r.Reply.SendKeyboard(ctx, ev.ChatID, msgConfirmPremium, chat.Keyboard{{
		{Text: "Yes", CallbackData: CallbackBuy},
	}})
}

func (r *Routes) confirmPremium(ctx context.Context, ev dispatch.Event, _ *session.State) error {
	r.answer(ctx, ev)
	return r.Premium.RequestPremium(ctx, ev.UserID)
}

func (r *Routes) receiveCode(ctx context.Context, ev dispatch.Event, state *session.State) error {
	state.Reset()
	_, err := r.Submissions.Submit(ctx, ev.UserID, ev.Text)
	return err
}

func (r *Routes) moderate(ctx context.Context, ev dispatch.Event, _ *session.State) error {
	r.answer(ctx, ev)
	if ev.UserID != r.ModeratorID {
		return fmt.Errorf("moderate %q by %d: %w", ev.Data, ev.UserID, domain.ErrUnauthorized)
	}

	action, id, err := submission.ParseToken(ev.Data)
	if err != nil {
		return err
	}

	sub, err := r.Submissions.Moderate(ctx, ev.UserID, action, id)
	switch {
	case errors.Is(err, domain.ErrAlreadyDecided):
		r.edit(ctx, ev, fmt.Sprintf(msgAlreadyDecided, sub.Status))
		return err
	case err != nil:
		return err
	}

	r.edit(ctx, ev, fmt.Sprintf(msgDecided, sub.Status))
	return nil
}

func (r *Routes) viewUsers(ctx context.Context, ev dispatch.Event, _ *session.State) error {
	users, err := r.Users.List(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return r.Reply.SendText(ctx, ev.ChatID, msgNoUsers)
	}

	total := int64(len(users))
	if r.Stats != nil {
		if counted, err := r.Stats.CountUsers(ctx); err == nil {
			total = counted
		}
	}

	lines := make([]string, 0, len(users)+1)
	lines = append(lines, fmt.Sprintf("All Users (%d):", total))
	for _, u := range users {
		lines = append(lines, fmt.Sprintf("User ID: %d, Plan: %s, Bots: %d", u.UserID, u.Plan, u.BotCount))
	}

	return r.sendLines(ctx, ev.ChatID, lines)
}

func (r *Routes) viewBots(ctx context.Context, ev dispatch.Event, _ *session.State) error {
	subs, err := r.Submissions.List(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return r.Reply.SendText(ctx, ev.ChatID, msgNoBots)
	}

	header := fmt.Sprintf("All Hosted Bots (%d):", len(subs))
	if r.Stats != nil {
		if pending, err := r.Stats.CountSubmissions(ctx, domain.StatusPending); err == nil {
			header = fmt.Sprintf("All Hosted Bots (%d, %d pending):", len(subs), pending)
		}
	}

	lines := make([]string, 0, len(subs)+1)
	lines = append(lines, header)
	for _, sub := range subs {
		line := fmt.Sprintf("Bot ID: %s, User ID: %d, Status: %s", sub.ID, sub.OwnerID, sub.Status)
		if r.Processes != nil {
			if proc, ok := r.Processes.Get(sub.ID); ok {
				line += ", Process: " + describeProcess(proc)
			}
		}
		lines = append(lines, line)
	}

	return r.sendLines(ctx, ev.ChatID, lines)
}

func describeProcess(proc supervisor.Process) string {
	switch proc.State {
	case supervisor.StateRunning:
		return fmt.Sprintf("running (pid %d)", proc.PID)
	case supervisor.StateExited:
		return fmt.Sprintf("exited (code %d)", proc.ExitCode)
	default:
		return proc.State
	}
}

func (r *Routes) awaitBroadcast(ctx context.Context, ev dispatch.Event, state *session.State) error {
	state.Await(session.AwaitingBroadcast)
	return r.Reply.SendText(ctx, ev.ChatID, msgSendBroadcast)
}

func (r *Routes) receiveBroadcast(ctx context.Context, ev dispatch.Event, state *session.State) error {
	state.Reset()

	report, err := r.Broadcaster.Broadcast(ctx, ev.UserID, ev.Text)
	if err != nil {
		return err
	}
	return r.Reply.SendText(ctx, ev.ChatID, report.String())
}

func (r *Routes) awaitPremiumTarget(ctx context.Context, ev dispatch.Event, state *session.State) error {
	state.Await(session.AwaitingPremiumTarget)
	return r.Reply.SendText(ctx, ev.ChatID, msgSendPremiumUser)
}

func (r *Routes) receivePremiumTarget(ctx context.Context, ev dispatch.Event, state *session.State) error {
	state.Reset()

	target, err := r.Premium.GrantPremium(ctx, ev.UserID, ev.Text)
	if errors.Is(err, domain.ErrMalformedInput) {
		// A typo keeps the prompt open so the moderator can resend the id.
		state.Await(session.AwaitingPremiumTarget)
		return r.Reply.SendText(ctx, ev.ChatID, msgBadPremiumID)
	}
	if err != nil {
		return err
	}
	return r.Reply.SendText(ctx, ev.ChatID, fmt.Sprintf(msgPremiumDone, target))
}

// HandleError turns a handler failure into a reply for the user who caused it.
func (r *Routes) HandleError(ctx context.Context, ev dispatch.Event, err error) {
	text, expected := replyForError(err)

	log := r.Logger.WithFields(logging.Fields{
		"event":   "handler_error",
		"kind":    ev.Kind.String(),
		"user_id": ev.UserID,
	}).WithError(err)
	if expected {
		log.Info("handler refused request")
	} else {
		log.Error("handler failed unexpectedly")
	}

	if sendErr := r.Reply.SendText(ctx, replyChat(ev), text); sendErr != nil {
		r.Logger.WithFields(logging.Fields{
			"event":   "error_reply_failed",
			"user_id": ev.UserID,
		}).WithError(sendErr).Warn("failed to send error reply")
	}
}

func replyForError(err error) (string, bool) {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return msgUnauthorized, true
	case errors.Is(err, domain.ErrNotFound):
		return msgNotFound, true
	case errors.Is(err, domain.ErrMalformedInput):
		return msgMalformed, true
	case errors.Is(err, domain.ErrOracleUnavailable):
		return msgOracleDown, true
	case errors.Is(err, domain.ErrSpawnFailure):
		return msgSpawnFailed, true
	case errors.Is(err, domain.ErrAlreadyDecided):
		return msgDecidedBefore, true
	default:
		return msgTryLater, false
	}
}

// replyChat answers callbacks in the private chat of whoever pressed the
// button.
func replyChat(ev dispatch.Event) int64 {
	if ev.Kind == dispatch.KindCallback || ev.ChatID == 0 {
		return ev.UserID
	}
	return ev.ChatID
}

func (r *Routes) answer(ctx context.Context, ev dispatch.Event) {
	if err := r.Reply.AnswerCallback(ctx, ev.CallbackID, ""); err != nil {
		r.Logger.WithField("event", "callback_answer_failed").WithError(err).Debug("failed to answer callback")
	}
}

func (r *Routes) edit(ctx context.Context, ev dispatch.Event, text string) {
	if ev.MessageID == 0 {
		return
	}
	if err := r.Reply.EditText(ctx, ev.ChatID, ev.MessageID, text); err != nil {
		r.Logger.WithField("event", "prompt_edit_failed").WithError(err).Warn("failed to edit moderation prompt")
	}
}

// sendLines splits long listings across messages.
func (r *Routes) sendLines(ctx context.Context, chatID int64, lines []string) error {
	for _, chunk := range chunkLines(lines, maxMessageRunes) {
		if err := r.Reply.SendText(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func chunkLines(lines []string, limit int) []string {
	var (
		chunks []string
		b      strings.Builder
		size   int
	)
	for _, line := range lines {
		n := len([]rune(line)) + 1
		if size > 0 && size+n > limit {
			chunks = append(chunks, b.String())
			b.Reset()
			size = 0
		}
		if size > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		size += n
	}
	if size > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
