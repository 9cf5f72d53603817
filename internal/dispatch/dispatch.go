// Package dispatch routes inbound chat events to handlers. Rules are evaluated
// in registration order and the first match wins; events are handled one at a
// time so a user's conversation state is never observed mid-update.
package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"tg_script_gateway_bot/internal/logging"
	"tg_script_gateway_bot/internal/session"
)

const defaultQueueSize = 128

// Kind classifies an inbound event.
type Kind int

const (
	KindCommand Kind = iota + 1
	KindText
	KindCallback
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindText:
		return "text"
	case KindCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// Event is a transport-neutral view of an update.
type Event struct {
	Kind       Kind
	UserID     int64
	ChatID     int64
	MessageID  int
	Command    string // lowercase, without the leading slash or @botname
	Args       string
	Text       string
	CallbackID string
	Data       string
}

// HandlerFunc processes one event. state points at the user's conversation
// state; changes are stored once the handler returns.
type HandlerFunc func(ctx context.Context, ev Event, state *session.State) error

// Matcher decides whether a rule applies to an event.
type Matcher func(ev Event, state session.State) bool

// ErrorHandler receives handler failures, including recovered panics.
type ErrorHandler func(ctx context.Context, ev Event, err error)

// Command matches /name.
func Command(name string) Matcher {
	name = strings.ToLower(strings.TrimPrefix(name, "/"))
	return func(ev Event, _ session.State) bool {
		return ev.Kind == KindCommand && ev.Command == name
	}
}

// Regex matches plain text messages.
func Regex(re *regexp.Regexp) Matcher {
	return func(ev Event, _ session.State) bool {
		return ev.Kind == KindText && re.MatchString(ev.Text)
	}
}

// Label matches a plain text message equal to a keyboard button label.
func Label(label string) Matcher {
	return Regex(regexp.MustCompile(`^\s*` + regexp.QuoteMeta(label) + `\s*$`))
}

// CallbackPrefix matches callback data starting with prefix.
func CallbackPrefix(prefix string) Matcher {
	return func(ev Event, _ session.State) bool {
		return ev.Kind == KindCallback && strings.HasPrefix(ev.Data, prefix)
	}
}

// Awaiting matches plain text while the user's state carries tag.
func Awaiting(tag session.Tag) Matcher {
	return func(ev Event, state session.State) bool {
		return ev.Kind == KindText && state.Is(tag)
	}
}

type rule struct {
	name    string
	match   Matcher
	handler HandlerFunc
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithErrorHandler installs the callback used for handler failures.
func WithErrorHandler(h ErrorHandler) Option {
	return func(d *Dispatcher) {
		d.onError = h
	}
}

// WithQueueSize sets the capacity of the inbound event queue.
func WithQueueSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queueSize = size
		}
	}
}

// Dispatcher owns the ordered rule list and the per-user conversation state.
type Dispatcher struct {
	rules     []rule
	tracker   *session.Tracker
	logger    *logrus.Entry
	onError   ErrorHandler
	queueSize int
	queue     chan Event
}

// New constructs a Dispatcher backed by tracker.
func New(tracker *session.Tracker, logger *logrus.Entry, opts ...Option) *Dispatcher {
	if tracker == nil {
		tracker = session.NewTracker()
	}
	if logger == nil {
		logger = logging.Logger()
	}

	d := &Dispatcher{
		tracker:   tracker,
		logger:    logger,
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan Event, d.queueSize)

	return d
}

// Handle appends a rule. Registration order is evaluation order.
func (d *Dispatcher) Handle(name string, match Matcher, handler HandlerFunc) {
	d.rules = append(d.rules, rule{name: name, match: match, handler: handler})
}

// SetErrorHandler replaces the failure callback. Call it before Run.
func (d *Dispatcher) SetErrorHandler(h ErrorHandler) {
	d.onError = h
}

// Tracker exposes the conversation state store.
func (d *Dispatcher) Tracker() *session.Tracker {
	return d.tracker
}

// Dispatch runs the first matching handler for ev and reports whether any
// rule matched. Handler errors and panics are reported to the error handler
// and never escape.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) bool {
	state := d.tracker.Get(ev.UserID)

	for _, r := range d.rules {
		if !r.match(ev, state) {
			continue
		}

		err := d.invoke(ctx, r, ev, &state)
		d.tracker.Put(ev.UserID, state)

		if err != nil {
			d.logger.WithFields(logging.Fields{
				"event":   "dispatch_failed",
				"rule":    r.name,
				"kind":    ev.Kind.String(),
				"user_id": ev.UserID,
			}).WithError(err).Warn("handler failed")

			if d.onError != nil {
				d.onError(ctx, ev, err)
			}
			return true
		}

		d.logger.WithFields(logging.Fields{
			"event":   "dispatch_handled",
			"rule":    r.name,
			"kind":    ev.Kind.String(),
			"user_id": ev.UserID,
			"state":   state.Tag.String(),
		}).Debug("handled event")
		return true
	}

	d.logger.WithFields(logging.Fields{
		"event":   "dispatch_dropped",
		"kind":    ev.Kind.String(),
		"user_id": ev.UserID,
	}).Debug("no rule matched event")

	return false
}

func (d *Dispatcher) invoke(ctx context.Context, r rule, ev Event, state *session.State) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler %s panicked: %v", r.name, recovered)
		}
	}()

	return r.handler(ctx, ev, state)
}

// Enqueue hands ev to the dispatch loop. It blocks while the queue is full and
// returns false if ctx ends first.
func (d *Dispatcher) Enqueue(ctx context.Context, ev Event) bool {
	select {
	case d.queue <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run processes queued events one at a time until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.WithFields(logging.Fields{
		"event": "dispatch_loop_start",
		"rules": len(d.rules),
	}).Info("dispatch loop started")

	for {
		select {
		case <-ctx.Done():
			d.logger.WithField("event", "dispatch_loop_stop").Info("dispatch loop stopped")
			return nil
		case ev := <-d.queue:
			d.Dispatch(ctx, ev)
		}
	}
}
