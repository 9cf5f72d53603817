package dispatch

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"tg_script_gateway_bot/internal/session"
)

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return New(session.NewTracker(), logrus.NewEntry(logger), opts...), hook
}

func record(calls *[]string, name string) HandlerFunc {
	return func(context.Context, Event, *session.State) error {
		*calls = append(*calls, name)
		return nil
	}
}

func TestDispatchFirstMatchWins(t *testing.T) {
	d, _ := newTestDispatcher(t)
	var calls []string

	d.Handle("hello-regex", Regex(regexp.MustCompile(`hello`)), record(&calls, "regex"))
	d.Handle("hello-label", Label("hello world"), record(&calls, "label"))

	if !d.Dispatch(context.Background(), Event{Kind: KindText, UserID: 1, Text: "hello world"}) {
		t.Fatalf("expected event to match")
	}
	if len(calls) != 1 || calls[0] != "regex" {
		t.Fatalf("expected only the first rule to fire, got %v", calls)
	}
}

func TestDispatchMatchersRespectKind(t *testing.T) {
	d, _ := newTestDispatcher(t)
	var calls []string

	d.Handle("start", Command("/start"), record(&calls, "start"))
	d.Handle("approve", CallbackPrefix("approve:"), record(&calls, "approve"))
	d.Handle("label", Label("start"), record(&calls, "label"))

	ctx := context.Background()
	d.Dispatch(ctx, Event{Kind: KindCommand, UserID: 1, Command: "start"})
	d.Dispatch(ctx, Event{Kind: KindCallback, UserID: 1, Data: "approve:sub-x"})
	d.Dispatch(ctx, Event{Kind: KindText, UserID: 1, Text: " start "})

	if strings.Join(calls, ",") != "start,approve,label" {
		t.Fatalf("unexpected handler order: %v", calls)
	}

	calls = nil
	if d.Dispatch(ctx, Event{Kind: KindText, UserID: 1, Text: "approve:sub-x"}) {
		t.Fatalf("callback prefix must not match plain text")
	}
	if d.Dispatch(ctx, Event{Kind: KindText, UserID: 1, Text: "please start"}) {
		t.Fatalf("label must match the whole message")
	}
	if len(calls) != 0 {
		t.Fatalf("expected no handlers, got %v", calls)
	}
}

func TestDispatchUnmatchedEventIsDropped(t *testing.T) {
	d, hook := newTestDispatcher(t)
	d.Handle("start", Command("start"), func(context.Context, Event, *session.State) error {
		t.Fatalf("handler must not run")
		return nil
	})

	if d.Dispatch(context.Background(), Event{Kind: KindText, UserID: 5, Text: "anything"}) {
		t.Fatalf("expected no match")
	}
	if last := hook.LastEntry(); last == nil || last.Data["event"] != "dispatch_dropped" {
		t.Fatalf("expected dispatch_dropped log, got %v", last)
	}
}

func TestDispatchContinuationUsesStateTag(t *testing.T) {
	d, _ := newTestDispatcher(t)
	var calls []string

	d.Handle("create", Label("Create New Bot"), func(_ context.Context, _ Event, state *session.State) error {
		calls = append(calls, "create")
		state.Await(session.AwaitingCode)
		return nil
	})
	d.Handle("code", Awaiting(session.AwaitingCode), func(_ context.Context, ev Event, state *session.State) error {
		calls = append(calls, "code:"+ev.Text)
		state.Reset()
		return nil
	})
	d.Handle("broadcast", Awaiting(session.AwaitingBroadcast), record(&calls, "broadcast"))

	ctx := context.Background()
	if d.Dispatch(ctx, Event{Kind: KindText, UserID: 7, Text: "print(1)"}) {
		t.Fatalf("text without pending state must be dropped")
	}

	d.Dispatch(ctx, Event{Kind: KindText, UserID: 7, Text: "Create New Bot"})
	if !d.Tracker().Get(7).Is(session.AwaitingCode) {
		t.Fatalf("expected awaiting_code after menu selection")
	}
	if d.Dispatch(ctx, Event{Kind: KindText, UserID: 8, Text: "other user"}) {
		t.Fatalf("another user's text must not continue user 7's conversation")
	}

	d.Dispatch(ctx, Event{Kind: KindText, UserID: 7, Text: "print(1)"})
	if !d.Tracker().Get(7).Is(session.Idle) {
		t.Fatalf("expected state cleared by continuation")
	}

	if strings.Join(calls, "|") != "create|code:print(1)" {
		t.Fatalf("unexpected calls: %v", calls)
	}
}

func TestDispatchIsolatesErrorsAndPanics(t *testing.T) {
	var reported []error
	d, _ := newTestDispatcher(t, WithErrorHandler(func(_ context.Context, _ Event, err error) {
		reported = append(reported, err)
	}))

	errBoom := errors.New("boom")
	d.Handle("fail", Command("fail"), func(_ context.Context, _ Event, state *session.State) error {
		state.Await(session.AwaitingBroadcast)
		return errBoom
	})
	d.Handle("panic", Command("panic"), func(context.Context, Event, *session.State) error {
		panic("kaboom")
	})
	var ok bool
	d.Handle("ok", Command("ok"), func(context.Context, Event, *session.State) error {
		ok = true
		return nil
	})

	ctx := context.Background()
	d.Dispatch(ctx, Event{Kind: KindCommand, UserID: 1, Command: "fail"})
	d.Dispatch(ctx, Event{Kind: KindCommand, UserID: 1, Command: "panic"})
	d.Dispatch(ctx, Event{Kind: KindCommand, UserID: 1, Command: "ok"})

	if len(reported) != 2 {
		t.Fatalf("expected two reported failures, got %v", reported)
	}
	if !errors.Is(reported[0], errBoom) {
		t.Fatalf("expected first failure to be boom, got %v", reported[0])
	}
	if !strings.Contains(reported[1].Error(), "kaboom") {
		t.Fatalf("expected recovered panic, got %v", reported[1])
	}
	if !ok {
		t.Fatalf("expected dispatcher to keep handling after failures")
	}
	if !d.Tracker().Get(1).Is(session.AwaitingBroadcast) {
		t.Fatalf("expected state changes made before an error to be kept")
	}
}

func TestRunProcessesQueuedEventsInOrder(t *testing.T) {
	d, _ := newTestDispatcher(t, WithQueueSize(4))

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	d.Handle("text", Regex(regexp.MustCompile(`.`)), func(_ context.Context, ev Event, _ *session.State) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Text)
		if len(seen) == 3 {
			close(done)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	for _, text := range []string{"a", "b", "c"} {
		if !d.Enqueue(ctx, Event{Kind: KindText, UserID: 1, Text: text}) {
			t.Fatalf("enqueue %s failed", text)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for events")
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch loop did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(seen, "") != "abc" {
		t.Fatalf("expected arrival order, got %v", seen)
	}
}

func TestEnqueueGivesUpWhenContextEnds(t *testing.T) {
	d, _ := newTestDispatcher(t, WithQueueSize(1))

	ctx, cancel := context.WithCancel(context.Background())
	if !d.Enqueue(ctx, Event{Kind: KindText}) {
		t.Fatalf("expected first enqueue to fit in the buffer")
	}
	cancel()

	if d.Enqueue(ctx, Event{Kind: KindText}) {
		t.Fatalf("expected enqueue to fail on a full queue with a canceled context")
	}
}
