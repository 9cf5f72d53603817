package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"tg_script_gateway_bot/internal/config"
)

func TestSetupUsesJSONFormatterInProduction(t *testing.T) {
	resetLogger()

	entry, err := Setup(config.Config{AppEnv: config.EnvProduction, LogLevel: "info"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	jsonFormatter, ok := entry.Logger.Formatter.(*logrus.JSONFormatter)
	if !ok {
		t.Fatalf("expected JSON formatter, got %T", entry.Logger.Formatter)
	}

	if jsonFormatter.FieldMap[logrus.FieldKeyTime] != "ts" {
		t.Fatalf("expected ts field for timestamps, got %q", jsonFormatter.FieldMap[logrus.FieldKeyTime])
	}
	if entry.Data["service"] != serviceName {
		t.Fatalf("expected service field, got %v", entry.Data["service"])
	}
	if entry.Data["env"] != config.EnvProduction {
		t.Fatalf("expected env field to be %q, got %v", config.EnvProduction, entry.Data["env"])
	}
}

func TestSetupUsesTextFormatterInDevelopment(t *testing.T) {
	resetLogger()

	entry, err := Setup(config.Config{AppEnv: config.EnvDevelopment, LogLevel: "debug"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := entry.Logger.Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("expected Text formatter, got %T", entry.Logger.Formatter)
	}
	if entry.Data["env"] != config.EnvDevelopment {
		t.Fatalf("expected env field to be %q, got %v", config.EnvDevelopment, entry.Data["env"])
	}
}

func TestSetupRejectsInvalidLogLevel(t *testing.T) {
	resetLogger()

	if _, err := Setup(config.Config{AppEnv: config.EnvDevelopment, LogLevel: "loud"}); err == nil {
		t.Fatalf("expected error for invalid log level")
	}

	if baseLogger != nil {
		t.Fatalf("base logger should remain unset after failure")
	}
}

func TestWithContextOmitsZeroFields(t *testing.T) {
	resetLogger()

	logger, hook := test.NewNullLogger()
	baseLogger = logrus.NewEntry(logger)

	WithContext(Context{Event: "  "}).Info("bare")

	last := hook.LastEntry()
	for _, key := range []string{"user_id", "chat_id", "submission_id", "event"} {
		if _, ok := last.Data[key]; ok {
			t.Fatalf("expected %s to be omitted, got %v", key, last.Data)
		}
	}
}

func TestLoggingHelpersUseBaseLogger(t *testing.T) {
	resetLogger()

	logger, hook := test.NewNullLogger()
	logger.SetFormatter(formatterForEnv(config.EnvDevelopment))
	baseLogger = logger.WithFields(logrus.Fields{
		"service": serviceName,
		"env":     config.EnvDevelopment,
	})

	Info("hello world", Fields{"event": "startup"})
	Error("boom", nil)

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != logrus.InfoLevel || entries[0].Data["event"] != "startup" {
		t.Fatalf("expected info level with startup event, got level=%s data=%v", entries[0].Level, entries[0].Data)
	}
	if entries[1].Level != logrus.ErrorLevel || entries[1].Data["service"] != serviceName {
		t.Fatalf("expected error level with base fields, got level=%s data=%v", entries[1].Level, entries[1].Data)
	}

	WithContext(Context{UserID: 42, ChatID: -1001, SubmissionID: "sub-abc", Event: "ping"}).Info("ctx log")

	last := hook.LastEntry()
	if last.Data["user_id"] != int64(42) || last.Data["chat_id"] != int64(-1001) || last.Data["event"] != "ping" {
		t.Fatalf("expected context fields, got %v", last.Data)
	}
	if last.Data["submission_id"] != "sub-abc" || last.Data["env"] != config.EnvDevelopment {
		t.Fatalf("expected submission and base fields, got %v", last.Data)
	}
}

func TestContextOnEnrichesGivenEntry(t *testing.T) {
	resetLogger()

	logger, hook := test.NewNullLogger()
	component := logrus.NewEntry(logger).WithField("component", "queue")

	Context{OwnerID: 111, SubmissionID: "sub-abc"}.On(component).WithField("event", "submission_decided").Info("decided")

	last := hook.LastEntry()
	if last.Data["component"] != "queue" || last.Data["owner_id"] != int64(111) || last.Data["submission_id"] != "sub-abc" {
		t.Fatalf("expected component and submission fields, got %v", last.Data)
	}
	if _, ok := last.Data["user_id"]; ok {
		t.Fatalf("expected zero user_id to be omitted, got %v", last.Data)
	}
	if baseLogger != nil {
		t.Fatalf("enriching an explicit entry must not build the base logger")
	}
}

func TestLoggerBeforeSetupDefaultsToProduction(t *testing.T) {
	resetLogger()

	entry := Logger()
	if _, ok := entry.Logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected JSON formatter before setup, got %T", entry.Logger.Formatter)
	}
	if entry.Logger.Level != logrus.InfoLevel || entry.Data["env"] != config.DefaultAppEnv {
		t.Fatalf("expected info level default env, got level=%s data=%v", entry.Logger.Level, entry.Data)
	}
	if Logger() != entry {
		t.Fatalf("expected cached base logger")
	}
}
