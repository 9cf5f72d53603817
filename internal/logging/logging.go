// Package logging provides structured logging setup for the bot.
package logging

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tg_script_gateway_bot/internal/config"
)

const serviceName = "script-gateway-bot"

var baseLogger *logrus.Entry

// Fields is a shorthand alias for structured log fields.
type Fields = logrus.Fields

// Context names the chat and submission an entry is about. Zero values are
// left out of the entry.
type Context struct {
	UserID       int64
	ChatID       int64
	OwnerID      int64
	SubmissionID string
	Event        string
}

// Fields returns the non-zero members of c keyed by their log field names.
func (c Context) Fields() Fields {
	fields := Fields{}
	if c.UserID != 0 {
		fields["user_id"] = c.UserID
	}
	if c.ChatID != 0 {
		fields["chat_id"] = c.ChatID
	}
	if c.OwnerID != 0 {
		fields["owner_id"] = c.OwnerID
	}
	if c.SubmissionID != "" {
		fields["submission_id"] = c.SubmissionID
	}
	if event := strings.TrimSpace(c.Event); event != "" {
		fields["event"] = event
	}
	return fields
}

// On attaches c to entry, falling back to the base logger when entry is nil.
func (c Context) On(entry *logrus.Entry) *logrus.Entry {
	if entry == nil {
		entry = ensureLogger()
	}
	fields := c.Fields()
	if len(fields) == 0 {
		return entry
	}
	return entry.WithFields(fields)
}

// Setup builds the process logger from cfg: level, env-specific formatter and
// the service/env base fields.
func Setup(cfg config.Config) (*logrus.Entry, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	baseLogger = newEntry(level, cfg.AppEnv)
	return baseLogger, nil
}

// Logger returns the base logger. Before Setup it is an info-level production
// logger so boot failures are still recorded.
func Logger() *logrus.Entry {
	return ensureLogger()
}

// WithContext is Context.On applied to the base logger.
func WithContext(ctx Context) *logrus.Entry {
	return ctx.On(nil)
}

// Info logs on the base logger.
func Info(msg string, fields Fields) {
	ensureLogger().WithFields(fields).Info(msg)
}

// Error logs on the base logger.
func Error(msg string, fields Fields) {
	ensureLogger().WithFields(fields).Error(msg)
}

func ensureLogger() *logrus.Entry {
	if baseLogger == nil {
		baseLogger = newEntry(logrus.InfoLevel, config.DefaultAppEnv)
	}
	return baseLogger
}

func newEntry(level logrus.Level, appEnv string) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(formatterForEnv(appEnv))

	return logger.WithFields(logrus.Fields{
		"service": serviceName,
		"env":     appEnv,
	})
}

var fieldMap = logrus.FieldMap{
	logrus.FieldKeyTime:  "ts",
	logrus.FieldKeyMsg:   "msg",
	logrus.FieldKeyLevel: "level",
}

// formatterForEnv keeps JSON for anything shipped and readable text locally.
func formatterForEnv(appEnv string) logrus.Formatter {
	if appEnv == config.EnvDevelopment {
		return &logrus.TextFormatter{
			FullTimestamp:          true,
			TimestampFormat:        time.RFC3339Nano,
			FieldMap:               fieldMap,
			DisableLevelTruncation: true,
		}
	}

	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap:        fieldMap,
	}
}

func parseLevel(value string) (logrus.Level, error) {
	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(value)))
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level %q: %w", value, err)
	}

	return level, nil
}

// resetLogger clears the cached logger; used in tests.
func resetLogger() {
	baseLogger = nil
}
