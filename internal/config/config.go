// Package config defines the configuration contract and handles loading and validating environment configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	// Canonical environment variable keys.
	KeyTelegramToken     = "TELEGRAM_TOKEN"
	KeyModerator         = "MODERATOR_ID"
	KeyMongoURI          = "MONGO_URI"
	KeyMongoDB           = "MONGO_DB"
	KeyRequiredChannel1  = "REQUIRED_CHANNEL_1"
	KeyRequiredChannel2  = "REQUIRED_CHANNEL_2"
	KeyAppEnv            = "APP_ENV"
	KeyLogLevel          = "LOG_LEVEL"
	KeyHTTPPort          = "HTTP_PORT"
	KeyUpdateMode        = "UPDATE_MODE"
	KeyWebhookURL        = "WEBHOOK_URL"
	KeyWebhookSecret     = "WEBHOOK_SECRET"
	KeyScriptsDir        = "SCRIPTS_DIR"
	KeyScriptInterpreter = "SCRIPT_INTERPRETER"

	// Allowed environment values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// Allowed update delivery modes.
	ModePolling = "polling"
	ModeWebhook = "webhook"

	// Defaults for optional settings.
	DefaultAppEnv            = EnvProduction
	DefaultLogLevel          = "info"
	DefaultHTTPPort          = 8080
	DefaultUpdateMode        = ModePolling
	DefaultScriptsDir        = "scripts"
	DefaultScriptInterpreter = "python3"

	// Recommended database names by environment.
	DefaultMongoDBProd = "telegram_bot"
	DefaultMongoDBDev  = "telegram_bot_dev"
)

// VarSpec describes a single configuration key.
type VarSpec struct {
	Key         string // environment variable name
	Example     string // human-friendly sample value
	Required    bool   // whether the bot must refuse to start without this value
	Default     string // default when unset (empty when required)
	Description string // what the variable controls
	Notes       string // extra guidance or policies
}

// Contract enumerates the authoritative configuration keys for the bot.
// .env loading is only permitted when APP_ENV=development; production must rely
// on environment variables supplied by the runtime.
var Contract = []VarSpec{
	{
		Key:         KeyTelegramToken,
		Example:     "123:ABC",
		Required:    true,
		Description: "Telegram Bot Token issued by BotFather.",
	},
	{
		Key:         KeyModerator,
		Example:     "123456789",
		Required:    true,
		Description: "Telegram user_id of the single moderator who approves submissions and runs admin workflows.",
	},
	{
		Key:         KeyMongoURI,
		Example:     "mongodb://localhost:27017",
		Required:    true,
		Description: "MongoDB connection string.",
	},
	{
		Key:         KeyMongoDB,
		Example:     DefaultMongoDBProd + " / " + DefaultMongoDBDev,
		Required:    true,
		Description: "MongoDB database name.",
		Notes:       "Recommended: production=" + DefaultMongoDBProd + ", development=" + DefaultMongoDBDev + ".",
	},
	{
		Key:         KeyRequiredChannel1,
		Example:     "@first_channel",
		Required:    true,
		Description: "First channel users must join before they can use the bot.",
	},
	{
		Key:         KeyRequiredChannel2,
		Example:     "@second_channel",
		Required:    true,
		Description: "Second channel users must join before they can use the bot.",
	},
	{
		Key:         KeyAppEnv,
		Example:     EnvDevelopment + " / " + EnvProduction,
		Default:     DefaultAppEnv,
		Description: "Runtime environment; controls log format and dotenv usage.",
		Notes:       "Load .env files only when APP_ENV=" + EnvDevelopment + ".",
	},
	{
		Key:         KeyLogLevel,
		Example:     DefaultLogLevel,
		Default:     DefaultLogLevel,
		Description: "Overrides default log level.",
	},
	{
		Key:         KeyHTTPPort,
		Example:     strconv.Itoa(DefaultHTTPPort),
		Default:     strconv.Itoa(DefaultHTTPPort),
		Description: "HTTP port for health, webhook and webhook registration endpoints.",
	},
	{
		Key:         KeyUpdateMode,
		Example:     ModePolling + " / " + ModeWebhook,
		Default:     DefaultUpdateMode,
		Description: "How Telegram updates are received.",
	},
	{
		Key:         KeyWebhookURL,
		Example:     "https://bot.example.com",
		Description: "Public base URL used when registering the webhook.",
		Notes:       "When empty, /setwebhook derives the base URL from the incoming request.",
	},
	{
		Key:         KeyWebhookSecret,
		Example:     "s3cr3t",
		Description: "Secret token Telegram echoes on webhook requests.",
	},
	{
		Key:         KeyScriptsDir,
		Example:     DefaultScriptsDir,
		Default:     DefaultScriptsDir,
		Description: "Directory approved scripts are written to.",
	},
	{
		Key:         KeyScriptInterpreter,
		Example:     DefaultScriptInterpreter,
		Default:     DefaultScriptInterpreter,
		Description: "Interpreter used to launch approved scripts.",
	},
}

// Config mirrors resolved configuration values after loading.
type Config struct {
	TelegramToken     string
	ModeratorID       int64
	MongoURI          string
	MongoDB           string
	RequiredChannels  []string
	AppEnv            string
	LogLevel          string
	HTTPPort          int
	UpdateMode        string
	WebhookURL        string
	WebhookSecret     string
	ScriptsDir        string
	ScriptInterpreter string
}

// Load resolves configuration from the environment (with optional dotenv in development).
func Load() (Config, error) {
	appEnv, err := resolveAppEnv()
	if err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(appEnv); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:            firstNonEmpty(normalizeEnv(os.Getenv(KeyAppEnv)), appEnv),
		TelegramToken:     strings.TrimSpace(os.Getenv(KeyTelegramToken)),
		MongoURI:          strings.TrimSpace(os.Getenv(KeyMongoURI)),
		MongoDB:           strings.TrimSpace(os.Getenv(KeyMongoDB)),
		LogLevel:          firstNonEmpty(strings.TrimSpace(os.Getenv(KeyLogLevel)), DefaultLogLevel),
		HTTPPort:          DefaultHTTPPort,
		UpdateMode:        firstNonEmpty(normalizeEnv(os.Getenv(KeyUpdateMode)), DefaultUpdateMode),
		WebhookURL:        strings.TrimRight(strings.TrimSpace(os.Getenv(KeyWebhookURL)), "/"),
		WebhookSecret:     strings.TrimSpace(os.Getenv(KeyWebhookSecret)),
		ScriptsDir:        firstNonEmpty(os.Getenv(KeyScriptsDir), DefaultScriptsDir),
		ScriptInterpreter: firstNonEmpty(os.Getenv(KeyScriptInterpreter), DefaultScriptInterpreter),
	}

	if err := validateAppEnv(cfg.AppEnv); err != nil {
		return Config{}, err
	}

	missing := make([]string, 0)

	if cfg.TelegramToken == "" {
		missing = append(missing, KeyTelegramToken)
	}

	moderatorRaw := strings.TrimSpace(os.Getenv(KeyModerator))
	if moderatorRaw == "" {
		missing = append(missing, KeyModerator)
	} else {
		moderatorID, parseErr := strconv.ParseInt(moderatorRaw, 10, 64)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyModerator, parseErr)
		}
		cfg.ModeratorID = moderatorID
	}

	if cfg.MongoURI == "" {
		missing = append(missing, KeyMongoURI)
	}

	if cfg.MongoDB == "" {
		missing = append(missing, KeyMongoDB)
	}

	for _, key := range []string{KeyRequiredChannel1, KeyRequiredChannel2} {
		channel := strings.TrimSpace(os.Getenv(key))
		if channel == "" {
			missing = append(missing, key)
			continue
		}
		cfg.RequiredChannels = append(cfg.RequiredChannels, channel)
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	if err := validateMongoURI(cfg.MongoURI); err != nil {
		return Config{}, err
	}

	if cfg.UpdateMode != ModePolling && cfg.UpdateMode != ModeWebhook {
		return Config{}, fmt.Errorf("invalid %s: must be %q or %q", KeyUpdateMode, ModePolling, ModeWebhook)
	}

	if cfg.WebhookURL != "" {
		parsed, parseErr := url.Parse(cfg.WebhookURL)
		if parseErr != nil || parsed.Scheme != "https" || parsed.Host == "" {
			return Config{}, fmt.Errorf("invalid %s: must be an absolute https URL", KeyWebhookURL)
		}
	}

	httpPortRaw := strings.TrimSpace(os.Getenv(KeyHTTPPort))
	if httpPortRaw != "" {
		port, parseErr := strconv.Atoi(httpPortRaw)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyHTTPPort, parseErr)
		}
		if port <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than 0", KeyHTTPPort)
		}
		cfg.HTTPPort = port
	}

	return cfg, nil
}

// IsDevelopment reports if APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

// UsesWebhook reports whether updates arrive through the webhook endpoint.
func (c Config) UsesWebhook() bool {
	return c.UpdateMode == ModeWebhook
}

// FormatRedacted renders the configuration for diagnostics with secrets masked.
func FormatRedacted(cfg Config) string {
	lines := []string{
		"telegram_token: " + redactSecret(cfg.TelegramToken),
		"moderator_id: " + strconv.FormatInt(cfg.ModeratorID, 10),
		"mongo_uri: " + redactMongoURI(cfg.MongoURI),
		"mongo_db: " + cfg.MongoDB,
		"required_channels: " + strings.Join(cfg.RequiredChannels, ", "),
		"app_env: " + cfg.AppEnv,
		"log_level: " + cfg.LogLevel,
		"http_port: " + strconv.Itoa(cfg.HTTPPort),
		"update_mode: " + cfg.UpdateMode,
		"webhook_url: " + cfg.WebhookURL,
		"webhook_secret: " + redactSecret(cfg.WebhookSecret),
		"scripts_dir: " + cfg.ScriptsDir,
		"script_interpreter: " + cfg.ScriptInterpreter,
	}

	return strings.Join(lines, "\n")
}

func redactSecret(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "redacted"
	}
	return value[:4] + "...redacted"
}

func redactMongoURI(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "redacted"
	}
	parsed.User = nil
	return parsed.String()
}

func validateMongoURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", KeyMongoURI, err)
	}
	if parsed.Scheme != "mongodb" && parsed.Scheme != "mongodb+srv" {
		return fmt.Errorf("invalid %s: scheme must be mongodb or mongodb+srv", KeyMongoURI)
	}
	if parsed.Host == "" {
		return fmt.Errorf("invalid %s: host is required", KeyMongoURI)
	}
	return nil
}

func resolveAppEnv() (string, error) {
	if explicit := normalizeEnv(os.Getenv(KeyAppEnv)); explicit != "" {
		return explicit, nil
	}

	dotEnvValues, err := godotenv.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultAppEnv, nil
		}
		return "", fmt.Errorf("read .env: %w", err)
	}

	if envFromFile := normalizeEnv(dotEnvValues[KeyAppEnv]); envFromFile != "" {
		return envFromFile, nil
	}

	return DefaultAppEnv, nil
}

func loadDotEnv(appEnv string) error {
	if appEnv != EnvDevelopment {
		return nil
	}

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func validateAppEnv(appEnv string) error {
	if appEnv == EnvDevelopment || appEnv == EnvProduction {
		return nil
	}

	return fmt.Errorf("invalid %s: must be %q or %q", KeyAppEnv, EnvDevelopment, EnvProduction)
}

func normalizeEnv(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
