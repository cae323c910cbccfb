package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendPostgres = "postgres"
	BackendFirebase = "firebase"
	BackendMemory   = "memory"
)

type Config struct {
	// Ingestion listener
	ServerAddress     string        `yaml:"server_address"`
	ServerPort        int           `yaml:"server_port"`
	MaxMessageBytes   int           `yaml:"max_message_bytes"`
	IngestReadTimeout time.Duration `yaml:"ingest_read_timeout"`
	IngestIdleTimeout time.Duration `yaml:"ingest_idle_timeout"`
	IngestMaxWorkers  int           `yaml:"ingest_max_workers"`

	// Storage
	DatabaseURL     string `yaml:"database_url"`
	StoreBackend    string `yaml:"store_backend"`
	SettingsBackend string `yaml:"settings_backend"`
	MirrorLogPath   string `yaml:"mirror_log_path"`

	// Retention
	BackupDir         string        `yaml:"backup_dir"`
	RetentionDays     int           `yaml:"retention_days"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	ExpiryInterval    time.Duration `yaml:"expiry_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcileGrace    time.Duration `yaml:"reconcile_grace"`

	// Alerting
	AlertPollInterval   time.Duration `yaml:"alert_poll_interval"`
	AlertDebounceWindow time.Duration `yaml:"alert_debounce_window"`

	// Home automation hub
	HomeAssistantURL         string        `yaml:"home_assistant_url"`
	HomeAssistantToken       string        `yaml:"home_assistant_token"`
	HomeAssistantTimeout     time.Duration `yaml:"home_assistant_timeout"`
	AutomationDefaultEnabled bool          `yaml:"automation_default_enabled"`

	// Mail
	SMTPHost            string        `yaml:"smtp_host"`
	SMTPPort            int           `yaml:"smtp_port"`
	SMTPTimeout         time.Duration `yaml:"smtp_timeout"`
	SMTPRequireTLS      bool          `yaml:"smtp_require_tls"`
	MailUsername        string        `yaml:"mail_username"`
	MailPassword        string        `yaml:"mail_password"`
	MailFrom            string        `yaml:"mail_from"`
	MailRecipients      []string      `yaml:"mail_recipients"`
	MailRecipientsQuery string        `yaml:"mail_recipients_query"`
	LogoURL             string        `yaml:"logo_url"`

	// Telegram
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`

	// Firebase settings backend
	FirebaseDbUrl              string `yaml:"firebase_db_url"`
	FirebaseServiceAccountJSON string `yaml:"firebase_service_account_json"`

	// Event export
	RabbitMQURL        string        `yaml:"rabbitmq_url"`
	RabbitMQExchange   string        `yaml:"rabbitmq_exchange"`
	RabbitMQRoutingKey string        `yaml:"rabbitmq_routing_key"`
	InfluxURL          string        `yaml:"influx_url"`
	InfluxToken        string        `yaml:"influx_token"`
	InfluxOrg          string        `yaml:"influx_org"`
	InfluxBucket       string        `yaml:"influx_bucket"`
	EventBatchSize     int           `yaml:"event_batch_size"`
	EventBatchTimeout  time.Duration `yaml:"event_batch_timeout"`

	// MQTT ingestion
	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTTopic    string `yaml:"mqtt_topic"`
	MQTTUser     string `yaml:"mqtt_user"`
	MQTTPass     string `yaml:"mqtt_pass"`
	MQTTClientID string `yaml:"mqtt_client_id"`

	// HTTP API
	HTTPAddr string `yaml:"http_addr"`
}

// Defaults returns the configuration used when neither the YAML file nor the
// environment override a value.
func Defaults() *Config {
	return &Config{
		ServerAddress:     "0.0.0.0",
		ServerPort:        10000,
		MaxMessageBytes:   1024,
		IngestReadTimeout: 5 * time.Second,
		IngestIdleTimeout: 250 * time.Millisecond,
		IngestMaxWorkers:  64,

		StoreBackend:    BackendPostgres,
		SettingsBackend: BackendPostgres,
		MirrorLogPath:   "data/data.csv",

		BackupDir:        "backups",
		RetentionDays:    5,
		SnapshotInterval: 24 * time.Hour,
		ExpiryInterval:   24 * time.Hour,
		ReconcileGrace:   time.Minute,

		AlertPollInterval:   60 * time.Second,
		AlertDebounceWindow: 1800 * time.Second,

		HomeAssistantTimeout: 5 * time.Second,

		SMTPHost:       "smtp.gmail.com",
		SMTPPort:       587,
		SMTPTimeout:    15 * time.Second,
		SMTPRequireTLS: true,

		RabbitMQExchange:   "measurements",
		RabbitMQRoutingKey: "measurement.ingested",
		EventBatchSize:     50,
		EventBatchTimeout:  5 * time.Second,

		MQTTTopic:    "dht/measurements",
		MQTTClientID: "dhtlogger",

		HTTPAddr: ":8080",
	}
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(c *Config) {
	c.ServerAddress = getEnv("SERVER_ADDRESS", c.ServerAddress)
	c.ServerPort = getEnvInt("SERVER_PORT", c.ServerPort)
	c.MaxMessageBytes = getEnvInt("INGEST_MAX_MESSAGE_BYTES", c.MaxMessageBytes)
	c.IngestReadTimeout = getEnvSeconds("INGEST_READ_TIMEOUT_SECONDS", c.IngestReadTimeout)
	c.IngestIdleTimeout = getEnvMillis("INGEST_IDLE_TIMEOUT_MS", c.IngestIdleTimeout)
	c.IngestMaxWorkers = getEnvInt("INGEST_MAX_WORKERS", c.IngestMaxWorkers)

	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", c.StoreBackend))
	c.SettingsBackend = strings.ToLower(getEnv("SETTINGS_BACKEND", c.SettingsBackend))
	c.MirrorLogPath = getEnv("MIRROR_LOG_PATH", c.MirrorLogPath)

	c.BackupDir = getEnv("BACKUP_DIR", c.BackupDir)
	c.RetentionDays = getEnvInt("BACKUP_RETENTION_DAYS", c.RetentionDays)
	c.SnapshotInterval = getEnvSeconds("BACKUP_INTERVAL_SECONDS", c.SnapshotInterval)
	c.ExpiryInterval = getEnvSeconds("CLEANUP_INTERVAL_SECONDS", c.ExpiryInterval)
	c.ReconcileInterval = getEnvSeconds("RECONCILE_INTERVAL_SECONDS", c.ReconcileInterval)
	c.ReconcileGrace = getEnvSeconds("RECONCILE_GRACE_SECONDS", c.ReconcileGrace)

	c.AlertPollInterval = getEnvSeconds("ALERT_POLL_INTERVAL_SECONDS", c.AlertPollInterval)
	c.AlertDebounceWindow = getEnvSeconds("ALERT_DELAY_SECONDS", c.AlertDebounceWindow)

	c.HomeAssistantURL = strings.TrimRight(getEnv("HOME_ASSISTANT_URL", c.HomeAssistantURL), "/")
	c.HomeAssistantToken = getEnv("HOME_ASSISTANT_TOKEN", c.HomeAssistantToken)
	c.HomeAssistantTimeout = getEnvSeconds("HOME_ASSISTANT_TIMEOUT_SECONDS", c.HomeAssistantTimeout)
	c.AutomationDefaultEnabled = getEnvBool("AUTOMATION_DEFAULT_ENABLED", c.AutomationDefaultEnabled)

	c.SMTPHost = getEnv("SMTP_HOST", c.SMTPHost)
	c.SMTPPort = getEnvInt("SMTP_PORT", c.SMTPPort)
	c.MailUsername = getEnv("MAIL_USERNAME", c.MailUsername)
	c.MailPassword = getEnv("MAIL_PASSWORD", c.MailPassword)
	c.MailFrom = getEnv("MAIL_FROM", c.MailFrom)
	if c.MailFrom == "" {
		c.MailFrom = c.MailUsername
	}
	c.MailRecipients = getEnvList("MAIL_RECIPIENTS", c.MailRecipients)
	c.MailRecipientsQuery = getEnv("MAIL_RECIPIENTS_QUERY", c.MailRecipientsQuery)
	c.LogoURL = getEnv("LOGO_URL", c.LogoURL)
	c.SMTPTimeout = getEnvSeconds("SMTP_TIMEOUT_SECONDS", c.SMTPTimeout)
	c.SMTPRequireTLS = getEnvBool("SMTP_REQUIRE_TLS", c.SMTPRequireTLS)

	c.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", c.TelegramBotToken)
	c.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.TelegramChatID)

	c.FirebaseDbUrl = getEnv("FIREBASE_DB_URL", c.FirebaseDbUrl)
	c.FirebaseServiceAccountJSON = getEnv("FIREBASE_SERVICE_ACCOUNT_JSON", c.FirebaseServiceAccountJSON)

	c.RabbitMQURL = getEnv("RABBITMQ_URL", c.RabbitMQURL)
	c.RabbitMQExchange = getEnv("RABBITMQ_EXCHANGE", c.RabbitMQExchange)
	c.RabbitMQRoutingKey = getEnv("RABBITMQ_ROUTING_KEY", c.RabbitMQRoutingKey)
	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)
	c.EventBatchSize = getEnvInt("EVENT_BATCH_SIZE", c.EventBatchSize)
	c.EventBatchTimeout = getEnvSeconds("EVENT_BATCH_TIMEOUT_SECONDS", c.EventBatchTimeout)

	c.MQTTBroker = getEnv("MQTT_BROKER", c.MQTTBroker)
	c.MQTTTopic = getEnv("MQTT_TOPIC", c.MQTTTopic)
	c.MQTTUser = getEnv("MQTT_USER", c.MQTTUser)
	c.MQTTPass = getEnv("MQTT_PASS", c.MQTTPass)
	c.MQTTClientID = getEnv("MQTT_CLIENT_ID", c.MQTTClientID)

	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid SERVER_PORT %d", c.ServerPort))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("INGEST_MAX_MESSAGE_BYTES must be positive"))
	}
	if c.IngestMaxWorkers <= 0 {
		errs = append(errs, errors.New("INGEST_MAX_WORKERS must be positive"))
	}
	if c.IngestReadTimeout <= 0 || c.IngestIdleTimeout <= 0 {
		errs = append(errs, errors.New("ingest timeouts must be positive"))
	}
	switch c.StoreBackend {
	case BackendPostgres, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.SettingsBackend {
	case BackendPostgres, BackendMemory:
	case BackendFirebase:
		if c.FirebaseDbUrl == "" || c.FirebaseServiceAccountJSON == "" {
			errs = append(errs, errors.New("firebase settings backend requires FIREBASE_DB_URL and FIREBASE_SERVICE_ACCOUNT_JSON"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SETTINGS_BACKEND %q", c.SettingsBackend))
	}
	if c.NeedsDatabase() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.MirrorLogPath == "" || c.BackupDir == "" {
		errs = append(errs, errors.New("MIRROR_LOG_PATH and BACKUP_DIR are required"))
	}
	if c.RetentionDays <= 0 {
		errs = append(errs, errors.New("BACKUP_RETENTION_DAYS must be positive"))
	}
	if c.SnapshotInterval <= 0 || c.ExpiryInterval <= 0 || c.AlertPollInterval <= 0 {
		errs = append(errs, errors.New("loop intervals must be positive"))
	}
	if c.AlertDebounceWindow < 0 || c.ReconcileInterval < 0 || c.ReconcileGrace < 0 {
		errs = append(errs, errors.New("ALERT_DELAY_SECONDS and RECONCILE_* durations must not be negative"))
	}
	if c.SMTPTimeout <= 0 {
		errs = append(errs, errors.New("SMTP_TIMEOUT_SECONDS must be positive"))
	}
	if c.EventBatchSize <= 0 || c.EventBatchTimeout <= 0 {
		errs = append(errs, errors.New("event batch size and timeout must be positive"))
	}
	return errors.Join(errs...)
}

// NeedsDatabase reports whether any configured backend uses Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.StoreBackend == BackendPostgres || c.SettingsBackend == BackendPostgres || c.MailRecipientsQuery != ""
}

// ListenAddr returns the host:port the ingestion listener binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerAddress, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvSeconds accepts whole or fractional seconds.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		f := getEnvFloat(key, -1)
		if f >= 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	n := getEnvInt(key, -1)
	if n < 0 {
		return defaultValue
	}
	return time.Duration(n) * time.Millisecond
}

func getEnvList(key string, defaultValue []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
