package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gregtusar/spreadwatch/pkg/engine"
	"github.com/gregtusar/spreadwatch/pkg/feed"
	"github.com/gregtusar/spreadwatch/pkg/instruments"
	"github.com/gregtusar/spreadwatch/pkg/models"
	"github.com/gregtusar/spreadwatch/pkg/secrets"
	"github.com/gregtusar/spreadwatch/pkg/store"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Feeds       FeedsConfig       `mapstructure:"feeds"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Instruments InstrumentsConfig `mapstructure:"instruments"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	GCP         GCPConfig         `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APITokenSecret signs the bearer tokens accepted by the export endpoint.
	// Export is open when it is empty.
	APITokenSecret string `mapstructure:"api_token_secret"`
	AllowedOrigin  string `mapstructure:"allowed_origin"`
}

type FeedsConfig struct {
	Hyperliquid FeedConfig `mapstructure:"hyperliquid"`
	Lighter     FeedConfig `mapstructure:"lighter"`
}

type FeedConfig struct {
	URL              string        `mapstructure:"url"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects    int           `mapstructure:"max_reconnects"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
}

func (f FeedConfig) ClientConfig() feed.Config {
	return feed.Config{
		URL:              f.URL,
		BaseDelay:        f.ReconnectDelay,
		MaxAttempts:      f.MaxReconnects,
		HandshakeTimeout: f.HandshakeTimeout,
		PingInterval:     f.PingInterval,
	}
}

type EngineConfig struct {
	QueueSize       int           `mapstructure:"queue_size"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	BucketWidth     time.Duration `mapstructure:"bucket_width"`
	HistoryCapacity int           `mapstructure:"history_capacity"`
	MinSamples      int           `mapstructure:"min_samples"`
	TopN            int           `mapstructure:"top_n"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	Retention       time.Duration `mapstructure:"retention"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
	Selected        []string      `mapstructure:"selected"`
	Tracked         []string      `mapstructure:"tracked"`
}

func (e EngineConfig) EngineConfig() engine.Config {
	return engine.Config{
		QueueSize:       e.QueueSize,
		FlushInterval:   e.FlushInterval,
		BucketWidth:     e.BucketWidth,
		HistoryCapacity: e.HistoryCapacity,
		MinSamples:      e.MinSamples,
		TopN:            e.TopN,
		MaxAge:          e.MaxAge,
		Retention:       e.Retention,
		Selected:        Keys(e.Selected),
	}
}

// Keys accepts either coin codes or instrument keys.
func Keys(symbols []string) []models.InstrumentKey {
	if len(symbols) == 0 {
		return nil
	}
	out := make([]models.InstrumentKey, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if strings.HasSuffix(s, "-USD") {
			out = append(out, models.InstrumentKey(s))
			continue
		}
		out = append(out, instruments.KeyFor(s))
	}
	return out
}

type InstrumentsConfig struct {
	// Symbols limits the catalogue to these coins. Empty keeps all of it.
	Symbols []string                 `mapstructure:"symbols"`
	Exclude []string                 `mapstructure:"exclude"`
	Extra   []instruments.Instrument `mapstructure:"extra"`
}

// Table builds the mapping table from the catalogue and the configured extras.
func (c InstrumentsConfig) Table() (*instruments.Table, error) {
	initial := instruments.DefaultInstruments()
	if len(c.Symbols) > 0 {
		keep := make(map[models.InstrumentKey]bool, len(c.Symbols))
		for _, k := range Keys(c.Symbols) {
			keep[k] = true
		}
		filtered := initial[:0]
		for _, inst := range initial {
			if keep[inst.Key] {
				filtered = append(filtered, inst)
			}
		}
		initial = filtered
	}
	for _, inst := range c.Extra {
		if inst.Key == "" {
			inst.Key = instruments.KeyFor(inst.VenueACode)
		}
		initial = append(initial, inst)
	}
	return instruments.NewTable(initial, c.Exclude)
}

type StorageConfig struct {
	Driver        string         `mapstructure:"driver"`
	QueueSize     int            `mapstructure:"queue_size"`
	RetentionDays int            `mapstructure:"retention_days"`
	Redis         RedisConfig    `mapstructure:"redis"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
}

func (s StorageConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/spreadwatch")
	}

	// SPREADWATCH_ENGINE_BUCKET_WIDTH=1m overrides engine.bucket_width
	v.SetEnvPrefix("SPREADWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_token_secret", "")
	v.SetDefault("server.allowed_origin", "*")

	v.SetDefault("feeds.hyperliquid.url", feed.HyperliquidURL)
	v.SetDefault("feeds.lighter.url", feed.LighterURL)
	for _, venue := range []string{"hyperliquid", "lighter"} {
		v.SetDefault("feeds."+venue+".reconnect_delay", feed.DefaultBaseDelay)
		v.SetDefault("feeds."+venue+".max_reconnects", feed.DefaultMaxAttempts)
		v.SetDefault("feeds."+venue+".handshake_timeout", 10*time.Second)
		v.SetDefault("feeds."+venue+".ping_interval", 30*time.Second)
	}

	v.SetDefault("engine.queue_size", engine.DefaultQueueSize)
	v.SetDefault("engine.flush_interval", engine.DefaultFlushInterval)
	v.SetDefault("engine.bucket_width", 5*time.Minute)
	v.SetDefault("engine.history_capacity", 30)
	v.SetDefault("engine.min_samples", 5)
	v.SetDefault("engine.top_n", 10)
	v.SetDefault("engine.max_age", time.Duration(0))
	v.SetDefault("engine.retention", engine.DefaultRetention)
	v.SetDefault("engine.sweep_schedule", engine.DefaultSweepSchedule)
	v.SetDefault("engine.selected", []string{})
	v.SetDefault("engine.tracked", []string{})

	v.SetDefault("instruments.symbols", []string{})
	v.SetDefault("instruments.exclude", []string{"MKR"})

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.queue_size", store.DefaultRecorderQueue)
	v.SetDefault("storage.retention_days", 7)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", store.DefaultRedisPrefix)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.table", store.DefaultTable)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.redis_password", secretNames.RedisPassword)
	v.SetDefault("gcp.secret_names.postgres_dsn", secretNames.PostgresDSN)
	v.SetDefault("gcp.secret_names.api_token_secret", secretNames.APITokenSecret)
}

func overrideFromEnv(config *Config) {
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		config.Storage.Redis.Password = password
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		config.Storage.Postgres.DSN = dsn
	}
	if secret := os.Getenv("API_TOKEN_SECRET"); secret != "" {
		config.Server.APITokenSecret = secret
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" && config.GCP.CredentialsFile == "" {
		config.GCP.CredentialsFile = creds
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	names := config.GCP.SecretNames
	if config.Storage.Redis.Password == "" {
		config.Storage.Redis.Password = secretManager.GetSecretWithDefault(ctx, names.RedisPassword, "")
	}
	if config.Storage.Postgres.DSN == "" {
		config.Storage.Postgres.DSN = secretManager.GetSecretWithDefault(ctx, names.PostgresDSN, "")
	}
	if config.Server.APITokenSecret == "" {
		config.Server.APITokenSecret = secretManager.GetSecretWithDefault(ctx, names.APITokenSecret, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "redis":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Engine.BucketWidth <= 0 {
		return fmt.Errorf("engine.bucket_width must be positive")
	}
	if c.Engine.MaxAge < 0 {
		return fmt.Errorf("engine.max_age must not be negative")
	}
	if c.Feeds.Hyperliquid.URL == "" || c.Feeds.Lighter.URL == "" {
		return fmt.Errorf("both feed urls are required")
	}
	return nil
}

// NewLogger builds the process logger from the logging section.
func (l LoggingConfig) NewLogger() (*logrus.Logger, error) {
	logger := logrus.New()
	if l.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if l.File != "" {
		f, err := os.OpenFile(l.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(f)
	}
	return logger, nil
}
