package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL string `yaml:"database_url" validate:"required"`
	ArchiveRoot string `yaml:"archive_root"`

	ParseWorkers   int `yaml:"parse_workers" validate:"min=1,max=256"`
	LoaderWorkers  int `yaml:"loader_workers" validate:"min=1,max=32"`
	QueueSize      int `yaml:"queue_size" validate:"min=1"`
	BatchSize      int `yaml:"batch_size" validate:"min=1"`
	TripBikesPerTx int `yaml:"trip_bikes_per_tx" validate:"min=1"`

	ErrorLogPath string `yaml:"error_log_path"`
	ErrorSinkDB  bool   `yaml:"error_sink_db"`

	NATSURL           string `yaml:"nats_url" validate:"omitempty,url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix" validate:"required"`
	MetricsAddr       string `yaml:"metrics_addr"`

	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=text json"`

	// ArchiveTZ is the zone of the wall-clock timestamps in archive file
	// names. It is independent of the process TZ.
	ArchiveTZ string         `yaml:"archive_tz"`
	Location  *time.Location `yaml:"-"`
}

func defaults() *Config {
	return &Config{
		ParseWorkers:      4,
		LoaderWorkers:     1,
		QueueSize:         16,
		BatchSize:         5000,
		TripBikesPerTx:    500,
		ErrorLogPath:      "data_import_errors.jsonl",
		NATSSubjectPrefix: "bikeshare",
		LogLevel:          "info",
		LogFormat:         "text",
		ArchiveTZ:         "Europe/Paris",
	}
}

// Load reads .env (if present), then the YAML file named by CONFIG_FILE (if
// set), then the environment. Environment variables win.
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// Database URL: prefer DATABASE_URL / PG_DSN, then the file, else build from PG* vars
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		cfg.DatabaseURL = dsn
	}
	if cfg.DatabaseURL == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	}

	cfg.ArchiveRoot = getenvDefault("ARCHIVE_ROOT", cfg.ArchiveRoot)
	for key, dst := range map[string]*int{
		"PARSE_WORKERS":     &cfg.ParseWorkers,
		"LOADER_WORKERS":    &cfg.LoaderWorkers,
		"QUEUE_SIZE":        &cfg.QueueSize,
		"BATCH_SIZE":        &cfg.BatchSize,
		"TRIP_BIKES_PER_TX": &cfg.TripBikesPerTx,
	} {
		if err := envInt(key, dst); err != nil {
			return nil, err
		}
	}

	cfg.ErrorLogPath = getenvDefault("ERROR_LOG_PATH", cfg.ErrorLogPath)
	if v := os.Getenv("ERROR_SINK_DB"); v != "" {
		cfg.ErrorSinkDB = parseBool(v)
	}

	// Empty NATS_URL disables event publishing.
	cfg.NATSURL = getenvDefault("NATS_URL", cfg.NATSURL)
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = getenvDefault("METRICS_ADDR", cfg.MetricsAddr)

	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(getenvDefault("LOG_FORMAT", cfg.LogFormat))

	// Archive time zone
	cfg.ArchiveTZ = getenvDefault("ARCHIVE_TZ", cfg.ArchiveTZ)
	loc, err := time.LoadLocation(cfg.ArchiveTZ)
	if err != nil {
		return nil, fmt.Errorf("invalid ARCHIVE_TZ: %v", err)
	}
	cfg.Location = loc

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = n
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
