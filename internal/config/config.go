package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Observation source kinds.
const (
	SourcePostgres = "postgres"
	SourceSQL      = "sql"
	SourceFixture  = "fixture"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema          string        `mapstructure:"DB_SCHEMA"`
	MigrationsDir     string        `mapstructure:"MIGRATIONS_DIR"`
	ObservationSource string        `mapstructure:"OBSERVATION_SOURCE"`
	SQLDriver         string        `mapstructure:"SQL_DRIVER"`
	SQLDSN            string        `mapstructure:"SQL_DSN"`
	FixtureFile       string        `mapstructure:"FIXTURE_FILE"`
	CatalogFile       string        `mapstructure:"CATALOG_FILE"`
	EvalWorkers       int           `mapstructure:"EVAL_WORKERS"`
	EvalTimeout       time.Duration `mapstructure:"EVAL_TIMEOUT"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MetricsEnabled    bool          `mapstructure:"METRICS_ENABLED"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	TraceExporter     string        `mapstructure:"TRACE_EXPORTER"`
	TraceSampleRatio  float64       `mapstructure:"TRACE_SAMPLE_RATIO"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("OBSERVATION_SOURCE", SourcePostgres)
	v.SetDefault("SQL_DRIVER", "postgres")
	v.SetDefault("EVAL_WORKERS", 4)
	v.SetDefault("EVAL_TIMEOUT", "60s")
	v.SetDefault("REQUEST_TIMEOUT", "90s")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("TRACE_EXPORTER", "none")
	v.SetDefault("TRACE_SAMPLE_RATIO", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("DB_SCHEMA")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("OBSERVATION_SOURCE")
	v.BindEnv("SQL_DRIVER")
	v.BindEnv("SQL_DSN")
	v.BindEnv("FIXTURE_FILE")
	v.BindEnv("CATALOG_FILE")
	v.BindEnv("EVAL_WORKERS")
	v.BindEnv("EVAL_TIMEOUT")
	v.BindEnv("REQUEST_TIMEOUT")
	v.BindEnv("METRICS_ENABLED")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("TRACE_EXPORTER")
	v.BindEnv("TRACE_SAMPLE_RATIO")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// A comma separated env value does not decode into a slice on its own.
	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesPostgres reports whether a pgx pool is needed, either as the
// observation source or for migrations.
func (c *Config) UsesPostgres() bool {
	return c.ObservationSource == SourcePostgres
}

// Validate checks that the selected observation source is fully configured
// and that the evaluation limits are usable.
func (c *Config) Validate() error {
	switch c.ObservationSource {
	case SourcePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when OBSERVATION_SOURCE is %q", SourcePostgres)
		}
	case SourceSQL:
		if c.SQLDSN == "" {
			return fmt.Errorf("SQL_DSN is required when OBSERVATION_SOURCE is %q", SourceSQL)
		}
		if c.SQLDriver != "postgres" && c.SQLDriver != "sqlite3" {
			return fmt.Errorf("SQL_DRIVER must be \"postgres\" or \"sqlite3\", got %q", c.SQLDriver)
		}
	case SourceFixture:
		if c.FixtureFile == "" {
			return fmt.Errorf("FIXTURE_FILE is required when OBSERVATION_SOURCE is %q", SourceFixture)
		}
	default:
		return fmt.Errorf("OBSERVATION_SOURCE must be %q, %q or %q, got %q",
			SourcePostgres, SourceSQL, SourceFixture, c.ObservationSource)
	}

	if c.EvalWorkers < 1 {
		return fmt.Errorf("EVAL_WORKERS must be at least 1, got %d", c.EvalWorkers)
	}
	if c.EvalTimeout <= 0 {
		return fmt.Errorf("EVAL_TIMEOUT must be positive, got %s", c.EvalTimeout)
	}
	if c.RequestTimeout < c.EvalTimeout {
		return fmt.Errorf("REQUEST_TIMEOUT (%s) must not be shorter than EVAL_TIMEOUT (%s)", c.RequestTimeout, c.EvalTimeout)
	}
	switch c.TraceExporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("TRACE_EXPORTER must be \"none\" or \"stdout\", got %q", c.TraceExporter)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1, got %g", c.TraceSampleRatio)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
