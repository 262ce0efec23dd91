// Package config provides YAML-based configuration loading, validation, and
// defaults for the CICO grid tool.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	CICO          CICOConfig          `yaml:"cico"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Checkin       CheckinConfig       `yaml:"checkin"`
	Intake        IntakeConfig        `yaml:"intake"`
	Audit         AuditConfig         `yaml:"audit"`
	Journal       JournalConfig       `yaml:"journal"`
	Observability ObservabilityConfig `yaml:"observability"`
	LogLevel      string              `yaml:"log_level"`
}

// CICOConfig holds CICO instance connection settings.
type CICOConfig struct {
	BaseURL        string     `yaml:"base_url"`
	LoginPath      string     `yaml:"login_path"`
	DataPath       string     `yaml:"data_path"`
	Auth           AuthConfig `yaml:"auth"`
	TimeoutSeconds int        `yaml:"timeout_seconds"`
	RateLimitRPS   float64    `yaml:"rate_limit_rps"`
	PageSize       int        `yaml:"page_size"`
}

// AuthConfig determines which authentication method is used.
type AuthConfig struct {
	Type     string         `yaml:"type"` // "password" or "session"
	Password PasswordConfig `yaml:"password"`
	Session  SessionConfig  `yaml:"session"`
}

// PasswordConfig holds login form credentials.
type PasswordConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SessionConfig holds a pre-supplied session id.
type SessionConfig struct {
	SessionID string `yaml:"session_id"`
}

// KafkaConfig holds broker settings shared by the intake and audit pipelines.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// CheckinConfig controls the batch check-in updater.
type CheckinConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Grid        string   `yaml:"grid"`
	BatchFile   string   `yaml:"batch_file"`
	MatchFields []string `yaml:"match_fields"`
	SetFields   []string `yaml:"set_fields"`
	Concurrency int      `yaml:"concurrency"`
	// Watch re-applies the batch whenever the batch file is rewritten.
	Watch bool `yaml:"watch"`
}

// IntakeConfig controls the Kafka → CICO update pipeline.
type IntakeConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Topic       string `yaml:"topic"`
	Grid        string `yaml:"grid"`
	GroupID     string `yaml:"group_id"`
	Concurrency int    `yaml:"concurrency"`
	DLQTopic    string `yaml:"dlq_topic"`
	// CommitOnPartialFailure controls whether offsets are committed when
	// some records in a batch fail. Defaults to true when unset.
	CommitOnPartialFailure *bool `yaml:"commit_on_partial_failure"`
}

// CommitOnPartialFailureValue returns the effective commit policy.
func (c IntakeConfig) CommitOnPartialFailureValue() bool {
	if c.CommitOnPartialFailure == nil {
		return true
	}
	return *c.CommitOnPartialFailure
}

// AuditConfig controls the field-update audit event publisher.
type AuditConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Topic              string   `yaml:"topic"`
	Encoding           string   `yaml:"encoding"` // "json" or "avro"
	Actor              string   `yaml:"actor"`
	Partitioner        string   `yaml:"partitioner"` // "default", "round_robin", "field_based"
	PartitionKeyFields []string `yaml:"partition_key_fields"`
}

// JournalConfig controls where applied updates are journaled.
type JournalConfig struct {
	FilePath      string   `yaml:"file_path"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// ObservabilityConfig controls the metrics/health HTTP server.
type ObservabilityConfig struct {
	Addr string `yaml:"addr"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "500ms" or "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Load reads a YAML config file, expands environment variables, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand ${VAR} and $VAR references in the YAML.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// CICO defaults
	cc := &cfg.CICO
	if cc.LoginPath == "" {
		cc.LoginPath = "/login.php"
	}
	if cc.DataPath == "" {
		cc.DataPath = "/db2.php"
	}
	if cc.Auth.Type == "" {
		cc.Auth.Type = "password"
	}
	if cc.TimeoutSeconds == 0 {
		cc.TimeoutSeconds = 30
	}
	if cc.PageSize == 0 {
		cc.PageSize = 500
	}

	// Checkin defaults
	if cfg.Checkin.Enabled {
		if cfg.Checkin.Concurrency <= 0 {
			cfg.Checkin.Concurrency = 4
		}
	}

	// Intake defaults
	if cfg.Intake.Enabled {
		if cfg.Intake.Concurrency <= 0 {
			cfg.Intake.Concurrency = 5
		}
		if cfg.Intake.GroupID == "" {
			cfg.Intake.GroupID = "cicogrid-intake"
		}
		if cfg.Intake.CommitOnPartialFailure == nil {
			defaultCommit := true
			cfg.Intake.CommitOnPartialFailure = &defaultCommit
		}
	}

	// Audit defaults
	if cfg.Audit.Enabled {
		if cfg.Audit.Encoding == "" {
			cfg.Audit.Encoding = "json"
		}
		if cfg.Audit.Partitioner == "" {
			cfg.Audit.Partitioner = "default"
		}
	}

	// Journal defaults
	if cfg.Journal.FilePath == "" {
		cfg.Journal.FilePath = "journal.json"
	}
	if cfg.Journal.FlushInterval.Duration == 0 {
		cfg.Journal.FlushInterval.Duration = 5 * time.Second
	}

	// Observability defaults
	if cfg.Observability.Addr == "" {
		cfg.Observability.Addr = ":8080"
	}
}

// validate checks that all required fields are present and valid.
func validate(cfg *Config) error {
	var errs []error

	// CICO
	if cfg.CICO.BaseURL == "" {
		errs = append(errs, errors.New("cico.base_url is required"))
	} else if u, err := url.Parse(cfg.CICO.BaseURL); err != nil || u.Scheme == "" {
		errs = append(errs, fmt.Errorf("cico.base_url is not a valid URL: %s", cfg.CICO.BaseURL))
	}

	switch cfg.CICO.Auth.Type {
	case "password":
		p := cfg.CICO.Auth.Password
		if p.Username == "" {
			errs = append(errs, errors.New("cico.auth.password.username is required for password auth"))
		}
		if p.Password == "" {
			errs = append(errs, errors.New("cico.auth.password.password is required for password auth"))
		}
	case "session":
		if cfg.CICO.Auth.Session.SessionID == "" {
			errs = append(errs, errors.New("cico.auth.session.session_id is required for session auth"))
		}
	default:
		errs = append(errs, fmt.Errorf("cico.auth.type must be 'password' or 'session', got %q", cfg.CICO.Auth.Type))
	}

	// Kafka is only needed when a broker-backed pipeline is enabled.
	if (cfg.Intake.Enabled || cfg.Audit.Enabled) && len(cfg.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers must contain at least one broker when intake or audit is enabled"))
	}

	// Checkin
	if cfg.Checkin.Enabled {
		if cfg.Checkin.Grid == "" {
			errs = append(errs, errors.New("checkin.grid is required when checkin is enabled"))
		}
		if cfg.Checkin.BatchFile == "" {
			errs = append(errs, errors.New("checkin.batch_file is required when checkin is enabled"))
		}
		if len(cfg.Checkin.MatchFields) == 0 {
			errs = append(errs, errors.New("checkin.match_fields must contain at least one column when checkin is enabled"))
		}
		if len(cfg.Checkin.SetFields) == 0 {
			errs = append(errs, errors.New("checkin.set_fields must contain at least one column when checkin is enabled"))
		}
	}

	// Intake
	if cfg.Intake.Enabled {
		if cfg.Intake.Topic == "" {
			errs = append(errs, errors.New("intake.topic is required when intake is enabled"))
		}
		if cfg.Intake.Grid == "" {
			errs = append(errs, errors.New("intake.grid is required when intake is enabled"))
		}
		if cfg.Intake.GroupID == "" {
			errs = append(errs, errors.New("intake.group_id is required when intake is enabled"))
		}
	}

	// Audit
	if cfg.Audit.Enabled {
		if cfg.Audit.Topic == "" {
			errs = append(errs, errors.New("audit.topic is required when audit is enabled"))
		}
		switch cfg.Audit.Encoding {
		case "json", "avro":
		default:
			errs = append(errs, fmt.Errorf("audit.encoding must be 'json' or 'avro', got %q", cfg.Audit.Encoding))
		}
		switch cfg.Audit.Partitioner {
		case "default", "round_robin", "field_based":
		default:
			errs = append(errs, fmt.Errorf("audit.partitioner must be 'default', 'round_robin', or 'field_based', got %q", cfg.Audit.Partitioner))
		}
		if cfg.Audit.Partitioner == "field_based" && len(cfg.Audit.PartitionKeyFields) == 0 {
			errs = append(errs, errors.New("audit.partition_key_fields required when partitioner is 'field_based'"))
		}
	}

	// At least one pipeline must be enabled
	if !cfg.Checkin.Enabled && !cfg.Intake.Enabled {
		errs = append(errs, errors.New("at least one of checkin.enabled or intake.enabled must be true"))
	}

	return errors.Join(errs...)
}
