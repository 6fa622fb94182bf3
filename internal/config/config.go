package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultRateLimitMs   = 2000
	defaultIntervalSec   = 30
	defaultBatchSize     = 50
	defaultMaxAttempts   = 3
	defaultServerAddr    = "127.0.0.1:8088"
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"
	defaultGeminiModel   = "gemini-2.0-flash"
)

// Precedence names for the two merge strategies.
const (
	PrecedenceDeterministic = "deterministic"
	PrecedenceCollaborator  = "collaborator"
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	Mailbox  MailboxConfig  `yaml:"mailbox"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Database DatabaseConfig `yaml:"database"`
	Vendors  VendorsConfig  `yaml:"vendors"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// MailboxConfig holds IMAP settings for the intake mailbox
type MailboxConfig struct {
	Provider string `yaml:"provider" validate:"omitempty,oneof=gmail outlook imap"`
	Server   string `yaml:"server" validate:"required"`
	Port     int    `yaml:"port" validate:"required,min=1,max=65535"`
	Email    string `yaml:"email" validate:"required,email"`
	Password string `yaml:"password" validate:"required"` // App password, or INTAKE_IMAP_PASSWORD
	Folder   string `yaml:"folder"`
}

type SMTPConfig struct {
	Host        string `yaml:"host" validate:"required"`
	Port        int    `yaml:"port" validate:"required,min=1,max=65535"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	From        string `yaml:"from" validate:"required,email"`
	FromName    string `yaml:"from_name"`
	UseTLS      bool   `yaml:"use_tls"`       // implicit TLS (465); otherwise STARTTLS when offered
	RateLimitMs int    `yaml:"rate_limit_ms"` // minimum gap between outbound messages
}

// LLMConfig selects the classifier/extractor backend
type LLMConfig struct {
	Provider   string `yaml:"provider" validate:"oneof=openai gemini none"`
	APIKey     string `yaml:"api_key" validate:"required_unless=Provider none"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type PipelineConfig struct {
	IntervalSec          int    `yaml:"interval_sec" validate:"min=1"`
	BatchSize            int    `yaml:"batch_size" validate:"min=1,max=500"`
	MaxAttempts          int    `yaml:"max_attempts" validate:"min=1"`
	NewInquiryPrecedence string `yaml:"new_inquiry_precedence" validate:"oneof=deterministic collaborator"`
	FollowupPrecedence   string `yaml:"followup_precedence" validate:"oneof=deterministic collaborator"`
	PhoneRegion          string `yaml:"phone_region" validate:"omitempty,len=2"` // ISO 3166 alpha-2, e.g. "TR"
	DryRun               bool   `yaml:"dry_run"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type VendorsConfig struct {
	File string `yaml:"file"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" (default) or "text"
}

// Interval returns the polling interval.
func (p PipelineConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSec) * time.Second
}

// SendInterval returns the minimum gap between outbound messages.
func (s SMTPConfig) SendInterval() time.Duration {
	return time.Duration(s.RateLimitMs) * time.Millisecond
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".intake")
}

func DefaultConfigPath() string {
	return filepath.Join(homeDir(), "config.yaml")
}

func DefaultDBPath() string {
	return filepath.Join(homeDir(), "intake.db")
}

func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Secrets may live in .env next to the binary instead of the YAML file
	_ = godotenv.Load()
	applyEnv(&cfg)
	applyDefaults(&cfg, filepath.Dir(path))

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("INTAKE_IMAP_PASSWORD"); v != "" {
		cfg.Mailbox.Password = v
	}
	if v := os.Getenv("INTAKE_SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("INTAKE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("INTAKE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
}

func applyDefaults(cfg *Config, baseDir string) {
	if cfg.Mailbox.Folder == "" {
		cfg.Mailbox.Folder = "INBOX"
	}
	if cfg.Mailbox.Provider == "gmail" && cfg.Mailbox.Server == "" {
		cfg.Mailbox.Server = "imap.gmail.com"
		cfg.Mailbox.Port = 993
	}
	if cfg.Mailbox.Provider == "outlook" && cfg.Mailbox.Server == "" {
		cfg.Mailbox.Server = "outlook.office365.com"
		cfg.Mailbox.Port = 993
	}

	if cfg.SMTP.RateLimitMs == 0 {
		cfg.SMTP.RateLimitMs = defaultRateLimitMs
	}
	if cfg.SMTP.Username == "" {
		cfg.SMTP.Username = cfg.SMTP.From
	}

	cfg.LLM.Provider = strings.ToLower(cfg.LLM.Provider)
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "none"
	}
	if cfg.LLM.TimeoutSec == 0 {
		cfg.LLM.TimeoutSec = 30
	}
	switch cfg.LLM.Provider {
	case "openai":
		if cfg.LLM.BaseURL == "" {
			cfg.LLM.BaseURL = defaultOpenAIBaseURL
		}
		if cfg.LLM.Model == "" {
			cfg.LLM.Model = defaultOpenAIModel
		}
	case "gemini":
		if cfg.LLM.Model == "" {
			cfg.LLM.Model = defaultGeminiModel
		}
	}

	if cfg.Pipeline.IntervalSec == 0 {
		cfg.Pipeline.IntervalSec = defaultIntervalSec
	}
	if cfg.Pipeline.BatchSize == 0 {
		cfg.Pipeline.BatchSize = defaultBatchSize
	}
	if cfg.Pipeline.MaxAttempts == 0 {
		cfg.Pipeline.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Pipeline.NewInquiryPrecedence == "" {
		cfg.Pipeline.NewInquiryPrecedence = PrecedenceCollaborator
	}
	if cfg.Pipeline.FollowupPrecedence == "" {
		cfg.Pipeline.FollowupPrecedence = PrecedenceDeterministic
	}
	cfg.Pipeline.PhoneRegion = strings.ToUpper(cfg.Pipeline.PhoneRegion)

	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDBPath()
	}
	if cfg.Vendors.File == "" {
		cfg.Vendors.File = filepath.Join(baseDir, "vendors.yaml")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultServerAddr
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks everything the reconciler needs to run against live mail.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q validation", configPath(fe.Namespace()), fe.Tag())
		}
		return err
	}

	if c.SMTP.Password != "" && !c.SMTP.UseTLS && c.SMTP.Port == 25 {
		return fmt.Errorf("smtp: auth on port 25 without TLS is not allowed")
	}
	return nil
}

// ValidateStore validates only what read-only commands need.
func (c *Config) ValidateStore() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database: path is required")
	}
	return nil
}

// configPath turns "Config.SMTP.From" into "smtp.from".
func configPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.ToLower(strings.Join(parts, "."))
}
