package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingCredentials is returned by Validate when the mailbox address or
// secret is not set.
var ErrMissingCredentials = errors.New("missing mailbox credentials")

const (
	defaultConcurrency = 5
	defaultTimeout     = 10 * time.Second
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
	Inbox   InboxConfig   `yaml:"inbox"`
	Visitor VisitorConfig `yaml:"visitor"`
	Output  OutputConfig  `yaml:"output"`
	History HistoryConfig `yaml:"history"`
	Log     LogConfig     `yaml:"log"`
}

// InboxConfig holds IMAP settings for the mailbox being scanned
type InboxConfig struct {
	Provider  string `yaml:"provider" env:"IMAP_PROVIDER" env-default:"gmail"` // "gmail", "outlook", "imap"
	Server    string `yaml:"server" env:"IMAP_SERVER"`                         // e.g., "imap.gmail.com"
	Port      int    `yaml:"port" env:"IMAP_PORT"`                             // e.g., 993
	Email     string `yaml:"email" env:"EMAIL"`
	Password  string `yaml:"password,omitempty" env:"PASSWORD"` // App password (not main password)
	Folder    string `yaml:"folder" env:"IMAP_FOLDER" env-default:"INBOX"`
	SinceDays int    `yaml:"since_days" env:"IMAP_SINCE_DAYS"` // 0 searches the whole folder
}

type VisitorConfig struct {
	Concurrency int           `yaml:"concurrency" env:"VISIT_CONCURRENCY" env-default:"5"`
	Timeout     time.Duration `yaml:"timeout" env:"VISIT_TIMEOUT" env-default:"10s"`
	UserAgent   string        `yaml:"user_agent,omitempty" env:"VISIT_USER_AGENT"`
	// Domains that are grouped but never visited.
	ExcludedDomains []string `yaml:"excluded_domains,omitempty" env:"VISIT_EXCLUDED_DOMAINS" env-separator:","`
}

type OutputConfig struct {
	Dir          string `yaml:"dir" env:"OUTPUT_DIR" env-default:"."`
	LinksFile    string `yaml:"links_file" env:"OUTPUT_LINKS_FILE" env-default:"unsubscribe_links.txt"`
	ServicesFile string `yaml:"services_file" env:"OUTPUT_SERVICES_FILE" env-default:"unsubscribe_services.csv"`
}

type HistoryConfig struct {
	Disabled bool   `yaml:"disabled" env:"HISTORY_DISABLED"`
	Path     string `yaml:"path,omitempty" env:"HISTORY_PATH"` // default is $HOME/.unsubscriber/history.db
}

type LogConfig struct {
	Environment string `yaml:"environment" env:"ENVIRONMENT" env-default:"development"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".unsubscriber", "config.yaml")
}

// Load reads .env (if any), then the YAML file at path (if it exists), then
// the environment. Environment variables win over file values.
func Load(path string) (*Config, error) {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if err := checkFilePermissions(path); err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	switch strings.ToLower(c.Inbox.Provider) {
	case "gmail":
		if c.Inbox.Server == "" {
			c.Inbox.Server = "imap.gmail.com"
		}
	case "outlook":
		if c.Inbox.Server == "" {
			c.Inbox.Server = "outlook.office365.com"
		}
	}
	if c.Inbox.Port == 0 {
		c.Inbox.Port = 993
	}
	if c.Inbox.Folder == "" {
		c.Inbox.Folder = "INBOX"
	}
	if c.Visitor.Concurrency <= 0 {
		c.Visitor.Concurrency = defaultConcurrency
	}
	if c.Visitor.Timeout <= 0 {
		c.Visitor.Timeout = defaultTimeout
	}
	if c.Output.LinksFile == "" {
		c.Output.LinksFile = "unsubscribe_links.txt"
	}
	if c.Output.ServicesFile == "" {
		c.Output.ServicesFile = "unsubscribe_services.csv"
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

// Validate checks the settings needed before any network activity.
func (c *Config) Validate() error {
	if c.Inbox.Email == "" {
		return fmt.Errorf("%w: EMAIL is not set", ErrMissingCredentials)
	}
	if c.Inbox.Password == "" {
		return fmt.Errorf("%w: PASSWORD is not set", ErrMissingCredentials)
	}
	if c.Inbox.Server == "" {
		return fmt.Errorf("inbox: IMAP server is required for provider %q", c.Inbox.Provider)
	}
	return nil
}
