// Copyright 2024-2026 Aiku AI

// Package config loads the bot configuration from YAML, applies
// environment overrides and validates the result.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/tagallbot/pkg/broadcast"
	"github.com/aiku/tagallbot/pkg/dispatch"
	"github.com/aiku/tagallbot/pkg/supervisor"
)

//go:embed example-config.yaml
var ExampleConfig string

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "TAGALL_"

const (
	BackendWhatsApp   = "whatsapp"
	BackendMattermost = "mattermost"
	BackendMatrix     = "matrix"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds the whole bot configuration.
type Config struct {
	Backend          string `yaml:"backend" env:"BACKEND"`
	CommandPrefix    string `yaml:"command_prefix" env:"COMMAND_PREFIX"`
	AttentionMessage string `yaml:"attention_message" env:"ATTENTION_MESSAGE"`
	// AdminAPIAddr is the listen address of the status API. Empty disables it.
	AdminAPIAddr string `yaml:"admin_api_addr" env:"ADMIN_API_ADDR"`

	Retry      RetryConfig      `yaml:"retry" envPrefix:"RETRY_"`
	WhatsApp   WhatsAppConfig   `yaml:"whatsapp" envPrefix:"WHATSAPP_"`
	Mattermost MattermostConfig `yaml:"mattermost" envPrefix:"MATTERMOST_"`
	Matrix     MatrixConfig     `yaml:"matrix" envPrefix:"MATRIX_"`

	Logging zeroconfig.Config `yaml:"logging"`
}

// RetryConfig mirrors supervisor.Policy.
type RetryConfig struct {
	Strategy           string        `yaml:"strategy" env:"STRATEGY" validate:"oneof=constant exponential"`
	Delay              time.Duration `yaml:"delay" env:"DELAY" validate:"gt=0"`
	MaxDelay           time.Duration `yaml:"max_delay" env:"MAX_DELAY" validate:"gte=0"`
	MaxAttempts        int           `yaml:"max_attempts" env:"MAX_ATTEMPTS" validate:"gte=0"`
	RetryOnAuthFailure bool          `yaml:"retry_on_auth_failure" env:"ON_AUTH_FAILURE"`
	TakeoverOnConflict bool          `yaml:"takeover_on_conflict" env:"TAKEOVER_ON_CONFLICT"`
}

type WhatsAppConfig struct {
	SessionDir     string        `yaml:"session_dir" env:"SESSION_DIR" validate:"required"`
	ClientID       string        `yaml:"client_id" env:"CLIENT_ID" validate:"required,excludesall=/\\"`
	PairingTimeout time.Duration `yaml:"pairing_timeout" env:"PAIRING_TIMEOUT" validate:"gte=0"`
}

type MattermostConfig struct {
	ServerURL string `yaml:"server_url" env:"SERVER_URL" validate:"required,url"`
	Token     string `yaml:"token" env:"TOKEN" validate:"required"`
}

type MatrixConfig struct {
	HomeserverURL string `yaml:"homeserver_url" env:"HOMESERVER_URL" validate:"required,url"`
	UserID        string `yaml:"user_id" env:"USER_ID" validate:"required,startswith=@"`
	AccessToken   string `yaml:"access_token" env:"ACCESS_TOKEN" validate:"required"`
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	policy := supervisor.DefaultPolicy()
	return &Config{
		Backend:          BackendWhatsApp,
		CommandPrefix:    dispatch.DefaultPrefix,
		AttentionMessage: broadcast.DefaultAttentionMessage,
		AdminAPIAddr:     ":29320",
		Retry: RetryConfig{
			Strategy:           string(policy.Strategy),
			Delay:              policy.Delay,
			MaxDelay:           policy.MaxDelay,
			RetryOnAuthFailure: policy.RetryOnAuthFailure,
			TakeoverOnConflict: policy.TakeoverOnConflict,
		},
		WhatsApp: WhatsAppConfig{
			SessionDir:     "./sessions",
			ClientID:       "my-bot",
			PairingTimeout: 45 * time.Second,
		},
		Logging: zeroconfig.Config{
			MinLevel: ptr.Ptr(zerolog.InfoLevel),
			Writers: []zeroconfig.WriterConfig{{
				Type:   zeroconfig.WriterTypeStdout,
				Format: zeroconfig.LogFormatPrettyColored,
			}},
		},
	}
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// Load reads the file at path on top of the defaults, applies environment
// overrides, and validates the result. A missing file is not an error when
// allowMissing is set, so the bot can run from the environment alone.
func Load(path string, allowMissing bool) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err) && allowMissing:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping values for keys the document omits.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from TAGALL_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// PostProcess normalizes values and validates the sections in use.
func (c *Config) PostProcess() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	c.Retry.Strategy = strings.ToLower(strings.TrimSpace(c.Retry.Strategy))
	if c.Retry.Strategy == "" {
		c.Retry.Strategy = string(supervisor.StrategyConstant)
	}

	if err := validate.Var(c.Backend, "required,oneof=whatsapp mattermost matrix"); err != nil {
		return fmt.Errorf("invalid backend %q: %w", c.Backend, err)
	}
	if err := validate.Struct(c.Retry); err != nil {
		return fmt.Errorf("invalid retry config: %w", err)
	}

	var section any
	switch c.Backend {
	case BackendWhatsApp:
		section = c.WhatsApp
	case BackendMattermost:
		c.Mattermost.ServerURL = strings.TrimRight(c.Mattermost.ServerURL, "/")
		section = c.Mattermost
	case BackendMatrix:
		section = c.Matrix
	}
	if err := validate.Struct(section); err != nil {
		return fmt.Errorf("invalid %s config: %w", c.Backend, err)
	}
	return nil
}

// RetryPolicy converts the retry section to a supervisor policy.
func (c *Config) RetryPolicy() supervisor.Policy {
	return supervisor.Policy{
		Strategy:           supervisor.Strategy(c.Retry.Strategy),
		Delay:              c.Retry.Delay,
		MaxDelay:           c.Retry.MaxDelay,
		MaxAttempts:        c.Retry.MaxAttempts,
		RetryOnAuthFailure: c.Retry.RetryOnAuthFailure,
		TakeoverOnConflict: c.Retry.TakeoverOnConflict,
	}
}

// Logger compiles the logging section into a zerolog logger.
func (c *Config) Logger() (*zerolog.Logger, error) {
	log, err := c.Logging.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}
