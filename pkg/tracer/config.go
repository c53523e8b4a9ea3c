package tracer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/xray-go/internal/platform/config"
	"github.com/animus-labs/xray-go/pkg/buffer"
	"github.com/animus-labs/xray-go/pkg/delivery"
	"github.com/animus-labs/xray-go/pkg/redact"
)

// Config controls a Tracer. ConfigFromEnv fills it from XRAY_* variables.
type Config struct {
	App             string        `env:"XRAY_APP" envDefault:"app"`
	Disabled        bool          `env:"XRAY_DISABLED"`
	BufferCapacity  int           `env:"XRAY_BUFFER_CAPACITY" envDefault:"1024"`
	DeliveryTimeout time.Duration `env:"XRAY_DELIVERY_TIMEOUT" envDefault:"3s"`
	FlushInterval   time.Duration `env:"XRAY_FLUSH_INTERVAL" envDefault:"1s"`
	InitialBackoff  time.Duration `env:"XRAY_INITIAL_BACKOFF" envDefault:"250ms"`
	MaxBackoff      time.Duration `env:"XRAY_MAX_BACKOFF" envDefault:"30s"`
	RedactionPolicy string        `env:"XRAY_REDACTION_POLICY"`
	DefaultTags     []string      `env:"XRAY_DEFAULT_TAGS" envSeparator:","`
}

func DefaultConfig() Config {
	d := delivery.DefaultConfig()
	return Config{
		App:             "app",
		BufferCapacity:  buffer.DefaultCapacity,
		DeliveryTimeout: d.DeliveryTimeout,
		FlushInterval:   d.FlushInterval,
		InitialBackoff:  d.InitialBackoff,
		MaxBackoff:      d.MaxBackoff,
	}
}

func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.App) == "" {
		return errors.New("XRAY_APP is required")
	}
	if c.BufferCapacity < 0 {
		return errors.New("XRAY_BUFFER_CAPACITY must be >= 0")
	}
	if c.DeliveryTimeout < 0 {
		return errors.New("XRAY_DELIVERY_TIMEOUT must be >= 0")
	}
	if c.FlushInterval < 0 {
		return errors.New("XRAY_FLUSH_INTERVAL must be >= 0")
	}
	if c.MaxBackoff > 0 && c.InitialBackoff > c.MaxBackoff {
		return fmt.Errorf("XRAY_INITIAL_BACKOFF (%s) must be <= XRAY_MAX_BACKOFF (%s)", c.InitialBackoff, c.MaxBackoff)
	}
	return nil
}

func (c Config) deliveryConfig() delivery.Config {
	return delivery.Config{
		DeliveryTimeout: c.DeliveryTimeout,
		FlushInterval:   c.FlushInterval,
		InitialBackoff:  c.InitialBackoff,
		MaxBackoff:      c.MaxBackoff,
	}
}

func (c Config) redactor() (*redact.Engine, error) {
	if strings.TrimSpace(c.RedactionPolicy) == "" {
		return redact.Default(), nil
	}
	policy, err := redact.LoadPolicyFile(c.RedactionPolicy)
	if err != nil {
		return nil, err
	}
	return redact.New(policy)
}
