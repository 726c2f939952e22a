// Package config loads the hub's YAML configuration file with viper, the
// way odin-ws-server-3/internal/config does it: typed defaults registered
// up front, then overridden by an optional file and by environment
// variables under a fixed prefix.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Environment selects one of the three deployment profiles: development
// (default ports, verbose logging allowed), test (distinct ports so a test
// run never collides with a dev instance on the same host), and
// production (no development-only logging).
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
	EnvProduction  Environment = "production"
)

// OutboundClient is one configured federation peer. Loaded once at start
// and immutable thereafter.
type OutboundClient struct {
	Name            string `mapstructure:"name"`
	URI             string `mapstructure:"uri"`
	Identity        string `mapstructure:"identity"`
	SharedTokenFile string `mapstructure:"shared_token_file"`
}

// Config is the hub's full runtime configuration.
type Config struct {
	Environment Environment `mapstructure:"environment"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Logging struct {
		Level          string `mapstructure:"level"`
		LogAllMessages bool   `mapstructure:"log_all_messages"`
	} `mapstructure:"logging"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"metrics"`

	Telemetry struct {
		Enabled bool   `mapstructure:"enabled"`
		NatsURL string `mapstructure:"nats_url"`
		Subject string `mapstructure:"subject"`
	} `mapstructure:"telemetry"`

	Hub struct {
		SendQueueSize int           `mapstructure:"send_queue_size"`
		WriteTimeout  time.Duration `mapstructure:"write_timeout"`
		PongWait      time.Duration `mapstructure:"pong_wait"`
		PingPeriod    time.Duration `mapstructure:"ping_period"`
	} `mapstructure:"hub"`

	OutboundClients []OutboundClient `mapstructure:"outbound_clients"`

	// PeerAuth configures optional verification of the shared token a
	// dialing peer presents in its outbound-form identity message. Empty
	// by default, which means incoming connections are not authenticated
	// at all — this only takes effect for connections that present a
	// token to verify.
	PeerAuth struct {
		AcceptedTokens []string `mapstructure:"accepted_tokens"`
		JWTSecret      string   `mapstructure:"jwt_secret"`
	} `mapstructure:"peer_auth"`

	// Services lists the process-supervisor service definitions carried
	// in basic_bot's config.yaml. The hub core does not act on these —
	// service supervision is out of scope — but they are decoded so the
	// same config.yaml used by the rest of the fleet parses cleanly here.
	Services []map[string]interface{} `mapstructure:"services"`
}

// defaultPortFor returns the hub's listen port for a given environment:
// development and production share the default port; test gets a
// distinct one to avoid colliding with a dev instance running on the
// same host.
func defaultPortFor(env Environment) int {
	if env == EnvTest {
		return 5101
	}
	return 5100
}

// Load reads configuration from the YAML file at path (if non-empty) and
// from BBHUB_-prefixed environment variables, falling back to documented
// defaults for anything unset. An invalid config file is a startup
// failure.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("environment", string(EnvDevelopment))
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 0) // resolved below once environment is known
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_all_messages", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.nats_url", "nats://localhost:4222")
	v.SetDefault("telemetry.subject", "basicbot.hub.stateupdate")
	v.SetDefault("hub.send_queue_size", 256)
	v.SetDefault("hub.write_timeout", 10*time.Second)
	v.SetDefault("hub.pong_wait", 60*time.Second)
	v.SetDefault("hub.ping_period", 54*time.Second)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("BBHUB")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPortFor(cfg.Environment)
	}
	if cfg.Environment == EnvProduction {
		cfg.Logging.LogAllMessages = false
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvTest, EnvProduction:
	default:
		return fmt.Errorf("invalid environment %q: must be development, test, or production", c.Environment)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	seen := make(map[string]bool, len(c.OutboundClients))
	for _, oc := range c.OutboundClients {
		if oc.Name == "" || oc.URI == "" || oc.Identity == "" {
			return fmt.Errorf("outbound client entry missing name, uri, or identity: %+v", oc)
		}
		if seen[oc.Name] {
			return fmt.Errorf("duplicate outbound client name %q", oc.Name)
		}
		seen[oc.Name] = true
	}
	return nil
}
