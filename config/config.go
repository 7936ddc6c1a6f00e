package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const envConfigPath = "LEGACYCHAT_CONFIG"

type Config struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Store         string `yaml:"store"`         // "memory" or "sqlite"
	PasswordCost  int    `yaml:"password_cost"` // bcrypt cost, 0 = default
	ReadTimeout   int    `yaml:"read_timeout"`  // seconds, 0 = none
	WriteTimeout  int    `yaml:"write_timeout"` // seconds, 0 = none
	MaxLineBytes  int    `yaml:"max_line_bytes"`
	MaxConns      int    `yaml:"max_connections"` // 0 = unlimited
	MetricsAddr   string `yaml:"metrics_addr"`    // empty disables /metrics
	ControlSocket string `yaml:"control_socket"`  // empty disables the control socket
}

func Default() *Config {
	return &Config{
		Host:          "0.0.0.0",
		Port:          12345,
		Store:         "memory",
		MaxLineBytes:  16 << 20,
		ControlSocket: "/tmp/legacychat.sock",
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (or $LEGACYCHAT_CONFIG when path is empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if host := os.Getenv("LEGACYCHAT_HOST"); host != "" {
		c.Host = host
	}

	envInt("LEGACYCHAT_PORT", &c.Port)

	if backend := os.Getenv("LEGACYCHAT_STORE"); backend != "" {
		c.Store = backend
	}

	envInt("LEGACYCHAT_PASSWORD_COST", &c.PasswordCost)
	envInt("LEGACYCHAT_READ_TIMEOUT", &c.ReadTimeout)
	envInt("LEGACYCHAT_WRITE_TIMEOUT", &c.WriteTimeout)
	envInt("LEGACYCHAT_MAX_LINE_BYTES", &c.MaxLineBytes)
	envInt("LEGACYCHAT_MAX_CONNECTIONS", &c.MaxConns)

	if addr, ok := os.LookupEnv("LEGACYCHAT_METRICS_ADDR"); ok {
		c.MetricsAddr = addr
	}
	if path, ok := os.LookupEnv("LEGACYCHAT_CONTROL_SOCKET"); ok {
		c.ControlSocket = path
	}
}

// envInt overwrites *dst with the named variable if it parses as an int.
func envInt(name string, dst *int) {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			*dst = v
		}
	}
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
