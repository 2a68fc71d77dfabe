// Package config loads the YAML configuration of spec.md §6.2: either a
// single server block at the document root, or a servers: map of named
// blocks, one per listening transport.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skagerrak/portal/internal/portalerr"
)

// Server is one listener's configuration, matching spec.md §6.2's option
// table field for field.
type Server struct {
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	Transport         string   `yaml:"transport"`
	HandlerClass      string   `yaml:"handler_class"`
	MaxConnections    int      `yaml:"max_connections"`
	ConnectionTimeout int      `yaml:"connection_timeout"`
	WelcomeMessage    string   `yaml:"welcome_message"`
	WSPath            string   `yaml:"ws_path"`
	AllowOrigins      []string `yaml:"allow_origins"`
	UseSSL            bool     `yaml:"use_ssl"`
	SSLCert           string   `yaml:"ssl_cert"`
	SSLKey            string   `yaml:"ssl_key"`
	PingInterval      int      `yaml:"ping_interval"`
	PingTimeout       int      `yaml:"ping_timeout"`
	EnableMonitoring  bool     `yaml:"enable_monitoring"`
	MonitorPath       string   `yaml:"monitor_path"`
}

// withDefaults fills in every default named by spec.md §6.2.
func (s Server) withDefaults() Server {
	if s.Host == "" {
		s.Host = "0.0.0.0"
	}
	if s.Transport == "" {
		s.Transport = "telnet"
	}
	if s.MaxConnections <= 0 {
		s.MaxConnections = 100
	}
	if s.ConnectionTimeout <= 0 {
		s.ConnectionTimeout = 300
	}
	if s.WSPath == "" {
		s.WSPath = "/ws"
	}
	if len(s.AllowOrigins) == 0 {
		s.AllowOrigins = []string{"*"}
	}
	if s.PingInterval <= 0 {
		s.PingInterval = 30
	}
	if s.PingTimeout <= 0 {
		s.PingTimeout = 10
	}
	if s.MonitorPath == "" {
		s.MonitorPath = "/monitor"
	}
	return s
}

// ConnectionTimeoutDuration converts the YAML's integer seconds field to
// a time.Duration for the session/portalserver layers.
func (s Server) ConnectionTimeoutDuration() time.Duration {
	return time.Duration(s.ConnectionTimeout) * time.Second
}

// PingIntervalDuration converts ping_interval seconds to a Duration.
func (s Server) PingIntervalDuration() time.Duration {
	return time.Duration(s.PingInterval) * time.Second
}

// PingTimeoutDuration converts ping_timeout seconds to a Duration.
func (s Server) PingTimeoutDuration() time.Duration {
	return time.Duration(s.PingTimeout) * time.Second
}

// Config is the fully-parsed, defaulted document: always a servers: map
// internally, even when the YAML document used the single-server shape
// (in which case it holds exactly one entry named "default").
type Config struct {
	Servers map[string]Server
}

// raw mirrors the two accepted YAML shapes so yaml.v3 can unmarshal
// either one without a custom UnmarshalYAML: a document is multi-server
// if it has a top-level servers: key, single-server otherwise.
type raw struct {
	Servers map[string]Server `yaml:"servers"`
	Server  `yaml:",inline"`
}

// Load reads and parses path, returning a fully-defaulted Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", portalerr.ErrConfig, path, err)
	}
	return Parse(data)
}

// Parse parses an in-memory YAML document, returning a fully-defaulted
// Config. Load and the tests both go through it.
func Parse(data []byte) (*Config, error) {
	var r raw
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: parsing yaml: %v", portalerr.ErrConfig, err)
	}

	cfg := &Config{Servers: make(map[string]Server)}
	if len(r.Servers) > 0 {
		for name, s := range r.Servers {
			if err := validate(s); err != nil {
				return nil, fmt.Errorf("%w: server %q: %v", portalerr.ErrConfig, name, err)
			}
			cfg.Servers[name] = s.withDefaults()
		}
		return cfg, nil
	}

	if err := validate(r.Server); err != nil {
		return nil, fmt.Errorf("%w: %v", portalerr.ErrConfig, err)
	}
	cfg.Servers["default"] = r.Server.withDefaults()
	return cfg, nil
}

func validate(s Server) error {
	if s.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if s.HandlerClass == "" {
		return fmt.Errorf("handler_class is required")
	}
	switch s.Transport {
	case "", "telnet", "tcp", "websocket", "ws_telnet":
	default:
		return fmt.Errorf("unrecognized transport %q", s.Transport)
	}
	if s.UseSSL && (s.SSLCert == "" || s.SSLKey == "") {
		return fmt.Errorf("use_ssl requires ssl_cert and ssl_key")
	}
	return nil
}
