// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/emiago/callbridge/dialplan"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	SIP        SIPConfig        `mapstructure:"sip"`
	Media      MediaConfig      `mapstructure:"media"`
	Controller ControllerConfig `mapstructure:"controller"`
	Registrar  RegistrarConfig  `mapstructure:"registrar"`
	Dialplan   DialplanConfig   `mapstructure:"dialplan"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type LogConfig struct {
	Level string     `mapstructure:"level"`
	File  FileConfig `mapstructure:"file"`
}

// FileConfig is rotated log file. Empty filename disables it.
type FileConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type SIPConfig struct {
	Transport string `mapstructure:"transport"`
	Listen    string `mapstructure:"listen"`
	// ExternalHost is used in Contact. Defaults to listen host.
	ExternalHost string `mapstructure:"external_host"`
	UserAgent    string `mapstructure:"user_agent"`
}

type MediaConfig struct {
	IP        string `mapstructure:"ip"`
	PortStart int    `mapstructure:"port_start"`
	PortEnd   int    `mapstructure:"port_end"`
}

type ControllerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	TerminatedTTL time.Duration `mapstructure:"terminated_ttl"`
	ByeTimeout    time.Duration `mapstructure:"bye_timeout"`
	// BridgeTimeout limits ringing of bridged target. Zero waits for transaction timeout.
	BridgeTimeout time.Duration `mapstructure:"bridge_timeout"`
	AnswerRoute   string        `mapstructure:"answer_route"`
	BridgeRoute   string        `mapstructure:"bridge_route"`
}

type RegistrarConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Realm      string `mapstructure:"realm"`
	MinExpires int    `mapstructure:"min_expires"`
	MaxExpires int    `mapstructure:"max_expires"`
	// Users enables digest authentication when not empty. Username -> password.
	Users map[string]string `mapstructure:"users"`
}

type DialplanConfig struct {
	Routes map[string][]string `mapstructure:"routes"`
	Rules  []dialplan.Rule     `mapstructure:"rules"`
}

type MetricsConfig struct {
	// Listen address of /metrics. Empty disables it.
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file.filename", "")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_backups", 3)
	v.SetDefault("log.file.max_age", 28)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("sip.transport", "udp")
	v.SetDefault("sip.listen", "127.0.0.1:5060")
	v.SetDefault("sip.external_host", "")
	v.SetDefault("sip.user_agent", "callbridge")

	v.SetDefault("media.ip", "127.0.0.1")
	v.SetDefault("media.port_start", 10000)
	v.SetDefault("media.port_end", 20000)

	v.SetDefault("controller.interval", 20*time.Millisecond)
	v.SetDefault("controller.terminated_ttl", 32*time.Second)
	v.SetDefault("controller.bye_timeout", 5*time.Second)
	v.SetDefault("controller.bridge_timeout", time.Duration(0))
	v.SetDefault("controller.answer_route", "")
	v.SetDefault("controller.bridge_route", "")

	v.SetDefault("registrar.enabled", true)
	v.SetDefault("registrar.realm", "callbridge")
	v.SetDefault("registrar.min_expires", 60)
	v.SetDefault("registrar.max_expires", 3600)

	v.SetDefault("metrics.listen", "")
}

// Load reads config file when path is not empty. Every key can be overridden
// by environment, for example CALLBRIDGE_MEDIA_PORT_START.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CALLBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}

	switch strings.ToLower(c.SIP.Transport) {
	case "udp", "tcp":
	default:
		return fmt.Errorf("%w: sip.transport %q not supported", ErrInvalid, c.SIP.Transport)
	}
	if _, err := netip.ParseAddrPort(c.SIP.Listen); err != nil {
		return fmt.Errorf("%w: sip.listen: %w", ErrInvalid, err)
	}

	if _, err := netip.ParseAddr(c.Media.IP); err != nil {
		return fmt.Errorf("%w: media.ip: %w", ErrInvalid, err)
	}
	if c.Media.PortStart <= 0 || c.Media.PortEnd > 65535 || c.Media.PortEnd-c.Media.PortStart < 1 {
		return fmt.Errorf("%w: media port range %d:%d", ErrInvalid, c.Media.PortStart, c.Media.PortEnd)
	}

	if c.Controller.Interval <= 0 {
		return fmt.Errorf("%w: controller.interval must be positive", ErrInvalid)
	}
	if c.Controller.TerminatedTTL < 0 || c.Controller.ByeTimeout <= 0 || c.Controller.BridgeTimeout < 0 {
		return fmt.Errorf("%w: controller timeouts", ErrInvalid)
	}

	if c.Registrar.MinExpires < 0 || (c.Registrar.MaxExpires > 0 && c.Registrar.MaxExpires < c.Registrar.MinExpires) {
		return fmt.Errorf("%w: registrar expires %d:%d", ErrInvalid, c.Registrar.MinExpires, c.Registrar.MaxExpires)
	}

	for _, name := range []string{c.Controller.AnswerRoute, c.Controller.BridgeRoute} {
		if name == "" {
			continue
		}
		if _, ok := c.Dialplan.Routes[name]; !ok {
			return fmt.Errorf("%w: controller route %q not in dialplan", ErrInvalid, name)
		}
	}
	return nil
}

// Plan compiles dialplan section
func (c *Config) Plan() (*dialplan.Plan, error) {
	return dialplan.Compile(c.Dialplan.Routes, c.Dialplan.Rules)
}
