// Package config loads service settings from an optional YAML file and LOCATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"locate-go/fusion"
)

type Config struct {
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	HTTP    HTTPConfig    `yaml:"http"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	NATS    NATSConfig    `yaml:"nats"`
	Topic   TopicConfig   `yaml:"topic"`
	Engine  EngineConfig  `yaml:"engine"`
	Store   StoreConfig   `yaml:"store"`
	Capture CaptureConfig `yaml:"capture"`
	UDP     UDPConfig     `yaml:"udp"`
	Display DisplayConfig `yaml:"display"`
}

type HTTPConfig struct {
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`
}

// MQTTConfig is disabled when Broker is empty.
type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	ClientPrefix string `yaml:"client_prefix"`
	QoS          byte   `yaml:"qos"`
}

// NATSConfig is disabled when URL is empty. Positions are published under PositionPrefix
// when it is set.
type NATSConfig struct {
	URL            string `yaml:"url"`
	Subscribe      bool   `yaml:"subscribe"`
	PositionPrefix string `yaml:"position_prefix"`
}

type TopicConfig struct {
	Prefix string `yaml:"prefix"`
	Middle string `yaml:"middle"`
	Suffix string `yaml:"suffix"`
}

type EngineConfig struct {
	Solver        string        `yaml:"solver"`
	Staleness     time.Duration `yaml:"staleness"`
	Inactivity    time.Duration `yaml:"inactivity"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RSSIAt1m      float64       `yaml:"rssi_at_1m"`
	PathLoss      float64       `yaml:"path_loss"`
	Floors        []string      `yaml:"floors"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// CaptureConfig records inbound messages to Path when set.
type CaptureConfig struct {
	Path string `yaml:"path"`
}

// UDPConfig accepts "<topic> <payload>" datagrams on Addr when set.
type UDPConfig struct {
	Addr string `yaml:"addr"`
}

// DisplayConfig forwards positions as display lines to every listed target.
type DisplayConfig struct {
	Header string   `yaml:"header"`
	UDP    []string `yaml:"udp"`
	TCP    []string `yaml:"tcp"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP:     HTTPConfig{Addr: ":8080"},
		MQTT:     MQTTConfig{ClientPrefix: "ble_localization_"},
		Topic:    TopicConfig{Prefix: "esp", Middle: "ble", Suffix: "rssi"},
		Engine: EngineConfig{
			Solver:        fusion.SolverPair,
			Staleness:     fusion.StalenessWindow,
			Inactivity:    fusion.InactivityTimeout,
			SweepInterval: fusion.SweepInterval,
			RSSIAt1m:      fusion.DefaultRSSIAt1m,
			PathLoss:      fusion.DefaultPathLoss,
			Floors:        append([]string(nil), fusion.DefaultFloorNames...),
		},
		Store: StoreConfig{Path: "locate.db"},
	}
}

// Load applies, in order: defaults, the YAML file at path (if non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = getEnv("LOCATE_LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("LOCATE_LOG_FILE", c.LogFile)
	c.HTTP.Addr = getEnv("LOCATE_HTTP_ADDR", c.HTTP.Addr)
	c.MQTT.Broker = getEnv("LOCATE_MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Username = getEnv("LOCATE_MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("LOCATE_MQTT_PASSWORD", c.MQTT.Password)
	c.NATS.URL = getEnv("LOCATE_NATS_URL", c.NATS.URL)
	c.Store.Path = getEnv("LOCATE_DB_PATH", c.Store.Path)
	c.Capture.Path = getEnv("LOCATE_CAPTURE", c.Capture.Path)
	c.UDP.Addr = getEnv("LOCATE_UDP_ADDR", c.UDP.Addr)
	c.Engine.Solver = getEnv("LOCATE_SOLVER", c.Engine.Solver)
	if v := os.Getenv("LOCATE_STALENESS"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LOCATE_STALENESS: %w", err)
		}
		c.Engine.Staleness = d
	}
	return nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := fusion.SolverByName(c.Engine.Solver); err != nil {
		errs = append(errs, err)
	}
	if c.Engine.Staleness <= 0 {
		errs = append(errs, fmt.Errorf("engine.staleness must be positive, got %s", c.Engine.Staleness))
	}
	if c.Engine.Inactivity < c.Engine.Staleness {
		errs = append(errs, fmt.Errorf("engine.inactivity (%s) must not be shorter than engine.staleness (%s)", c.Engine.Inactivity, c.Engine.Staleness))
	}
	if c.Engine.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("engine.sweep_interval must be positive, got %s", c.Engine.SweepInterval))
	}
	if err := c.PathLoss().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Engine.Floors) == 0 {
		errs = append(errs, errors.New("engine.floors must name at least one floor"))
	}
	for name, seg := range map[string]string{"prefix": c.Topic.Prefix, "middle": c.Topic.Middle, "suffix": c.Topic.Suffix} {
		if seg == "" || strings.ContainsAny(seg, "/.+*#") {
			errs = append(errs, fmt.Errorf("topic.%s %q must be a single non-empty segment", name, seg))
		}
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

func (c Config) PathLoss() fusion.PathLoss {
	return fusion.PathLoss{RSSIAt1m: c.Engine.RSSIAt1m, Exponent: c.Engine.PathLoss}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
