package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pndaproject/clusterprobe/kafkahealth"
	"github.com/pndaproject/clusterprobe/kafkahealth/jmxproxy"
	"github.com/pndaproject/clusterprobe/kafkahealth/roundtrip"
	"github.com/pndaproject/clusterprobe/kafkahealth/zkensemble"
)

// Zookeeper holds the ensemble settings.
type Zookeeper struct {
	Connect        string        `yaml:"connect"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ProbeTimeout   time.Duration `yaml:"broker_probe_timeout"`
}

// Kafka holds the cluster settings.
type Kafka struct {
	BrokerList      string `yaml:"broker_list"`
	Scheme          string `yaml:"scheme"`
	AnomalyPolicy   string `yaml:"anomaly_policy"`
	DriftEscalation bool   `yaml:"drift_escalation"`
}

// JMX holds the metric proxy settings.
type JMX struct {
	Enabled       bool          `yaml:"enabled"`
	Proxy         string        `yaml:"proxy"`
	TLS           bool          `yaml:"tls"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify"`
	Timeout       time.Duration `yaml:"timeout"`
	Manifest      string        `yaml:"manifest"`
}

// RoundTrip holds the produce/consume probe settings.
type RoundTrip struct {
	Enabled     bool          `yaml:"enabled"`
	Topic       string        `yaml:"topic"`
	Group       string        `yaml:"group"`
	Messages    int           `yaml:"messages"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// Config is the configuration of the kafkahealth binary.
type Config struct {
	Cluster    string        `yaml:"cluster"`
	Listen     string        `yaml:"listen"`
	LogLevel   string        `yaml:"log_level"`
	Schedule   string        `yaml:"schedule"`
	Interval   time.Duration `yaml:"interval"`
	RunTimeout time.Duration `yaml:"run_timeout"`
	Zookeeper  Zookeeper     `yaml:"zookeeper"`
	Kafka      Kafka         `yaml:"kafka"`
	JMX        JMX           `yaml:"jmx"`
	RoundTrip  RoundTrip     `yaml:"roundtrip"`
}

func defaultConfig() Config {
	return Config{
		Cluster:    kafkahealth.DefaultCluster,
		Listen:     ":8080",
		LogLevel:   "info",
		Interval:   kafkahealth.DefaultInterval,
		RunTimeout: 5 * time.Minute,
		Zookeeper: Zookeeper{
			Connect:        kafkahealth.DefaultZKConnect,
			SessionTimeout: zkensemble.DefaultSessionTimeout,
			PingTimeout:    zkensemble.DefaultPingTimeout,
			ConnectTimeout: zkensemble.DefaultConnectTimeout,
			ProbeTimeout:   zkensemble.DefaultProbeTimeout,
		},
		Kafka: Kafka{
			BrokerList:    kafkahealth.DefaultBrokerList,
			Scheme:        kafkahealth.DefaultScheme,
			AnomalyPolicy: string(kafkahealth.AnomalyLastWins),
		},
		JMX: JMX{
			Enabled: true,
			Proxy:   jmxproxy.DefaultProxy,
			Timeout: jmxproxy.DefaultTimeout,
		},
		RoundTrip: RoundTrip{
			Topic:       roundtrip.DefaultTopic,
			Group:       roundtrip.DefaultGroup,
			Messages:    roundtrip.DefaultMessages,
			IdleTimeout: roundtrip.DefaultIdleTimeout,
		},
	}
}

// LoadConfig reads the YAML file at path, when given, over the defaults
// and applies the KAFKAHEALTH_* environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if _, err := parseLogLevel(cfg.LogLevel); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Zookeeper.Connect = getEnv("KAFKAHEALTH_ZK_CONNECT", cfg.Zookeeper.Connect)
	cfg.Kafka.BrokerList = getEnv("KAFKAHEALTH_BROKER_LIST", cfg.Kafka.BrokerList)
	cfg.JMX.Proxy = getEnv("KAFKAHEALTH_JMX_PROXY", cfg.JMX.Proxy)
	cfg.Schedule = getEnv("KAFKAHEALTH_SCHEDULE", cfg.Schedule)
	cfg.Listen = getEnv("KAFKAHEALTH_LISTEN", cfg.Listen)
	cfg.LogLevel = getEnv("KAFKAHEALTH_LOG_LEVEL", cfg.LogLevel)

	if v := os.Getenv("KAFKAHEALTH_ROUNDTRIP"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid KAFKAHEALTH_ROUNDTRIP %q: %w", v, err)
		}
		cfg.RoundTrip.Enabled = enabled
	}
	if v := os.Getenv("KAFKAHEALTH_INTERVAL"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid KAFKAHEALTH_INTERVAL %q: %w", v, err)
		}
		cfg.Interval = d
	}
	if v := os.Getenv("KAFKAHEALTH_RUN_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid KAFKAHEALTH_RUN_TIMEOUT %q: %w", v, err)
		}
		cfg.RunTimeout = d
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseDuration accepts a Go duration ("10s", "1m") or a number of
// seconds ("10", "15.5").
func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("expected seconds or a Go duration: %q", s)
	}
	return time.Duration(sec * float64(time.Second)), nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
