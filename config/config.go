package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cryptofeed/models"
)

type Config struct {
	Cryptofeed    CryptofeedConfig    `yaml:"cryptofeed"`
	Exchange      ExchangeConfig      `yaml:"exchange"`
	Realms        RealmsConfig        `yaml:"realms"`
	Channels      ChannelsConfig      `yaml:"channels"`
	Reader        ReaderConfig        `yaml:"reader"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Dashboard     DashboardConfig     `yaml:"dashboard"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type CryptofeedConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ExchangeConfig selects the venue and where its market list comes from.
// Static markets take precedence over RestURL.
type ExchangeConfig struct {
	Name    string         `yaml:"name"`
	RestURL string         `yaml:"rest_url"`
	Markets []MarketConfig `yaml:"markets"`
}

// MarketConfig maps a unified symbol to a venue product id. An empty id is
// derived from the symbol.
type MarketConfig struct {
	Symbol string `yaml:"symbol"`
	ID     string `yaml:"id"`
}

type RealmsConfig struct {
	Public  RealmConfig `yaml:"public"`
	Private RealmConfig `yaml:"private"`
}

// Realm returns the configuration for r.
func (c RealmsConfig) Realm(r models.Realm) RealmConfig {
	if r == models.RealmPrivate {
		return c.Private
	}
	return c.Public
}

// RealmConfig holds the per-realm capacity and connection-open limits.
type RealmConfig struct {
	Endpoint       string               `yaml:"endpoint"`
	MaxChannels    int                  `yaml:"max_channels"`
	MaxConnections MaxConnectionsConfig `yaml:"max_connections"`
}

// MaxConnectionsConfig allows Count connection opens per WindowMs milliseconds.
type MaxConnectionsConfig struct {
	Count    int `yaml:"count"`
	WindowMs int `yaml:"window_ms"`
}

// Window returns the rate-limit window as a duration.
func (m MaxConnectionsConfig) Window() time.Duration {
	return time.Duration(m.WindowMs) * time.Millisecond
}

// ChannelsConfig sizes the per-sink channels fed by the writer fanout. The
// multiplexer's own result queue always holds a single event.
type ChannelsConfig struct {
	SinkBuffer int `yaml:"sink_buffer"`
}

type ReaderConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	// outbound messages per second per connection; 0 disables pacing
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	LocalIP          string        `yaml:"local_ip"`
	Timeout          time.Duration `yaml:"timeout"`
}

// SubscriptionsConfig lists the symbols subscribed at startup per logical channel.
type SubscriptionsConfig struct {
	Ticker    []string `yaml:"ticker"`
	Trades    []string `yaml:"trades"`
	OrderBook []string `yaml:"order_book"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Address    string           `yaml:"address"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// DashboardConfig controls the HTTP status API.
type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

// StorageConfig configures the event sinks fed from the result queue.
type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// S3Config controls the periodic order book archive. Books are written as
// parquet files, one per symbol and flush.
type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	Compression     string        `yaml:"compression"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the Coinbase Pro configuration used when a key is absent
// from the YAML file.
func Default() Config {
	return Config{
		Cryptofeed: CryptofeedConfig{Name: "cryptofeed", Version: "dev"},
		Exchange: ExchangeConfig{
			Name:    "coinbasepro",
			RestURL: "https://api.pro.coinbase.com",
		},
		Realms: RealmsConfig{
			Public: RealmConfig{
				Endpoint:       "wss://ws-feed.pro.coinbase.com",
				MaxChannels:    1000000, // no per-connection limit on coinbasepro
				MaxConnections: MaxConnectionsConfig{Count: 1, WindowMs: 4000},
			},
			Private: RealmConfig{},
		},
		Channels: ChannelsConfig{SinkBuffer: 256},
		Reader: ReaderConfig{
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     5 * time.Second,
			PingInterval:     30 * time.Second,
			Timeout:          10 * time.Second,
		},
		Metrics: MetricsConfig{Address: "0.0.0.0:2112"},
		Dashboard: DashboardConfig{
			Address:         "0.0.0.0:8080",
			RefreshInterval: 5 * time.Second,
			LogHistory:      200,
			MetricsHistory:  200,
		},
		Storage: StorageConfig{
			S3:    S3Config{FlushInterval: time.Minute, Compression: "snappy"},
			Kafka: KafkaConfig{BatchSize: 100, BatchTimeout: time.Second},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := os.Getenv("CRYPTOFEED_WS_ENDPOINT"); v != "" {
		config.Realms.Public.Endpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		if config.Metrics.CloudWatch.Region == "" {
			config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
		}
		if config.Storage.S3.Region == "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		config.Storage.S3.Bucket = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		config.Storage.Kafka.Brokers = strings.Split(v, ",")
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Cryptofeed.Name == "" {
		return fmt.Errorf("cryptofeed.name is required")
	}

	if cfg.Channels.SinkBuffer <= 0 {
		return fmt.Errorf("channels.sink_buffer must be greater than 0")
	}

	if cfg.Reader.SendRate < 0 || cfg.Reader.SendBurst < 0 {
		return fmt.Errorf("reader.send_rate and reader.send_burst must not be negative")
	}

	if err := validateRealm("public", cfg.Realms.Public); err != nil {
		return err
	}
	if err := validateRealm("private", cfg.Realms.Private); err != nil {
		return err
	}

	for i, m := range cfg.Exchange.Markets {
		if m.Symbol == "" {
			return fmt.Errorf("exchange.markets[%d] needs a symbol", i)
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}

	if s3 := cfg.Storage.S3; s3.Enabled {
		if s3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when s3 is enabled")
		}
		if s3.FlushInterval <= 0 {
			return fmt.Errorf("storage.s3.flush_interval must be greater than 0")
		}
	}
	if k := cfg.Storage.Kafka; k.Enabled && (len(k.Brokers) == 0 || k.Topic == "") {
		return fmt.Errorf("storage.kafka needs brokers and a topic when enabled")
	}

	return nil
}

func validateRealm(name string, rc RealmConfig) error {
	if rc.MaxConnections.Count < 0 || rc.MaxConnections.WindowMs < 0 {
		return fmt.Errorf("realms.%s.max_connections must not be negative", name)
	}
	if rc.MaxConnections.Count == 0 {
		// realm disabled, nothing else to check
		return nil
	}
	if rc.Endpoint == "" {
		return fmt.Errorf("realms.%s.endpoint is required when connections are allowed", name)
	}
	if rc.MaxChannels <= 0 {
		return fmt.Errorf("realms.%s.max_channels must be greater than 0", name)
	}
	return nil
}
