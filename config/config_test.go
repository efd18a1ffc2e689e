package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cryptofeed/models"
)

// writeTempConfig writes content to a temporary YAML file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CRYPTOFEED_WS_ENDPOINT", "")
	path := writeTempConfig(t, `cryptofeed:
  name: "TestApp"
  version: "1.0"
subscriptions:
  order_book: ["BTC/USD"]
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Cryptofeed.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Cryptofeed.Name)
	}
	pub := cfg.Realms.Realm(models.RealmPublic)
	if pub.Endpoint != "wss://ws-feed.pro.coinbase.com" {
		t.Errorf("unexpected public endpoint: %s", pub.Endpoint)
	}
	if pub.MaxConnections.Count != 1 || pub.MaxConnections.Window() != 4*time.Second {
		t.Errorf("unexpected public max connections: %+v", pub.MaxConnections)
	}
	if cfg.Realms.Realm(models.RealmPrivate).MaxConnections.Count != 0 {
		t.Errorf("private realm should be disabled")
	}
	if cfg.Channels.SinkBuffer != 256 {
		t.Errorf("unexpected sink buffer: %d", cfg.Channels.SinkBuffer)
	}
	if cfg.Reader.SendRate != 0 {
		t.Errorf("send pacing should be off by default: %v", cfg.Reader.SendRate)
	}
	if len(cfg.Subscriptions.OrderBook) != 1 {
		t.Errorf("unexpected order book subscriptions: %v", cfg.Subscriptions.OrderBook)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("CRYPTOFEED_WS_ENDPOINT", "ws://localhost:9000")
	path := writeTempConfig(t, `cryptofeed:
  name: "TestApp"
realms:
  public:
    max_channels: 10
    max_connections:
      count: 2
      window_ms: 1000
exchange:
  markets:
    - symbol: "BTC/USD"
      id: "BTC-USD"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Realms.Public.Endpoint != "ws://localhost:9000" {
		t.Errorf("env override not applied: %s", cfg.Realms.Public.Endpoint)
	}
	if cfg.Realms.Public.MaxChannels != 10 || cfg.Realms.Public.MaxConnections.Count != 2 {
		t.Errorf("unexpected public realm: %+v", cfg.Realms.Public)
	}
	if len(cfg.Exchange.Markets) != 1 || cfg.Exchange.Markets[0].ID != "BTC-USD" {
		t.Errorf("unexpected markets: %+v", cfg.Exchange.Markets)
	}
}

func TestLoadConfigStorageEnv(t *testing.T) {
	t.Setenv("CRYPTOFEED_WS_ENDPOINT", "")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("S3_BUCKET", "feed-books")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	path := writeTempConfig(t, `cryptofeed:
  name: "TestApp"
storage:
  s3:
    enabled: true
    flush_interval: 30s
  kafka:
    enabled: true
    topic: feed-events
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.S3.Bucket != "feed-books" || cfg.Storage.S3.Region != "eu-west-1" {
		t.Errorf("unexpected s3 config: %+v", cfg.Storage.S3)
	}
	if cfg.Storage.S3.FlushInterval != 30*time.Second || cfg.Storage.S3.Compression != "snappy" {
		t.Errorf("unexpected s3 flush settings: %+v", cfg.Storage.S3)
	}
	if len(cfg.Storage.Kafka.Brokers) != 2 || cfg.Storage.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers: %v", cfg.Storage.Kafka.Brokers)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"defaults", func(*Config) {}, true},
		{"missing name", func(c *Config) { c.Cryptofeed.Name = "" }, false},
		{"zero sink buffer", func(c *Config) { c.Channels.SinkBuffer = 0 }, false},
		{"negative send rate", func(c *Config) { c.Reader.SendRate = -1 }, false},
		{"paced sends", func(c *Config) { c.Reader.SendRate = 8; c.Reader.SendBurst = 20 }, true},
		{"negative window", func(c *Config) { c.Realms.Public.MaxConnections.WindowMs = -1 }, false},
		{"no endpoint", func(c *Config) { c.Realms.Public.Endpoint = "" }, false},
		{"no channels", func(c *Config) { c.Realms.Public.MaxChannels = 0 }, false},
		{"disabled realm without endpoint", func(c *Config) {
			c.Realms.Public = RealmConfig{}
		}, true},
		{"market without id", func(c *Config) {
			c.Exchange.Markets = []MarketConfig{{Symbol: "BTC/USD"}}
		}, true},
		{"market without symbol", func(c *Config) {
			c.Exchange.Markets = []MarketConfig{{ID: "BTC-USD"}}
		}, false},
		{"metrics without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Address = ""
		}, false},
		{"s3 without bucket", func(c *Config) { c.Storage.S3.Enabled = true }, false},
		{"s3 with bucket", func(c *Config) {
			c.Storage.S3.Enabled = true
			c.Storage.S3.Bucket = "books"
		}, true},
		{"kafka without topic", func(c *Config) {
			c.Storage.Kafka.Enabled = true
			c.Storage.Kafka.Brokers = []string{"localhost:9092"}
		}, false},
	}
	for _, c := range cases {
		cfg := Default()
		c.mutate(&cfg)
		err := validateConfig(&cfg)
		if (err == nil) != c.valid {
			t.Errorf("%s: validateConfig err=%v, want valid=%v", c.name, err, c.valid)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(configPathVar, "")
	t.Setenv(appEnvVar, "prod")
	if got := ResolveConfigPath(""); got != DefaultConfigPath {
		t.Errorf("missing production file should fall back, got %s", got)
	}
	if got := ResolveConfigPath("custom.yml"); got != "custom.yml" {
		t.Errorf("explicit path should win, got %s", got)
	}

	t.Setenv(configPathVar, "/etc/cryptofeed.yml")
	if got := ResolveConfigPath(""); got != "/etc/cryptofeed.yml" {
		t.Errorf("CRYPTOFEED_CONFIG should win over APP_ENV, got %s", got)
	}

	t.Setenv(configPathVar, "")
	t.Setenv(appEnvVar, "")
	if got := ResolveConfigPath(""); got != DefaultConfigPath {
		t.Errorf("unexpected development path: %s", got)
	}
	if AppEnvironment() != string(Development) {
		t.Errorf("unexpected environment: %s", AppEnvironment())
	}
}

func TestResolveConfigPathUsesEnvironmentFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config", "config.staging.yml"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	t.Setenv(configPathVar, "")
	t.Setenv(appEnvVar, "stage")
	if got := ResolveConfigPath(""); got != "config/config.staging.yml" {
		t.Errorf("expected staging file, got %s", got)
	}
	if AppEnvironment() != "staging" {
		t.Errorf("alias not resolved: %s", AppEnvironment())
	}
}
