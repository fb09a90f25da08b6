// Package config loads the settings shared by the pool services. Values come
// from built-in defaults, then an optional TOML file, then environment
// variables, each layer overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// Config is passed explicitly to every component constructor.
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Stratum listener
	ListenAddr      string
	ListenPort      int
	MaxConnections  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	ExtraNonce2Size int

	// Status API
	StatusAddr     string
	StatusPort     int
	HashrateWindow time.Duration
	ShareReward    float64

	// Broker
	KafkaBrokers []string
	KafkaGroupID string
	BlockTopic   string
	TaskTopic    string
	PollTimeout  time.Duration

	// Stores
	StoreDriver string
	StoreDSN    string
	// RedisURL and InfluxURL are optional; empty disables the backend.
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Upstream node
	BitcoinRPCHost     string
	BitcoinRPCPort     int
	BitcoinRPCUser     string
	BitcoinRPCPassword string
	BitcoinZMQAddr     string
	BlockPollInterval  time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Store drivers. DriverMemory keeps everything in process.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServiceName: "poolcore",
		Version:     "dev",
		Environment: "development",

		ListenAddr:      "0.0.0.0",
		ListenPort:      3333,
		MaxConnections:  10000,
		ReadTimeout:     5 * time.Minute,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		ExtraNonce2Size: 4,

		StatusAddr:     "0.0.0.0",
		StatusPort:     9090,
		HashrateWindow: 10 * time.Minute,
		ShareReward:    0,

		KafkaBrokers: []string{"localhost:9092"},
		KafkaGroupID: "poolcore",
		BlockTopic:   "BTC_blocks",
		TaskTopic:    "mining_tasks",
		PollTimeout:  time.Second,

		StoreDriver:  DriverSQLite,
		StoreDSN:     "mining_pool.db",
		InfluxOrg:    "poolcore",
		InfluxBucket: "mining",

		BitcoinRPCHost:    "localhost",
		BitcoinRPCPort:    8332,
		BitcoinZMQAddr:    "",
		BlockPollInterval: 5 * time.Second,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load builds the configuration from defaults, the file named by
// POOL_CONFIG_FILE (if any) and the environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("POOL_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// fileConfig mirrors the TOML layout. Zero values leave the default in place.
type fileConfig struct {
	Service struct {
		Name        string `toml:"name"`
		Environment string `toml:"environment"`
	} `toml:"service"`
	Stratum struct {
		ListenAddr      string `toml:"listen_addr"`
		ListenPort      int    `toml:"listen_port"`
		MaxConnections  int    `toml:"max_connections"`
		ReadTimeout     string `toml:"read_timeout"`
		WriteTimeout    string `toml:"write_timeout"`
		ExtraNonce2Size int    `toml:"extranonce2_size"`
	} `toml:"stratum"`
	Status struct {
		ListenAddr     string  `toml:"listen_addr"`
		ListenPort     int     `toml:"listen_port"`
		HashrateWindow string  `toml:"hashrate_window"`
		ShareReward    float64 `toml:"share_reward"`
	} `toml:"status"`
	Kafka struct {
		Brokers     []string `toml:"brokers"`
		GroupID     string   `toml:"group_id"`
		BlockTopic  string   `toml:"block_topic"`
		TaskTopic   string   `toml:"task_topic"`
		PollTimeout string   `toml:"poll_timeout"`
	} `toml:"kafka"`
	Store struct {
		Driver string `toml:"driver"`
		DSN    string `toml:"dsn"`
	} `toml:"store"`
	Redis struct {
		URL string `toml:"url"`
	} `toml:"redis"`
	Influx struct {
		URL    string `toml:"url"`
		Token  string `toml:"token"`
		Org    string `toml:"org"`
		Bucket string `toml:"bucket"`
	} `toml:"influx"`
	Bitcoin struct {
		RPCHost      string `toml:"rpc_host"`
		RPCPort      int    `toml:"rpc_port"`
		RPCUser      string `toml:"rpc_user"`
		RPCPassword  string `toml:"rpc_password"`
		ZMQAddr      string `toml:"zmq_addr"`
		PollInterval string `toml:"poll_interval"`
	} `toml:"bitcoin"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %s does not exist", path)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return c.merge(&fc)
}

func (c *Config) merge(fc *fileConfig) error {
	setString(&c.ServiceName, fc.Service.Name)
	setString(&c.Environment, fc.Service.Environment)

	setString(&c.ListenAddr, fc.Stratum.ListenAddr)
	setInt(&c.ListenPort, fc.Stratum.ListenPort)
	setInt(&c.MaxConnections, fc.Stratum.MaxConnections)
	setInt(&c.ExtraNonce2Size, fc.Stratum.ExtraNonce2Size)

	setString(&c.StatusAddr, fc.Status.ListenAddr)
	setInt(&c.StatusPort, fc.Status.ListenPort)
	if fc.Status.ShareReward != 0 {
		c.ShareReward = fc.Status.ShareReward
	}

	if len(fc.Kafka.Brokers) > 0 {
		c.KafkaBrokers = fc.Kafka.Brokers
	}
	setString(&c.KafkaGroupID, fc.Kafka.GroupID)
	setString(&c.BlockTopic, fc.Kafka.BlockTopic)
	setString(&c.TaskTopic, fc.Kafka.TaskTopic)

	setString(&c.StoreDriver, fc.Store.Driver)
	setString(&c.StoreDSN, fc.Store.DSN)
	setString(&c.RedisURL, fc.Redis.URL)
	setString(&c.InfluxURL, fc.Influx.URL)
	setString(&c.InfluxToken, fc.Influx.Token)
	setString(&c.InfluxOrg, fc.Influx.Org)
	setString(&c.InfluxBucket, fc.Influx.Bucket)

	setString(&c.BitcoinRPCHost, fc.Bitcoin.RPCHost)
	setInt(&c.BitcoinRPCPort, fc.Bitcoin.RPCPort)
	setString(&c.BitcoinRPCUser, fc.Bitcoin.RPCUser)
	setString(&c.BitcoinRPCPassword, fc.Bitcoin.RPCPassword)
	setString(&c.BitcoinZMQAddr, fc.Bitcoin.ZMQAddr)

	setString(&c.LogLevel, fc.Log.Level)
	setString(&c.LogFormat, fc.Log.Format)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"stratum.read_timeout", fc.Stratum.ReadTimeout, &c.ReadTimeout},
		{"stratum.write_timeout", fc.Stratum.WriteTimeout, &c.WriteTimeout},
		{"status.hashrate_window", fc.Status.HashrateWindow, &c.HashrateWindow},
		{"kafka.poll_timeout", fc.Kafka.PollTimeout, &c.PollTimeout},
		{"bitcoin.poll_interval", fc.Bitcoin.PollInterval, &c.BlockPollInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Version = getEnv("VERSION", c.Version)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)

	c.ListenAddr = getEnv("LISTEN_ADDR", c.ListenAddr)
	c.ListenPort = getEnvInt("LISTEN_PORT", c.ListenPort)
	c.MaxConnections = getEnvInt("MAX_CONNECTIONS", c.MaxConnections)
	c.ReadTimeout = getEnvDuration("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", c.WriteTimeout)
	c.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.ExtraNonce2Size = getEnvInt("EXTRANONCE2_SIZE", c.ExtraNonce2Size)

	c.StatusAddr = getEnv("STATUS_ADDR", c.StatusAddr)
	c.StatusPort = getEnvInt("STATUS_PORT", c.StatusPort)
	c.HashrateWindow = getEnvDuration("HASHRATE_WINDOW", c.HashrateWindow)
	c.ShareReward = getEnvFloat("SHARE_REWARD", c.ShareReward)

	c.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaGroupID = getEnv("KAFKA_GROUP_ID", c.KafkaGroupID)
	c.BlockTopic = getEnv("BLOCK_TOPIC", c.BlockTopic)
	c.TaskTopic = getEnv("TASK_TOPIC", c.TaskTopic)
	c.PollTimeout = getEnvDuration("POLL_TIMEOUT", c.PollTimeout)

	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.StoreDSN = getEnv("STORE_DSN", c.StoreDSN)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)

	c.BitcoinRPCHost = getEnv("BITCOIN_RPC_HOST", c.BitcoinRPCHost)
	c.BitcoinRPCPort = getEnvInt("BITCOIN_RPC_PORT", c.BitcoinRPCPort)
	c.BitcoinRPCUser = getEnv("BITCOIN_RPC_USER", c.BitcoinRPCUser)
	c.BitcoinRPCPassword = getEnv("BITCOIN_RPC_PASSWORD", c.BitcoinRPCPassword)
	c.BitcoinZMQAddr = getEnv("BITCOIN_ZMQ_ADDR", c.BitcoinZMQAddr)
	c.BlockPollInterval = getEnvDuration("BLOCK_POLL_INTERVAL", c.BlockPollInterval)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// Validate rejects settings no service can run with.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT must be between 1 and 65535")
	}
	if c.StatusPort <= 0 || c.StatusPort > 65535 {
		return fmt.Errorf("STATUS_PORT must be between 1 and 65535")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive")
	}
	if c.ExtraNonce2Size < 1 || c.ExtraNonce2Size > 8 {
		return fmt.Errorf("EXTRANONCE2_SIZE must be between 1 and 8")
	}
	if c.BlockTopic == "" || c.TaskTopic == "" {
		return fmt.Errorf("BLOCK_TOPIC and TASK_TOPIC cannot be empty")
	}
	if c.BlockTopic == c.TaskTopic {
		return fmt.Errorf("BLOCK_TOPIC and TASK_TOPIC must differ")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS cannot be empty")
	}
	switch c.StoreDriver {
	case DriverSQLite, DriverPostgres:
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q", DriverSQLite, DriverPostgres, DriverMemory)
	}
	if c.StoreDSN == "" && c.StoreDriver != DriverMemory {
		return fmt.Errorf("STORE_DSN cannot be empty")
	}
	for name, d := range map[string]time.Duration{
		"READ_TIMEOUT":        c.ReadTimeout,
		"WRITE_TIMEOUT":       c.WriteTimeout,
		"SHUTDOWN_TIMEOUT":    c.ShutdownTimeout,
		"POLL_TIMEOUT":        c.PollTimeout,
		"HASHRATE_WINDOW":     c.HashrateWindow,
		"BLOCK_POLL_INTERVAL": c.BlockPollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.ShareReward < 0 {
		return fmt.Errorf("SHARE_REWARD cannot be negative")
	}
	return nil
}

// StratumAddr is the host:port the Stratum listener binds.
func (c *Config) StratumAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.ListenPort)
}

// StatusListenAddr is the host:port the status API binds.
func (c *Config) StatusListenAddr() string {
	return fmt.Sprintf("%s:%d", c.StatusAddr, c.StatusPort)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
