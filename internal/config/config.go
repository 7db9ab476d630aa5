package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Bidding  BiddingConfig  `mapstructure:"bidding"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Leader   LeaderConfig   `mapstructure:"leader"`
	Instance InstanceConfig `mapstructure:"instance"`
	Log      LogConfig      `mapstructure:"log"`
	Rules    RulesConfig    `mapstructure:"rules"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// FeedConfig describes the upstream bid feed connection.
type FeedConfig struct {
	URL                 string        `mapstructure:"url"`
	Token               string        `mapstructure:"token"`
	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout"`
	ReconnectDelay      time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMaxDelay   time.Duration `mapstructure:"reconnect_max_delay"`
	ReconnectMultiplier float64       `mapstructure:"reconnect_multiplier"`
	ReconnectMax        int           `mapstructure:"reconnect_max"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
}

type BiddingConfig struct {
	BidderID       string        `mapstructure:"bidder_id"`
	SubmitTimeout  time.Duration `mapstructure:"submit_timeout"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	Watch          []string      `mapstructure:"watch"`
	Publish        bool          `mapstructure:"publish"`
	Warm           bool          `mapstructure:"warm"`
}

type RedisConfig struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type LeaderConfig struct {
	Key string        `mapstructure:"key"`
	TTL time.Duration `mapstructure:"ttl"`
}

type InstanceConfig struct {
	ID string `mapstructure:"id"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type RulesConfig struct {
	RefreshSchedule string `mapstructure:"refresh_schedule"`
}

func newViper() *viper.Viper {
	v := viper.New()

	// Set default values
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("feed.url", "")
	v.SetDefault("feed.token", "")
	v.SetDefault("feed.handshake_timeout", 10*time.Second)
	v.SetDefault("feed.reconnect_delay", 1*time.Second)
	v.SetDefault("feed.reconnect_max_delay", 30*time.Second)
	v.SetDefault("feed.reconnect_multiplier", 2.0)
	v.SetDefault("feed.reconnect_max", 0)
	v.SetDefault("feed.heartbeat_interval", 15*time.Second)
	v.SetDefault("feed.read_timeout", 60*time.Second)
	v.SetDefault("bidding.bidder_id", "")
	v.SetDefault("bidding.submit_timeout", 10*time.Second)
	v.SetDefault("bidding.confirm_timeout", 5*time.Second)
	v.SetDefault("bidding.watch", []string{})
	v.SetDefault("bidding.publish", true)
	v.SetDefault("bidding.warm", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.token_ttl", 0)
	v.SetDefault("mysql.dsn", "bid_user:bid_pass@tcp(localhost:3306)/bid_db?parseTime=true")
	v.SetDefault("mysql.max_open_conns", 25)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("leader.key", "bid_recorder_leader")
	v.SetDefault("leader.ttl", 30*time.Second)
	v.SetDefault("instance.id", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("rules.refresh_schedule", "@every 1m")

	// Environment variable mappings
	v.AutomaticEnv()
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.host", "SERVER_HOST")
	_ = v.BindEnv("feed.url", "FEED_URL")
	_ = v.BindEnv("feed.token", "FEED_TOKEN")
	_ = v.BindEnv("feed.reconnect_max", "FEED_RECONNECT_MAX")
	_ = v.BindEnv("feed.heartbeat_interval", "FEED_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("bidding.bidder_id", "BIDDER_ID")
	_ = v.BindEnv("bidding.watch", "WATCH_ITEMS")
	_ = v.BindEnv("bidding.warm", "WARM_HISTORY")
	_ = v.BindEnv("redis.address", "REDIS_ADDRESS")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("mysql.dsn", "MYSQL_DSN")
	_ = v.BindEnv("mysql.max_open_conns", "MYSQL_MAX_OPEN_CONNS")
	_ = v.BindEnv("mysql.max_idle_conns", "MYSQL_MAX_IDLE_CONNS")
	_ = v.BindEnv("mysql.conn_max_lifetime", "MYSQL_CONN_MAX_LIFETIME")
	_ = v.BindEnv("leader.ttl", "LEADER_TTL")
	_ = v.BindEnv("instance.id", "INSTANCE_ID")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("rules.refresh_schedule", "RULES_REFRESH_SCHEDULE")

	return v
}

// Load reads config.yaml from the usual locations when present, then applies
// environment overrides on top of the defaults.
func Load() (*Config, error) {
	v := newViper()

	// Configuration file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/bidstream/")

	// Read configuration file (optional - will use defaults/env vars if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if config.Instance.ID == "" {
		config.Instance.ID = "bidstream-" + uuid.NewString()[:8]
	}
	return &config, nil
}

// ValidateClient checks the settings the bid client cannot run without.
func (c *Config) ValidateClient() error {
	var errs []error
	if c.Feed.URL == "" {
		errs = append(errs, errors.New("feed.url is required"))
	}
	if c.Bidding.BidderID == "" {
		errs = append(errs, errors.New("bidding.bidder_id is required"))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port %d is invalid", c.Server.Port))
	}
	return errors.Join(errs...)
}

// GetConfigString returns a formatted string representation of the config
func (c *Config) GetConfigString() string {
	return fmt.Sprintf(
		"Server: %s:%d, Feed: %s, Bidder: %s, Redis: %s, Instance: %s",
		c.Server.Host,
		c.Server.Port,
		c.Feed.URL,
		c.Bidding.BidderID,
		c.Redis.Address,
		c.Instance.ID,
	)
}

func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
