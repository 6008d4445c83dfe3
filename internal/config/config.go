package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/life-stream-dev/life-stream-go-chat/internal/utils"
)

const (
	DriverMongo  = "mongo"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"

	DefaultPath = "config.json"
	EnvPrefix   = "CHAT_"
)

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

type Database struct {
	Driver             string `json:"driver" env:"DRIVER"`
	Host               string `json:"host" env:"HOST"`
	Port               uint64 `json:"port" env:"PORT"`
	Username           string `json:"username" env:"USERNAME"`
	Password           string `json:"password" env:"PASSWORD"`
	Database           string `json:"database" env:"NAME"`
	UseTLS             bool   `json:"use_tls" env:"USE_TLS"`
	Path               string `json:"path" env:"PATH"`
	ConnectTimeout     string `json:"connect_timeout" env:"CONNECT_TIMEOUT"`
	SocketTimeout      string `json:"socket_timeout" env:"SOCKET_TIMEOUT"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" env:"CONNECT_IDLE_TIMEOUT"`
	OperationTimeout   string `json:"operation_timeout" env:"OPERATION_TIMEOUT"`
	Heartbeat          string `json:"heartbeat" env:"HEARTBEAT"`
	MinPoolSize        uint64 `json:"min_pool_size" env:"MIN_POOL_SIZE"`
	MaxPoolSize        uint64 `json:"max_pool_size" env:"MAX_POOL_SIZE"`
}

type Config struct {
	Database       Database `json:"database" envPrefix:"DATABASE_"`
	DebugMode      bool     `json:"debug_mode" env:"DEBUG_MODE"`
	AppName        string   `json:"app_name" env:"APP_NAME"`
	ListenAddr     string   `json:"listen_addr" env:"LISTEN_ADDR"`
	LogDir         string   `json:"log_dir" env:"LOG_DIR"`
	LogRetention   string   `json:"log_retention" env:"LOG_RETENTION"`
	IdleTimeout    string   `json:"idle_timeout" env:"IDLE_TIMEOUT"`
	MaxConnections int      `json:"max_connections" env:"MAX_CONNECTIONS"`
	PresenceShards int      `json:"presence_shards" env:"PRESENCE_SHARDS"`
	UserCacheSize  int      `json:"user_cache_size" env:"USER_CACHE_SIZE"`
}

// Default returns the configuration written to disk when no file exists yet.
func Default() Config {
	return Config{
		Database: Database{
			Driver:             DriverSQLite,
			Host:               "127.0.0.1",
			Port:               27017,
			Database:           "chat",
			Path:               "data/chat.db",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "15s",
			MinPoolSize:        2,
			MaxPoolSize:        32,
		},
		AppName:        "life-stream-chat",
		ListenAddr:     ":6000",
		LogDir:         "logs",
		LogRetention:   "30d",
		IdleTimeout:    "5m",
		MaxConnections: 10000,
		PresenceShards: 32,
		UserCacheSize:  4096,
	}
}

// ReadConfig loads path, applies CHAT_* environment overrides and validates the result.
// A missing file is created with defaults and reported as ErrConfigCreated.
func ReadConfig(path string) (Config, error) {
	config := Default()
	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return config, fmt.Errorf("unable to read configuration file: %w", err)
		}
		data, _ := json.MarshalIndent(config, "", "\t")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return config, fmt.Errorf("unable to create configuration file: %w", err)
		}
		return config, ErrConfigCreated
	}

	if err := json.Unmarshal(bytes, &config); err != nil {
		return config, errors.New("the configuration file does not contain valid JSON")
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}

	return config, config.Validate()
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMongo, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		return errors.New("database.path is required for the sqlite driver")
	}
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max_connections must be greater than zero")
	}
	if c.PresenceShards <= 0 {
		return errors.New("presence_shards must be greater than zero")
	}
	if c.UserCacheSize <= 0 {
		return errors.New("user_cache_size must be greater than zero")
	}

	durations := map[string]string{
		"log_retention":                 c.LogRetention,
		"idle_timeout":                  c.IdleTimeout,
		"database.connect_timeout":      c.Database.ConnectTimeout,
		"database.socket_timeout":       c.Database.SocketTimeout,
		"database.connect_idle_timeout": c.Database.ConnectIdleTimeout,
		"database.operation_timeout":    c.Database.OperationTimeout,
		"database.heartbeat":            c.Database.Heartbeat,
	}
	for name, value := range durations {
		if _, err := utils.ParseStringTime(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
