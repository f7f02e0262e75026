// Package config loads the broker and subscriber configuration from
// config.json, with FILEBROKER_* environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/life-stream-dev/life-stream-go-file-broker/internal/utils"
)

const (
	DefaultPath = "config.json"
	EnvPrefix   = "FILEBROKER"
)

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

type ServerConfig struct {
	Host             string `json:"host" mapstructure:"host"`
	Port             int    `json:"port" mapstructure:"port" validate:"min=0,max=65535"`
	MaxTopicLength   int    `json:"max_topic_length" mapstructure:"max_topic_length" validate:"min=1,max=65536"`
	MaxConnections   int    `json:"max_connections" mapstructure:"max_connections" validate:"min=1"`
	HandshakeTimeout string `json:"handshake_timeout" mapstructure:"handshake_timeout" validate:"duration"`
	WriteTimeout     string `json:"write_timeout" mapstructure:"write_timeout" validate:"duration"`
	SendQueueSize    int    `json:"send_queue_size" mapstructure:"send_queue_size" validate:"min=1"`
	HistorySize      int    `json:"history_size" mapstructure:"history_size" validate:"min=1"`
	HistoryTTL       string `json:"history_ttl" mapstructure:"history_ttl" validate:"duration"`
}

type ClientConfig struct {
	ServerAddress string `json:"server_address" mapstructure:"server_address" validate:"required,hostname_port"`
	OutputDir     string `json:"output_dir" mapstructure:"output_dir" validate:"required"`
	MaxFileSize   string `json:"max_file_size" mapstructure:"max_file_size" validate:"bytesize"`
	DialTimeout   string `json:"dial_timeout" mapstructure:"dial_timeout" validate:"duration"`
	RetryBase     string `json:"retry_base" mapstructure:"retry_base" validate:"duration"`
	RetryCap      string `json:"retry_cap" mapstructure:"retry_cap" validate:"duration"`
	MaxRetries    uint64 `json:"max_retries" mapstructure:"max_retries"`
}

type AdminConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen" validate:"required_if=Enabled true"`
}

type DatabaseConfig struct {
	Enabled            bool   `json:"enabled" mapstructure:"enabled"`
	Host               string `json:"host" mapstructure:"host" validate:"required_if=Enabled true"`
	Port               uint64 `json:"port" mapstructure:"port"`
	Username           string `json:"username" mapstructure:"username"`
	Password           string `json:"password" mapstructure:"password"`
	Database           string `json:"database" mapstructure:"database" validate:"required_if=Enabled true"`
	UseTLS             bool   `json:"use_tls" mapstructure:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout" mapstructure:"connect_timeout" validate:"duration"`
	SocketTimeout      string `json:"socket_timeout" mapstructure:"socket_timeout" validate:"duration"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" mapstructure:"connect_idle_timeout" validate:"duration"`
	OperationTimeout   string `json:"operation_timeout" mapstructure:"operation_timeout" validate:"duration"`
	Heartbeat          string `json:"heartbeat" mapstructure:"heartbeat" validate:"duration"`
	MinPoolSize        uint64 `json:"min_pool_size" mapstructure:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" mapstructure:"max_pool_size"`
	QueueSize          int    `json:"queue_size" mapstructure:"queue_size" validate:"min=1"`
}

type DiscoveryConfig struct {
	Root string `json:"root" mapstructure:"root"`
}

type Config struct {
	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Client    ClientConfig    `json:"client" mapstructure:"client"`
	Admin     AdminConfig     `json:"admin" mapstructure:"admin"`
	Database  DatabaseConfig  `json:"database" mapstructure:"database"`
	Discovery DiscoveryConfig `json:"discovery" mapstructure:"discovery"`
	DebugMode bool            `json:"debug_mode" mapstructure:"debug_mode"`
	AppName   string          `json:"app_name" mapstructure:"app_name" validate:"required"`
	LogDir    string          `json:"log_dir" mapstructure:"log_dir"`
}

// Default returns the configuration written when no config file exists.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:             "",
			Port:             8000,
			MaxTopicLength:   1024,
			MaxConnections:   10000,
			HandshakeTimeout: "30s",
			WriteTimeout:     "1m",
			SendQueueSize:    16,
			HistorySize:      256,
			HistoryTTL:       "1h",
		},
		Client: ClientConfig{
			ServerAddress: "127.0.0.1:8000",
			OutputDir:     "received",
			MaxFileSize:   "0",
			DialTimeout:   "10s",
			RetryBase:     "500ms",
			RetryCap:      "30s",
			MaxRetries:    0,
		},
		Admin: AdminConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		Database: DatabaseConfig{
			Enabled:            false,
			Host:               "localhost",
			Port:               27017,
			Database:           "file_broker",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        16,
			QueueSize:          1024,
		},
		AppName: "life-stream-file-broker",
		LogDir:  "logs",
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			_, err := utils.ParseStringTime(fl.Field().String())
			return err == nil
		})
		_ = validate.RegisterValidation("bytesize", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			if s == "" || s == "0" {
				return true
			}
			_, err := humanize.ParseBytes(s)
			return err == nil
		})
	})
	return validate
}

func Validate(cfg Config) error {
	if err := validatorInstance().Struct(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

func writeDefault(path string) error {
	data, err := json.MarshalIndent(Default(), "", "\t")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// setDefaults registers every leaf of cfg so that environment overrides
// apply to keys missing from the file.
func setDefaults(v *viper.Viper, cfg Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if nested, ok := val.(map[string]any); ok {
				walk(key, nested)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
	return nil
}
