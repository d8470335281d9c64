package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return decode(v)
}

// LoadOrDefault 在配置文件不存在时退回内置默认值，其余错误与 Load 一致。
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		v := viper.New()
		setDefaults(v)
		return decode(v)
	}
	return Load(path)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.resolveStoragePaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("Protocol", ProtocolTCP)
	v.SetDefault("StreamFraming", FramingLength)
	v.SetDefault("Timeout", "1s")
	v.SetDefault("MaxRetries", 0)
	v.SetDefault("AcceptDuplicateChunks", false)
	v.SetDefault("StoreBackend", BackendFS)
	v.SetDefault("DiagnosticsPort", 0)

	v.SetDefault("Cache.Listen", "localhost:9000")
	v.SetDefault("Cache.StoragePath", "./cache_files")
	v.SetDefault("Cache.Origin", "localhost:9001")
	v.SetDefault("Cache.Concurrent", false)
	v.SetDefault("Cache.FillTimeout", "10m")

	v.SetDefault("Origin.Listen", "localhost:9001")
	v.SetDefault("Origin.StoragePath", "./server_files")

	v.SetDefault("Client.StoragePath", "./client_files")
	v.SetDefault("Client.Cache", "localhost:9000")
	v.SetDefault("Client.Origin", "localhost:9001")
	v.SetDefault("Client.ResponseTimeout", "0s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	g.Protocol = strings.ToLower(strings.TrimSpace(g.Protocol))
	g.StreamFraming = strings.ToLower(strings.TrimSpace(g.StreamFraming))
	g.StoreBackend = strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if g.Protocol == "" {
		g.Protocol = ProtocolTCP
	}
	if g.StreamFraming == "" {
		g.StreamFraming = FramingLength
	}
	if g.StoreBackend == "" {
		g.StoreBackend = BackendFS
	}
	if g.Timeout.DurationValue() == 0 {
		g.Timeout = Duration(time.Second)
	}
}

func (c *Config) resolveStoragePaths() error {
	for _, target := range []*string{&c.Cache.StoragePath, &c.Origin.StoragePath, &c.Client.StoragePath} {
		abs, err := filepath.Abs(*target)
		if err != nil {
			return fmt.Errorf("无法解析存储目录: %w", err)
		}
		*target = abs
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
