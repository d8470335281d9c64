package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "500ms"、"1s" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// Role 选择进程扮演的参与方。
type Role string

const (
	RoleCache  Role = "cache"
	RoleOrigin Role = "origin"
	RoleClient Role = "client"
)

// 传输协议与存储后端取值。
const (
	ProtocolTCP = "tcp"
	ProtocolSNW = "snw"

	FramingLength = "length"
	FramingMarker = "marker"

	BackendFS     = "fs"
	BackendBadger = "badger"
)

// GlobalConfig 描述所有角色共享的运行时行为。
type GlobalConfig struct {
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	Protocol        string   `mapstructure:"Protocol"`
	StreamFraming   string   `mapstructure:"StreamFraming"`
	Timeout         Duration `mapstructure:"Timeout"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	StoreBackend    string   `mapstructure:"StoreBackend"`
	DiagnosticsPort int      `mapstructure:"DiagnosticsPort"`
	// AcceptDuplicateChunks 必须为 true 才允许 MaxRetries > 0：数据块没有序号，
	// ACK 丢失后的重传会被接收方再次追加。
	AcceptDuplicateChunks bool `mapstructure:"AcceptDuplicateChunks"`
}

// CacheConfig 描述缓存节点的监听地址、存储目录与回源目标。
type CacheConfig struct {
	Listen      string `mapstructure:"Listen"`
	StoragePath string `mapstructure:"StoragePath"`
	Origin      string `mapstructure:"Origin"`
	// Concurrent 为 true 时每条 TCP 连接独立处理；数据报循环始终串行。
	Concurrent bool `mapstructure:"Concurrent"`
	// FillTimeout 限制一次回源的总时长，0 表示不限制。
	FillTimeout Duration `mapstructure:"FillTimeout"`
}

// OriginConfig 描述源站节点。
type OriginConfig struct {
	Listen      string `mapstructure:"Listen"`
	StoragePath string `mapstructure:"StoragePath"`
}

// ClientConfig 描述请求方的本地目录以及缓存/源站地址。
type ClientConfig struct {
	StoragePath string `mapstructure:"StoragePath"`
	Cache       string `mapstructure:"Cache"`
	Origin      string `mapstructure:"Origin"`
	// ResponseTimeout 限制数据报请求等待缓存/源站首个回复的时间；0 表示一直等到被中断。
	// 缓存未命中时首个回复要等回源完成，因此不能复用逐块的 Timeout。
	ResponseTimeout Duration `mapstructure:"ResponseTimeout"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:"Cache"`
	Origin OriginConfig `mapstructure:"Origin"`
	Client ClientConfig `mapstructure:"Client"`
}

// StoragePath 返回角色对应的存储根目录。
func (c *Config) StoragePath(role Role) string {
	switch role {
	case RoleCache:
		return c.Cache.StoragePath
	case RoleOrigin:
		return c.Origin.StoragePath
	default:
		return c.Client.StoragePath
	}
}

// ListenAddr 返回服务角色的监听地址；client 不监听。
func (c *Config) ListenAddr(role Role) string {
	switch role {
	case RoleCache:
		return c.Cache.Listen
	case RoleOrigin:
		return c.Origin.Listen
	default:
		return ""
	}
}

// ParseRole 标准化 --role 取值。
func ParseRole(raw string) (Role, error) {
	switch role := Role(strings.ToLower(strings.TrimSpace(raw))); role {
	case RoleCache, RoleOrigin, RoleClient:
		return role, nil
	default:
		return "", newFieldError("role", "仅支持 cache|origin|client")
	}
}
