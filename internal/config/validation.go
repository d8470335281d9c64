package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	switch g.Protocol {
	case ProtocolTCP, ProtocolSNW:
	default:
		return newFieldError("Global.Protocol", "仅支持 tcp|snw")
	}
	switch g.StreamFraming {
	case FramingLength, FramingMarker:
	default:
		return newFieldError("Global.StreamFraming", "仅支持 length|marker")
	}
	switch g.StoreBackend {
	case BackendFS, BackendBadger:
	default:
		return newFieldError("Global.StoreBackend", "仅支持 fs|badger")
	}
	if g.Timeout.DurationValue() <= 0 {
		return newFieldError("Global.Timeout", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.MaxRetries > 0 && !g.AcceptDuplicateChunks {
		return newFieldError("Global.MaxRetries", "重传可能导致重复数据块写入，需同时设置 AcceptDuplicateChunks = true")
	}
	if c.Cache.FillTimeout.DurationValue() < 0 {
		return newFieldError(sectionField("Cache", "FillTimeout"), "不能为负数")
	}
	if c.Client.ResponseTimeout.DurationValue() < 0 {
		return newFieldError(sectionField("Client", "ResponseTimeout"), "不能为负数")
	}
	if g.DiagnosticsPort < 0 || g.DiagnosticsPort > 65535 {
		return newFieldError("Global.DiagnosticsPort", "必须在 0-65535")
	}

	checks := []struct {
		field string
		value string
	}{
		{sectionField("Cache", "Listen"), c.Cache.Listen},
		{sectionField("Cache", "Origin"), c.Cache.Origin},
		{sectionField("Origin", "Listen"), c.Origin.Listen},
		{sectionField("Client", "Cache"), c.Client.Cache},
		{sectionField("Client", "Origin"), c.Client.Origin},
	}
	for _, check := range checks {
		if err := validateAddr(check.value); err != nil {
			return fmt.Errorf("%s: %w", check.field, err)
		}
	}

	for field, value := range map[string]string{
		sectionField("Cache", "StoragePath"):  c.Cache.StoragePath,
		sectionField("Origin", "StoragePath"): c.Origin.StoragePath,
		sectionField("Client", "StoragePath"): c.Client.StoragePath,
	} {
		if value == "" {
			return newFieldError(field, "不能为空")
		}
	}
	return nil
}

func validateAddr(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	_, port, err := net.SplitHostPort(raw)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("端口必须在 0-65535: %s", raw)
	}
	return nil
}
