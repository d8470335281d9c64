package config

import "strings"

// Overrides 承载 CLI 标志，优先级高于配置文件：
// - Protocol：覆盖 Global.Protocol（tcp|snw）；
// - Listen：覆盖当前角色的监听地址，client 角色忽略；
// - Peer：cache 角色覆盖回源地址，client 角色覆盖缓存地址。
type Overrides struct {
	Protocol string
	Listen   string
	Peer     string
}

// ApplyOverrides 将 CLI 覆盖项合并进配置并重新校验。
func (c *Config) ApplyOverrides(role Role, o Overrides) error {
	if p := strings.ToLower(strings.TrimSpace(o.Protocol)); p != "" {
		c.Global.Protocol = p
	}
	if listen := strings.TrimSpace(o.Listen); listen != "" {
		switch role {
		case RoleCache:
			c.Cache.Listen = listen
		case RoleOrigin:
			c.Origin.Listen = listen
		}
	}
	if peer := strings.TrimSpace(o.Peer); peer != "" {
		switch role {
		case RoleCache:
			c.Cache.Origin = peer
		case RoleClient:
			c.Client.Cache = peer
		}
	}
	return c.Validate()
}
