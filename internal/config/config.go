// Package config loads and validates the proxy's JSON configuration (spec
// §6), an external-collaborator concern the core spec treats as
// out-of-scope for its correctness but which the ambient stack still needs
// a concrete, idiomatic loader for.
//
// Comment-stripping is done by hand (stdlib regexp over the raw bytes)
// rather than via a JSONC-capable parser, since no dependency in the
// retrieval pack offers one — see DESIGN.md for this package's
// stdlib-justification entry.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/coldwire/coldwire/internal/logx"
)

// General carries the process-wide DNS policy and log level (the
// log_level field is a supplemented addition; original_source's CLI reads
// an equivalent setting from its own config — see SPEC_FULL.md).
type General struct {
	PreferIPv6 bool   `json:"prefer_ipv6"`
	UseIPv6    bool   `json:"use_ipv6"`
	LogLevel   string `json:"log_level"`
}

// DNS is the optional dns block.
type DNS struct {
	Bind    string              `json:"bind"`
	Servers []string            `json:"servers"`
	Hosts   map[string][]string `json:"hosts"`
}

// TunSettings is the inbound "settings" payload for protocol "tun"
// (supplemented: spec §6 leaves the tun inbound's settings unspecified).
type TunSettings struct {
	Name string `json:"name"`
	CIDR string `json:"cidr"`
	MTU  int    `json:"mtu"`
}

// SocksListenSettings is the inbound "settings" payload for protocol "socks".
type SocksListenSettings struct {
	// intentionally empty: a socks inbound is fully described by listen/port
}

// Inbound describes one configured listener (spec §6).
type Inbound struct {
	Protocol string          `json:"protocol"`
	Tag      string          `json:"tag"`
	Listen   string          `json:"listen"`
	Port     int             `json:"port"`
	Settings json.RawMessage `json:"settings"`
}

// TunSettings parses in.Settings as a tun inbound's settings block.
func (in Inbound) TunSettings() (TunSettings, error) {
	var s TunSettings
	if len(in.Settings) == 0 {
		return s, fmt.Errorf("config: inbound %q missing tun settings", in.Tag)
	}
	err := json.Unmarshal(in.Settings, &s)
	return s, err
}

// OutboundSocksSettings is the outbound "settings" payload for protocol "socks".
type OutboundSocksSettings struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// OutboundShadowsocksSettings is the outbound "settings" payload for
// protocol "shadowsocks".
type OutboundShadowsocksSettings struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Method   string `json:"method"`
	Password string `json:"password"`
}

// Outbound describes one configured egress handler (spec §6).
type Outbound struct {
	Protocol string          `json:"protocol"`
	Tag      string          `json:"tag"`
	Settings json.RawMessage `json:"settings"`
}

// SocksSettings parses o.Settings as a "socks" outbound's settings block.
func (o Outbound) SocksSettings() (OutboundSocksSettings, error) {
	var s OutboundSocksSettings
	err := json.Unmarshal(o.Settings, &s)
	return s, err
}

// ShadowsocksSettings parses o.Settings as a "shadowsocks" outbound's
// settings block.
func (o Outbound) ShadowsocksSettings() (OutboundShadowsocksSettings, error) {
	var s OutboundShadowsocksSettings
	err := json.Unmarshal(o.Settings, &s)
	return s, err
}

// Rule mirrors the wire shape of one routing rule (spec §6), consumed by
// internal/router.New after translation to router.Rule.
type Rule struct {
	Target string   `json:"target"`
	IP     []string `json:"ip"`
	Domain []string `json:"domain"`
	Regexp []string `json:"regexp"`
}

// Config is the fully parsed, not-yet-validated configuration document.
type Config struct {
	General   General    `json:"general"`
	DNS       *DNS       `json:"dns"`
	Inbounds  []Inbound  `json:"inbounds"`
	Outbounds []Outbound `json:"outbounds"`
	Routes    []Rule     `json:"routes"`
}

var lineComment = regexp.MustCompile(`(?m)^[ \t]*//[^\n]*`)

// Load reads, strips // comments from, and parses the JSON config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	stripped := lineComment.ReplaceAll(raw, nil)

	var cfg Config
	if err := json.Unmarshal(stripped, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for _, in := range c.Inbounds {
		if in.Tag == "" {
			return fmt.Errorf("config: inbound missing tag")
		}
		if seen[in.Tag] {
			return fmt.Errorf("config: duplicate inbound tag %q", in.Tag)
		}
		seen[in.Tag] = true
		switch in.Protocol {
		case "socks", "tun":
		default:
			logx.W("config: inbound %q has unknown protocol %q, skipping", in.Tag, in.Protocol)
		}
	}

	seen = make(map[string]bool)
	for _, o := range c.Outbounds {
		if o.Tag == "" {
			return fmt.Errorf("config: outbound missing tag")
		}
		if seen[o.Tag] {
			return fmt.Errorf("config: duplicate outbound tag %q", o.Tag)
		}
		seen[o.Tag] = true
		switch o.Protocol {
		case "socks", "shadowsocks", "direct":
		default:
			logx.W("config: outbound %q has unknown protocol %q, skipping", o.Tag, o.Protocol)
		}
	}
	return nil
}
