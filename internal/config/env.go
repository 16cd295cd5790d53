package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "BTLITE_"

type envVar struct {
	name  string
	apply func(c *Config, v string) error
}

func setString(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func setInt(dst func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func setDuration(dst func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

var envVars = []envVar{
	{"CONTROL_ADDR", setString(func(c *Config) *string { return &c.ControlAddr })},
	{"METRICS_ADDR", setString(func(c *Config) *string { return &c.MetricsAddr })},
	{"GUID", setString(func(c *Config) *string { return &c.GUID })},
	{"RADIO_KIND", setString(func(c *Config) *string { return &c.Radio.Kind })},
	{"RADIO_ADDRESS", setString(func(c *Config) *string { return &c.Radio.Address })},
	{"RADIO_NAME", setString(func(c *Config) *string { return &c.Radio.Name })},
	{"PRESENCE_PORT", setInt(func(c *Config) *int { return &c.Radio.PresencePort })},
	{"ANNOUNCE_INTERVAL", setDuration(func(c *Config) *time.Duration { return &c.Radio.AnnounceInterval })},
	{"STALE_TIMEOUT", setDuration(func(c *Config) *time.Duration { return &c.Radio.StaleTimeout })},
	{"SEED_PEERS", func(c *Config, v string) error {
		c.Radio.SeedPeers = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Radio.SeedPeers = append(c.Radio.SeedPeers, p)
			}
		}
		return nil
	}},
	{"SESSION_TIMEOUT", setDuration(func(c *Config) *time.Duration { return &c.NameService.SessionTimeout })},
	{"SERVICE_RECORD_TTL", setDuration(func(c *Config) *time.Duration { return &c.NameService.RecordTTL })},
	{"SERVICE_RECORD_CAPACITY", setInt(func(c *Config) *int { return &c.NameService.RecordCapacity })},
	{"LOCAL_ADDR", setString(func(c *Config) *string { return &c.Bridge.LocalAddr })},
	{"DIAL_ATTEMPTS", setInt(func(c *Config) *int { return &c.Bridge.DialAttempts })},
	{"RETRY_DELAY", setDuration(func(c *Config) *time.Duration { return &c.Bridge.RetryDelay })},
	{"LOG_LEVEL", setString(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_COLORS", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Log.Colors = &b
		return nil
	}},
}

// applyEnv overlays BTLITE_* variables
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok {
			continue
		}
		if err := ev.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, ev.name, v, err)
		}
	}
	return nil
}
