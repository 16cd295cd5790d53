package config

import (
	"fmt"
	"net"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// ValidationError is one invalid setting
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate checks every setting and reports all problems at once
func (c *Config) Validate() error {
	var errs error
	add := func(path, format string, args ...interface{}) {
		errs = multierr.Append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}
	hostPort := func(path, addr string, required bool) {
		if addr == "" {
			if required {
				add(path, "must not be empty")
			}
			return
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(path, "invalid host:port %q", addr)
		}
	}

	hostPort("control_addr", c.ControlAddr, true)
	hostPort("metrics_addr", c.MetricsAddr, false)
	hostPort("bridge.local_addr", c.Bridge.LocalAddr, true)

	switch c.Radio.Kind {
	case RadioLAN:
		hostPort("radio.address", c.Radio.Address, true)
		if c.Radio.PresencePort < 0 || c.Radio.PresencePort > 65535 {
			add("radio.presence_port", "out of range: %d", c.Radio.PresencePort)
		}
		if c.Radio.AnnounceInterval <= 0 {
			add("radio.announce_interval", "must be positive")
		}
		if c.Radio.StaleTimeout <= c.Radio.AnnounceInterval {
			add("radio.stale_timeout", "must exceed announce_interval")
		}
	case RadioMem:
		for i, p := range c.Radio.MemPeers {
			if p.Addr == "" {
				add(fmt.Sprintf("radio.mem_peers[%d].addr", i), "must not be empty")
			}
		}
	default:
		add("radio.kind", "must be %q or %q, got %q", RadioLAN, RadioMem, c.Radio.Kind)
	}

	if c.NameService.SessionTimeout <= 0 {
		add("name_service.session_timeout", "must be positive")
	}
	if c.NameService.RecordTTL < 0 {
		add("name_service.service_record_ttl", "must not be negative")
	}
	if c.NameService.RecordCapacity <= 0 {
		add("name_service.service_record_capacity", "must be positive")
	}
	if c.Bridge.DialAttempts <= 0 {
		add("bridge.dial_attempts", "must be positive")
	}
	if c.Bridge.RetryDelay < 0 {
		add("bridge.retry_delay", "must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "unknown level %q", c.Log.Level)
	}
	return errs
}
