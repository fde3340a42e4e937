package logging

import "time"

type Config struct {
	EnabledSinks     []string
	BufferSize       int
	MinimumSeverity  Severity
	Fields           map[string]any
	JSON             JSONConfig
	Console          ConsoleConfig
	DropWarnInterval time.Duration
	// EventSeverityFloor enforces a minimum Severity per EventType, keyed by
	// the error-kind taxonomy in spec §7 (invalid session token, malformed
	// frame, unknown signal target, heartbeat timeout, displaced
	// connection): those five are never filtered below Warn even if a call
	// site constructs the Event at a lower severity, while routine
	// lifecycle events (register, disconnect, successful relay) keep
	// whatever severity the call site assigned. Router.forward raises an
	// event's severity to this floor, if one is set for its Type, before
	// applying MinimumSeverity.
	EventSeverityFloor map[EventType]Severity
}

type JSONConfig struct {
	FilePath      string
	MaxBatch      int
	FlushInterval time.Duration
}

type ConsoleConfig struct {
	UseColor bool
}

func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{"console"},
		BufferSize:       512,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: 5 * time.Second,
		JSON: JSONConfig{
			MaxBatch:      32,
			FlushInterval: 2 * time.Second,
		},
		EventSeverityFloor: DefaultEventSeverityFloor(),
	}
}

// DefaultEventSeverityFloor floors the five internal/shard event types that
// correspond to spec §7 error kinds 3 ("invalid session token"), 4
// ("malformed shard frame"), 5 ("unknown signal target"), and 6 ("heartbeat
// timeout"), plus the register-displacement outcome those kinds share a
// close path with, at Warn. Every other event type this module emits
// (connection.registered, connection.disconnected, signal.relayed) is left
// unfloored.
func DefaultEventSeverityFloor() map[EventType]Severity {
	return map[EventType]Severity{
		EventType("connection.auth_failed"):       SeverityWarn,
		EventType("connection.malformed_frame"):   SeverityWarn,
		EventType("connection.evicted"):            SeverityWarn,
		EventType("connection.heartbeat_timeout"): SeverityWarn,
		EventType("signal.delivery_failed"):       SeverityWarn,
	}
}

func (c Config) HasSink(name string) bool {
	for _, s := range c.EnabledSinks {
		if s == name {
			return true
		}
	}
	return false
}

func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(c.Fields))
	for k, v := range c.Fields {
		cloned[k] = v
	}
	return cloned
}
