package supervisor

import "time"

// Config binds the configuration keys spec.md §6 lists as what the core
// consumes. internal/config loads these from viper; callers that build a
// Supervisor directly (tests, the demo CLI) can populate this struct by
// hand.
type Config struct {
	SendHost    string
	SendPort    int
	ReceiveHost string
	ReceivePort int

	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	HeartbeatInterval   time.Duration
	AutoReconnect       bool
	ReconnectMaxAttempts int
	FailureStrategy     FailurePolicy

	InstitutionID string
	MaxInFlight   int
}

// DefaultConfig returns reasonable defaults for local testing.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       5 * time.Second,
		ReadTimeout:          30 * time.Second,
		HeartbeatInterval:    60 * time.Second,
		AutoReconnect:        true,
		ReconnectMaxAttempts: 10,
		FailureStrategy:      FailWhenEitherDown,
		MaxInFlight:          1000,
	}
}
