package config

import (
	"fmt"
	"time"
)

// GateConfig holds runtime configuration for the admission gateway.
type GateConfig struct {
	Environment         string
	Addr                string
	UpstreamURL         string
	UpstreamName        string
	MaxRequestsPerMin   int
	MaxRequestsPerHour  int
	MaxConcurrent       int
	MaxQueueSize        int
	QueueTimeout        time.Duration
	PriorityRoutes      string
	BreakerThreshold    int
	BreakerTimeout      time.Duration
	MonitorInterval     time.Duration
	QueueWarnRatio      float64
	ConcurrentWarnRatio float64
	ResponseSampleSize  int
}

// ConfigurationError reports an invalid setting detected at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// LoadGateConfig constructs a GateConfig from environment variables.
func LoadGateConfig() GateConfig {
	return GateConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("GATE_ADDR", ":4000"),
		UpstreamURL:         GetString("UPSTREAM_URL", "http://localhost:4100"),
		UpstreamName:        GetString("UPSTREAM_NAME", "app"),
		MaxRequestsPerMin:   GetInt("MAX_REQUESTS_PER_MINUTE", 100),
		MaxRequestsPerHour:  GetInt("MAX_REQUESTS_PER_HOUR", 2000),
		MaxConcurrent:       GetInt("MAX_CONCURRENT_REQUESTS", 50),
		MaxQueueSize:        GetInt("MAX_QUEUE_SIZE", 100),
		QueueTimeout:        GetDuration("QUEUE_TIMEOUT_MS", 30*time.Second),
		PriorityRoutes:      GetString("PRIORITY_ROUTES", "/healthz=high,/auth/=high,/assets/=low,/static/=low"),
		BreakerThreshold:    GetInt("CIRCUIT_BREAKER_THRESHOLD", 5),
		BreakerTimeout:      GetDuration("CIRCUIT_BREAKER_TIMEOUT_MS", 60*time.Second),
		MonitorInterval:     GetDuration("MONITORING_INTERVAL_MS", 10*time.Second),
		QueueWarnRatio:      float64(GetInt("QUEUE_WARN_PERCENT", 80)) / 100,
		ConcurrentWarnRatio: float64(GetInt("CONCURRENT_WARN_PERCENT", 90)) / 100,
		ResponseSampleSize:  GetInt("RESPONSE_SAMPLE_SIZE", 100),
	}
}

// Validate rejects settings the gateway cannot run with. It is called once
// at startup; any error here is fatal.
func (c GateConfig) Validate() error {
	if c.MaxConcurrent <= 0 {
		return ConfigurationError{Field: "MAX_CONCURRENT_REQUESTS", Reason: "must be > 0"}
	}
	if c.MaxQueueSize < 0 {
		return ConfigurationError{Field: "MAX_QUEUE_SIZE", Reason: "must be >= 0"}
	}
	if c.MaxRequestsPerMin <= 0 {
		return ConfigurationError{Field: "MAX_REQUESTS_PER_MINUTE", Reason: "must be > 0"}
	}
	if c.MaxRequestsPerHour <= 0 {
		return ConfigurationError{Field: "MAX_REQUESTS_PER_HOUR", Reason: "must be > 0"}
	}
	if c.MaxRequestsPerHour < c.MaxRequestsPerMin {
		return ConfigurationError{Field: "MAX_REQUESTS_PER_HOUR", Reason: "must be >= MAX_REQUESTS_PER_MINUTE"}
	}
	if c.QueueTimeout <= 0 {
		return ConfigurationError{Field: "QUEUE_TIMEOUT_MS", Reason: "must be > 0"}
	}
	if c.BreakerThreshold <= 0 {
		return ConfigurationError{Field: "CIRCUIT_BREAKER_THRESHOLD", Reason: "must be > 0"}
	}
	if c.BreakerTimeout <= 0 {
		return ConfigurationError{Field: "CIRCUIT_BREAKER_TIMEOUT_MS", Reason: "must be > 0"}
	}
	if c.MonitorInterval <= 0 {
		return ConfigurationError{Field: "MONITORING_INTERVAL_MS", Reason: "must be > 0"}
	}
	if c.ResponseSampleSize <= 0 {
		return ConfigurationError{Field: "RESPONSE_SAMPLE_SIZE", Reason: "must be > 0"}
	}
	return nil
}
