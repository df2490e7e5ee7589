// Package config loads spectrum reader configuration from a JSON file with
// environment-variable overrides, in the same layered-defaults style the
// rest of this stack uses for daemon configuration.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// ReaderConfig holds the tunables the Spectrum Reader reads at startup and
// never mutates afterward.
type ReaderConfig struct {
	ResolveAddrTimeoutMS  int `json:"resolve_addr_timeout_ms"`  // CM address resolution deadline
	ResolveRouteTimeoutMS int `json:"resolve_route_timeout_ms"` // CM route resolution deadline

	RDMAReadMaxPosted        int  `json:"rdma_read_max_posted"`        // initial per-connection credit ceiling
	RDMAReadMinAckPart       int  `json:"rdma_read_min_ack_part"`      // min_ack = max_posted / this
	PreconnectBacklog        bool `json:"preconnect_backlog"`          // queue RRs while connecting, else drop
	InactiveServerTimeoutSec int  `json:"inactive_server_timeout_sec"` // idle eviction threshold
	SignalMsgNumSpectra      int  `json:"signal_msg_num_spectra"`      // spectra per signal datagram
}

// TracingConfig controls the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"`     // otlp-http, stdout
	Endpoint    string  `json:"endpoint"`     // localhost:4318
	ServiceName string  `json:"service_name"` // spectrumreader
	SampleRate  float64 `json:"sample_rate"`
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`
	Namespace        string    `json:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets"`
}

// LoggingConfig controls the operational slog logger.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// ObservabilityConfig groups the ambient observability knobs.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// DaemonConfig controls the process-level status surface.
type DaemonConfig struct {
	StatusAddr string `json:"status_addr"` // "" disables the /healthz,/status HTTP surface
	LogLevel   string `json:"log_level"`
}

// Config is the central configuration struct embedding every component's
// settings, loaded from JSON and overlaid with environment variables.
type Config struct {
	Reader        ReaderConfig        `json:"reader"`
	Daemon        DaemonConfig        `json:"daemon"`
	Observability ObservabilityConfig `json:"observability"`
}

// DefaultConfig returns a Config with conservative defaults matching the
// distilled design's suggested values.
func DefaultConfig() *Config {
	return &Config{
		Reader: ReaderConfig{
			ResolveAddrTimeoutMS:     2000,
			ResolveRouteTimeoutMS:    2000,
			RDMAReadMaxPosted:        64,
			RDMAReadMinAckPart:       4,
			PreconnectBacklog:        true,
			InactiveServerTimeoutSec: 60,
			SignalMsgNumSpectra:      16,
		},
		Daemon: DaemonConfig{
			StatusAddr: "",
			LogLevel:   "info",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "spectrumreader",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "spectrumreader",
				HistogramBuckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON file onto the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies SPECTRUMREADER_* environment variable overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SPECTRUMREADER_RESOLVE_ADDR_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reader.ResolveAddrTimeoutMS = n
		}
	}
	if v := os.Getenv("SPECTRUMREADER_RESOLVE_ROUTE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reader.ResolveRouteTimeoutMS = n
		}
	}
	if v := os.Getenv("SPECTRUMREADER_RDMA_READ_MAX_POSTED"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reader.RDMAReadMaxPosted = n
		}
	}
	if v := os.Getenv("SPECTRUMREADER_RDMA_READ_MIN_ACK_PART"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reader.RDMAReadMinAckPart = n
		}
	}
	if v := os.Getenv("SPECTRUMREADER_PRECONNECT_BACKLOG"); v != "" {
		cfg.Reader.PreconnectBacklog = parseBool(v)
	}
	if v := os.Getenv("SPECTRUMREADER_INACTIVE_SERVER_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reader.InactiveServerTimeoutSec = n
		}
	}
	if v := os.Getenv("SPECTRUMREADER_SIGNAL_MSG_NUM_SPECTRA"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reader.SignalMsgNumSpectra = n
		}
	}

	if v := os.Getenv("SPECTRUMREADER_STATUS_ADDR"); v != "" {
		cfg.Daemon.StatusAddr = v
	}
	if v := os.Getenv("SPECTRUMREADER_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}

	if v := os.Getenv("SPECTRUMREADER_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("SPECTRUMREADER_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("SPECTRUMREADER_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("SPECTRUMREADER_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("SPECTRUMREADER_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("SPECTRUMREADER_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}

// MinAck computes the completion-event ack batching threshold for a given
// negotiated max_posted, per §3.1's divisor rule. A zero divisor (config
// error) falls back to acking every event.
func (r ReaderConfig) MinAck(maxPosted int) int {
	if r.RDMAReadMinAckPart <= 0 {
		return 1
	}
	n := maxPosted / r.RDMAReadMinAckPart
	if n < 1 {
		return 1
	}
	return n
}

// ResolveAddrTimeout returns the configured address-resolution deadline.
func (r ReaderConfig) ResolveAddrTimeout() time.Duration {
	return time.Duration(r.ResolveAddrTimeoutMS) * time.Millisecond
}

// ResolveRouteTimeout returns the configured route-resolution deadline.
func (r ReaderConfig) ResolveRouteTimeout() time.Duration {
	return time.Duration(r.ResolveRouteTimeoutMS) * time.Millisecond
}

// InactiveTimeout returns the idle-eviction threshold as a Duration.
func (r ReaderConfig) InactiveTimeout() time.Duration {
	return time.Duration(r.InactiveServerTimeoutSec) * time.Second
}
