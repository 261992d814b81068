// Package config provides YAML configuration loading and validation for the
// cryptoscan scanner and collector.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for cmd/cryptoscan.
type Config struct {
	// DumpDir is the directory of *.dump/*.log trace files to analyze.
	// Required.
	DumpDir string `yaml:"dump_dir"`

	// CollectorAddr is the gRPC endpoint of the collector service (e.g.
	// "collector.example.com:4443"). Optional: when empty, findings are
	// not forwarded to a collector; they are still logged to stdout,
	// appended to the audit log and enqueued locally.
	CollectorAddr string `yaml:"collector_addr"`

	// TLS holds the paths to the scanner certificate, private key, and CA
	// certificate used for mTLS. Required only when CollectorAddr is set.
	TLS TLSConfig `yaml:"tls"`

	// Detectors holds the tunable thresholds for the three trace detectors.
	Detectors DetectorConfig `yaml:"detectors"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// QueuePath is the SQLite file backing the at-least-once finding queue.
	// Defaults to "cryptoscan-queue.db" when omitted. ":memory:" is accepted
	// for tests.
	QueuePath string `yaml:"queue_path"`

	// AuditPath is the append-only hash-chained finding log. Defaults to
	// "cryptoscan-audit.log" when omitted.
	AuditPath string `yaml:"audit_path"`

	// Watch enables internal/watchdir continuous ingestion instead of a
	// single pass over DumpDir.
	Watch bool `yaml:"watch"`

	// Workers bounds the number of dump files processed concurrently.
	// Defaults to 0, meaning runtime.NumCPU().
	Workers int `yaml:"workers"`

	// ScannerVersion is an optional human-readable version string sent to
	// the collector during registration (e.g. "v0.1.0").
	ScannerVersion string `yaml:"scanner_version"`
}

// TLSConfig holds certificate and key paths for mTLS.
type TLSConfig struct {
	// CertPath is the path to the scanner's PEM-encoded client certificate.
	CertPath string `yaml:"cert_path"`

	// KeyPath is the path to the scanner's PEM-encoded private key.
	KeyPath string `yaml:"key_path"`

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the collector's server certificate.
	CAPath string `yaml:"ca_path"`
}

// DetectorConfig carries the tunables for the arithmetic-mix, entropy, and
// taint-graph detectors. A zero value for any field falls back to the
// reference threshold from spec.md §4.5–§4.7 — see ApplyDefaults.
type DetectorConfig struct {
	SymmetricMinTotal       int     `yaml:"symmetric_min_total"`
	SymmetricRatioThreshold float64 `yaml:"symmetric_ratio_threshold"`
	AsymmetricMinTotal      int     `yaml:"asymmetric_min_total"`
	AsymmetricRatioThreshold float64 `yaml:"asymmetric_ratio_threshold"`

	EntropyDiffThreshold float64 `yaml:"entropy_diff_threshold"`
	EntropyMinSamples    int     `yaml:"entropy_min_samples"`

	TaintThreshold     int `yaml:"taint_threshold"`
	TaintNeighborhood  int `yaml:"taint_neighborhood"`
	TaintNeededEdges   int `yaml:"taint_needed_edges"`
	TaintMinBlockSize  int `yaml:"taint_min_block_size"`
	TaintEmitBlockSize int `yaml:"taint_emit_block_size"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// ApplyDefaults fills in zero-value optional fields with sensible defaults,
// including the reference detector thresholds from spec.md so that an
// operator need only override the ones they want to tune. Exported so
// cmd/cryptoscan can apply the same defaulting when synthesizing a Config
// from flags/env rather than from a YAML file (§6).
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = "cryptoscan-queue.db"
	}
	if cfg.AuditPath == "" {
		cfg.AuditPath = "cryptoscan-audit.log"
	}

	d := &cfg.Detectors
	if d.SymmetricMinTotal == 0 {
		d.SymmetricMinTotal = 20
	}
	if d.SymmetricRatioThreshold == 0 {
		d.SymmetricRatioThreshold = 0.40
	}
	if d.AsymmetricMinTotal == 0 {
		d.AsymmetricMinTotal = 10
	}
	if d.AsymmetricRatioThreshold == 0 {
		d.AsymmetricRatioThreshold = 0.10
	}
	if d.EntropyDiffThreshold == 0 {
		d.EntropyDiffThreshold = 0.3
	}
	if d.EntropyMinSamples == 0 {
		d.EntropyMinSamples = 100
	}
	if d.TaintThreshold == 0 {
		d.TaintThreshold = 3
	}
	if d.TaintNeighborhood == 0 {
		d.TaintNeighborhood = 8
	}
	if d.TaintNeededEdges == 0 {
		d.TaintNeededEdges = 8
	}
	if d.TaintMinBlockSize == 0 {
		d.TaintMinBlockSize = 4
	}
	if d.TaintEmitBlockSize == 0 {
		d.TaintEmitBlockSize = 8
	}
}

// Validate checks that all required fields are populated and that
// enumerated fields contain only valid values. Exported for the same reason
// as ApplyDefaults.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.DumpDir == "" {
		errs = append(errs, errors.New("dump_dir is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.CollectorAddr != "" {
		if cfg.TLS.CertPath == "" {
			errs = append(errs, errors.New("tls.cert_path is required when collector_addr is set"))
		}
		if cfg.TLS.KeyPath == "" {
			errs = append(errs, errors.New("tls.key_path is required when collector_addr is set"))
		}
		if cfg.TLS.CAPath == "" {
			errs = append(errs, errors.New("tls.ca_path is required when collector_addr is set"))
		}
	}
	if cfg.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must be >= 0, got %d", cfg.Workers))
	}

	return errors.Join(errs...)
}

// CollectorConfig is the top-level configuration structure for
// cmd/collector.
type CollectorConfig struct {
	// GRPCAddr is the listen address for the mTLS FindingService gRPC
	// server (e.g. "0.0.0.0:4443"). Required.
	GRPCAddr string `yaml:"grpc_addr"`

	// HTTPAddr is the listen address for the REST API and /healthz (e.g.
	// "0.0.0.0:8080"). Defaults to "127.0.0.1:8080" when omitted.
	HTTPAddr string `yaml:"http_addr"`

	// TLS holds the server certificate, key, and CA used to verify scanner
	// client certificates. Required.
	TLS TLSConfig `yaml:"tls"`

	// DSN is the PostgreSQL connection string. Required.
	DSN string `yaml:"dsn"`

	// JWTPublicKeyPath is the path to a PEM-encoded RSA public key used to
	// verify RS256 Bearer tokens on the REST API. Optional: when empty, JWT
	// validation is disabled (dev-mode only).
	JWTPublicKeyPath string `yaml:"jwt_pubkey"`

	// LogLevel sets the minimum log severity. Defaults to "info".
	LogLevel string `yaml:"log_level"`
}

// LoadCollectorConfig reads, defaults, and validates a CollectorConfig.
func LoadCollectorConfig(path string) (*CollectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg CollectorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	var errs []error
	if cfg.GRPCAddr == "" {
		errs = append(errs, errors.New("grpc_addr is required"))
	}
	if cfg.TLS.CertPath == "" {
		errs = append(errs, errors.New("tls.cert_path is required"))
	}
	if cfg.TLS.KeyPath == "" {
		errs = append(errs, errors.New("tls.key_path is required"))
	}
	if cfg.TLS.CAPath == "" {
		errs = append(errs, errors.New("tls.ca_path is required"))
	}
	if cfg.DSN == "" {
		errs = append(errs, errors.New("dsn is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}
