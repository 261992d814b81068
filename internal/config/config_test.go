package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/traceforge/cryptoscan/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
dump_dir: "/var/traces/run-1"
collector_addr: "collector.example.com:4443"
tls:
  cert_path: "/etc/cryptoscan/scanner.crt"
  key_path:  "/etc/cryptoscan/scanner.key"
  ca_path:   "/etc/cryptoscan/ca.crt"
log_level: debug
scanner_version: "v0.1.0"
detectors:
  symmetric_ratio_threshold: 0.5
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DumpDir != "/var/traces/run-1" {
		t.Errorf("DumpDir = %q", cfg.DumpDir)
	}
	if cfg.CollectorAddr != "collector.example.com:4443" {
		t.Errorf("CollectorAddr = %q", cfg.CollectorAddr)
	}
	if cfg.TLS.CertPath != "/etc/cryptoscan/scanner.crt" {
		t.Errorf("TLS.CertPath = %q", cfg.TLS.CertPath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.ScannerVersion != "v0.1.0" {
		t.Errorf("ScannerVersion = %q", cfg.ScannerVersion)
	}
	if cfg.Detectors.SymmetricRatioThreshold != 0.5 {
		t.Errorf("SymmetricRatioThreshold = %v, want 0.5 (explicit override)", cfg.Detectors.SymmetricRatioThreshold)
	}
	// Unset detector fields still pick up the reference defaults.
	if cfg.Detectors.TaintNeededEdges != 8 {
		t.Errorf("TaintNeededEdges = %v, want default 8", cfg.Detectors.TaintNeededEdges)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	yaml := `
dump_dir: "/var/traces/run-1"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.QueuePath != "cryptoscan-queue.db" {
		t.Errorf("default QueuePath = %q", cfg.QueuePath)
	}
	if cfg.AuditPath != "cryptoscan-audit.log" {
		t.Errorf("default AuditPath = %q", cfg.AuditPath)
	}
	if cfg.Detectors.SymmetricMinTotal != 20 {
		t.Errorf("default SymmetricMinTotal = %d, want 20", cfg.Detectors.SymmetricMinTotal)
	}
	if cfg.Detectors.AsymmetricRatioThreshold != 0.10 {
		t.Errorf("default AsymmetricRatioThreshold = %v, want 0.10", cfg.Detectors.AsymmetricRatioThreshold)
	}
	if cfg.Detectors.EntropyMinSamples != 100 {
		t.Errorf("default EntropyMinSamples = %d, want 100", cfg.Detectors.EntropyMinSamples)
	}
	// CollectorAddr empty, so no TLS paths required.
}

func TestLoadConfig_MissingDumpDir(t *testing.T) {
	yaml := `log_level: info`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing dump_dir, got nil")
	}
	if !strings.Contains(err.Error(), "dump_dir") {
		t.Errorf("error %q does not mention dump_dir", err.Error())
	}
}

func TestLoadConfig_CollectorAddrRequiresTLS(t *testing.T) {
	yaml := `
dump_dir: "/var/traces/run-1"
collector_addr: "collector.example.com:4443"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing TLS paths, got nil")
	}
	for _, want := range []string{"cert_path", "key_path", "ca_path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err.Error(), want)
		}
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := `
dump_dir: "/var/traces/run-1"
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_NegativeWorkers(t *testing.T) {
	yaml := `
dump_dir: "/var/traces/run-1"
workers: -1
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for negative workers, got nil")
	}
	if !strings.Contains(err.Error(), "workers") {
		t.Errorf("error %q does not mention workers", err.Error())
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoadCollectorConfig_Valid(t *testing.T) {
	yaml := `
grpc_addr: "0.0.0.0:4443"
http_addr: "0.0.0.0:8080"
tls:
  cert_path: "/etc/cryptoscan/collector.crt"
  key_path:  "/etc/cryptoscan/collector.key"
  ca_path:   "/etc/cryptoscan/ca.crt"
dsn: "postgres://cryptoscan@localhost/cryptoscan"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadCollectorConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GRPCAddr != "0.0.0.0:4443" {
		t.Errorf("GRPCAddr = %q", cfg.GRPCAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadCollectorConfig_MissingDSN(t *testing.T) {
	yaml := `
grpc_addr: "0.0.0.0:4443"
tls:
  cert_path: "/etc/cryptoscan/collector.crt"
  key_path:  "/etc/cryptoscan/collector.key"
  ca_path:   "/etc/cryptoscan/ca.crt"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadCollectorConfig(path)
	if err == nil {
		t.Fatal("expected error for missing dsn, got nil")
	}
	if !strings.Contains(err.Error(), "dsn") {
		t.Errorf("error %q does not mention dsn", err.Error())
	}
}
