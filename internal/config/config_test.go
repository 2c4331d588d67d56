package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

const validConfig = `
server:
  address: 127.0.0.1
  port: 8080
  max_concurrent_requests: 256
  coalescing:
    enabled: true
    strategy: wait_for_complete
buckets:
  - name: products
    path_prefix: /products
    origin:
      endpoints: ["http://localhost:9000"]
      credentials:
        access_key_id: test
        secret_access_key: test
        region: us-east-1
cache:
  enabled: true
  layers: [memory]
  memory:
    max_item_size: 1048576
    max_total_size: 16777216
    default_ttl: 5m
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("got port %d, want 8080", cfg.Server.Port)
	}
	if len(cfg.Buckets) != 1 || cfg.Buckets[0].PathPrefix != "/products" {
		t.Fatalf("unexpected buckets: %+v", cfg.Buckets)
	}
	if cfg.Cache.Memory.DefaultTTL.Std() != 5*time.Minute {
		t.Fatalf("got default_ttl %v, want 5m", cfg.Cache.Memory.DefaultTTL.Std())
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsDuplicatePrefixes(t *testing.T) {
	cfg := &Config{
		Server: Server{Port: 8080},
		Buckets: []Bucket{
			{Name: "a", PathPrefix: "/x", Origin: Origin{Endpoints: []string{"http://a"}}},
			{Name: "b", PathPrefix: "/x", Origin: Origin{Endpoints: []string{"http://b"}}},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate path prefixes")
	}
}

func TestValidateRejectsBucketWithoutEndpoints(t *testing.T) {
	cfg := &Config{
		Server:  Server{Port: 8080},
		Buckets: []Bucket{{Name: "a", PathPrefix: "/x"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for bucket with no origin endpoints")
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeConfig(t, validConfig)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, zap.NewNop(), func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.Port; got != 8080 {
		t.Fatalf("got initial port %d, want 8080", got)
	}

	updated := []byte(validConfig + "  disk:\n    root: /tmp/yatagarasu\n    max_disk_size: 1048576\n")
	if err := os.WriteFile(path, updated, 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Cache.Disk.Root != "/tmp/yatagarasu" {
			t.Fatalf("reloaded config missing update: %+v", cfg.Cache.Disk)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not picked up in time")
	}
}

func TestWatcherKeepsRunningConfigOnInvalidReload(t *testing.T) {
	path := writeConfig(t, validConfig)

	w, err := NewWatcher(path, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("server:\n  port: 0\n"), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	// Give the debounce + reload a chance to run, then confirm the invalid
	// file was rejected without replacing the running config.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if w.Current().Server.Port != 8080 {
			t.Fatalf("invalid reload replaced the running config: %+v", w.Current().Server)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
