package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Default() Tests
// =============================================================================

func TestDefault(t *testing.T) {
	t.Setenv("REDIS_HOST", "ignored-by-default")

	cfg := Default()

	t.Run("Redis defaults", func(t *testing.T) {
		if cfg.Redis.Host != "localhost" {
			t.Errorf("expected Redis.Host = 'localhost', got '%s'", cfg.Redis.Host)
		}
		if cfg.Redis.Port != 6379 {
			t.Errorf("expected Redis.Port = 6379, got %d", cfg.Redis.Port)
		}
		if cfg.Redis.PoolSize != 10 {
			t.Errorf("expected Redis.PoolSize = 10, got %d", cfg.Redis.PoolSize)
		}
	})

	t.Run("Storage and queue defaults", func(t *testing.T) {
		if cfg.StorageBackend != StoragePostgres {
			t.Errorf("expected StorageBackend = postgres, got %s", cfg.StorageBackend)
		}
		if !cfg.Postgres.AutoMigrate {
			t.Error("expected Postgres.AutoMigrate = true")
		}
		if cfg.Queue.Backend != QueueRedis {
			t.Errorf("expected Queue.Backend = redis, got %s", cfg.Queue.Backend)
		}
		if cfg.Queue.VisibilityTimeout != 15*time.Minute {
			t.Errorf("expected Queue.VisibilityTimeout = 15m, got %v", cfg.Queue.VisibilityTimeout)
		}
	})

	t.Run("Backend defaults", func(t *testing.T) {
		if cfg.Backend.Kind != BackendOllama {
			t.Errorf("expected Backend.Kind = ollama, got %s", cfg.Backend.Kind)
		}
		if cfg.Backend.URL != "http://localhost:11434" {
			t.Errorf("expected Backend.URL = http://localhost:11434, got %s", cfg.Backend.URL)
		}
		if cfg.Backend.Timeout != 10*time.Minute {
			t.Errorf("expected Backend.Timeout = 10m, got %v", cfg.Backend.Timeout)
		}
	})

	t.Run("Worker defaults", func(t *testing.T) {
		if cfg.Worker.Concurrency != 4 {
			t.Errorf("expected Worker.Concurrency = 4, got %d", cfg.Worker.Concurrency)
		}
		if cfg.Worker.MaxRetries != 3 {
			t.Errorf("expected Worker.MaxRetries = 3, got %d", cfg.Worker.MaxRetries)
		}
		if cfg.Worker.RetryBaseDelay != time.Second {
			t.Errorf("expected Worker.RetryBaseDelay = 1s, got %v", cfg.Worker.RetryBaseDelay)
		}
		if cfg.Worker.ShutdownTimeout != 30*time.Second {
			t.Errorf("expected Worker.ShutdownTimeout = 30s, got %v", cfg.Worker.ShutdownTimeout)
		}
	})

	t.Run("Pipeline defaults", func(t *testing.T) {
		if cfg.Pipeline.DefaultModelTag != ModelTagAuto {
			t.Errorf("expected Pipeline.DefaultModelTag = auto, got %s", cfg.Pipeline.DefaultModelTag)
		}
		if cfg.ModelTag() != "latest" {
			t.Errorf("expected ollama model tag = latest, got %s", cfg.ModelTag())
		}
		if cfg.Backend.ListTimeout >= cfg.Broker.WriteTimeout {
			t.Errorf("expected list timeout %v below write timeout %v", cfg.Backend.ListTimeout, cfg.Broker.WriteTimeout)
		}
		if cfg.Pipeline.SingleFlight {
			t.Error("expected Pipeline.SingleFlight = false")
		}
	})

	t.Run("Logging defaults", func(t *testing.T) {
		if cfg.Logging.Level != "info" {
			t.Errorf("expected Logging.Level = info, got %s", cfg.Logging.Level)
		}
		if cfg.Logging.Format != "json" {
			t.Errorf("expected Logging.Format = json, got %s", cfg.Logging.Format)
		}
	})

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

// =============================================================================
// Environment Tests
// =============================================================================

func TestFromMap(t *testing.T) {
	cfg, err := FromMap(map[string]string{
		"REDIS_HOST":              "redis.internal",
		"REDIS_PORT":              "6380",
		"STORAGE_BACKEND":         "redis",
		"QUEUE_BACKEND":           "amqp",
		"BACKEND_KIND":            "openai",
		"BACKEND_TIMEOUT":         "2m",
		"WORKER_CONCURRENCY":      "8",
		"WORKER_MAX_RETRIES":      "5",
		"WORKER_RETRY_BASE_DELAY": "250ms",
		"PIPELINE_SINGLE_FLIGHT":  "true",
		"LOG_FORMAT":              "text",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Redis.RedisAddr() != "redis.internal:6380" {
		t.Errorf("expected redis.internal:6380, got %s", cfg.Redis.RedisAddr())
	}
	if cfg.StorageBackend != StorageRedis {
		t.Errorf("expected redis storage, got %s", cfg.StorageBackend)
	}
	if cfg.Queue.Backend != QueueAMQP {
		t.Errorf("expected amqp queue, got %s", cfg.Queue.Backend)
	}
	if cfg.Backend.Kind != BackendOpenAI || cfg.Backend.Timeout != 2*time.Minute {
		t.Errorf("unexpected backend config: %+v", cfg.Backend)
	}
	if cfg.Worker.Concurrency != 8 || cfg.Worker.MaxRetries != 5 {
		t.Errorf("unexpected worker config: %+v", cfg.Worker)
	}
	if cfg.Worker.RetryBaseDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms base delay, got %v", cfg.Worker.RetryBaseDelay)
	}
	if !cfg.Pipeline.SingleFlight {
		t.Error("expected single flight enabled")
	}
	if cfg.ModelTag() != "" {
		t.Errorf("expected no default tag for openai, got %q", cfg.ModelTag())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestModelTag(t *testing.T) {
	tests := []struct {
		name string
		kind string
		tag  string
		want string
	}{
		{"auto with ollama", BackendOllama, ModelTagAuto, "latest"},
		{"auto with openai", BackendOpenAI, ModelTagAuto, ""},
		{"explicit tag with openai", BackendOpenAI, "latest", "latest"},
		{"explicit empty with ollama", BackendOllama, "", ""},
		{"custom tag", BackendOllama, "7b", "7b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Backend.Kind = tt.kind
			cfg.Pipeline.DefaultModelTag = tt.tag
			if got := cfg.ModelTag(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestFromMapInvalidValue(t *testing.T) {
	_, err := FromMap(map[string]string{"WORKER_CONCURRENCY": "many"})
	if err == nil {
		t.Error("expected parse error for non-numeric concurrency")
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	content := "WORKER_CONCURRENCY=7\nBACKEND_URL=http://gpu-box:11434\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}

	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(wd)
		os.Unsetenv("WORKER_CONCURRENCY")
		os.Unsetenv("BACKEND_URL")
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Worker.Concurrency != 7 {
		t.Errorf("expected concurrency 7 from .env, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Backend.URL != "http://gpu-box:11434" {
		t.Errorf("expected backend url from .env, got %s", cfg.Backend.URL)
	}
}

// =============================================================================
// RedisAddr() Tests
// =============================================================================

func TestRedisConfig_RedisAddr(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		expected string
	}{
		{"localhost default port", "localhost", 6379, "localhost:6379"},
		{"ip address", "10.0.0.5", 6380, "10.0.0.5:6380"},
		{"hostname", "redis.example.com", 16379, "redis.example.com:16379"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := RedisConfig{Host: tt.host, Port: tt.port}
			if got := cfg.RedisAddr(); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

// =============================================================================
// Validate() Tests
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"unknown storage", func(c *Config) { c.StorageBackend = "sqlite" }, "unknown storage backend"},
		{"empty dsn", func(c *Config) { c.Postgres.DSN = "" }, "postgres dsn"},
		{"redis storage without dsn", func(c *Config) {
			c.StorageBackend = StorageRedis
			c.Postgres.DSN = ""
		}, ""},
		{"unknown queue", func(c *Config) { c.Queue.Backend = "kafka" }, "unknown queue backend"},
		{"empty redis host", func(c *Config) { c.Redis.Host = "" }, "redis host"},
		{"unknown generation backend", func(c *Config) { c.Backend.Kind = "bard" }, "unknown generation backend"},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, "concurrency"},
		{"zero retries", func(c *Config) { c.Worker.MaxRetries = 0 }, "max retries"},
		{"max delay below base", func(c *Config) { c.Worker.RetryMaxDelay = time.Millisecond }, "max delay"},
		{"visibility shorter than backend timeout", func(c *Config) {
			c.Queue.VisibilityTimeout = time.Minute
		}, "visibility timeout"},
		{"list timeout outlives write timeout", func(c *Config) {
			c.Backend.ListTimeout = time.Minute
		}, "list timeout"},
		{"amqp ignores visibility timeout", func(c *Config) {
			c.Queue.Backend = QueueAMQP
			c.Queue.VisibilityTimeout = time.Minute
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
