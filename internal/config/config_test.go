package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	m, ok := cfg.Model(cfg.Chat.DefaultModel)
	if !ok {
		t.Fatalf("default model %q missing", cfg.Chat.DefaultModel)
	}
	if m.Family != "llama2" || m.Endpoint != "http://localhost:8000" {
		t.Fatalf("unexpected default model %+v", m)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROMPTD_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("PROMPTD_BUS_USERNAME", "alice")
	t.Setenv("PROMPTD_BUS_PASSWORD", "secret")
	t.Setenv("PROMPTD_BUS_TLS_INSECURE", "true")
	t.Setenv("PROMPTD_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("PROMPTD_HISTORY_PATH", "./tmp.db")
	t.Setenv("PROMPTD_HISTORY_RETENTION_MODE", "persistent")
	t.Setenv("PROMPTD_HISTORY_RETENTION_DAYS", "7")
	t.Setenv("PROMPTD_HISTORY_MAX_SESSIONS", "123")
	t.Setenv("PROMPTD_HISTORY_VACUUM_ON_START", "true")
	t.Setenv("PROMPTD_PROMPT_CONTEXT_LENGTH", "2048")
	t.Setenv("PROMPTD_PROMPT_TEMPERATURE", "0.5")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.History.Path != "./tmp.db" {
		t.Fatalf("expected history path override")
	}
	if cfg.History.RetentionMode != "persistent" {
		t.Fatalf("expected history retention mode override")
	}
	if cfg.History.RetentionDays != 7 {
		t.Fatalf("expected history retention days override")
	}
	if cfg.History.MaxSessions != 123 {
		t.Fatalf("expected history max sessions override")
	}
	if !cfg.History.VacuumOnStart {
		t.Fatalf("expected history vacuum flag override")
	}
	if cfg.Prompt.ContextLength != 2048 {
		t.Fatalf("expected context length override, got %d", cfg.Prompt.ContextLength)
	}
	if cfg.Prompt.Temperature != 0.5 {
		t.Fatalf("expected temperature override, got %v", cfg.Prompt.Temperature)
	}
	if cfg.OpenAI.APIKey != "sk-env" {
		t.Fatalf("expected openai key from environment")
	}
}

func TestLoadFileModels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "promptd.yaml")
	data := []byte(`
chat:
  default_model: local-mistral
  code_model: ""
models:
  - name: local-mistral
    family: mistral
    backend: ollama
    endpoint: http://localhost:11434
    model: mistral:instruct
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Models) != 1 || cfg.Models[0].Backend != "ollama" {
		t.Fatalf("expected models replaced by file, got %+v", cfg.Models)
	}
}

func TestValidateRejectsBadModels(t *testing.T) {
	cases := map[string]func(*Config){
		"missing endpoint": func(c *Config) { c.Models[0].Endpoint = "" },
		"unknown backend":  func(c *Config) { c.Models[0].Backend = "grpc" },
		"duplicate name":   func(c *Config) { c.Models[1].Name = c.Models[0].Name },
		"no family":        func(c *Config) { c.Models[0].Family = "" },
		"unknown default":  func(c *Config) { c.Chat.DefaultModel = "nope" },
		"bad retention":    func(c *Config) { c.History.RetentionMode = "forever" },
		"bad exporter":     func(c *Config) { c.Telemetry.TraceExporter = "zipkin" },
		"otlp no endpoint": func(c *Config) { c.Telemetry.TraceExporter = "otlp" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Models = append([]ModelConfig(nil), cfg.Models...)
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
