package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	TraceExporter string `yaml:"trace_exporter"` // otlp, stdout, none; empty picks otlp when an endpoint is set
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	History     HistoryConfig   `yaml:"history"`
	Prompt      PromptConfig    `yaml:"prompt"`
	Chat        ChatConfig      `yaml:"chat"`
	OpenAI      OpenAIConfig    `yaml:"openai"`
	Models      []ModelConfig   `yaml:"models"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, session, persistent
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	MaxTurns      int    `yaml:"max_turns"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// PromptConfig holds generation defaults shared by every model.
type PromptConfig struct {
	DefaultFamily     string  `yaml:"default_family"`
	ContextLength     int     `yaml:"context_length"`
	MaxNewTokens      int     `yaml:"max_new_tokens"`
	Temperature       float64 `yaml:"temperature"`
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
}

type ChatConfig struct {
	DefaultModel     string `yaml:"default_model"`
	CodeModel        string `yaml:"code_model"`
	SystemPrompt     string `yaml:"system_prompt"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ModelConfig describes one selectable chat model and the backend serving it.
type ModelConfig struct {
	Name      string `yaml:"name"`
	Family    string `yaml:"family"`
	Backend   string `yaml:"backend"` // mock, textgen, ollama, openai, exec, local
	Endpoint  string `yaml:"endpoint"`
	Model     string `yaml:"model"`
	Command   string `yaml:"command"`
	Template  string `yaml:"template"`
	Path      string `yaml:"path"`
	GPULayers int    `yaml:"gpu_layers"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-prompt",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		History: HistoryConfig{
			Path:          "./data/loqa-prompt.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
			MaxTurns:      200,
		},
		Prompt: PromptConfig{
			DefaultFamily:     "llama2",
			ContextLength:     4000,
			MaxNewTokens:      512,
			Temperature:       0.01,
			RepetitionPenalty: 1.1,
		},
		Chat: ChatConfig{
			DefaultModel:     "llama-2",
			CodeModel:        "codellama",
			SystemPrompt:     "You are a helpful AI assistant. Reply your answer in markdown format.",
			RequestTimeoutMS: 120000,
		},
		Models: []ModelConfig{
			{Name: "llama-2", Family: "llama2", Backend: "textgen", Endpoint: "http://localhost:8000"},
			{Name: "codellama", Family: "codellama", Backend: "textgen", Endpoint: "http://localhost:8001"},
			{Name: "mistral", Family: "mistral", Backend: "textgen", Endpoint: "http://localhost:8002"},
			{Name: "gpt-4-0613", Backend: "openai", Model: "gpt-4-0613"},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Model returns the configured model with the given name.
func (c Config) Model(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "PROMPTD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "PROMPTD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "PROMPTD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PROMPTD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "PROMPTD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "PROMPTD_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "PROMPTD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "PROMPTD_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "PROMPTD_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "PROMPTD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "PROMPTD_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "PROMPTD_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "PROMPTD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "PROMPTD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "PROMPTD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "PROMPTD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "PROMPTD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "PROMPTD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "PROMPTD_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "PROMPTD_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "PROMPTD_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "PROMPTD_HISTORY_MAX_SESSIONS")
	overrideInt(&cfg.History.MaxTurns, "PROMPTD_HISTORY_MAX_TURNS")
	overrideBool(&cfg.History.VacuumOnStart, "PROMPTD_HISTORY_VACUUM_ON_START")
	overrideString(&cfg.Prompt.DefaultFamily, "PROMPTD_PROMPT_DEFAULT_FAMILY")
	overrideInt(&cfg.Prompt.ContextLength, "PROMPTD_PROMPT_CONTEXT_LENGTH")
	overrideInt(&cfg.Prompt.MaxNewTokens, "PROMPTD_PROMPT_MAX_NEW_TOKENS")
	overrideFloat(&cfg.Prompt.Temperature, "PROMPTD_PROMPT_TEMPERATURE")
	overrideFloat(&cfg.Prompt.RepetitionPenalty, "PROMPTD_PROMPT_REPETITION_PENALTY")
	overrideString(&cfg.Chat.DefaultModel, "PROMPTD_CHAT_DEFAULT_MODEL")
	overrideString(&cfg.Chat.CodeModel, "PROMPTD_CHAT_CODE_MODEL")
	overrideString(&cfg.Chat.SystemPrompt, "PROMPTD_CHAT_SYSTEM_PROMPT")
	overrideInt(&cfg.Chat.RequestTimeoutMS, "PROMPTD_CHAT_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.OpenAI.APIKey, "PROMPTD_OPENAI_API_KEY")
	overrideString(&cfg.OpenAI.BaseURL, "PROMPTD_OPENAI_BASE_URL")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "none", "stdout":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of otlp|stdout|none")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionMode != "ephemeral" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Prompt.MaxNewTokens < 0 {
		return errors.New("prompt.max_new_tokens must be >= 0")
	}
	if cfg.Prompt.ContextLength < 0 {
		return errors.New("prompt.context_length must be >= 0")
	}
	if cfg.Chat.RequestTimeoutMS <= 0 {
		return errors.New("chat.request_timeout_ms must be positive")
	}
	seen := make(map[string]struct{}, len(cfg.Models))
	for i, m := range cfg.Models {
		if m.Name == "" {
			return fmt.Errorf("models[%d].name must not be empty", i)
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("models[%d]: duplicate model name %q", i, m.Name)
		}
		seen[m.Name] = struct{}{}
		switch m.Backend {
		case "mock", "openai":
		case "textgen", "ollama":
			if m.Endpoint == "" {
				return fmt.Errorf("models[%d].endpoint must be set when backend=%s", i, m.Backend)
			}
		case "exec":
			if m.Command == "" {
				return fmt.Errorf("models[%d].command must be set when backend=exec", i)
			}
		case "local":
			if m.Path == "" {
				return fmt.Errorf("models[%d].path must be set when backend=local", i)
			}
		default:
			return fmt.Errorf("models[%d].backend must be one of mock|textgen|ollama|openai|exec|local", i)
		}
		if m.Backend != "openai" && m.Family == "" && m.Template == "" {
			return fmt.Errorf("models[%d] needs a family or a template", i)
		}
	}
	if cfg.Chat.DefaultModel != "" {
		if _, ok := seen[cfg.Chat.DefaultModel]; !ok {
			return fmt.Errorf("chat.default_model %q is not a configured model", cfg.Chat.DefaultModel)
		}
	}
	if cfg.Chat.CodeModel != "" {
		if _, ok := seen[cfg.Chat.CodeModel]; !ok {
			return fmt.Errorf("chat.code_model %q is not a configured model", cfg.Chat.CodeModel)
		}
	}
	return nil
}
