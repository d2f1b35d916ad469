package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/handlers"
	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/models"
	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(services.Prompts, *slog.Logger) (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port          string
	LogLevel      slog.Level
	DBPath        string
	Welcome       string
	TrustProxy    bool
	RateLimit     rateLimitConfig
	LLM           llmConfig
	Transcription transcriptionConfig
	Tracing       tracingConfig
}

type gatewayConfig struct {
	BaseLLMConfig `yaml:",inline"`
	BaseURL       string `yaml:"baseURL"`
	APIKey        string `yaml:"apiKey"`
	RecipeModel   string `yaml:"recipeModel"`
	ShoppingModel string `yaml:"shoppingModel"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type transcriptionConfig struct {
	BaseURL  string `yaml:"baseURL"`
	APIKey   string `yaml:"apiKey"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

type tracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

type rateLimitConfig struct {
	PerMinute int `yaml:"perMinute"`
	Burst     int `yaml:"burst"`
}

const (
	defaultPort          = "8080"
	defaultChatModel     = "google/gemini-3-flash-preview"
	defaultRecipeModel   = "google/gemini-2.5-pro"
	defaultShoppingModel = "google/gemini-2.5-flash-lite"
	defaultLanguage      = "pt"
	defaultPerMinute     = 30
	defaultBurst         = 10
)

// loadConfig decodes the YAML config in r and fills in defaults. A nil r yields the default config.
func loadConfig(r io.Reader) (config, error) {
	cfg := config{}
	if r != nil {
		if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.Welcome == "" {
		cfg.Welcome = models.WelcomeMessage
	}
	if cfg.RateLimit.PerMinute == 0 {
		cfg.RateLimit.PerMinute = defaultPerMinute
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	if cfg.LLM == nil {
		cfg.LLM = &gatewayConfig{}
	}
	if cfg.Transcription.Model == "" {
		cfg.Transcription.Model = services.DefaultTranscriptionModel
	}
	if cfg.Transcription.Language == "" {
		cfg.Transcription.Language = defaultLanguage
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Tracing.Enabled = true
	}
	if cfg.Transcription.APIKey == "" {
		cfg.Transcription.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	return cfg, nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port          string              `yaml:"port"`
		LogLevel      string              `yaml:"logLevel"`
		DBPath        string              `yaml:"dbPath"`
		Welcome       string              `yaml:"welcome"`
		TrustProxy    bool                `yaml:"trustProxy"`
		RateLimit     rateLimitConfig     `yaml:"rateLimit"`
		LLM           map[string]any      `yaml:"llm"`
		Transcription transcriptionConfig `yaml:"transcription"`
		Tracing       tracingConfig       `yaml:"tracing"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.DBPath = rawConfig.DBPath
	c.Welcome = rawConfig.Welcome
	c.TrustProxy = rawConfig.TrustProxy
	c.RateLimit = rawConfig.RateLimit
	c.Transcription = rawConfig.Transcription
	c.Tracing = rawConfig.Tracing

	if rawConfig.LogLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(rawConfig.LogLevel)); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
	}

	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "gateway":
		llm = &gatewayConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (g gatewayConfig) llm(prompts services.Prompts, logger *slog.Logger) (handlers.LLM, error) {
	apiKey := g.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("LOVABLE_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("LOVABLE_API_KEY not configured")
	}

	baseURL := g.BaseURL
	if baseURL == "" {
		baseURL = services.DefaultGatewayURL
	}

	return services.NewGateway(baseURL, apiKey, services.GatewayModels{
		Chat:     orDefault(g.Model, defaultChatModel),
		Recipe:   orDefault(g.RecipeModel, defaultRecipeModel),
		Shopping: orDefault(g.ShoppingModel, defaultShoppingModel),
	}, prompts, logger), nil
}

func (o ollamaConfig) llm(prompts services.Prompts, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, prompts, logger), nil
}

func (t transcriptionConfig) transcriber(logger *slog.Logger) services.Whisper {
	baseURL := t.BaseURL
	if baseURL == "" {
		baseURL = services.DefaultTranscriptionURL
	}
	return services.NewWhisper(baseURL, t.APIKey, t.Model, t.Language, logger)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
