package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const DefaultSystemPrompt = `You are an expert AI assistant specializing in land degradation, environmental science, and satellite imagery analysis.
Your expertise includes:
- Soil erosion detection and prevention
- Vegetation loss and NDVI analysis
- Climate change impacts on land
- Sustainable land management practices
- Satellite imagery interpretation
- Machine learning models for environmental monitoring
When users ask about their analysis results, provide:
- Clear explanations of degradation levels and metrics
- Actionable recommendations for land restoration
- Context about environmental factors
- Scientific backing for your suggestions
Be concise, accurate, and helpful. Use technical terms when appropriate but explain them clearly.`

type Config struct {
	LLMProvider      string `env:"LLM_PROVIDER" envDefault:"gemini"`
	GeminiAPIKey     string `env:"GEMINI_API_KEY"`
	OpenAIAPIKey     string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string `env:"OPENAI_BASE_URL"`
	PrimaryModel     string `env:"PRIMARY_MODEL"`
	FallbackModel    string `env:"FALLBACK_MODEL"`
	StreamingEnabled bool   `env:"STREAMING_ENABLED" envDefault:"true"`
	SystemPrompt     string `env:"SYSTEM_PROMPT"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"terrawatch.db"`

	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFile  string `env:"LOG_FILE"`

	JWTSecret string        `env:"JWT_SECRET"`
	JWTTTL    time.Duration `env:"JWT_TTL" envDefault:"24h"`

	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT" envDefault:"2m"`
	PersistTimeout    time.Duration `env:"PERSIST_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads envFile when it exists and binds the process environment onto a Config.
// A missing env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing env config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// defaultModels holds the primary and fallback model names per provider.
var defaultModels = map[string][2]string{
	ProviderGemini: {"gemini-2.5-flash", "gemini-2.5-pro"},
	ProviderOpenAI: {"gpt-4o-mini", "gpt-4o"},
}

// applyDefaults fills values whose defaults depend on other settings.
func (c *Config) applyDefaults() {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if models, ok := defaultModels[c.LLMProvider]; ok {
		if c.PrimaryModel == "" {
			c.PrimaryModel = models[0]
		}
		if c.FallbackModel == "" {
			c.FallbackModel = models[1]
		}
	}
}

func (c *Config) Validate() error {
	switch c.LLMProvider {
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY environment variable is required")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY environment variable is required")
		}
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLMProvider)
	}

	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}

	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET environment variable is required")
	}
	if c.PrimaryModel == "" || c.FallbackModel == "" {
		return errors.New("PRIMARY_MODEL and FALLBACK_MODEL must not be empty")
	}
	return nil
}
