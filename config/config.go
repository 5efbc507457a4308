// Package config loads the agent's settings from a .env file, the process
// environment and an optional YAML tuning file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/debugagent/agentloop"
)

// Providers served by the gollm adapter.
var gollmProviders = map[string]bool{
	"anthropic": true,
	"groq":      true,
	"ollama":    true,
	"mistral":   true,
}

// Config is the complete runtime configuration.
type Config struct {
	GCP    GCPConfig    `yaml:"-"`
	GitHub GitHubConfig `yaml:"github"`
	LLM    LLMConfig    `yaml:"llm"`
	Agent  AgentConfig  `yaml:"agent"`

	RedisAddr string `env:"REDIS_ADDR" yaml:"redis_addr"`
	DBPath    string `env:"DEBUGAGENT_DB" envDefault:"debugagent.db" yaml:"db_path" validate:"required"`
	Addr      string `env:"DEBUGAGENT_ADDR" envDefault:":8080" yaml:"addr" validate:"required"`
}

// GCPConfig identifies the Cloud Function under investigation.
type GCPConfig struct {
	ProjectID    string `env:"GCP_PROJECT_ID" validate:"required"`
	FunctionName string `env:"GCP_FUNCTION_NAME" validate:"required"`
	SAKeyBase64  string `env:"GCP_SA_KEY_BASE64" validate:"required,base64"`
}

// GitHubConfig identifies the repository the fix is proposed against.
type GitHubConfig struct {
	Token      string `env:"GITHUB_TOKEN" yaml:"-" validate:"required"`
	Repo       string `env:"GITHUB_REPO" yaml:"repo" validate:"required,contains=/"`
	BaseBranch string `env:"GITHUB_BASE_BRANCH" envDefault:"main" yaml:"base_branch" validate:"required"`
	APIURL     string `env:"GITHUB_API_URL" yaml:"api_url" validate:"omitempty,url"`
}

// LLMConfig selects the gateway provider and its credentials.
type LLMConfig struct {
	Provider      string `env:"LLM_PROVIDER" envDefault:"openai" yaml:"provider" validate:"oneof=openai gemini anthropic groq ollama mistral"`
	Model         string `env:"LLM_MODEL" envDefault:"gpt-4o" yaml:"model" validate:"required"`
	OpenAIKey     string `env:"OPENAI_API_KEY" yaml:"-" validate:"required_if=Provider openai"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL" yaml:"openai_base_url" validate:"omitempty,url"`
	GeminiKey     string `env:"GEMINI_API_KEY" yaml:"-" validate:"required_if=Provider gemini"`
	APIKey        string `env:"LLM_API_KEY" yaml:"-"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	MaxIterations          int            `env:"DEBUGAGENT_MAX_ITERATIONS" envDefault:"15" yaml:"max_iterations" validate:"min=1"`
	ToolParallelism        int            `env:"DEBUGAGENT_TOOL_PARALLELISM" envDefault:"1" yaml:"tool_parallelism" validate:"min=1,max=16"`
	UnknownToolStreakLimit int            `env:"DEBUGAGENT_UNKNOWN_TOOL_STREAK" envDefault:"2" yaml:"unknown_tool_streak_limit" validate:"min=0"`
	EnableLoopDetection    bool           `env:"DEBUGAGENT_LOOP_DETECTION" envDefault:"true" yaml:"enable_loop_detection"`
	LoopDetectionWindow    int            `env:"DEBUGAGENT_LOOP_WINDOW" envDefault:"6" yaml:"loop_detection_window" validate:"min=0"`
	CacheTTL               time.Duration  `env:"DEBUGAGENT_CACHE_TTL" envDefault:"5m" yaml:"cache_ttl" validate:"min=0"`
	Temperature            *float64       `env:"DEBUGAGENT_TEMPERATURE" yaml:"temperature" validate:"omitempty,min=0,max=2"`
	MaxTokens              *int           `env:"DEBUGAGENT_MAX_TOKENS" yaml:"max_tokens" validate:"omitempty,min=1"`
	ToolOutputLimits       map[string]int `yaml:"tool_output_limits" validate:"dive,min=1"`
	ToolLineLimits         map[string]int `yaml:"tool_line_limits" validate:"dive,min=1"`
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// EnvFile is the dotenv file to read. Defaults to ".env"; a missing
	// file is not an error.
	EnvFile string
	// ConfigFile is an optional YAML file whose values override the
	// environment.
	ConfigFile string
	// Environment replaces the process environment when non-nil. Values from
	// EnvFile fill keys it does not set.
	Environment map[string]string
}

// Problem is one missing or invalid setting.
type Problem struct {
	Var     string
	Message string
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	lines := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		lines = append(lines, fmt.Sprintf("  - %s: %s", p.Var, p.Message))
	}
	return "missing or invalid configuration:\n" + strings.Join(lines, "\n")
}

var descriptions = map[string]string{
	"OPENAI_API_KEY":     "OpenAI API key for the LLM",
	"GEMINI_API_KEY":     "Gemini API key for the LLM",
	"LLM_API_KEY":        "API key for the configured LLM provider",
	"GCP_PROJECT_ID":     "GCP project ID",
	"GCP_FUNCTION_NAME":  "Name of the deployed Cloud Function",
	"GCP_SA_KEY_BASE64":  "Base64-encoded GCP service account JSON key",
	"GITHUB_TOKEN":       "GitHub personal access token with repo scope",
	"GITHUB_REPO":        "GitHub repo in owner/repo format",
	"GITHUB_BASE_BRANCH": "Branch pull requests target",
	"LLM_MODEL":          "Model identifier for the LLM provider",
}

// Load reads .env, parses the environment, applies the YAML file and
// validates the result.
func Load(opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}

	var cfg Config
	if opts.Environment != nil {
		environ, err := mergeEnvFile(envFile, opts.Environment)
		if err != nil {
			return nil, err
		}
		if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
			return nil, fmt.Errorf("parsing environment: %w", err)
		}
	} else {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
		if err := env.Parse(&cfg); err != nil {
			return nil, fmt.Errorf("parsing environment: %w", err)
		}
	}

	if opts.ConfigFile != "" {
		data, err := os.ReadFile(opts.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", opts.ConfigFile, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeEnvFile returns environ with keys from the dotenv file added where
// environ has none.
func mergeEnvFile(path string, environ map[string]string) (map[string]string, error) {
	merged := make(map[string]string, len(environ))
	for k, v := range environ {
		merged[k] = v
	}
	fileVars, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return merged, nil
		}
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	for k, v := range fileVars {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return merged, nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(fieldName)
	v.RegisterStructValidation(validateLLM, LLMConfig{})

	err := v.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}

	out := &ValidationError{}
	for _, fe := range verrs {
		out.Problems = append(out.Problems, Problem{Var: fe.Field(), Message: describe(fe)})
	}
	return out
}

// validateLLM requires LLM_API_KEY for hosted gollm providers. Ollama runs
// locally without one.
func validateLLM(sl validator.StructLevel) {
	llm := sl.Current().Interface().(LLMConfig)
	if gollmProviders[llm.Provider] && llm.Provider != "ollama" && llm.APIKey == "" {
		sl.ReportError(llm.APIKey, "LLM_API_KEY", "APIKey", "required", "")
	}
}

// fieldName reports fields by their environment variable, falling back to
// the YAML key for file-only settings.
func fieldName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("env"), ","); name != "" {
		return name
	}
	if name, _, _ := strings.Cut(f.Tag.Get("yaml"), ","); name != "" && name != "-" {
		return name
	}
	return f.Name
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		if d, ok := descriptions[fe.Field()]; ok {
			return d
		}
		return "required"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "contains":
		return "must be in owner/repo format"
	case "base64":
		return "must be valid base64"
	case "url":
		return "must be a URL"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// ProviderKey returns the API key for the configured provider.
func (c *Config) ProviderKey() string {
	switch c.LLM.Provider {
	case "openai":
		return c.LLM.OpenAIKey
	case "gemini":
		return c.LLM.GeminiKey
	default:
		return c.LLM.APIKey
	}
}

// UsesGollm reports whether the provider is served by the gollm adapter.
func (c *Config) UsesGollm() bool {
	return gollmProviders[c.LLM.Provider]
}

// LoopConfig converts the agent settings into a controller configuration.
func (c *Config) LoopConfig() agentloop.Config {
	cfg := agentloop.DefaultConfig()
	cfg.MaxIterations = c.Agent.MaxIterations
	cfg.ToolParallelism = c.Agent.ToolParallelism
	cfg.UnknownToolStreakLimit = c.Agent.UnknownToolStreakLimit
	cfg.EnableLoopDetection = c.Agent.EnableLoopDetection
	cfg.LoopDetectionWindow = c.Agent.LoopDetectionWindow
	cfg.ToolOutputLimits = c.Agent.ToolOutputLimits
	cfg.ToolLineLimits = c.Agent.ToolLineLimits
	cfg.Model = c.LLM.Model
	cfg.Provider = c.LLM.Provider
	cfg.Temperature = c.Agent.Temperature
	cfg.MaxTokens = c.Agent.MaxTokens
	return cfg
}
