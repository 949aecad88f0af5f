// Package config handles Kiku configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Provider names. A model's provider is always chosen explicitly in the
// catalog; nothing is inferred from the model name.
const (
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
)

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/kiku/config.yaml, /etc/kiku/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kiku", "config.yaml"))
	}

	paths = append(paths, "/etc/kiku/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Kiku configuration.
type Config struct {
	Listen         ListenConfig         `yaml:"listen"`
	DataDir        string               `yaml:"data_dir"`
	LogLevel       string               `yaml:"log_level"`
	LogFormat      string               `yaml:"log_format"` // text or json
	Persona        string               `yaml:"persona"`
	PersonaFile    string               `yaml:"persona_file"` // Read when persona is empty; relative to the config file
	Providers      ProvidersConfig      `yaml:"providers"`
	Models         ModelsConfig         `yaml:"models"`
	Embeddings     EmbeddingsConfig     `yaml:"embeddings"`
	Contextualizer ContextualizerConfig `yaml:"contextualizer"`
	Workbench      WorkbenchConfig      `yaml:"workbench"`
	Memory         MemoryConfig         `yaml:"memory"`
	Generation     GenerationConfig     `yaml:"generation"`
	Archive        ArchiveConfig        `yaml:"archive"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProvidersConfig holds connection settings for every supported model
// provider. A provider is enabled once it is configured.
type ProvidersConfig struct {
	Ollama    OllamaConfig `yaml:"ollama"`
	Anthropic APIKeyConfig `yaml:"anthropic"`
	OpenAI    APIKeyConfig `yaml:"openai"`
	Gemini    APIKeyConfig `yaml:"gemini"`
}

// OllamaConfig points at a local or LAN Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether the Ollama provider is enabled.
func (c OllamaConfig) Configured() bool { return c.URL != "" }

// APIKeyConfig is the shape shared by the hosted providers.
type APIKeyConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // Optional override (proxies, compatible servers)
}

// Configured reports whether an API key is present.
func (c APIKeyConfig) Configured() bool { return c.APIKey != "" }

// ModelsConfig is the model catalog and role assignments.
type ModelsConfig struct {
	Catalog        []ModelConfig `yaml:"catalog"`
	DefaultCascade []string      `yaml:"default_cascade"`
	Roles          RolesConfig   `yaml:"roles"`
}

// ModelConfig describes one model and how well it fits each specialty.
type ModelConfig struct {
	Name     string         `yaml:"name"`
	Provider string         `yaml:"provider"`
	Rankings map[string]int `yaml:"rankings"` // specialty → score, higher is better
}

// RolesConfig names the models used for internal (non-conversational)
// calls.
type RolesConfig struct {
	Classifier string `yaml:"classifier"`
	Summarizer string `yaml:"summarizer"`
	Tagger     string `yaml:"tagger"`
	Segmenter  string `yaml:"segmenter"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider"` // ollama or hash
	Model      string `yaml:"model"`
	URL        string `yaml:"url"` // Defaults to providers.ollama.url
	Dimensions int    `yaml:"dimensions"`
	CacheSize  int64  `yaml:"cache_size"` // Max cached vectors; 0 disables the cache
}

// ContextualizerConfig tunes topic shift detection.
type ContextualizerConfig struct {
	Threshold float64 `yaml:"threshold"`
}

// WorkbenchConfig tunes session context matching.
type WorkbenchConfig struct {
	Threshold float64 `yaml:"threshold"`
	MaxBlocks int     `yaml:"max_blocks"` // 0 keeps every block for the session
}

// MemoryConfig tunes long-term memory.
type MemoryConfig struct {
	RecallK    int `yaml:"recall_k"`
	MaxRecords int `yaml:"max_records"` // 0 = unbounded; oldest records are pruned beyond this
}

// GenerationConfig tunes the model cascade.
type GenerationConfig struct {
	CallTimeout    time.Duration `yaml:"call_timeout"`
	UnlockInterval int           `yaml:"unlock_interval"`
	MaxRounds      int           `yaml:"max_rounds"`
	HistoryWindow  int           `yaml:"history_window"` // 0 sends the full history
}

// ArchiveConfig tunes background archival.
type ArchiveConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout"`
	QueueSize   int           `yaml:"queue_size"`
}

// Load reads configuration from a YAML file. A .env file beside the
// config file (and one in the working directory) is loaded into the
// environment first, so ${ANTHROPIC_API_KEY} style references resolve.
// Variables already set in the environment win.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.loadPersona(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadPersona fills Persona from PersonaFile when only the file is set.
func (c *Config) loadPersona(dir string) error {
	if c.Persona != "" || c.PersonaFile == "" {
		return nil
	}
	path := c.PersonaFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read persona file: %w", err)
	}
	c.Persona = strings.TrimSpace(string(data))
	return nil
}

func loadDotEnv(paths ...string) {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		// godotenv.Load never overrides variables that are already set.
		_ = godotenv.Load(abs)
	}
}

// Default returns a configuration with every default applied. It mirrors
// the stock catalog: two Gemini models and GPT-4o, ranked per specialty.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultCatalog is the stock model catalog.
func DefaultCatalog() []ModelConfig {
	return []ModelConfig{
		{
			Name:     "gemini-1.5-pro-latest",
			Provider: ProviderGemini,
			Rankings: map[string]int{
				"conversation":      8,
				"creative_writing":  9,
				"logical_reasoning": 10,
				"code_generation":   10,
			},
		},
		{
			Name:     "gemini-1.5-flash-latest",
			Provider: ProviderGemini,
			Rankings: map[string]int{
				"conversation":      10,
				"creative_writing":  7,
				"logical_reasoning": 6,
				"code_generation":   8,
			},
		},
		{
			Name:     "gpt-4o",
			Provider: ProviderOpenAI,
			Rankings: map[string]int{
				"conversation":      9,
				"creative_writing":  10,
				"logical_reasoning": 9,
				"code_generation":   9,
			},
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Providers.Ollama.URL == "" {
		c.Providers.Ollama.URL = os.Getenv("OLLAMA_HOST")
	}

	if c.Providers.Anthropic.APIKey == "" {
		c.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Providers.OpenAI.APIKey == "" {
		c.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Providers.Gemini.APIKey == "" {
		c.Providers.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if len(c.Models.Catalog) == 0 {
		c.Models.Catalog = DefaultCatalog()
	}
	for i := range c.Models.Catalog {
		if c.Models.Catalog[i].Provider == "" {
			c.Models.Catalog[i].Provider = ProviderOllama
		}
	}
	if len(c.Models.DefaultCascade) == 0 {
		c.Models.DefaultCascade = []string{"gemini-1.5-flash-latest"}
	}
	roleDefault := c.Models.DefaultCascade[0]
	for _, role := range []*string{
		&c.Models.Roles.Classifier,
		&c.Models.Roles.Summarizer,
		&c.Models.Roles.Tagger,
		&c.Models.Roles.Segmenter,
	} {
		if *role == "" {
			*role = roleDefault
		}
	}

	if c.Embeddings.Provider == "" {
		if c.Providers.Ollama.Configured() {
			c.Embeddings.Provider = "ollama"
		} else {
			c.Embeddings.Provider = "hash"
		}
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "nomic-embed-text"
	}
	if c.Embeddings.URL == "" {
		c.Embeddings.URL = c.Providers.Ollama.URL
	}
	if c.Embeddings.Dimensions == 0 {
		c.Embeddings.Dimensions = 384
	}

	if c.Contextualizer.Threshold == 0 {
		c.Contextualizer.Threshold = 0.7
	}
	if c.Workbench.Threshold == 0 {
		c.Workbench.Threshold = 0.1
	}
	if c.Memory.RecallK == 0 {
		c.Memory.RecallK = 3
	}
	if c.Generation.CallTimeout == 0 {
		c.Generation.CallTimeout = 60 * time.Second
	}
	if c.Generation.UnlockInterval == 0 {
		c.Generation.UnlockInterval = 10
	}
	if c.Generation.MaxRounds == 0 {
		c.Generation.MaxRounds = 3
	}
	if c.Archive.CallTimeout == 0 {
		c.Archive.CallTimeout = 60 * time.Second
	}
	if c.Archive.QueueSize == 0 {
		c.Archive.QueueSize = 64
	}
}

// ProviderConfigured reports whether the named provider has what it needs
// to make calls.
func (c *Config) ProviderConfigured(name string) bool {
	switch name {
	case ProviderOllama:
		return c.Providers.Ollama.Configured()
	case ProviderAnthropic:
		return c.Providers.Anthropic.Configured()
	case ProviderOpenAI:
		return c.Providers.OpenAI.Configured()
	case ProviderGemini:
		return c.Providers.Gemini.Configured()
	default:
		return false
	}
}

// Validate checks the configuration for values that would fail at
// runtime.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	seen := make(map[string]bool)
	for _, m := range c.Models.Catalog {
		if m.Name == "" {
			errs = append(errs, errors.New("models.catalog entry without a name"))
			continue
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Errorf("models.catalog: duplicate model %q", m.Name))
		}
		seen[m.Name] = true
		switch m.Provider {
		case ProviderOllama, ProviderAnthropic, ProviderOpenAI, ProviderGemini:
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}

	switch c.Embeddings.Provider {
	case "ollama":
		if c.Embeddings.URL == "" {
			errs = append(errs, errors.New("embeddings.provider ollama needs embeddings.url or providers.ollama.url"))
		}
	case "hash":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider %q must be ollama or hash", c.Embeddings.Provider))
	}

	if c.Contextualizer.Threshold < -1 || c.Contextualizer.Threshold > 1 {
		errs = append(errs, fmt.Errorf("contextualizer.threshold %v must be within [-1, 1]", c.Contextualizer.Threshold))
	}
	if c.Workbench.Threshold < 0 || c.Workbench.Threshold > 1 {
		errs = append(errs, fmt.Errorf("workbench.threshold %v must be within [0, 1]", c.Workbench.Threshold))
	}
	if c.Workbench.MaxBlocks < 0 || c.Memory.MaxRecords < 0 || c.Generation.HistoryWindow < 0 {
		errs = append(errs, errors.New("capacity limits must not be negative"))
	}
	if c.Memory.RecallK < 0 {
		errs = append(errs, fmt.Errorf("memory.recall_k %d must not be negative", c.Memory.RecallK))
	}

	return errors.Join(errs...)
}
