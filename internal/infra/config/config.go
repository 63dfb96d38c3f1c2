package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Generation GenerationConfig `yaml:"generation"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Plan       PlanConfig       `yaml:"plan"`
	Store      StoreConfig      `yaml:"store"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Server     ServerConfig     `yaml:"server"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// EngineConfig holds orchestration settings.
type EngineConfig struct {
	// Concurrency is the limiter capacity shared by every job.
	Concurrency  int           `yaml:"concurrency"`
	QueueTimeout time.Duration `yaml:"queue_timeout"`
	// AgentTimeout bounds a single agent attempt; 0 disables the bound.
	AgentTimeout time.Duration `yaml:"agent_timeout"`

	ContextLimitBytes      int     `yaml:"context_limit_bytes"`
	ApproachFraction       float64 `yaml:"approach_fraction"`
	CompressionBudgetBytes int     `yaml:"compression_budget_bytes"`
	// GenerativeCompression shrinks payloads with the generation service
	// instead of local truncation.
	GenerativeCompression bool          `yaml:"generative_compression"`
	CompressionTimeout    time.Duration `yaml:"compression_timeout"`

	ReasoningEnabled bool          `yaml:"reasoning_enabled"`
	ReasoningTimeout time.Duration `yaml:"reasoning_timeout"`

	// CallbackTimeout bounds the per-phase progress callback.
	CallbackTimeout time.Duration `yaml:"callback_timeout"`

	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// GenerationConfig describes the generation service.
type GenerationConfig struct {
	// Provider selects the backend: "openai" for any OpenAI-compatible API,
	// or "bedrock" for the AWS Bedrock Converse API.
	Provider string `yaml:"provider"`
	// Region is the AWS region for bedrock.
	Region      string        `yaml:"region"`
	Name        string        `yaml:"name"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	// RequestsPerMinute paces calls; 0 disables pacing.
	RequestsPerMinute int                  `yaml:"requests_per_minute"`
	Burst             int                  `yaml:"burst"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
	Pool              PoolConfig           `yaml:"pool"`
}

// CircuitBreakerConfig configures the breaker around the generator.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig configures HTTP connection pooling.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CatalogConfig selects the agent catalog. An empty path uses the built-in one.
type CatalogConfig struct {
	Path string `yaml:"path"`
	// PromptsDir holds optional per-agent prompt files (<agent>.md).
	PromptsDir string `yaml:"prompts_dir"`
}

// PlanConfig selects the default execution plan file. An empty path uses
// the built-in plan.
type PlanConfig struct {
	Path string `yaml:"path"`
	// Watch reloads Path when it changes while serving.
	Watch bool `yaml:"watch"`
}

// StoreConfig selects the job store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

// SchedulerConfig holds recurring analysis settings.
type SchedulerConfig struct {
	Enabled bool                 `yaml:"enabled"`
	Jobs    []ScheduledJobConfig `yaml:"jobs"`
}

// ScheduledJobConfig defines one recurring analysis.
type ScheduledJobConfig struct {
	Name         string            `yaml:"name"`
	Schedule     string            `yaml:"schedule"` // cron expression or duration string
	TargetDomain string            `yaml:"target_domain"`
	TenantID     string            `yaml:"tenant_id,omitempty"`
	Options      map[string]string `yaml:"options,omitempty"`
}

// ServerConfig holds the job API settings used by `aivis serve`.
type ServerConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Exporter string            `yaml:"exporter"` // stdout, otlp, noop
	Endpoint string            `yaml:"endpoint"` // otlp collector host:port
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// defaultDataDir returns the persistent data directory under $HOME/.aivis/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".aivis", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Engine: EngineConfig{
			Concurrency:            5,
			QueueTimeout:           60 * time.Second,
			ContextLimitBytes:      512 * 1024,
			ApproachFraction:       0.8,
			CompressionBudgetBytes: 384 * 1024,
			CompressionTimeout:     60 * time.Second,
			ReasoningEnabled:       true,
			ReasoningTimeout:       30 * time.Second,
			CallbackTimeout:        5 * time.Second,
			RetryAttempts:          2,
			RetryBackoff:           500 * time.Millisecond,
		},
		Generation: GenerationConfig{
			Provider:    "openai",
			Region:      "us-east-1",
			Name:        "openai",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Timeout:     120 * time.Second,
			ConnTimeout: 30 * time.Second,
			MaxTokens:   4096,
			Temperature: 0.2,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(defaultDataDir(), "jobs.db"),
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8080",
			RequestsPerMin: 120,
			Burst:          20,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("AIVIS_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps AIVIS_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AIVIS_ENGINE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Concurrency = n
		}
	}
	if v := os.Getenv("AIVIS_ENGINE_QUEUE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.QueueTimeout = d
		}
	}
	if v := os.Getenv("AIVIS_ENGINE_CALLBACK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.CallbackTimeout = d
		}
	}
	if v := os.Getenv("AIVIS_ENGINE_REASONING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Engine.ReasoningEnabled = b
		}
	}
	if v := os.Getenv("AIVIS_GENERATION_PROVIDER"); v != "" {
		cfg.Generation.Provider = v
	}
	if v := os.Getenv("AIVIS_GENERATION_REGION"); v != "" {
		cfg.Generation.Region = v
	}
	if v := os.Getenv("AIVIS_GENERATION_BASE_URL"); v != "" {
		cfg.Generation.BaseURL = v
	}
	if v := os.Getenv("AIVIS_GENERATION_MODEL"); v != "" {
		cfg.Generation.Model = v
	}
	if v := os.Getenv("AIVIS_GENERATION_API_KEY"); v != "" {
		cfg.Generation.APIKey = v
	}
	if v := os.Getenv("AIVIS_GENERATION_REQUESTS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Generation.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("AIVIS_CATALOG_PATH"); v != "" {
		cfg.Catalog.Path = v
	}
	if v := os.Getenv("AIVIS_PLAN_PATH"); v != "" {
		cfg.Plan.Path = v
	}
	if v := os.Getenv("AIVIS_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("AIVIS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AIVIS_SERVER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Server.Enabled = b
		}
	}
	if v := os.Getenv("AIVIS_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("AIVIS_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AIVIS_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AIVIS_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AIVIS_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AIVIS_TRACER_ENDPOINT"); v != "" {
		cfg.Tracer.Endpoint = v
	}
	// Fall back to the conventional variable for OpenAI-compatible services.
	if cfg.Generation.APIKey == "" && cfg.Generation.Provider == "openai" {
		cfg.Generation.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

// decryptSecrets replaces "enc:..." secret values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	key := cfg.Generation.APIKey
	if strings.HasPrefix(key, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("generation api_key: %w", err)
		}
		cfg.Generation.APIKey = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others,
// since they may carry API keys.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
