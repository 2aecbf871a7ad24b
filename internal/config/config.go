package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the entire gateway configuration, loaded from one YAML file
// with environment expansion. Environment-backed overrides take precedence
// over file values.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Registry   RegistryConfig   `yaml:"registry"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Evaluator  EvaluatorConfig  `yaml:"evaluator"`
	Smart      SmartConfig      `yaml:"smart"`
	Cache      CacheConfig      `yaml:"cache"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Policy     PolicyConfig     `yaml:"policy"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type GatewayConfig struct {
	Name            string `yaml:"name"`
	Port            int    `yaml:"port"`
	AdminPort       int    `yaml:"admin_port"`
	ShutdownGraceMS int    `yaml:"shutdown_grace_ms"`
}

// RegistryConfig points at the external contract registry. The gateway
// only consumes resolved contract documents over HTTP.
type RegistryConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type UpstreamConfig struct {
	Allowlist       []string `yaml:"allowlist"`
	TimeoutMS       int      `yaml:"timeout_ms"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	MaxConnsPerHost int      `yaml:"max_conns_per_host"`
	IdleConnTimeout int      `yaml:"idle_conn_timeout"`
}

type EvaluatorConfig struct {
	RegexTimeoutMS   int    `yaml:"regex_timeout_ms"`
	KeywordTimeoutMS int    `yaml:"keyword_timeout_ms"`
	SmartTimeoutMS   int    `yaml:"smart_timeout_ms"`
	LLMTimeoutMS     int    `yaml:"llm_timeout_ms"`
	JudgeURL         string `yaml:"judge_url"`
	JudgeAPIKey      string `yaml:"judge_api_key"`
	EmbeddingURL     string `yaml:"embedding_url"`
}

type SmartConfig struct {
	EmbeddingModel     string  `yaml:"embedding_model"`
	TAllow             float64 `yaml:"t_allow"`
	TBlock             float64 `yaml:"t_block"`
	EmbeddingWeight    float64 `yaml:"embedding_weight"`
	LexicalWeight      float64 `yaml:"lexical_weight"`
	ReviewBlocksOutput bool    `yaml:"review_blocks_output"`
}

type CacheConfig struct {
	Backend       string `yaml:"backend"` // "memory" or "redis"
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	PoolSize      int    `yaml:"pool_size"`
	MaxRetries    int    `yaml:"max_retries"`
	MemorySize    int    `yaml:"memory_size"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	ContractTTLS  int    `yaml:"contract_ttl_s"`
	ResultTTLS    int    `yaml:"result_ttl_s"`
	ConfigTTLS    int    `yaml:"config_ttl_s"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownS        int `yaml:"cooldown_s"`
}

type TelemetryConfig struct {
	SinkURL         string `yaml:"sink_url"`
	APIKey          string `yaml:"api_key"`
	BatchSize       int    `yaml:"batch_size"`
	BatchIntervalMS int    `yaml:"batch_interval_ms"`
	QueueCapacity   int    `yaml:"queue_capacity"`
	SpillPath       string `yaml:"spill_path"`
	SpillMaxBytes   int64  `yaml:"spill_max_bytes"`
}

type PolicyConfig struct {
	// FailOpen lets requests through unenforced when the contract source
	// is unavailable. Disabled by default; enabling it is a deliberate
	// operator decision.
	FailOpen bool `yaml:"fail_open"`
}

type GuardrailsConfig struct {
	RepoDir         string `yaml:"repo_dir"`
	ReloadIntervalS int    `yaml:"reload_interval_s"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file, expands ${ENV} references,
// applies defaults and env overrides, then validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	setDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a config with every default applied, for embedding in
// tests and for running without a file.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Gateway.Name == "" {
		cfg.Gateway.Name = "sentinel-gateway"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 8443
	}
	if cfg.Gateway.AdminPort == 0 {
		cfg.Gateway.AdminPort = 9090
	}
	if cfg.Gateway.ShutdownGraceMS == 0 {
		cfg.Gateway.ShutdownGraceMS = 10000
	}
	if cfg.Registry.TimeoutMS == 0 {
		cfg.Registry.TimeoutMS = 3000
	}
	if cfg.Upstream.TimeoutMS == 0 {
		cfg.Upstream.TimeoutMS = 30000
	}
	if cfg.Upstream.MaxBodyBytes == 0 {
		cfg.Upstream.MaxBodyBytes = 4 << 20 // 4 MiB
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = 100
	}
	if cfg.Upstream.MaxConnsPerHost == 0 {
		cfg.Upstream.MaxConnsPerHost = 20
	}
	if cfg.Upstream.IdleConnTimeout == 0 {
		cfg.Upstream.IdleConnTimeout = 90
	}
	if cfg.Evaluator.RegexTimeoutMS == 0 {
		cfg.Evaluator.RegexTimeoutMS = 200
	}
	if cfg.Evaluator.KeywordTimeoutMS == 0 {
		cfg.Evaluator.KeywordTimeoutMS = 200
	}
	if cfg.Evaluator.SmartTimeoutMS == 0 {
		cfg.Evaluator.SmartTimeoutMS = 200
	}
	if cfg.Evaluator.LLMTimeoutMS == 0 {
		cfg.Evaluator.LLMTimeoutMS = 5000
	}
	if cfg.Smart.TAllow == 0 {
		cfg.Smart.TAllow = 0.4
	}
	if cfg.Smart.TBlock == 0 {
		cfg.Smart.TBlock = 0.6
	}
	if cfg.Smart.EmbeddingWeight == 0 {
		cfg.Smart.EmbeddingWeight = 0.6
	}
	if cfg.Smart.LexicalWeight == 0 {
		cfg.Smart.LexicalWeight = 0.4
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.PoolSize == 0 {
		cfg.Cache.PoolSize = 100
	}
	if cfg.Cache.MemorySize == 0 {
		cfg.Cache.MemorySize = 4096
	}
	if cfg.Cache.TimeoutMS == 0 {
		cfg.Cache.TimeoutMS = 50
	}
	if cfg.Cache.ContractTTLS == 0 {
		cfg.Cache.ContractTTLS = 300
	}
	if cfg.Cache.ResultTTLS == 0 {
		cfg.Cache.ResultTTLS = 60
	}
	if cfg.Cache.ConfigTTLS == 0 {
		cfg.Cache.ConfigTTLS = 600
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.CooldownS == 0 {
		cfg.Breaker.CooldownS = 30
	}
	if cfg.Telemetry.BatchSize == 0 {
		cfg.Telemetry.BatchSize = 100
	}
	if cfg.Telemetry.BatchIntervalMS == 0 {
		cfg.Telemetry.BatchIntervalMS = 5000
	}
	if cfg.Telemetry.QueueCapacity == 0 {
		cfg.Telemetry.QueueCapacity = 1000
	}
	if cfg.Telemetry.SpillPath == "" {
		cfg.Telemetry.SpillPath = "telemetry-spill.ndjson"
	}
	if cfg.Telemetry.SpillMaxBytes == 0 {
		cfg.Telemetry.SpillMaxBytes = 32 << 20 // 32 MiB per spill segment
	}
	if cfg.Guardrails.ReloadIntervalS == 0 {
		cfg.Guardrails.ReloadIntervalS = 60
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REGISTRY_URL"); v != "" {
		cfg.Registry.URL = v
	}
	if v := os.Getenv("REGISTRY_API_KEY"); v != "" {
		cfg.Registry.APIKey = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
		cfg.Cache.Backend = "redis"
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	if v := os.Getenv("TELEMETRY_SINK_URL"); v != "" {
		cfg.Telemetry.SinkURL = v
	}
	if v := os.Getenv("TELEMETRY_API_KEY"); v != "" {
		cfg.Telemetry.APIKey = v
	}
	if v := os.Getenv("JUDGE_URL"); v != "" {
		cfg.Evaluator.JudgeURL = v
	}
	if v := os.Getenv("JUDGE_API_KEY"); v != "" {
		cfg.Evaluator.JudgeAPIKey = v
	}
	if v := os.Getenv("EMBEDDING_URL"); v != "" {
		cfg.Evaluator.EmbeddingURL = v
	}
	if v := os.Getenv("GUARDRAIL_REPO_DIR"); v != "" {
		cfg.Guardrails.RepoDir = v
	}
	if v := os.Getenv("POLICY_FAIL_OPEN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Policy.FailOpen = b
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func validate(cfg *Config) error {
	if cfg.Registry.URL == "" {
		return fmt.Errorf("registry.url is required")
	}
	if cfg.Cache.Backend == "redis" && cfg.Cache.RedisURL == "" {
		return fmt.Errorf("cache.redis_url is required when cache.backend is redis")
	}
	if cfg.Cache.Backend != "redis" && cfg.Cache.Backend != "memory" {
		return fmt.Errorf("cache.backend must be \"memory\" or \"redis\", got %q", cfg.Cache.Backend)
	}
	if cfg.Smart.TAllow >= cfg.Smart.TBlock {
		return fmt.Errorf("smart.t_allow (%.2f) must be below smart.t_block (%.2f)",
			cfg.Smart.TAllow, cfg.Smart.TBlock)
	}
	return nil
}
