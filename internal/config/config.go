package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	BufferBackendMemory = "memory"
	BufferBackendRedis  = "redis"

	PersistenceBestEffort = "best_effort"
	PersistenceStrict     = "strict"
)

type Config struct {
	ENV         string      `yaml:"env" env:"ENV" env-default:"local"`
	HTTP        HTTPServer  `yaml:"http"`
	GRPC        GRPCServer  `yaml:"grpc"`
	Completion  Completion  `yaml:"completion"`
	Storage     Storage     `yaml:"storage"`
	Buffer      Buffer      `yaml:"buffer"`
	Persistence Persistence `yaml:"persistence"`
	Retention   Retention   `yaml:"retention"`
}

// HTTPServer configures the JSON API and the /ws endpoint.
type HTTPServer struct {
	Address        string        `yaml:"address" env:"HTTP_ADDRESS" env-default:":3000"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env-default:"10s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env-default:"0s"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env-default:"60s"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS" env-separator:","`
	StaticDir      string        `yaml:"static_dir" env:"HTTP_STATIC_DIR"`
	IndexPage      string        `yaml:"index_page" env-default:"/react-chat.html"`
}

type GRPCServer struct {
	Enabled bool `yaml:"enabled" env:"GRPC_ENABLED" env-default:"false"`
	Port    int  `yaml:"port" env:"GRPC_PORT" env-default:"44044"`
}

// Completion is any OpenAI-compatible chat completions provider; Groq by default.
type Completion struct {
	BaseURL     string        `yaml:"base_url" env:"COMPLETION_BASE_URL" env-default:"https://api.groq.com/openai/v1"`
	APIKey      string        `yaml:"-" env:"GROQ_API_KEY"`
	Model       string        `yaml:"model" env:"COMPLETION_MODEL" env-default:"llama-3.3-70b-versatile"`
	Temperature float32       `yaml:"temperature" env:"COMPLETION_TEMPERATURE" env-default:"0.3"`
	MaxTokens   int           `yaml:"max_tokens" env:"COMPLETION_MAX_TOKENS" env-default:"1000"`
	Timeout     time.Duration `yaml:"timeout" env:"COMPLETION_TIMEOUT" env-default:"0s"`
	TokenBudget int           `yaml:"token_budget" env:"COMPLETION_TOKEN_BUDGET" env-default:"0"`
}

type Storage struct {
	Driver      string `yaml:"driver" env:"STORAGE_DRIVER" env-default:"postgres"`
	DatabaseURL string `yaml:"-" env:"DATABASE_URL"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"STORAGE_AUTO_MIGRATE" env-default:"true"`
}

// Buffer selects where conversation context lives and how sessions are evicted.
// Zero MaxSessions and IdleTTL keep every session for the process lifetime.
type Buffer struct {
	Backend       string        `yaml:"backend" env:"BUFFER_BACKEND" env-default:"memory"`
	MaxSessions   int           `yaml:"max_sessions" env:"BUFFER_MAX_SESSIONS" env-default:"0"`
	IdleTTL       time.Duration `yaml:"idle_ttl" env:"BUFFER_IDLE_TTL" env-default:"0s"`
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string        `yaml:"-" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB" env-default:"0"`
}

type Persistence struct {
	Mode       string `yaml:"mode" env:"PERSISTENCE_MODE" env-default:"best_effort"`
	IDAttempts int    `yaml:"id_attempts" env-default:"3"`
}

type Retention struct {
	ChatTTL  time.Duration `yaml:"chat_ttl" env:"RETENTION_CHAT_TTL" env-default:"720h"`
	Schedule string        `yaml:"schedule" env:"RETENTION_SCHEDULE" env-default:"@every 1h"`
}

// MustLoadByPath parses the YAML file and overlays environment variables.
func MustLoadByPath(configPath string) *Config {
	cfg, err := LoadByPath(configPath)
	if err != nil {
		panic(err)
	}
	return cfg
}

func LoadByPath(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv is used when no config file is given.
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad reads the file named by -config or CONFIG_PATH, or the environment alone
// when neither is set.
func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		cfg, err := LoadFromEnv()
		if err != nil {
			panic(err)
		}
		return cfg
	}

	return MustLoadByPath(path)
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case StorageDriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for storage driver %q", c.Storage.Driver)
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Buffer.Backend {
	case BufferBackendMemory, BufferBackendRedis:
	default:
		return fmt.Errorf("unknown buffer backend %q", c.Buffer.Backend)
	}

	switch c.Persistence.Mode {
	case PersistenceBestEffort, PersistenceStrict:
	default:
		return fmt.Errorf("unknown persistence mode %q", c.Persistence.Mode)
	}

	if c.Persistence.IDAttempts < 1 {
		c.Persistence.IDAttempts = 1
	}
	return nil
}

// fetchConfigPath prefers the -config flag over CONFIG_PATH.
func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
