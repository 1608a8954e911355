package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"rolodex/pkg/errors"
)

type Config struct {
	App           AppConfig
	Postgres      PostgresConfig
	Redis         RedisConfig
	AI            AIConfig
	Embedding     EmbeddingConfig
	Rerank        RerankConfig
	Geo           GeoConfig
	Cache         CacheConfig
	Budget        BudgetConfig
	Search        SearchConfig
	ErrorTracking ErrorTrackingConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"rolodex"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
}

type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" required:"true"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" required:"true"`
	Password string `envconfig:"POSTGRES_PASSWORD" required:"true"`
	Database string `envconfig:"POSTGRES_DB" required:"true"`
	SSLMode  string `envconfig:"POSTGRES_SSL_MODE" default:"disable"`
	MaxConns int    `envconfig:"POSTGRES_MAX_CONNS" default:"25"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" required:"true"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type AIConfig struct {
	Provider     string        `envconfig:"AI_PROVIDER" default:"openai"`
	OpenAIKey    string        `envconfig:"OPENAI_API_KEY"`
	GeminiKey    string        `envconfig:"GEMINI_API_KEY"`
	EnhanceModel string        `envconfig:"AI_ENHANCE_MODEL" default:"gpt-4o-mini"`
	TagModel     string        `envconfig:"AI_TAG_MODEL" default:"gpt-4o-mini"`
	Timeout      time.Duration `envconfig:"AI_TIMEOUT" default:"30s"`
}

type EmbeddingConfig struct {
	Provider   string        `envconfig:"EMBEDDING_PROVIDER" default:"openai"`
	APIKey     string        `envconfig:"OPENAI_API_KEY"`
	Model      string        `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	Timeout    time.Duration `envconfig:"EMBEDDING_TIMEOUT" default:"30s"`
	BatchSize  int           `envconfig:"EMBEDDING_BATCH_SIZE" default:"64"`
	BatchDelay time.Duration `envconfig:"EMBEDDING_BATCH_DELAY" default:"200ms"`
}

type RerankConfig struct {
	Enabled bool          `envconfig:"RERANK_ENABLED" default:"true"`
	BaseURL string        `envconfig:"RERANK_URL" default:"http://localhost:5556"`
	Timeout time.Duration `envconfig:"RERANK_TIMEOUT" default:"10s"`
	Retries uint          `envconfig:"RERANK_RETRIES" default:"3"`
}

type GeoConfig struct {
	GeocodeURL     string        `envconfig:"GEOCODE_URL" default:"https://nominatim.openstreetmap.org"`
	VenueURL       string        `envconfig:"VENUE_URL"`
	Timeout        time.Duration `envconfig:"GEO_TIMEOUT" default:"10s"`
	CostPerCallUSD string        `envconfig:"GEO_COST_PER_CALL" default:"0.001"`
}

type CacheConfig struct {
	TTL time.Duration `envconfig:"CACHE_TTL" default:"24h"`
	// Fields hashed into content-derived cache keys. Volatile fields such as
	// the person's name are excluded on purpose so that similar profiles share
	// cached enrichment output.
	KeyFields []string `envconfig:"CACHE_KEY_FIELDS" default:"company,role,notes"`
}

type BudgetConfig struct {
	FreeMaxMonthlyCostUSD string `envconfig:"BUDGET_FREE_MAX_COST" default:"0.50"`
	FreeMaxRunsAI         int    `envconfig:"BUDGET_FREE_MAX_RUNS_AI" default:"50"`
	FreeMaxRunsAPI        int    `envconfig:"BUDGET_FREE_MAX_RUNS_API" default:"100"`
	ProMaxMonthlyCostUSD  string `envconfig:"BUDGET_PRO_MAX_COST" default:"10.00"`
	ProMaxRunsAI          int    `envconfig:"BUDGET_PRO_MAX_RUNS_AI" default:"2000"`
	ProMaxRunsAPI         int    `envconfig:"BUDGET_PRO_MAX_RUNS_API" default:"5000"`
}

type SearchConfig struct {
	MaxResults          int           `envconfig:"SEARCH_MAX_RESULTS" default:"20"`
	MinVectorScore      float64       `envconfig:"SEARCH_MIN_VECTOR_SCORE" default:"0.30"`
	CandidateMultiplier int           `envconfig:"SEARCH_CANDIDATE_MULTIPLIER" default:"3"`
	VectorWeight        float64       `envconfig:"SEARCH_VECTOR_WEIGHT" default:"0.4"`
	RerankWeight        float64       `envconfig:"SEARCH_RERANK_WEIGHT" default:"0.6"`
	StageDeadline       time.Duration `envconfig:"SEARCH_STAGE_DEADLINE" default:"25s"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"false"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// Load reads configuration from environment, optionally seeded from .env
func Load() (*Config, error) {
	// .env is optional, ignore missing file
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process environment config")
	}

	return &cfg, nil
}
