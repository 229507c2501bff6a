package domain

import "time"

// Config holds the complete churnwatch configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines which backends are used
	Tier Tier `json:"tier" yaml:"tier"`

	// Pipeline stages
	Source   SourceConfig   `json:"source" yaml:"source"`
	Flatten  FlattenConfig  `json:"flatten" yaml:"flatten"`
	Schema   SchemaConfig   `json:"schema" yaml:"schema"`
	Features FeatureConfig  `json:"features" yaml:"features"`
	Model    ModelConfig    `json:"model" yaml:"model"`
	Scoring  ScoringConfig  `json:"scoring" yaml:"scoring"`
	Segments SegmentsConfig `json:"segments" yaml:"segments"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds
}

// SourceConfig locates the raw record batch.
// When both are set the local path wins if the file exists.
type SourceConfig struct {
	Path    string `json:"path" yaml:"path"`
	URL     string `json:"url" yaml:"url"`
	Timeout int    `json:"timeout" yaml:"timeout"` // seconds
}

// FlattenConfig tunes the flattening engine.
type FlattenConfig struct {
	Separator string `json:"separator" yaml:"separator"`
	MaxPasses int    `json:"maxPasses" yaml:"maxPasses"`
}

// SchemaConfig drives vocabulary translation and coercion.
type SchemaConfig struct {
	Rename        map[string]string `json:"rename" yaml:"rename"`
	MoneyColumns  []string          `json:"moneyColumns" yaml:"moneyColumns"`
	TargetColumn  string            `json:"targetColumn" yaml:"targetColumn"`
	PositiveLabel string            `json:"positiveLabel" yaml:"positiveLabel"`
	NegativeLabel string            `json:"negativeLabel" yaml:"negativeLabel"`
}

// FeatureConfig selects features and the holdout split.
type FeatureConfig struct {
	Columns      []string `json:"columns" yaml:"columns"`
	TestFraction float64  `json:"testFraction" yaml:"testFraction"`
	Seed         int64    `json:"seed" yaml:"seed"`
}

// ModelConfig holds gradient boosting hyperparameters.
type ModelConfig struct {
	Trees         int     `json:"trees" yaml:"trees"`
	LearningRate  float64 `json:"learningRate" yaml:"learningRate"`
	MaxDepth      int     `json:"maxDepth" yaml:"maxDepth"`
	MinDataInLeaf int     `json:"minDataInLeaf" yaml:"minDataInLeaf"`
	Lambda        float64 `json:"lambda" yaml:"lambda"`
	Subsample     float64 `json:"subsample" yaml:"subsample"`
	ColSample     float64 `json:"colSample" yaml:"colSample"`
	MaxBins       int     `json:"maxBins" yaml:"maxBins"`
	CatSmooth     float64 `json:"catSmooth" yaml:"catSmooth"`
	Seed          int64   `json:"seed" yaml:"seed"`
}

// ScoringConfig holds the alert threshold.
type ScoringConfig struct {
	AlertThreshold float64 `json:"alertThreshold" yaml:"alertThreshold"`
}

// SegmentsConfig holds the labels of the critical-segment rule.
type SegmentsConfig struct {
	CriticalMaxTenure     int    `json:"criticalMaxTenure" yaml:"criticalMaxTenure"`
	CriticalContract      string `json:"criticalContract" yaml:"criticalContract"`
	CriticalInternet      string `json:"criticalInternet" yaml:"criticalInternet"`
	CriticalPaymentMethod string `json:"criticalPaymentMethod" yaml:"criticalPaymentMethod"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"serviceName"`
}

// Tier represents the deployment profile.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process LRU.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis.
	TierPro Tier = "pro"
)

// DefaultSourceURL is the public TelecomX customer export.
const DefaultSourceURL = "https://raw.githubusercontent.com/alura-cursos/challenge2-data-science-LATAM/main/TelecomX_Data.json"

// DefaultRename maps flattened TelecomX columns onto the canonical vocabulary.
func DefaultRename() map[string]string {
	return map[string]string{
		"customerID":                "CUSTOMER_ID",
		"Churn":                     "CHURN",
		"customer_gender":           "GENDER",
		"customer_SeniorCitizen":    "SENIOR_CITIZEN",
		"customer_Partner":          "PARTNER",
		"customer_Dependents":       "DEPENDENTS",
		"customer_tenure":           "TENURE_MONTHS",
		"phone_PhoneService":        "PHONE_SERVICE",
		"phone_MultipleLines":       "MULTIPLE_LINES",
		"internet_InternetService":  "INTERNET_SERVICE",
		"internet_OnlineSecurity":   "ONLINE_SECURITY",
		"internet_OnlineBackup":     "ONLINE_BACKUP",
		"internet_DeviceProtection": "DEVICE_PROTECTION",
		"internet_TechSupport":      "TECH_SUPPORT",
		"internet_StreamingTV":      "STREAMING_TV",
		"internet_StreamingMovies":  "STREAMING_MOVIES",
		"account_Contract":          "CONTRACT",
		"account_PaperlessBilling":  "PAPERLESS_BILLING",
		"account_PaymentMethod":     "PAYMENT_METHOD",
		"account_Charges_Monthly":   "MONTHLY_CHARGES",
		"account_Charges_Total":     "TOTAL_CHARGES",
	}
}

// DefaultConfig returns the single-node profile: sqlite, in-process cache
// and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 120, // training runs inside the request
		},
		Tier: TierCommunity,
		Source: SourceConfig{
			Path:    "./TelecomX_Data.json",
			URL:     DefaultSourceURL,
			Timeout: 30,
		},
		Flatten: FlattenConfig{
			Separator: "_",
			MaxPasses: 64,
		},
		Schema: SchemaConfig{
			Rename:        DefaultRename(),
			MoneyColumns:  []string{ColMonthlyCharges, ColTotalCharges},
			TargetColumn:  ColChurn,
			PositiveLabel: "Yes",
			NegativeLabel: "No",
		},
		Features: FeatureConfig{
			Columns:      append([]string(nil), DefaultFeatureColumns...),
			TestFraction: 0.25,
			Seed:         42,
		},
		Model: ModelConfig{
			Trees:         400,
			LearningRate:  0.05,
			MaxDepth:      5,
			MinDataInLeaf: 20,
			Lambda:        1.0,
			Subsample:     0.9,
			ColSample:     0.9,
			MaxBins:       255,
			CatSmooth:     10,
			Seed:          42,
		},
		Scoring: ScoringConfig{
			AlertThreshold: 0.4,
		},
		Segments: SegmentsConfig{
			CriticalMaxTenure:     12,
			CriticalContract:      "Month-to-month",
			CriticalInternet:      "Fiber optic",
			CriticalPaymentMethod: "Electronic check",
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./churnwatch.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 64,
			LocalTTL:     30 * time.Minute,
			ArtifactTTL:  24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "churnwatch",
		},
	}
}

// ProConfig returns the shared-infrastructure profile: postgres, Redis behind
// a local LRU, and NATS.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "churnwatch",
	}
	cfg.Cache = CacheConfig{
		Type:         "redis",
		RedisAddr:    "localhost:6379",
		Tiered:       true,
		LocalMaxSize: 16,
		LocalTTL:     5 * time.Minute,
		ArtifactTTL:  24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
