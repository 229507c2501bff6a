// Package config resolves the churnwatch configuration: tier defaults, then
// an optional YAML file, then CHURNWATCH_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/churnwatch/internal/domain"
	"github.com/opensource-finance/churnwatch/internal/model"
	"github.com/opensource-finance/churnwatch/internal/scoring"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHURNWATCH_"

// Lookup returns an environment value. Tests substitute a map.
type Lookup func(key string) (string, bool)

// Load resolves the configuration from path (may be empty) and the process
// environment.
func Load(path string) (*domain.Config, error) {
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is Load with an explicit environment.
func LoadWith(path string, env Lookup) (*domain.Config, error) {
	var raw []byte
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read config: %v", domain.ErrConfig, err)
		}
		raw = data
	}

	tier, err := resolveTier(raw, env)
	if err != nil {
		return nil, err
	}
	cfg := domain.DefaultConfig()
	if tier == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config yaml: %v", domain.ErrConfig, err)
		}
	}
	cfg.Tier = tier

	if err := applyEnv(cfg, env); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveTier picks the profile whose defaults the file is layered on.
func resolveTier(raw []byte, env Lookup) (domain.Tier, error) {
	tier := domain.TierCommunity
	if len(raw) > 0 {
		var head struct {
			Tier domain.Tier `yaml:"tier"`
		}
		if err := yaml.Unmarshal(raw, &head); err != nil {
			return "", fmt.Errorf("%w: parse config yaml: %v", domain.ErrConfig, err)
		}
		if head.Tier != "" {
			tier = head.Tier
		}
	}
	if v, ok := env(EnvPrefix + "TIER"); ok && v != "" {
		tier = domain.Tier(strings.ToLower(v))
	}
	switch tier {
	case domain.TierCommunity, domain.TierPro:
		return tier, nil
	default:
		return "", fmt.Errorf("%w: unknown tier %q", domain.ErrConfig, tier)
	}
}

func applyEnv(cfg *domain.Config, env Lookup) error {
	str := func(key string, dst *string) {
		if v, ok := env(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	str("SOURCE_PATH", &cfg.Source.Path)
	str("SOURCE_URL", &cfg.Source.URL)
	str("DB_PATH", &cfg.Repository.SQLitePath)
	str("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	str("POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("NATS_URL", &cfg.EventBus.NATSUrl)
	str("LOG_FORMAT", &cfg.Logging.Format)

	if v, ok := env(EnvPrefix + "THRESHOLD"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %sTHRESHOLD: %v", domain.ErrConfig, EnvPrefix, err)
		}
		cfg.Scoring.AlertThreshold = f
	}
	if v, ok := env(EnvPrefix + "PORT"); ok && v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sPORT: %v", domain.ErrConfig, EnvPrefix, err)
		}
		cfg.Server.Port = p
	}
	if v, ok := env(EnvPrefix + "DEBUG"); ok && v == "true" {
		cfg.Logging.Level = "debug"
	}
	return nil
}

// Validate checks the values the pipeline cannot run without.
func Validate(cfg *domain.Config) error {
	if err := scoring.ValidateThreshold(cfg.Scoring.AlertThreshold); err != nil {
		return err
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", domain.ErrConfig, cfg.Server.Port)
	}
	if cfg.Source.Path == "" && cfg.Source.URL == "" {
		return fmt.Errorf("%w: source needs a path or a url", domain.ErrConfig)
	}
	if cfg.Flatten.MaxPasses <= 0 {
		return fmt.Errorf("%w: flatten.maxPasses must be positive", domain.ErrConfig)
	}
	if f := cfg.Features.TestFraction; f <= 0 || f >= 1 {
		return fmt.Errorf("%w: features.testFraction %v must be in (0, 1)", domain.ErrConfig, f)
	}
	if err := model.ParamsFromConfig(cfg.Model).Validate(); err != nil {
		return err
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: logging.format %q must be json or text", domain.ErrConfig, cfg.Logging.Format)
	}
	return nil
}
