package models

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr  string `yaml:"server_addr"`
	DatabaseURL string `yaml:"database_url"`

	// Roots of the three logical filesystems.
	PermanentPath string `yaml:"permanent_path"`
	TemporaryPath string `yaml:"temporary_path"`
	DerivatesPath string `yaml:"derivates_path"`

	// Empty URL disables blurring entirely.
	BlurURL string `yaml:"blur_url"`

	// PREPROCESS generates SD and tiles at processing time,
	// ON_DEMAND only the thumbnail.
	DerivatesStrategy string `yaml:"derivates_strategy"`

	// Number of embedded workers spawned by the API process.
	// 0 means processing is left to a standalone worker.
	Workers int `yaml:"workers"`

	// Optional status notifications, disabled when no broker is set.
	KafkaBroker string `yaml:"kafka_broker"`
	KafkaTopic  string `yaml:"kafka_topic"`
}

func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	if cfg.DerivatesStrategy == "" {
		cfg.DerivatesStrategy = StrategyOnDemand
	}
	if cfg.DerivatesStrategy != StrategyPreprocess && cfg.DerivatesStrategy != StrategyOnDemand {
		return nil, fmt.Errorf("%s: unknown derivates strategy %q", op, cfg.DerivatesStrategy)
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("%s: workers must be >= 0", op)
	}

	return &cfg, nil
}
