package config

import (
	"log"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	cron_config "github.com/customeros/mailblast/internal/cron/config"
	"github.com/customeros/mailblast/internal/logger"
	"github.com/customeros/mailblast/internal/tracing"
)

type Config struct {
	AppConfig               *AppConfig
	Logger                  *logger.Config
	Tracing                 *tracing.JaegerConfig
	MailblastDatabaseConfig *MailblastDatabaseConfig
	DispatchConfig          *DispatchConfig
	FailurePolicyConfig     *FailurePolicyConfig
	TrainerConfig           *TrainerConfig
	BounceConfig            *BounceConfig
	CronConfig              *cron_config.Config
}

func InitConfig() (*Config, error) {
	config := &Config{
		AppConfig:               &AppConfig{},
		Logger:                  &logger.Config{},
		Tracing:                 &tracing.JaegerConfig{},
		MailblastDatabaseConfig: &MailblastDatabaseConfig{},
		DispatchConfig:          &DispatchConfig{},
		FailurePolicyConfig:     &FailurePolicyConfig{},
		TrainerConfig:           &TrainerConfig{},
		BounceConfig:            &BounceConfig{},
		CronConfig:              &cron_config.Config{},
	}

	err := godotenv.Load()
	if err != nil {
		log.Print("Unable to load .env file")
	}

	err = env.Parse(config)
	if err != nil {
		log.Fatalf("Error loading mailblast config: %v", err)
	}

	return config, nil
}

// Defaults parses only envDefault values, ignoring required markers.
// Tests and the CLI use it to obtain tuned structs without a full env.
func Defaults() *Config {
	config := &Config{
		AppConfig:               &AppConfig{},
		Logger:                  &logger.Config{},
		Tracing:                 &tracing.JaegerConfig{},
		MailblastDatabaseConfig: &MailblastDatabaseConfig{},
		DispatchConfig:          &DispatchConfig{},
		FailurePolicyConfig:     &FailurePolicyConfig{},
		TrainerConfig:           &TrainerConfig{},
		BounceConfig:            &BounceConfig{},
		CronConfig:              &cron_config.Config{},
	}
	_ = env.Parse(config.DispatchConfig)
	_ = env.Parse(config.FailurePolicyConfig)
	_ = env.Parse(config.TrainerConfig)
	_ = env.Parse(config.BounceConfig)
	_ = env.Parse(config.CronConfig)
	return config
}
