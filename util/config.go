package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const Name = "stegograph"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host                string
		HttpPort            int    `yaml:"httpPort"`
		SslDomain           string `yaml:"sslDomain"`
		WithAp              bool   `yaml:"withAp"`
		DbPath              string `yaml:"dbPath"`
		JwtSecret           string `yaml:"jwtSecret"`
		RedisAddr           string `yaml:"redisAddr"`
		NatsUrl             string `yaml:"natsUrl"`
		OtelEndpoint        string `yaml:"otelEndpoint"`
		SentryDsn           string `yaml:"sentryDsn"`
		BackfillThreshold   int    `yaml:"backfillThreshold"`
		BackfillLimit       int    `yaml:"backfillLimit"`
		BackfillWaitMs      int    `yaml:"backfillWaitMs"`
		FetchTimeoutMs      int    `yaml:"fetchTimeoutMs"`
		DeliveryIntervalSec int    `yaml:"deliveryIntervalSec"`
		Debug               bool
	}
}

// BackfillWait is how long a listing waits for a lazy backfill before answering.
func (c *AppConfig) BackfillWait() time.Duration {
	return time.Duration(c.Conf.BackfillWaitMs) * time.Millisecond
}

func (c *AppConfig) FetchTimeout() time.Duration {
	if c.Conf.FetchTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Conf.FetchTimeoutMs) * time.Millisecond
}

func (c *AppConfig) DeliveryInterval() time.Duration {
	if c.Conf.DeliveryIntervalSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Conf.DeliveryIntervalSec) * time.Second
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not write default config to %s: %v\n", userConfigPath, writeErr)
			}
		}
	}

	if err = yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	// A missing .env is the normal case.
	_ = godotenv.Load()

	if err = applyEnv(c); err != nil {
		return nil, err
	}

	return c, nil
}

func applyEnv(c *AppConfig) error {
	strs := map[string]*string{
		"STEGOGRAPH_HOST":          &c.Conf.Host,
		"STEGOGRAPH_SSLDOMAIN":     &c.Conf.SslDomain,
		"STEGOGRAPH_DB_PATH":       &c.Conf.DbPath,
		"STEGOGRAPH_JWT_SECRET":    &c.Conf.JwtSecret,
		"STEGOGRAPH_REDIS_ADDR":    &c.Conf.RedisAddr,
		"STEGOGRAPH_NATS_URL":      &c.Conf.NatsUrl,
		"STEGOGRAPH_OTEL_ENDPOINT": &c.Conf.OtelEndpoint,
		"STEGOGRAPH_SENTRY_DSN":    &c.Conf.SentryDsn,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"STEGOGRAPH_HTTPPORT":           &c.Conf.HttpPort,
		"STEGOGRAPH_BACKFILL_THRESHOLD": &c.Conf.BackfillThreshold,
		"STEGOGRAPH_BACKFILL_LIMIT":     &c.Conf.BackfillLimit,
		"STEGOGRAPH_BACKFILL_WAIT_MS":   &c.Conf.BackfillWaitMs,
		"STEGOGRAPH_FETCH_TIMEOUT_MS":   &c.Conf.FetchTimeoutMs,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = n
	}

	if os.Getenv("STEGOGRAPH_WITH_AP") == "true" {
		c.Conf.WithAp = true
	}
	if os.Getenv("STEGOGRAPH_DEBUG") == "true" {
		c.Conf.Debug = true
	}
	return nil
}
