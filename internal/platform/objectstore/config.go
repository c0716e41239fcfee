package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cadenza-labs/cadenza-go/internal/platform/env"
)

type Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Region         string
	UseSSL         bool
	BucketContexts string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("CADENZA_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:       env.String("CADENZA_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:      env.String("CADENZA_MINIO_ACCESS_KEY", "cadenza"),
		SecretKey:      env.String("CADENZA_MINIO_SECRET_KEY", "cadenzaminio"),
		Region:         env.String("CADENZA_MINIO_REGION", "us-east-1"),
		UseSSL:         useSSL,
		BucketContexts: env.String("CADENZA_MINIO_BUCKET_CONTEXTS", "cadenza-contexts"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketContexts) == "" {
		return errors.New("contexts bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
