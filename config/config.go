// Package config reads the chunkupload configuration from CHUNKUPLOAD_*
// environment variables.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-chunkupload/hashengine"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Environment variable names.
const (
	APIURLKey            = "CHUNKUPLOAD_API_URL"
	TokenKey             = "CHUNKUPLOAD_TOKEN"
	TargetKey            = "CHUNKUPLOAD_TARGET"
	ChunkSizeKey         = "CHUNKUPLOAD_CHUNK_SIZE"
	ConcurrencyKey       = "CHUNKUPLOAD_CONCURRENCY"
	MaxRetriesKey        = "CHUNKUPLOAD_MAX_RETRIES"
	HungThresholdKey     = "CHUNKUPLOAD_HUNG_THRESHOLD"
	HashAlgorithmKey     = "CHUNKUPLOAD_HASH_ALGORITHM"
	CompressKey          = "CHUNKUPLOAD_COMPRESS"
	DebugKey             = "CHUNKUPLOAD_DEBUG"
	S3BucketKey          = "CHUNKUPLOAD_S3_BUCKET"
	S3RegionKey          = "CHUNKUPLOAD_S3_REGION"
	S3EndpointKey        = "CHUNKUPLOAD_S3_ENDPOINT"
	S3PrefixKey          = "CHUNKUPLOAD_S3_PREFIX"
	S3UploadIDKey        = "CHUNKUPLOAD_S3_UPLOAD_ID"
	S3AccessKeyIDKey     = "CHUNKUPLOAD_S3_ACCESS_KEY_ID"
	S3SecretAccessKeyKey = "CHUNKUPLOAD_S3_SECRET_ACCESS_KEY"
)

// Upload targets.
const (
	TargetAPI = "api"
	TargetS3  = "s3"
)

// Getter reads a single environment variable, env.Repository satisfies it.
type Getter interface {
	Get(key string) string
}

// Secret is a string value that is never printed.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// S3 holds the S3 target settings.
type S3 struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	UploadID        string
	AccessKeyID     string
	SecretAccessKey Secret
}

// Config ...
type Config struct {
	APIURL string
	Token  Secret
	Target string

	// ChunkSize is zero when the size should be picked from the file size.
	ChunkSize     int64
	Concurrency   int
	MaxRetries    int
	HungThreshold time.Duration
	HashAlgorithm string
	Compress      bool
	Debug         bool

	S3 S3
}

// Load parses the configuration, unset variables keep their defaults.
func Load(envs Getter) (Config, error) {
	defaults := chunkuploader.DefaultConfig()
	cfg := Config{
		APIURL:        envs.Get(APIURLKey),
		Token:         Secret(envs.Get(TokenKey)),
		Target:        TargetAPI,
		Concurrency:   defaults.Concurrency,
		MaxRetries:    defaults.MaxRetryPerChunk,
		HungThreshold: defaults.HungThreshold,
		HashAlgorithm: hashengine.AlgorithmMD5,
		S3: S3{
			Bucket:          envs.Get(S3BucketKey),
			Region:          envs.Get(S3RegionKey),
			Endpoint:        envs.Get(S3EndpointKey),
			Prefix:          envs.Get(S3PrefixKey),
			UploadID:        envs.Get(S3UploadIDKey),
			AccessKeyID:     envs.Get(S3AccessKeyIDKey),
			SecretAccessKey: Secret(envs.Get(S3SecretAccessKeyKey)),
		},
	}

	var err error
	if v := envs.Get(TargetKey); v != "" {
		cfg.Target = strings.ToLower(v)
	}
	if v := envs.Get(ChunkSizeKey); v != "" {
		if cfg.ChunkSize, err = units.RAMInBytes(v); err != nil {
			return Config{}, fmt.Errorf("invalid %s (%s): %w", ChunkSizeKey, v, err)
		}
	}
	if v := envs.Get(ConcurrencyKey); v != "" {
		if cfg.Concurrency, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("invalid %s (%s): %w", ConcurrencyKey, v, err)
		}
	}
	if v := envs.Get(MaxRetriesKey); v != "" {
		if cfg.MaxRetries, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("invalid %s (%s): %w", MaxRetriesKey, v, err)
		}
	}
	if v := envs.Get(HungThresholdKey); v != "" {
		if cfg.HungThreshold, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("invalid %s (%s): %w", HungThresholdKey, v, err)
		}
	}
	if v := envs.Get(HashAlgorithmKey); v != "" {
		cfg.HashAlgorithm = strings.ToLower(v)
	}
	if v := envs.Get(CompressKey); v != "" {
		if cfg.Compress, err = parseBool(v); err != nil {
			return Config{}, fmt.Errorf("invalid %s (%s): %w", CompressKey, v, err)
		}
	}
	if v := envs.Get(DebugKey); v != "" {
		if cfg.Debug, err = parseBool(v); err != nil {
			return Config{}, fmt.Errorf("invalid %s (%s): %w", DebugKey, v, err)
		}
	}

	return cfg, nil
}

// Validate checks the settings the selected target needs.
func (c Config) Validate() error {
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk size should not be negative")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency should be at least 1, got %d", c.Concurrency)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries should be at least 1, got %d", c.MaxRetries)
	}
	if c.HashAlgorithm != hashengine.AlgorithmMD5 && c.HashAlgorithm != hashengine.AlgorithmSHA256 {
		return fmt.Errorf("%w: %s", hashengine.ErrUnknownAlgorithm, c.HashAlgorithm)
	}

	switch c.Target {
	case TargetAPI:
		if c.APIURL == "" {
			return fmt.Errorf("%s is required for the %s target", APIURLKey, TargetAPI)
		}
	case TargetS3:
		if c.S3.Bucket == "" || c.S3.Region == "" {
			return fmt.Errorf("%s and %s are required for the %s target", S3BucketKey, S3RegionKey, TargetS3)
		}
	default:
		return fmt.Errorf("unknown target: %s (valid: %s, %s)", c.Target, TargetAPI, TargetS3)
	}

	return nil
}

// UploaderConfig converts the settings into a chunkuploader.Config.
func (c Config) UploaderConfig() chunkuploader.Config {
	config := chunkuploader.DefaultConfig()
	config.Concurrency = c.Concurrency
	config.MaxRetryPerChunk = c.MaxRetries
	config.HungThreshold = c.HungThreshold
	config.HashAlgorithm = c.HashAlgorithm
	config.Compress = c.Compress
	return config
}

// Print logs the configuration with secrets masked.
func (c Config) Print(logger log.Logger) {
	chunkSize := "auto"
	if c.ChunkSize > 0 {
		chunkSize = units.BytesSize(float64(c.ChunkSize))
	}

	logger.Infof("Configuration:")
	logger.Printf("- target: %s", c.Target)
	if c.Target == TargetS3 {
		logger.Printf("- bucket: %s", c.S3.Bucket)
		logger.Printf("- region: %s", c.S3.Region)
		logger.Printf("- access key secret: %s", c.S3.SecretAccessKey)
	} else {
		logger.Printf("- api url: %s", c.APIURL)
		logger.Printf("- token: %s", c.Token)
	}
	logger.Printf("- chunk size: %s", chunkSize)
	logger.Printf("- concurrency: %d", c.Concurrency)
	logger.Printf("- max retries: %d", c.MaxRetries)
	logger.Printf("- hung threshold: %s", c.HungThreshold)
	logger.Printf("- hash algorithm: %s", c.HashAlgorithm)
	logger.Printf("- compress: %t", c.Compress)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(s)
}
