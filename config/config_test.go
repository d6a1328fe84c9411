package config

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/hashengine"
	"github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeEnvs map[string]string

func (f fakeEnvs) Get(key string) string {
	return f[key]
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(fakeEnvs{APIURLKey: "https://upload.example.com"})
	require.NoError(t, err)

	assert.Equal(t, TargetAPI, cfg.Target)
	assert.Equal(t, int64(0), cfg.ChunkSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.HungThreshold)
	assert.Equal(t, hashengine.AlgorithmMD5, cfg.HashAlgorithm)
	assert.GreaterOrEqual(t, cfg.Concurrency, 2)
	assert.False(t, cfg.Compress)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	cfg, err := Load(fakeEnvs{
		TargetKey:            "S3",
		TokenKey:             "token",
		ChunkSizeKey:         "8MB",
		ConcurrencyKey:       "4",
		MaxRetriesKey:        "5",
		HungThresholdKey:     "1m30s",
		HashAlgorithmKey:     "SHA256",
		CompressKey:          "yes",
		DebugKey:             "true",
		S3BucketKey:          "bucket",
		S3RegionKey:          "eu-west-1",
		S3PrefixKey:          "uploads",
		S3UploadIDKey:        "upload-id",
		S3AccessKeyIDKey:     "key-id",
		S3SecretAccessKeyKey: "key-secret",
	})
	require.NoError(t, err)

	assert.Equal(t, Config{
		Token:         "token",
		Target:        TargetS3,
		ChunkSize:     8 * 1024 * 1024,
		Concurrency:   4,
		MaxRetries:    5,
		HungThreshold: 90 * time.Second,
		HashAlgorithm: hashengine.AlgorithmSHA256,
		Compress:      true,
		Debug:         true,
		S3: S3{
			Bucket:          "bucket",
			Region:          "eu-west-1",
			Prefix:          "uploads",
			UploadID:        "upload-id",
			AccessKeyID:     "key-id",
			SecretAccessKey: "key-secret",
		},
	}, cfg)
	assert.NoError(t, cfg.Validate())

	uploaderConfig := cfg.UploaderConfig()
	assert.Equal(t, 4, uploaderConfig.Concurrency)
	assert.Equal(t, 5, uploaderConfig.MaxRetryPerChunk)
	assert.Equal(t, 90*time.Second, uploaderConfig.HungThreshold)
	assert.Equal(t, hashengine.AlgorithmSHA256, uploaderConfig.HashAlgorithm)
	assert.True(t, uploaderConfig.Compress)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{ChunkSizeKey, "huge"},
		{ConcurrencyKey, "many"},
		{MaxRetriesKey, "1.5"},
		{HungThresholdKey, "30"},
		{CompressKey, "maybe"},
		{DebugKey, "sometimes"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			_, err := Load(fakeEnvs{tt.key: tt.value})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load(fakeEnvs{APIURLKey: "https://upload.example.com"})
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{name: "missing api url", modify: func(c *Config) { c.APIURL = "" }, wantErr: APIURLKey},
		{name: "missing bucket", modify: func(c *Config) { c.Target = TargetS3; c.S3.Region = "us-east-1" }, wantErr: S3BucketKey},
		{name: "unknown target", modify: func(c *Config) { c.Target = "ftp" }, wantErr: "unknown target: ftp"},
		{name: "zero concurrency", modify: func(c *Config) { c.Concurrency = 0 }, wantErr: "concurrency"},
		{name: "zero retries", modify: func(c *Config) { c.MaxRetries = 0 }, wantErr: "max retries"},
		{name: "negative chunk size", modify: func(c *Config) { c.ChunkSize = -1 }, wantErr: "chunk size"},
		{name: "unknown algorithm", modify: func(c *Config) { c.HashAlgorithm = "crc32" }, wantErr: "crc32"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	cfg := valid()
	cfg.HashAlgorithm = "crc32"
	assert.True(t, errors.Is(cfg.Validate(), hashengine.ErrUnknownAlgorithm))
}

func TestSecret_String(t *testing.T) {
	assert.Equal(t, "*****", Secret("token").String())
	assert.Equal(t, "", Secret("").String())
	assert.Equal(t, "token: *****", fmt.Sprintf("token: %s", Secret("token")))
}

func TestConfig_Print_MasksToken(t *testing.T) {
	var printedToken string
	mockLogger := new(mocks.Logger)
	mockLogger.On("Infof", mock.Anything).Return()
	mockLogger.On("Printf", "- token: %s", mock.Anything).Run(func(args mock.Arguments) {
		printedToken = fmt.Sprint(args.Get(1))
	}).Return()
	mockLogger.On("Printf", mock.Anything, mock.Anything).Return()

	cfg, err := Load(fakeEnvs{APIURLKey: "https://upload.example.com", TokenKey: "super-secret"})
	require.NoError(t, err)
	cfg.Print(mockLogger)

	assert.Equal(t, "*****", printedToken)
	mockLogger.AssertCalled(t, "Printf", "- api url: %s", "https://upload.example.com")
	mockLogger.AssertCalled(t, "Printf", "- chunk size: %s", "auto")
}
