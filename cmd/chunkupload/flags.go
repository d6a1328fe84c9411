package main

import (
	"fmt"

	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"
)

var (
	targetFlag        = &cli.StringFlag{Name: "target", Usage: "upload target: api or s3"}
	apiURLFlag        = &cli.StringFlag{Name: "api-url", Usage: "base URL of the upload API"}
	tokenFlag         = &cli.StringFlag{Name: "token", Usage: "bearer token of the upload API"}
	chunkSizeFlag     = &cli.StringFlag{Name: "chunk-size", Usage: "chunk size, e.g. 10MB (default: picked from the file size)"}
	concurrencyFlag   = &cli.IntFlag{Name: "concurrency", Usage: "parallel chunk transfers"}
	retriesFlag       = &cli.IntFlag{Name: "retries", Usage: "attempts per chunk"}
	hungThresholdFlag = &cli.DurationFlag{Name: "hung-threshold", Usage: "cancel and retry transfers this much slower than the average"}
	algorithmFlag     = &cli.StringFlag{Name: "algorithm", Usage: "fingerprint algorithm: md5 or sha256"}
	compressFlag      = &cli.BoolFlag{Name: "compress", Usage: "send zstd compressed chunks"}
	bucketFlag        = &cli.StringFlag{Name: "bucket", Usage: "S3 bucket"}
	regionFlag        = &cli.StringFlag{Name: "region", Usage: "S3 region"}
	endpointFlag      = &cli.StringFlag{Name: "endpoint", Usage: "S3 compatible endpoint"}
	prefixFlag        = &cli.StringFlag{Name: "prefix", Usage: "S3 key prefix"}
	uploadIDFlag      = &cli.StringFlag{Name: "upload-id", Usage: "resume this S3 multipart upload"}
)

func applyFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet(targetFlag.Name) {
		cfg.Target = c.String(targetFlag.Name)
	}
	if c.IsSet(apiURLFlag.Name) {
		cfg.APIURL = c.String(apiURLFlag.Name)
	}
	if c.IsSet(tokenFlag.Name) {
		cfg.Token = config.Secret(c.String(tokenFlag.Name))
	}
	if c.IsSet(chunkSizeFlag.Name) {
		size, err := units.RAMInBytes(c.String(chunkSizeFlag.Name))
		if err != nil {
			return fmt.Errorf("invalid --%s: %w", chunkSizeFlag.Name, err)
		}
		cfg.ChunkSize = size
	}
	if c.IsSet(concurrencyFlag.Name) {
		cfg.Concurrency = c.Int(concurrencyFlag.Name)
	}
	if c.IsSet(retriesFlag.Name) {
		cfg.MaxRetries = c.Int(retriesFlag.Name)
	}
	if c.IsSet(hungThresholdFlag.Name) {
		cfg.HungThreshold = c.Duration(hungThresholdFlag.Name)
	}
	if c.IsSet(algorithmFlag.Name) {
		cfg.HashAlgorithm = c.String(algorithmFlag.Name)
	}
	if c.IsSet(compressFlag.Name) {
		cfg.Compress = c.Bool(compressFlag.Name)
	}
	if c.IsSet("debug") {
		cfg.Debug = c.Bool("debug")
	}
	if c.IsSet(bucketFlag.Name) {
		cfg.S3.Bucket = c.String(bucketFlag.Name)
	}
	if c.IsSet(regionFlag.Name) {
		cfg.S3.Region = c.String(regionFlag.Name)
	}
	if c.IsSet(endpointFlag.Name) {
		cfg.S3.Endpoint = c.String(endpointFlag.Name)
	}
	if c.IsSet(prefixFlag.Name) {
		cfg.S3.Prefix = c.String(prefixFlag.Name)
	}
	if c.IsSet(uploadIDFlag.Name) {
		cfg.S3.UploadID = c.String(uploadIDFlag.Name)
	}
	return nil
}
