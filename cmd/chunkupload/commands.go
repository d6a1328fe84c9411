package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bitrise-io/go-chunkupload/chunkuploader"
	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-chunkupload/hashengine"
	"github.com/bitrise-io/go-chunkupload/network"
	"github.com/bitrise-io/go-chunkupload/s3target"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"
)

var expectedHashFlag = &cli.StringFlag{Name: "expected-hash", Usage: "fail if the downloaded file has a different fingerprint"}

func hashCommand(logger log.Logger) *cli.Command {
	return &cli.Command{
		Name:      "hash",
		Usage:     "Print the fingerprint of files",
		ArgsUsage: "FILE|PATTERN...",
		Flags:     []cli.Flag{algorithmFlag, chunkSizeFlag},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c, logger)
			if err != nil {
				return err
			}

			paths, err := newPathEvaluator(logger).evaluate(c.Args().Slice())
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no files to hash")
			}

			engine, err := hashengine.New(hashengine.Config{Algorithm: cfg.HashAlgorithm}, logger)
			if err != nil {
				return err
			}

			for _, path := range paths {
				digest, err := hashFile(c.Context, engine, path, cfg, logger)
				if err != nil {
					return fmt.Errorf("hash %s: %w", path, err)
				}
				fmt.Fprintf(c.App.Writer, "%s  %s\n", digest, path)
			}
			return nil
		},
	}
}

func uploadCommand(logger log.Logger) *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload files in parallel chunks, resuming earlier uploads",
		ArgsUsage: "FILE|PATTERN...",
		Flags: []cli.Flag{
			targetFlag, apiURLFlag, tokenFlag, chunkSizeFlag, concurrencyFlag, retriesFlag,
			hungThresholdFlag, algorithmFlag, compressFlag,
			bucketFlag, regionFlag, endpointFlag, prefixFlag, uploadIDFlag,
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c, logger)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cfg.Print(logger)

			paths, err := newPathEvaluator(logger).evaluate(c.Args().Slice())
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no files to upload")
			}

			target, err := newTarget(c.Context, cfg, logger)
			if err != nil {
				return err
			}

			uploader, err := chunkuploader.New(cfg.UploaderConfig(), logger)
			if err != nil {
				return err
			}
			defer uploader.CloseIdleConnections()

			stop := pauseOnInterrupt(uploader, logger)
			defer stop()

			for _, path := range paths {
				if err := uploadFile(c.Context, uploader, target, path, cfg, logger); err != nil {
					if errors.Is(err, chunkuploader.ErrPaused) {
						logger.Warnf("Upload paused, run the same command again to resume")
					}
					return fmt.Errorf("upload %s: %w", path, err)
				}
			}

			stats := uploader.Stats()
			logger.Donef("Sent %s in %d chunks, %d retries",
				units.HumanSizeWithPrecision(float64(stats.Bytes()), 3), stats.FinishedCount(), stats.RetryCount())
			return nil
		},
	}
}

func fetchCommand(logger log.Logger) *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "Download a file and print its fingerprint",
		ArgsUsage: "URL DEST",
		Flags:     []cli.Flag{apiURLFlag, tokenFlag, algorithmFlag, chunkSizeFlag, expectedHashFlag},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("expected URL and DEST arguments, got %d", c.NArg())
			}
			url, dest := c.Args().Get(0), c.Args().Get(1)

			cfg, err := loadConfig(c, logger)
			if err != nil {
				return err
			}

			baseURL := cfg.APIURL
			if baseURL == "" {
				baseURL = url
			}
			target, err := network.NewTarget(network.TargetParams{APIBaseURL: baseURL, Token: string(cfg.Token)}, logger)
			if err != nil {
				return err
			}

			if err := target.Fetch(c.Context, url, dest); err != nil {
				return err
			}

			engine, err := hashengine.New(hashengine.Config{Algorithm: cfg.HashAlgorithm}, logger)
			if err != nil {
				return err
			}
			digest, err := hashFile(c.Context, engine, dest, cfg, logger)
			if err != nil {
				return fmt.Errorf("hash %s: %w", dest, err)
			}

			if expected := c.String(expectedHashFlag.Name); expected != "" && expected != digest {
				return fmt.Errorf("fingerprint mismatch: expected %s, got %s", expected, digest)
			}

			fmt.Fprintf(c.App.Writer, "%s  %s\n", digest, dest)
			return nil
		},
	}
}

func newTarget(ctx context.Context, cfg config.Config, logger log.Logger) (chunkuploader.Target, error) {
	switch cfg.Target {
	case config.TargetS3:
		return s3target.New(ctx, s3target.Params{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: string(cfg.S3.SecretAccessKey),
			Endpoint:        cfg.S3.Endpoint,
			KeyPrefix:       cfg.S3.Prefix,
			UploadID:        cfg.S3.UploadID,
		}, logger)
	default:
		return network.NewTarget(network.TargetParams{APIBaseURL: cfg.APIURL, Token: string(cfg.Token)}, logger)
	}
}

func uploadFile(ctx context.Context, uploader *chunkuploader.Uploader, target chunkuploader.Target, path string, cfg config.Config, logger log.Logger) error {
	size, err := fileSize(path)
	if err != nil {
		return err
	}

	provider, err := chunkuploader.NewFileChunkProvider(path, chunkSizeFor(cfg, size))
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	if s3, ok := target.(*s3target.Target); ok && provider.NumChunks() == 1 {
		return putSmall(ctx, uploader, s3, provider, path, logger)
	}

	result, err := uploader.Upload(ctx, provider.Name(), provider, target)
	if err != nil {
		return err
	}

	if result.Instant {
		logger.Donef("%s: already uploaded (%s)", provider.Name(), result.FileHash)
		return nil
	}
	logger.Donef("%s: uploaded %d chunks, %d already present (%s)",
		provider.Name(), len(result.Parts)-result.Skipped, result.Skipped, result.FileHash)
	return nil
}

func putSmall(ctx context.Context, uploader *chunkuploader.Uploader, target *s3target.Target, provider *chunkuploader.FileChunkProvider, path string, logger log.Logger) error {
	fileHash, err := uploader.Hash(ctx, provider)
	if err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close() //nolint:errcheck

	if err := target.PutSmall(ctx, provider.Name(), fileHash, file, provider.Size()); err != nil {
		return err
	}
	logger.Donef("%s: uploaded as %s", provider.Name(), target.ObjectKey(provider.Name(), fileHash))
	return nil
}

func hashFile(ctx context.Context, engine *hashengine.Engine, path string, cfg config.Config, logger log.Logger) (string, error) {
	size, err := fileSize(path)
	if err != nil {
		return "", err
	}

	provider, err := chunkuploader.NewFileChunkProvider(path, chunkSizeFor(cfg, size))
	if err != nil {
		return "", err
	}
	defer provider.Close() //nolint:errcheck

	name := filepath.Base(path)
	session := engine.Start(ctx, provider)
	for p := range session.Progress() {
		if !p.Done {
			logger.Printf("%s: %.1f%%", name, p.Percentage)
		}
	}
	return session.Wait()
}

func chunkSizeFor(cfg config.Config, fileSize int64) int64 {
	if cfg.ChunkSize > 0 {
		return cfg.ChunkSize
	}
	return chunkuploader.DefaultChunkSizeBytes(fileSize)
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// pauseOnInterrupt pauses the running upload on SIGINT or SIGTERM.
func pauseOnInterrupt(uploader *chunkuploader.Uploader, logger log.Logger) func() {
	signals := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-signals:
			logger.Warnf("Received %s, pausing upload", sig)
			uploader.Pause()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(signals)
		close(done)
	}
}
