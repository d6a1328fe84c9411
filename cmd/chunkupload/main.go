package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

const defaultEnvFile = ".env"

func main() {
	logger := log.NewLogger()

	app := newApp(logger)
	if err := app.Run(os.Args); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func newApp(logger log.Logger) *cli.App {
	return &cli.App{
		Name:  "chunkupload",
		Usage: "Resumable chunked file uploads with progress reporting",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file with CHUNKUPLOAD_* settings",
				Value: defaultEnvFile,
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "enable debug logs",
			},
		},
		Before: func(c *cli.Context) error {
			return loadEnvFile(c.String("env-file"), c.IsSet("env-file"), logger)
		},
		Commands: []*cli.Command{
			hashCommand(logger),
			uploadCommand(logger),
			fetchCommand(logger),
		},
	}
}

// loadEnvFile loads a dotenv file without overriding variables that are
// already set. A missing default file is not an error.
func loadEnvFile(path string, explicit bool, logger log.Logger) error {
	err := godotenv.Load(path)
	if err == nil {
		logger.Debugf("Loaded %s", path)
		return nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}

// loadConfig reads the environment and applies the command line overrides.
func loadConfig(c *cli.Context, logger log.Logger) (config.Config, error) {
	cfg, err := config.Load(env.NewRepository())
	if err != nil {
		return config.Config{}, err
	}
	if err := applyFlags(c, &cfg); err != nil {
		return config.Config{}, err
	}

	logger.EnableDebugLog(cfg.Debug)
	return cfg, nil
}
