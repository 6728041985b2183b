package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpusolver/internal/config"
	"github.com/fxnlabs/gpusolver/internal/logger"
)

const defaultConfigPath = "config.yaml"

// loadConfig reads path, falling back to defaults when the file does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		if rootLogger, ok := app.Metadata["logger"].(*zap.Logger); ok {
			rootLogger.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func newApp() *cli.App {
	var (
		configPath string
		backend    string
	)

	return &cli.App{
		Name:  "solverctl",
		Usage: "Run dense LU, eigen and singular value decompositions on a solver backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Value:       defaultConfigPath,
				Usage:       "Path to the config file",
				EnvVars:     []string{"SOLVER_CONFIG"},
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "backend",
				Usage:       "Override backend.kind (auto, cuda or host)",
				EnvVars:     []string{"SOLVER_BACKEND"},
				Destination: &backend,
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if backend != "" {
				cfg.Backend.Kind = backend
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			zapLogger, err := logger.NewConsole(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			c.App.Metadata["config"] = cfg
			c.App.Metadata["logger"] = zapLogger.Named("cli")
			return nil
		},
		Commands: []*cli.Command{
			initCommand(),
			infoCommand(),
			targetsCommand(),
			descriptorCommand(),
			decodeCommand(),
			runCommand(),
			serveCommand(),
		},
	}
}

func appConfig(c *cli.Context) *config.Config {
	return c.App.Metadata["config"].(*config.Config)
}

func appLogger(c *cli.Context) *zap.Logger {
	return c.App.Metadata["logger"].(*zap.Logger)
}
