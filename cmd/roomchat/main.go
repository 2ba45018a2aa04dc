package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/zerolog"

	"roomchat/internal/app"
	"roomchat/internal/config"
	"roomchat/internal/logging"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code
func run(args []string) int {
	cfg, err := loadConfig(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create application")
		return 1
	}

	if err := application.Start(context.Background()); err != nil {
		logger.Error().Err(err).Msg("failed to start")
		_ = application.Stop(context.Background())
		return 1
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.HTTP.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"roomchat": shutdownOperation(application, logger),
		},
	)

	exitCode := <-wait
	logger.Info().Int("exit_code", exitCode).Msg("roomchat exited")
	return exitCode
}

func shutdownOperation(application *app.Application, logger zerolog.Logger) gfshutdown.Operation {
	return func(ctx context.Context) error {
		logger.Info().Msg("graceful shutdown initiated")
		return application.Stop(ctx)
	}
}

// loadConfig resolves configuration as file > env > defaults. The file comes
// from -config or ROOMCHAT_CONFIG_FILE.
func loadConfig(args []string) (*config.Config, error) {
	flags := flag.NewFlagSet("roomchat", flag.ContinueOnError)
	configPath := flags.String("config", os.Getenv(config.EnvPrefix+"CONFIG_FILE"), "path to a JSON config file")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfigWithPrecedence(*configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
