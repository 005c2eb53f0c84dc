// The executor agent: the on-premise process between the cloud control
// plane and the local broker terminal. It reads one config file, opens no
// listening ports, and exits with 0 on clean shutdown, 1 on config errors,
// 2 on registration auth failure, and 3 on fatal supervisor escalation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/executor-agent/internal/agent"
	"github.com/atlas-desktop/executor-agent/internal/errs"
)

const (
	exitOK     = 0
	exitConfig = 1
	exitAuth   = 2
	exitFatal  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "executor.yaml", "path to the config file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger, err := buildLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return exitConfig
	}
	defer logger.Sync()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("configuration error", zap.Error(err))
		return exitConfig
	}

	ag, err := agent.New(logger, cfg)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return exitCode(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ag.Run(ctx); err != nil {
		logger.Error("agent terminated", zap.Error(err))
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch errs.KindOf(err) {
	case errs.KindConfig:
		return exitConfig
	case errs.KindAuth:
		return exitAuth
	case errs.KindDisconnected:
		return exitFatal
	default:
		return exitConfig
	}
}

func loadConfig(path string) (agent.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXECUTOR")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return agent.Config{}, errs.Wrap(errs.KindConfig, "read config "+path, err)
	}
	var cfg agent.Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return agent.Config{}, errs.Wrap(errs.KindConfig, "parse config", err)
	}
	return cfg, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
