package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shepherdhq/shepherd/internal/config"
	"github.com/shepherdhq/shepherd/internal/graph"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration document (required)")
	runDir := flag.String("run-dir", "", "base directory for resolving relative config paths (default: the config file's directory)")
	workDir := flag.String("work-dir", ".", "working directory for spawned child processes")
	flag.Parse()

	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: shepherd -config=<path> [-run-dir=<path>] [-work-dir=<path>]")
		os.Exit(2)
	}

	if *runDir == "" {
		*runDir = filepath.Dir(*configPath)
	}

	g, err := config.Load(*configPath, *runDir, *workDir, log)
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctrl := graph.New(log, g)
	disposition, err := ctrl.Run(context.Background())
	if err != nil {
		log.Fatal("run failed", zap.Error(err))
	}

	log.Info("run complete", zap.Stringer("disposition", disposition))
	os.Exit(disposition.ExitCode())
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	return zap.Must(logConfig.Build())
}
