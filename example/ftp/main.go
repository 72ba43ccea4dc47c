// Command ftp logs in to an FTP server, runs a list of control commands
// and prints every reply.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Zereker/chat/zaplog"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	level := zap.LevelFlag("log", zapcore.InfoLevel, "log level")
	flag.Parse()

	zaplog.Init(*level)
	logger := zap.L()
	defer func() { _ = logger.Sync() }()

	cfg := defaultConfig()
	if *configPath != "" {
		loaded, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		cfg = loaded
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ftp session failed", zap.String("addr", cfg.Address), zap.Error(err))
		os.Exit(1)
	}
}
