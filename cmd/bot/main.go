// cmd/bot/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/api"
	"github.com/rovshanmuradov/solana-trader/internal/bot"
	"github.com/rovshanmuradov/solana-trader/internal/config"
	"github.com/rovshanmuradov/solana-trader/internal/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	issueFor := flag.String("issue-token", "", "print an API token for the given owner and exit")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "lifetime of an issued API token")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "💥 Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *issueFor != "" {
		token, err := api.IssueToken(cfg.HTTP.JWTSecret, *issueFor, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "💥 Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	log, err := logger.New(&logger.Config{
		LogFile:     cfg.Log.File,
		MaxSize:     cfg.Log.MaxSize,
		MaxAge:      cfg.Log.MaxAge,
		MaxBackups:  cfg.Log.MaxBackups,
		Compress:    cfg.Log.Compress,
		Development: cfg.Log.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "💥 Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("🚀 Starting trading engine", zap.String("config", *configPath))
	if err := bot.NewRunner(cfg, log.Logger).Run(context.Background()); err != nil {
		log.Error("Engine stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("👋 Engine stopped")
}
