package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"chatcore/internal/app"
	"chatcore/internal/chatlist"
	"chatcore/internal/logging"
)

const (
	modeServer = "server"
	modeChats  = "chats"
)

func main() {
	// a missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	mode, args := parseMode(os.Args[1:])
	flagSet := flag.NewFlagSet("chatcore", flag.ExitOnError)
	configPath := flagSet.String("config", envOrDefault("CHATCORE_CONFIG", ""), "YAML config file")
	addr := flagSet.String("addr", "", "server listen address (overrides config)")
	db := flagSet.String("db", "", "sqlite database path (overrides config)")
	logLevel := flagSet.String("log-level", "", "debug, info, warn or error (overrides config)")
	serverURL := flagSet.String("server-url", envOrDefault("CHATCORE_SERVER", "http://localhost:8080"), "server base URL (chats mode)")
	userID := flagSet.String("user", envOrDefault("CHATCORE_USER", os.Getenv("USER")), "user id to act as (chats mode)")
	_ = flagSet.Parse(args)

	cfg, err := app.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatcore: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *db != "" {
		cfg.Database.Path = *db
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	switch mode {
	case modeChats:
		err = runChatsMode(*serverURL, cfg.Server.WSPath, *userID)
	default:
		err = runServerMode(cfg)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "chatcore: %v\n", err)
		os.Exit(1)
	}
}

func runServerMode(cfg app.Config) error {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	err = handle.Wait()
	logger.Info("server stopped", zap.Error(err))
	return err
}

func runChatsMode(serverURL, wsPath, userID string) error {
	if userID == "" {
		return errors.New("chats mode requires --user or CHATCORE_USER")
	}
	return chatlist.Run(serverURL, app.NormalizePath(wsPath), userID)
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeServer, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeChats:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeServer, args
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
