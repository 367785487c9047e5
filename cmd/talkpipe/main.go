package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/talkpipe/talkpipe-go/core"
	"github.com/talkpipe/talkpipe-go/logger"
)

func main() {
	configPath := flag.String("c", "", "Path to config file (default searches ./config.yaml, /etc/talkpipe/config.yaml, etc.)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Info("shutting down talkpipe")

	client, err := core.NewClient(cfg, logger.Logger(), consoleSink{})
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("failed to close client", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("starting talkpipe")
		if err := client.Run(ctx); err != nil {
			logger.Error("client runtime error", "error", err)
		}
		cancel()
	}()

	// Enter ends the current turn early.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := client.EndTurn(); err != nil {
				logger.Warn("failed to end turn", "error", err)
			}
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}
}

// consoleSink prints display-only session events.
type consoleSink struct{}

func (consoleSink) StateChanged(old, new core.DeviceState) {
	fmt.Printf("[state] %s -> %s\n", old, new)
}

func (consoleSink) Transcription(text string) {
	fmt.Printf("[transcript] %s\n", text)
}

func (consoleSink) ToolCall(tool string, args map[string]any) {
	fmt.Printf("[tool] %s %v\n", tool, args)
}

func (consoleSink) Status(message string) {
	fmt.Printf("[status] %s\n", message)
}

func loadConfig(configPath string) (core.Config, error) {
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/talkpipe")
	}

	if err := viper.ReadInConfig(); err != nil {
		return core.Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg core.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return core.Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}
