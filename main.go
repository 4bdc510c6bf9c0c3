// Package main runs the content manager agent: it discovers handheld
// devices over USB and the local network, pairs them with a PIN and runs
// their event sessions, reporting progress to app clients.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nedpals/davi-cma-agent/buildinfo"
	"github.com/nedpals/davi-cma-agent/config"
	"github.com/nedpals/davi-cma-agent/logging"
)

const shutdownGrace = 10 * time.Second

func main() {
	var (
		configFlag    string
		envFlag       string
		transportFlag string
		portFlag      int
		apiSecretFlag string
		versionFlag   bool
	)
	flag.StringVar(&configFlag, "config", "", "Path to YAML configuration file (optional)")
	flag.StringVar(&envFlag, "env", ".env", "Path to .env file (optional)")
	flag.StringVar(&transportFlag, "transport", "", "Comma-separated transports to start: usb, wireless")
	flag.IntVar(&portFlag, "port", 0, "Port for the app API (overrides config)")
	flag.StringVar(&apiSecretFlag, "api-secret", "", "API secret for the app API (optional)")
	flag.BoolVar(&versionFlag, "version", false, "Print version information and exit")
	flag.Parse()

	if versionFlag {
		fmt.Println(buildinfo.BuildInfo())
		return
	}

	if err := config.LoadEnvFile(envFlag); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(configFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if transportFlag != "" {
		cfg.Transports = strings.Split(transportFlag, ",")
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if apiSecretFlag != "" {
		cfg.Server.APISecret = apiSecretFlag
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging, buildinfo.FullVersion())
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Agent failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	agent, err := NewAgent(cfg, logger)
	if err != nil {
		return err
	}
	if err := agent.Start(); err != nil {
		agent.Close()
		return err
	}
	logger.Info("Agent started", "transports", cfg.Transports, "server", cfg.Server.Enabled)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received, stopping agent...")

	done := make(chan error, 1)
	go func() { done <- agent.Close() }()

	select {
	case err := <-done:
		return err
	case <-sigChan:
		logger.Warn("Second signal received, exiting without waiting for the session")
	case <-time.After(shutdownGrace):
		logger.Warn("Session still running after grace period, exiting")
	}
	return nil
}
