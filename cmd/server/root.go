package main

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"stream-registry/internal/platform/config"
	"stream-registry/internal/platform/logger"
	"stream-registry/internal/poller"
	"stream-registry/internal/registry"

	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "stream-registry",
	Short: "Track live streams and transcoders",
	Long: `stream-registry discovers live streams on Icecast and srtrelay backends,
tracks transcoder heartbeats, expires stale entries and publishes the
resulting state as a JSON snapshot.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = config.Load(envFile)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
}

// settings is the environment-derived configuration shared by all commands.
type settings struct {
	port           string
	logLevel       string
	logFormat      string
	backendsFile   string
	pollInterval   time.Duration
	pollTimeout    time.Duration
	sweepInterval  time.Duration
	staleThreshold time.Duration
	snapshotPath   string
	secret         string
	wsOrigins      []string
}

func loadSettings() settings {
	return settings{
		port:           config.GetEnv("PORT", "8080"),
		logLevel:       config.GetEnv("LOG_LEVEL", "info"),
		logFormat:      config.GetEnv("LOG_FORMAT", "json"),
		backendsFile:   config.GetEnv("BACKENDS_FILE", "backends.yml"),
		pollInterval:   config.GetEnvDuration("POLL_INTERVAL", poller.DefaultInterval),
		pollTimeout:    config.GetEnvDuration("POLL_TIMEOUT", poller.DefaultTimeout),
		sweepInterval:  config.GetEnvDuration("SWEEP_INTERVAL", registry.DefaultSweepInterval),
		staleThreshold: config.GetEnvDuration("STALE_THRESHOLD", registry.DefaultStaleThreshold),
		snapshotPath:   config.GetEnv("SNAPSHOT_PATH", "state.json"),
		secret:         config.GetEnv("HEARTBEAT_SECRET", ""),
		wsOrigins:      strings.Split(config.GetEnv("WS_ALLOWED_ORIGINS", ""), ","),
	}
}

func (s settings) logger() *slog.Logger {
	return logger.New(s.logLevel, s.logFormat)
}

// buildPollers loads the backend list and creates one Poller per backend.
// Invalid backends are logged and skipped.
func buildPollers(s settings, log *slog.Logger) ([]poller.Poller, error) {
	backends, err := poller.LoadBackends(s.backendsFile)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: s.pollTimeout}

	pollers := make([]poller.Poller, 0, len(backends))
	for _, b := range backends {
		p, err := poller.New(b, client)
		if err != nil {
			log.Error("skipping backend", slog.String("error", err.Error()))
			continue
		}
		pollers = append(pollers, p)
	}
	return pollers, nil
}
