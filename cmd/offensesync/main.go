package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"offensesync/config"
	"offensesync/internal/logger"
	"offensesync/pkg/models"
)

const defaultConfigName = "offensesync.yml"

// errRunFailed makes the process exit non-zero after a failed run. The
// report has already been logged and written.
var errRunFailed = errors.New("sync run failed")

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, defaultConfigName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return defaultConfigName
}

func applyDefaults(cfg *config.Config) {
	c := &cfg.OffenseSync

	if c.QRadar.Timeout <= 0 {
		c.QRadar.Timeout = 30 * time.Second
	}
	if c.TheHive.Timeout <= 0 {
		c.TheHive.Timeout = 10 * time.Second
	}

	if c.Sync.AddressTimeout <= 0 {
		c.Sync.AddressTimeout = 3 * time.Second
	}
	if c.Sync.AddressConcurrency <= 0 {
		c.Sync.AddressConcurrency = 4
	}
	if c.Sync.LogDelay <= 0 {
		c.Sync.LogDelay = time.Second
	}
	if c.Sync.LogLimit <= 0 {
		c.Sync.LogLimit = 3
	}
	if c.Sync.SearchPollInterval <= 0 {
		c.Sync.SearchPollInterval = time.Second
	}
	if c.Sync.SearchTimeout == 0 {
		c.Sync.SearchTimeout = 2 * time.Minute
	}
	if c.Sync.WindowMinutes <= 0 {
		c.Sync.WindowMinutes = 1
	}

	if c.State.Mode == "" {
		c.State.Mode = "file"
	}
	if c.State.File == "" {
		c.State.File = "state/offensesync.state.yml"
	}
	if c.State.InitialCursor == 0 {
		c.State.InitialCursor = -1
	}
	if c.State.GuardTTL <= 0 {
		c.State.GuardTTL = 30 * time.Minute
	}
	if c.State.Redis.Addr == "" {
		c.State.Redis.Addr = "127.0.0.1:6379"
	}
	if c.State.Redis.KeyPrefix == "" {
		c.State.Redis.KeyPrefix = "offensesync"
	}

	if c.Rules.Path == "" {
		c.Rules.Path = "rules"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func loadConfig(configArg string) (*config.Config, string, error) {
	configPath := findConfigFile(configArg)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("failed to load config: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, configPath, err
	}

	logging := cfg.OffenseSync.Logging
	if err := logger.Init(logging.Enabled, logging.Level, logging.File, logging.Console); err != nil {
		return nil, configPath, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, configPath, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func optionalArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "offensesync [config.yml]",
		Short:         "Import open QRadar offenses into TheHive as alerts",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(optionalArg(args, 0), models.ModeCursor, 0)
		},
	}

	var minutes int
	window := &cobra.Command{
		Use:   "window [config.yml]",
		Short: "Import open offenses updated within the last minutes, without using the cursor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(optionalArg(args, 0), models.ModeWindow, minutes)
		},
	}
	window.Flags().IntVar(&minutes, "minutes", 0, "Window length in minutes (defaults to sync.window_minutes)")

	closeCmd := &cobra.Command{
		Use:   "close <offense-id> [config.yml]",
		Short: "Close an offense if it is still open",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			offenseID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid offense id %q: %w", args[0], err)
			}
			return runClose(optionalArg(args, 1), offenseID)
		},
	}

	root.AddCommand(window, closeCmd)
	return root
}

func runSync(configArg, mode string, minutes int) error {
	cfg, configPath, err := loadConfig(configArg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Infof("offensesync starting")
	logger.Infof("Config loaded from: %s", configPath)

	a, err := newApp(cfg)
	if err != nil {
		logger.Errorf("Failed to initialize: %v", err)
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	var report models.Report
	switch mode {
	case models.ModeWindow:
		if minutes <= 0 {
			minutes = cfg.OffenseSync.Sync.WindowMinutes
		}
		window := time.Duration(minutes) * time.Minute
		report = a.pipeline.RunGuarded(ctx, mode, func(ctx context.Context) models.Report {
			return a.pipeline.RunWindow(ctx, window)
		})
	default:
		report = a.pipeline.RunGuarded(ctx, mode, a.pipeline.Run)
	}

	for _, outcome := range report.Offenses {
		logger.Infof("Is offense %d cloned to alert %q: %t", outcome.OffenseID, outcome.AlertID, outcome.Success)
	}
	a.writeMetrics()

	if !report.Success {
		return errRunFailed
	}
	return nil
}

func runClose(configArg string, offenseID int64) error {
	cfg, _, err := loadConfig(configArg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	client, err := newQRadarClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	open, err := client.IsOpen(ctx, offenseID)
	if err != nil {
		logger.Errorf("Failed to check offense %d status: %v", offenseID, err)
		return err
	}
	if !open {
		logger.Infof("Offense %d is not open, nothing to do", offenseID)
		return nil
	}
	if err := client.Close(ctx, offenseID); err != nil {
		logger.Errorf("Failed to close offense %d: %v", offenseID, err)
		return err
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
